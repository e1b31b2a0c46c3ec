// Package queue implements asynchronous email delivery: a durable
// Postgres-backed job queue, a worker pool that drains it through the
// provider senders, and a recovery loop that requeues work orphaned by
// crashed workers.
//
// Jobs enter through Service.Enqueue after passing the safety check. The
// worker pool claims batches with FOR UPDATE SKIP LOCKED semantics (see the
// repository), sends, and retries transient failures with exponential
// backoff until attempts are exhausted, at which point the job moves to
// dead_letter and stays visible to operators.
package queue
