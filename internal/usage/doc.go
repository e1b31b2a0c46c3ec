// Package usage implements the write side of the safety engine: after a
// message is actually delivered, the recorder bumps the ephemeral window
// counters, appends to the durable monthly ledger and arms the recipient
// and domain cooldowns.
//
// Record is guarded by a per-job idempotency token claimed in the counter
// store, so a redelivered success signal from the queue cannot double-count
// a send. It is never called on denials or on attempts that have not
// succeeded.
package usage
