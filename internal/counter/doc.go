// Package counter implements the ephemeral counter store behind the email
// safety engine: hourly/daily send windows, per-recipient and per-domain
// cooldowns, and the per-job recorded markers that make usage recording
// idempotent.
//
// All state lives in Redis. Increments are atomic at the store level
// (Lua INCR + EXPIRE-on-create), never read-modify-write from the
// application, so concurrent workers bumping the same window key cannot
// lose updates. Keys embed the time bucket (floor(epochMillis / window)),
// which means old buckets become unreachable on rollover and TTL eviction
// reclaims them.
package counter
