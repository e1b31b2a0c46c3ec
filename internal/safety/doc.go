// Package safety implements the email-sending safety engine: the layered
// guard every outgoing email passes before it is handed to a provider or
// the delivery queue.
//
// The evaluator is a pure decision function over its two injected stores
// (plan entitlements and ephemeral counters). It never writes — counter
// updates and cooldowns belong to the usage recorder, which runs only after
// a send actually succeeds. Denial is a normal return value, not an error;
// the only errors the evaluator swallows are infrastructure failures, which
// fail closed: an outage in the rate-limit store must never allow unmetered
// sending.
package safety
