// Package provider contains the outbound senders for each connected
// channel: Gmail (users.messages.send), Outlook (Microsoft Graph
// sendMail), and the messaging aggregator that fronts WhatsApp and
// Instagram. A Registry dispatches each job to the sender for its
// provider.
//
// Email senders authenticate with per-account OAuth bearer tokens minted
// by TokenSource; the aggregator uses a platform API key. All HTTP calls go
// through httpretry so transient upstream 5xx responses are absorbed before
// the queue's own retry ladder gets involved.
package provider
