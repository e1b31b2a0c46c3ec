package domain

import (
	"strings"
	"time"
)

// Provider identifies the upstream channel a message is sent through.
type Provider string

const (
	ProviderGmail     Provider = "gmail"
	ProviderOutlook   Provider = "outlook"
	ProviderWhatsApp  Provider = "whatsapp"
	ProviderInstagram Provider = "instagram"
)

// IsEmail reports whether the provider delivers over email. Cooldown and
// attachment policy only apply to email providers.
func (p Provider) IsEmail() bool {
	return p == ProviderGmail || p == ProviderOutlook
}

// Attachment describes one file attached to an outgoing email. Size is the
// raw byte count, not the base64-encoded length.
type Attachment struct {
	Name       string `json:"name"`
	MimeType   string `json:"type"`
	SizeBytes  int64  `json:"size"`
	StorageKey string `json:"storage_key,omitempty"` // set once staged to object storage
}

// SendRequest is one attempt to send a message through a connected account.
// Recipients order is preserved for auditing; limit checks ignore it.
type SendRequest struct {
	UserID     string       `json:"user_id"`
	AccountID  int64        `json:"account_id"`
	Provider   Provider     `json:"provider"`
	Recipients []string     `json:"recipients"`
	Subject    string       `json:"subject"`
	Body       string       `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// RecipientDomains returns the distinct domains among the request's
// recipients, lowercased, in first-seen order. Addresses without an "@"
// are skipped.
func (r *SendRequest) RecipientDomains() []string {
	seen := make(map[string]bool, len(r.Recipients))
	var domains []string
	for _, rcpt := range r.Recipients {
		at := strings.LastIndex(rcpt, "@")
		if at < 0 || at == len(rcpt)-1 {
			continue
		}
		d := strings.ToLower(rcpt[at+1:])
		if !seen[d] {
			seen[d] = true
			domains = append(domains, d)
		}
	}
	return domains
}

// EntitlementProfile is the set of plan limits billing grants a user.
// Absence of a row in channels_entitlement means the free tier; the
// repository applies DefaultEntitlements at that boundary so callers never
// see zero values.
type EntitlementProfile struct {
	PlanType                string  `json:"plan_type"`
	MaxRecipientsPerMessage int     `json:"max_recipients_per_message"`
	MaxEmailsPerHour        int     `json:"max_emails_per_hour"`
	MaxEmailsPerDay         int     `json:"max_emails_per_day"`
	MaxAttachmentSizeMB     float64 `json:"max_attachment_size_mb"`
	IsActive                bool    `json:"is_active"`
}

// DefaultEntitlements is the system-wide free-tier fallback used when no
// active entitlement row exists, and for the limits echoed on fail-closed
// denials.
var DefaultEntitlements = EntitlementProfile{
	PlanType:                "free",
	MaxRecipientsPerMessage: 10,
	MaxEmailsPerHour:        50,
	MaxEmailsPerDay:         200,
	MaxAttachmentSizeMB:     10,
	IsActive:                true,
}

// Limits is the entitlement snapshot echoed back on every safety decision
// so the frontend can render quota UI without a second call.
type Limits struct {
	Recipients int `json:"recipients"`
	Hourly     int `json:"hourly"`
	Daily      int `json:"daily"`
}

// LimitsOf extracts the reportable limit snapshot from an entitlement profile.
func LimitsOf(e EntitlementProfile) Limits {
	return Limits{
		Recipients: e.MaxRecipientsPerMessage,
		Hourly:     e.MaxEmailsPerHour,
		Daily:      e.MaxEmailsPerDay,
	}
}

// RateLimitResult is the outcome of a safety check. Denial is a normal
// value, not an error: Allowed=false with a human-readable Reason and,
// for transient limits, RetryAfter in seconds.
type RateLimitResult struct {
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
	Limits     Limits `json:"limits"`
}

// UsageSnapshot is the read-only view served to the usage dashboard.
type UsageSnapshot struct {
	Hourly  int64 `json:"hourly"`
	Daily   int64 `json:"daily"`
	Monthly int64 `json:"monthly"`
}

// JobStatus tracks a queued send through its lifecycle.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobSending    JobStatus = "sending"
	JobSent       JobStatus = "sent"
	JobFailed     JobStatus = "failed"      // will be retried
	JobDeadLetter JobStatus = "dead_letter" // retries exhausted, kept for operators
)

// QueuedJob is one unit of asynchronous delivery work. ID doubles as the
// idempotency token: the usage recorder refuses to record the same job twice
// even if the queue redelivers a success.
type QueuedJob struct {
	ID            string      `json:"id"`
	Request       SendRequest `json:"request"`
	Priority      int         `json:"priority"`
	Status        JobStatus   `json:"status"`
	Attempts      int         `json:"attempts"`
	LastError     string      `json:"last_error,omitempty"`
	ScheduledAt   time.Time   `json:"scheduled_at"`
	CreatedAt     time.Time   `json:"created_at"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}
