package safety

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/relayhub/unibox/internal/counter"
	"github.com/relayhub/unibox/internal/domain"
	"github.com/relayhub/unibox/internal/pkg/logger"
)

// Retry horizons reported with window denials, in seconds.
const (
	retryAfterHourly = 3600
	retryAfterDaily  = 86400
)

// failClosedReason is the generic reason for infrastructure failures.
// It is deliberately vague: the user cannot fix a store outage, and the
// real cause goes to the operator log.
const failClosedReason = "Safety check failed. Please try again later."

// Service is the safety evaluator. Stateless and safe for concurrent use;
// all state lives in the injected stores.
type Service struct {
	entitlements EntitlementStore
	counters     CounterReader
	policy       *AttachmentPolicy
	storeTimeout time.Duration

	now func() time.Time // injectable for tests
}

// NewService creates a safety evaluator over the given stores. storeTimeout
// bounds every external read so a slow store degrades to the fail-closed
// denial instead of hanging the request path.
func NewService(entitlements EntitlementStore, counters CounterReader, policy *AttachmentPolicy, storeTimeout time.Duration) *Service {
	if storeTimeout <= 0 {
		storeTimeout = 3 * time.Second
	}
	return &Service{
		entitlements: entitlements,
		counters:     counters,
		policy:       policy,
		storeTimeout: storeTimeout,
		now:          time.Now,
	}
}

// Check decides whether a send request may proceed. Checks short-circuit in
// a fixed order — structural request errors first, then window counters,
// then cooldowns — so cheap local failures never pay for remote reads.
// Check performs no writes; calling it twice against identical store state
// yields identical decisions.
func (s *Service) Check(ctx context.Context, req *domain.SendRequest) domain.RateLimitResult {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	now := s.now()

	ent, err := s.entitlements.Entitlements(ctx, req.UserID)
	if err != nil {
		return s.failClosed("entitlement lookup failed", req.UserID, err)
	}
	limits := domain.LimitsOf(ent)

	// 1. Recipient count — structural, no retry timer.
	if len(req.Recipients) > ent.MaxRecipientsPerMessage {
		return domain.RateLimitResult{
			Allowed: false,
			Reason:  fmt.Sprintf("Too many recipients. Maximum allowed: %d", ent.MaxRecipientsPerMessage),
			Limits:  limits,
		}
	}

	// 2. Attachment policy — structural, no retry timer.
	if ok, reason := s.policy.Check(req.Attachments, ent.MaxAttachmentSizeMB); !ok {
		return domain.RateLimitResult{
			Allowed: false,
			Reason:  reason,
			Limits:  limits,
		}
	}

	// 3. Window counters.
	hourly, err := s.counters.HourlyCount(ctx, req.UserID, now)
	if err != nil {
		return s.failClosed("hourly counter read failed", req.UserID, err)
	}
	if hourly >= int64(ent.MaxEmailsPerHour) {
		return domain.RateLimitResult{
			Allowed:    false,
			Reason:     fmt.Sprintf("Hourly email limit exceeded. Limit: %d", ent.MaxEmailsPerHour),
			RetryAfter: retryAfterHourly,
			Limits:     limits,
		}
	}

	daily, err := s.counters.DailyCount(ctx, req.UserID, now)
	if err != nil {
		return s.failClosed("daily counter read failed", req.UserID, err)
	}
	if daily >= int64(ent.MaxEmailsPerDay) {
		return domain.RateLimitResult{
			Allowed:    false,
			Reason:     fmt.Sprintf("Daily email limit exceeded. Limit: %d", ent.MaxEmailsPerDay),
			RetryAfter: retryAfterDaily,
			Limits:     limits,
		}
	}

	// 4. Recipient cooldowns — first violation wins, remaining recipients
	// are not checked.
	for _, rcpt := range req.Recipients {
		expiry, active, err := s.counters.Cooldown(ctx, counter.ScopeRecipient, req.UserID, rcpt, now)
		if err != nil {
			return s.failClosed("recipient cooldown read failed", req.UserID, err)
		}
		if active {
			return domain.RateLimitResult{
				Allowed:    false,
				Reason:     fmt.Sprintf("Recipient %q is in cooldown period", rcpt),
				RetryAfter: secondsUntil(expiry, now),
				Limits:     limits,
			}
		}
	}

	// 5. Domain cooldowns over the distinct recipient domains.
	for _, dom := range req.RecipientDomains() {
		expiry, active, err := s.counters.Cooldown(ctx, counter.ScopeDomain, req.UserID, dom, now)
		if err != nil {
			return s.failClosed("domain cooldown read failed", req.UserID, err)
		}
		if active {
			return domain.RateLimitResult{
				Allowed:    false,
				Reason:     fmt.Sprintf("Domain %q is in cooldown period", dom),
				RetryAfter: secondsUntil(expiry, now),
				Limits:     limits,
			}
		}
	}

	return domain.RateLimitResult{Allowed: true, Limits: limits}
}

// failClosed translates an infrastructure failure into a denial with the
// system default limits. The error is for operators, not the user.
func (s *Service) failClosed(msg, userID string, err error) domain.RateLimitResult {
	logger.Error("safety check failed closed", "user_id", userID, "cause", msg, "error", err)
	return domain.RateLimitResult{
		Allowed: false,
		Reason:  failClosedReason,
		Limits:  domain.LimitsOf(domain.DefaultEntitlements),
	}
}

// secondsUntil rounds the remaining cooldown up to whole seconds, matching
// the ceil((expiry-now)/1000) the frontend countdown expects.
func secondsUntil(expiry, now time.Time) int {
	return int(math.Ceil(expiry.Sub(now).Seconds()))
}
