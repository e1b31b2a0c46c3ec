package safety

import (
	"context"
	"time"

	"github.com/relayhub/unibox/internal/counter"
	"github.com/relayhub/unibox/internal/domain"
)

// EntitlementStore looks up the plan limits billing granted a user.
// Implementations must treat a missing profile as the free-tier default,
// not as an error — only infrastructure failures surface as errors.
type EntitlementStore interface {
	Entitlements(ctx context.Context, userID string) (domain.EntitlementProfile, error)
}

// CounterReader is the read-only slice of the counter store the evaluator
// needs. The write side lives in the usage recorder.
type CounterReader interface {
	HourlyCount(ctx context.Context, userID string, now time.Time) (int64, error)
	DailyCount(ctx context.Context, userID string, now time.Time) (int64, error)
	Cooldown(ctx context.Context, scope counter.CooldownScope, userID, scopeKey string, now time.Time) (expiry time.Time, ok bool, err error)
}
