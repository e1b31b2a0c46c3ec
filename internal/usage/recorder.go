package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/relayhub/unibox/internal/counter"
	"github.com/relayhub/unibox/internal/domain"
	"github.com/relayhub/unibox/internal/pkg/logger"
)

// CounterStore is the write side of the counter store the recorder needs,
// plus the snapshot read serving the usage dashboard.
type CounterStore interface {
	IncrementWindows(ctx context.Context, userID string, now time.Time) (hourly, daily int64, err error)
	SetCooldown(ctx context.Context, scope counter.CooldownScope, userID, scopeKey string, ttl time.Duration, now time.Time) error
	MarkRecorded(ctx context.Context, jobID string) (bool, error)
	Usage(ctx context.Context, userID string, now time.Time) (hourly, daily int64, err error)
}

// Ledger is the durable monthly usage ledger. IncrementMonthly must be a
// single atomic upsert-increment at the storage layer, never read-then-write.
type Ledger interface {
	IncrementMonthly(ctx context.Context, userID string, accountID int64, provider domain.Provider, usageType string, periodStart, periodEnd time.Time, recipients int) error
	MonthlyTotal(ctx context.Context, userID string, since time.Time) (int64, error)
}

// Recorder applies the post-delivery side effects. Safe for concurrent use.
type Recorder struct {
	counters          CounterStore
	ledger            Ledger
	cooldownRecipient time.Duration
	cooldownDomain    time.Duration

	now func() time.Time // injectable for tests
}

// NewRecorder creates a usage recorder over the given stores.
func NewRecorder(counters CounterStore, ledger Ledger, cooldownRecipient, cooldownDomain time.Duration) *Recorder {
	return &Recorder{
		counters:          counters,
		ledger:            ledger,
		cooldownRecipient: cooldownRecipient,
		cooldownDomain:    cooldownDomain,
		now:               time.Now,
	}
}

// Record applies the usage side effects for one delivered job: window
// counters, monthly ledger, then cooldowns. jobID is the idempotency token;
// a second call with the same ID is a no-op, which makes Record safe against
// queue redelivery of a success that was already processed.
func (r *Recorder) Record(ctx context.Context, jobID string, req *domain.SendRequest) error {
	fresh, err := r.counters.MarkRecorded(ctx, jobID)
	if err != nil {
		return fmt.Errorf("claim idempotency token: %w", err)
	}
	if !fresh {
		logger.Info("duplicate usage record dropped", "job_id", jobID, "user_id", req.UserID)
		return nil
	}

	now := r.now()

	hourly, daily, err := r.counters.IncrementWindows(ctx, req.UserID, now)
	if err != nil {
		return fmt.Errorf("increment windows: %w", err)
	}

	// Ledger rows are hour-aligned buckets; the monthly rollup sums them.
	periodStart := now.Truncate(time.Hour)
	periodEnd := periodStart.Add(time.Hour)
	if err := r.ledger.IncrementMonthly(ctx, req.UserID, req.AccountID, req.Provider, "email", periodStart, periodEnd, len(req.Recipients)); err != nil {
		return fmt.Errorf("ledger upsert: %w", err)
	}

	// Cooldowns are refreshed unconditionally, not accumulated.
	for _, rcpt := range req.Recipients {
		if err := r.counters.SetCooldown(ctx, counter.ScopeRecipient, req.UserID, rcpt, r.cooldownRecipient, now); err != nil {
			return fmt.Errorf("recipient cooldown: %w", err)
		}
	}
	for _, dom := range req.RecipientDomains() {
		if err := r.counters.SetCooldown(ctx, counter.ScopeDomain, req.UserID, dom, r.cooldownDomain, now); err != nil {
			return fmt.Errorf("domain cooldown: %w", err)
		}
	}

	logger.Debug("usage recorded", "job_id", jobID, "user_id", req.UserID,
		"hourly", hourly, "daily", daily, "recipients", len(req.Recipients))
	return nil
}

// Usage returns the current usage snapshot for the dashboard: live window
// counters plus the durable monthly total since the start of the calendar
// month.
func (r *Recorder) Usage(ctx context.Context, userID string) (domain.UsageSnapshot, error) {
	now := r.now()

	hourly, daily, err := r.counters.Usage(ctx, userID, now)
	if err != nil {
		return domain.UsageSnapshot{}, fmt.Errorf("window usage: %w", err)
	}

	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	monthly, err := r.ledger.MonthlyTotal(ctx, userID, monthStart)
	if err != nil {
		return domain.UsageSnapshot{}, fmt.Errorf("monthly total: %w", err)
	}

	return domain.UsageSnapshot{Hourly: hourly, Daily: daily, Monthly: monthly}, nil
}
