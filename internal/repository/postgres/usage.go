package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/relayhub/unibox/internal/domain"
)

// UsageRepo implements usage.Ledger against PostgreSQL. Rows in
// channels_usage are hour-aligned buckets keyed by
// (user, account, provider, usage_type, period_start).
type UsageRepo struct{ db *sql.DB }

// NewUsageRepo creates a Postgres-backed usage ledger.
func NewUsageRepo(db *sql.DB) *UsageRepo { return &UsageRepo{db: db} }

// IncrementMonthly upsert-increments the usage bucket in one statement.
// The increment happens inside the ON CONFLICT clause so concurrent
// recorders never lose an update.
func (r *UsageRepo) IncrementMonthly(ctx context.Context, userID string, accountID int64, provider domain.Provider, usageType string, periodStart, periodEnd time.Time, recipients int) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO channels_usage
			(user_id, account_id, provider, usage_type, count,
			 period_start, period_end, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, $5, $6,
		        jsonb_build_object('recipients', $7::int), NOW(), NOW())
		ON CONFLICT (user_id, account_id, provider, usage_type, period_start)
		DO UPDATE SET
			count = channels_usage.count + 1,
			metadata = jsonb_set(channels_usage.metadata, '{recipients}',
				to_jsonb(COALESCE((channels_usage.metadata->>'recipients')::int, 0) + $7::int)),
			updated_at = NOW()
	`, userID, accountID, string(provider), usageType, periodStart, periodEnd, recipients)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	return nil
}

// MonthlyTotal sums the user's email sends across all accounts since the
// given instant, normally the start of the calendar month.
func (r *UsageRepo) MonthlyTotal(ctx context.Context, userID string, since time.Time) (int64, error) {
	var total sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT SUM(count) FROM channels_usage
		WHERE user_id = $1 AND usage_type = 'email' AND period_start >= $2
	`, userID, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("monthly total: %w", err)
	}
	return total.Int64, nil
}

// ByProvider breaks the user's usage down per provider for the dashboard.
func (r *UsageRepo) ByProvider(ctx context.Context, userID string, since time.Time) (map[domain.Provider]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT provider, SUM(count) FROM channels_usage
		WHERE user_id = $1 AND period_start >= $2
		GROUP BY provider
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("usage by provider: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.Provider]int64)
	for rows.Next() {
		var p string
		var n int64
		if err := rows.Scan(&p, &n); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		out[domain.Provider(p)] = n
	}
	return out, rows.Err()
}
