package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/relayhub/unibox/internal/domain"
)

// EntitlementRepo implements safety.EntitlementStore against PostgreSQL.
type EntitlementRepo struct{ db *sql.DB }

// NewEntitlementRepo creates a Postgres-backed entitlement repository.
func NewEntitlementRepo(db *sql.DB) *EntitlementRepo { return &EntitlementRepo{db: db} }

// Entitlements returns the user's active plan limits. A user without an
// active row is on the free tier, which is a normal state, so the default
// profile comes back with a nil error.
func (r *EntitlementRepo) Entitlements(ctx context.Context, userID string) (domain.EntitlementProfile, error) {
	e := domain.EntitlementProfile{}
	err := r.db.QueryRowContext(ctx, `
		SELECT plan_type, max_recipients_per_message, max_emails_per_hour,
		       max_emails_per_day, max_attachment_size_mb, is_active
		FROM channels_entitlement
		WHERE user_id = $1 AND is_active = true
		ORDER BY updated_at DESC
		LIMIT 1
	`, userID).Scan(
		&e.PlanType, &e.MaxRecipientsPerMessage, &e.MaxEmailsPerHour,
		&e.MaxEmailsPerDay, &e.MaxAttachmentSizeMB, &e.IsActive,
	)
	if err == sql.ErrNoRows {
		return domain.DefaultEntitlements, nil
	}
	if err != nil {
		return domain.EntitlementProfile{}, fmt.Errorf("get entitlements: %w", err)
	}
	return e, nil
}

// Upsert writes a user's plan limits, replacing any existing row. Used by
// the billing webhook path and the migrate seed.
func (r *EntitlementRepo) Upsert(ctx context.Context, userID string, e domain.EntitlementProfile) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO channels_entitlement
			(user_id, plan_type, max_recipients_per_message, max_emails_per_hour,
			 max_emails_per_day, max_attachment_size_mb, is_active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			plan_type = EXCLUDED.plan_type,
			max_recipients_per_message = EXCLUDED.max_recipients_per_message,
			max_emails_per_hour = EXCLUDED.max_emails_per_hour,
			max_emails_per_day = EXCLUDED.max_emails_per_day,
			max_attachment_size_mb = EXCLUDED.max_attachment_size_mb,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()
	`, userID, e.PlanType, e.MaxRecipientsPerMessage, e.MaxEmailsPerHour,
		e.MaxEmailsPerDay, e.MaxAttachmentSizeMB, e.IsActive)
	if err != nil {
		return fmt.Errorf("upsert entitlements: %w", err)
	}
	return nil
}
