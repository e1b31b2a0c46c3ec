package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrAccountNotFound is returned when a user has no connected account with
// the given ID.
var ErrAccountNotFound = errors.New("connected account not found")

// AccountRepo implements provider.AccountStore against PostgreSQL.
type AccountRepo struct{ db *sql.DB }

// NewAccountRepo creates a Postgres-backed connected-account repository.
func NewAccountRepo(db *sql.DB) *AccountRepo { return &AccountRepo{db: db} }

// RefreshToken returns the stored OAuth refresh token for the account. The
// user scoping prevents one user sending through another's account.
func (r *AccountRepo) RefreshToken(ctx context.Context, userID string, accountID int64) (string, error) {
	var token string
	err := r.db.QueryRowContext(ctx, `
		SELECT refresh_token FROM channels_account
		WHERE id = $1 AND user_id = $2 AND is_active = true
	`, accountID, userID).Scan(&token)
	if err == sql.ErrNoRows {
		return "", ErrAccountNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get refresh token: %w", err)
	}
	return token, nil
}
