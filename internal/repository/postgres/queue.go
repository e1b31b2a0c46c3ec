package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relayhub/unibox/internal/domain"
	"github.com/relayhub/unibox/internal/queue"
)

// QueueRepo implements queue.Repository against PostgreSQL. The request
// payload is stored as jsonb so schema changes to SendRequest never need a
// queue migration.
type QueueRepo struct{ db *sql.DB }

// NewQueueRepo creates a Postgres-backed delivery queue.
func NewQueueRepo(db *sql.DB) *QueueRepo { return &QueueRepo{db: db} }

func (r *QueueRepo) Insert(ctx context.Context, job *domain.QueuedJob) error {
	payload, err := json.Marshal(job.Request)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO email_queue
			(id, user_id, provider, payload, priority, status, attempts,
			 scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)
	`, job.ID, job.Request.UserID, string(job.Request.Provider), payload,
		job.Priority, string(job.Status), job.ScheduledAt, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Claim atomically moves up to limit eligible jobs to 'sending' for this
// worker. SKIP LOCKED keeps concurrent workers from blocking on or
// double-claiming the same rows.
func (r *QueueRepo) Claim(ctx context.Context, workerID string, limit int) ([]*domain.QueuedJob, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE email_queue SET status = 'sending', worker_id = $1, claimed_at = NOW()
		WHERE id IN (
			SELECT id FROM email_queue
			WHERE status = 'queued' AND scheduled_at <= NOW()
			ORDER BY priority ASC, scheduled_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, payload, priority, status, attempts, COALESCE(last_error, ''),
		          scheduled_at, created_at
	`, workerID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var out []*domain.QueuedJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (r *QueueRepo) MarkSent(ctx context.Context, jobID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'sent', completed_at = $2, worker_id = NULL
		WHERE id = $1
	`, jobID, at)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

func (r *QueueRepo) MarkRetry(ctx context.Context, jobID string, attempts int, lastError string, nextAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'queued', attempts = $2, last_error = $3,
		    scheduled_at = $4, worker_id = NULL, claimed_at = NULL
		WHERE id = $1
	`, jobID, attempts, lastError, nextAt)
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	return nil
}

func (r *QueueRepo) MarkDeadLetter(ctx context.Context, jobID string, attempts int, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'dead_letter', attempts = $2, last_error = $3,
		    completed_at = NOW(), worker_id = NULL
		WHERE id = $1
	`, jobID, attempts, lastError)
	if err != nil {
		return fmt.Errorf("mark dead letter: %w", err)
	}
	return nil
}

func (r *QueueRepo) Job(ctx context.Context, jobID string) (*domain.QueuedJob, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, payload, priority, status, attempts, COALESCE(last_error, ''),
		       scheduled_at, created_at, completed_at
		FROM email_queue WHERE id = $1
	`, jobID)

	job, err := scanJobWithCompleted(row)
	if err == sql.ErrNoRows {
		return nil, queue.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *QueueRepo) ListByStatus(ctx context.Context, userID string, status domain.JobStatus, limit int) ([]*domain.QueuedJob, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, payload, priority, status, attempts, COALESCE(last_error, ''),
		       scheduled_at, created_at, completed_at
		FROM email_queue
		WHERE user_id = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*domain.QueuedJob
	for rows.Next() {
		job, err := scanJobWithCompleted(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// RequeueStale makes two passes over jobs stuck in 'sending': requeue those
// under the attempt limit with attempts bumped (the claim itself is charged
// as the failed attempt), dead-letter the rest.
func (r *QueueRepo) RequeueStale(ctx context.Context, staleAfter time.Duration, maxAttempts int) (requeued, deadLettered int64, err error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'queued', worker_id = NULL, claimed_at = NULL,
		    attempts = attempts + 1, last_error = 'worker lost'
		WHERE status = 'sending'
		  AND claimed_at < NOW() - $1::interval
		  AND attempts + 1 < $2
	`, staleAfter.String(), maxAttempts)
	if err != nil {
		return 0, 0, fmt.Errorf("requeue stale: %w", err)
	}
	requeued, _ = res.RowsAffected()

	res, err = r.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'dead_letter', worker_id = NULL, completed_at = NOW(),
		    attempts = attempts + 1, last_error = 'worker lost'
		WHERE status = 'sending'
		  AND claimed_at < NOW() - $1::interval
		  AND attempts + 1 >= $2
	`, staleAfter.String(), maxAttempts)
	if err != nil {
		return requeued, 0, fmt.Errorf("dead-letter stale: %w", err)
	}
	deadLettered, _ = res.RowsAffected()
	return requeued, deadLettered, nil
}

// Prune keeps the newest keepCompleted sent rows and keepDead dead_letter
// rows and deletes the rest, bounding table growth.
func (r *QueueRepo) Prune(ctx context.Context, keepCompleted, keepDead int) (int64, error) {
	var total int64
	for _, p := range []struct {
		status string
		keep   int
	}{
		{"sent", keepCompleted},
		{"dead_letter", keepDead},
	} {
		res, err := r.db.ExecContext(ctx, `
			DELETE FROM email_queue
			WHERE status = $1 AND id NOT IN (
				SELECT id FROM email_queue
				WHERE status = $1
				ORDER BY completed_at DESC NULLS LAST
				LIMIT $2
			)
		`, p.status, p.keep)
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", p.status, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*domain.QueuedJob, error) {
	var (
		job     domain.QueuedJob
		payload []byte
		status  string
	)
	if err := row.Scan(&job.ID, &payload, &job.Priority, &status, &job.Attempts,
		&job.LastError, &job.ScheduledAt, &job.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal(payload, &job.Request); err != nil {
		return nil, fmt.Errorf("unmarshal job payload: %w", err)
	}
	job.Status = domain.JobStatus(status)
	return &job, nil
}

func scanJobWithCompleted(row rowScanner) (*domain.QueuedJob, error) {
	var (
		job       domain.QueuedJob
		payload   []byte
		status    string
		completed sql.NullTime
	)
	err := row.Scan(&job.ID, &payload, &job.Priority, &status, &job.Attempts,
		&job.LastError, &job.ScheduledAt, &job.CreatedAt, &completed)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &job.Request); err != nil {
		return nil, fmt.Errorf("unmarshal job payload: %w", err)
	}
	job.Status = domain.JobStatus(status)
	if completed.Valid {
		job.CompletedAt = &completed.Time
	}
	return &job, nil
}
