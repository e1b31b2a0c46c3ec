package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/relayhub/unibox/internal/domain"
	"github.com/relayhub/unibox/internal/queue"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

// =============================================================================
// ENTITLEMENT REPO
// =============================================================================

func TestEntitlements_ActiveRow(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{
		"plan_type", "max_recipients_per_message", "max_emails_per_hour",
		"max_emails_per_day", "max_attachment_size_mb", "is_active",
	}).AddRow("pro", 50, 500, 2000, 25.0, true)

	mock.ExpectQuery("SELECT plan_type, max_recipients_per_message").
		WithArgs("user-1").
		WillReturnRows(rows)

	repo := NewEntitlementRepo(db)
	e, err := repo.Entitlements(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Entitlements: %v", err)
	}
	if e.PlanType != "pro" || e.MaxEmailsPerHour != 500 {
		t.Errorf("unexpected profile: %+v", e)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestEntitlements_NoRowFallsBackToDefault(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT plan_type, max_recipients_per_message").
		WithArgs("user-2").
		WillReturnError(sql.ErrNoRows)

	repo := NewEntitlementRepo(db)
	e, err := repo.Entitlements(context.Background(), "user-2")
	if err != nil {
		t.Fatalf("missing row must not be an error, got: %v", err)
	}
	if e != domain.DefaultEntitlements {
		t.Errorf("expected free-tier defaults, got %+v", e)
	}
}

func TestEntitlements_QueryErrorSurfaces(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT plan_type, max_recipients_per_message").
		WithArgs("user-3").
		WillReturnError(sql.ErrConnDone)

	repo := NewEntitlementRepo(db)
	if _, err := repo.Entitlements(context.Background(), "user-3"); err == nil {
		t.Error("infrastructure failure must surface as an error")
	}
}

// =============================================================================
// USAGE REPO
// =============================================================================

func TestIncrementMonthly_SingleUpsertStatement(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	start := time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO channels_usage").
		WithArgs("user-1", int64(7), "gmail", "email", start, start.Add(time.Hour), 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewUsageRepo(db)
	err := repo.IncrementMonthly(context.Background(), "user-1", 7, domain.ProviderGmail,
		"email", start, start.Add(time.Hour), 3)
	if err != nil {
		t.Fatalf("IncrementMonthly: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMonthlyTotal_NullSumReadsAsZero(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT SUM").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(nil))

	repo := NewUsageRepo(db)
	total, err := repo.MonthlyTotal(context.Background(), "user-1", time.Now())
	if err != nil {
		t.Fatalf("MonthlyTotal: %v", err)
	}
	if total != 0 {
		t.Errorf("no rows should read as zero, got %d", total)
	}
}

// =============================================================================
// QUEUE REPO
// =============================================================================

func TestQueueInsert(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	job := &domain.QueuedJob{
		ID: "job-1",
		Request: domain.SendRequest{
			UserID:     "user-1",
			Provider:   domain.ProviderGmail,
			Recipients: []string{"a@example.com"},
		},
		Priority:    queue.DefaultPriority,
		Status:      domain.JobQueued,
		ScheduledAt: time.Now(),
		CreatedAt:   time.Now(),
	}

	mock.ExpectExec("INSERT INTO email_queue").
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewQueueRepo(db)
	if err := repo.Insert(context.Background(), job); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestQueueClaim_RoundTripsPayload(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	payload := `{"user_id":"user-1","account_id":7,"provider":"gmail","recipients":["a@example.com"],"subject":"hi","body":""}`
	rows := sqlmock.NewRows([]string{
		"id", "payload", "priority", "status", "attempts", "last_error",
		"scheduled_at", "created_at",
	}).AddRow("job-1", []byte(payload), 1, "sending", 0, "", now, now)

	mock.ExpectQuery("UPDATE email_queue SET status = 'sending'").
		WithArgs("worker-abc", 10).
		WillReturnRows(rows)

	repo := NewQueueRepo(db)
	jobs, err := repo.Claim(context.Background(), "worker-abc", 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 claimed job, got %d", len(jobs))
	}
	j := jobs[0]
	if j.Status != domain.JobSending {
		t.Errorf("expected sending, got %s", j.Status)
	}
	if j.Request.UserID != "user-1" || j.Request.Recipients[0] != "a@example.com" {
		t.Errorf("payload did not round-trip: %+v", j.Request)
	}
}

func TestQueueJob_NotFound(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id, payload").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	repo := NewQueueRepo(db)
	if _, err := repo.Job(context.Background(), "missing"); err != queue.ErrJobNotFound {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestRequeueStale_TwoPasses(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE email_queue").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE email_queue").
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewQueueRepo(db)
	requeued, dead, err := repo.RequeueStale(context.Background(), 5*time.Minute, 3)
	if err != nil {
		t.Fatalf("RequeueStale: %v", err)
	}
	if requeued != 2 || dead != 1 {
		t.Errorf("expected 2 requeued / 1 dead-lettered, got %d/%d", requeued, dead)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPrune_BothStatuses(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("DELETE FROM email_queue").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec("DELETE FROM email_queue").
		WillReturnResult(sqlmock.NewResult(0, 3))

	repo := NewQueueRepo(db)
	n, err := repo.Prune(context.Background(), 100, 50)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 7 {
		t.Errorf("expected 7 pruned rows, got %d", n)
	}
}
