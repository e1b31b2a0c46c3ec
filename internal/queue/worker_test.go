package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/relayhub/unibox/internal/domain"
)

// memRepo is an in-memory Repository for worker tests.
type memRepo struct {
	mu   sync.Mutex
	jobs map[string]*domain.QueuedJob

	retryCalls []time.Time // nextAt passed to MarkRetry, in order
}

func newMemRepo() *memRepo {
	return &memRepo{jobs: make(map[string]*domain.QueuedJob)}
}

func (m *memRepo) Insert(_ context.Context, job *domain.QueuedJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memRepo) Claim(_ context.Context, workerID string, limit int) ([]*domain.QueuedJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []*domain.QueuedJob
	for _, j := range m.jobs {
		if len(out) >= limit {
			break
		}
		if j.Status == domain.JobQueued && !j.ScheduledAt.After(now) {
			j.Status = domain.JobSending
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memRepo) MarkSent(_ context.Context, jobID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("no such job %s", jobID)
	}
	j.Status = domain.JobSent
	j.CompletedAt = &at
	return nil
}

func (m *memRepo) MarkRetry(_ context.Context, jobID string, attempts int, lastError string, nextAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[jobID]
	j.Status = domain.JobQueued
	j.Attempts = attempts
	j.LastError = lastError
	j.ScheduledAt = nextAt
	m.retryCalls = append(m.retryCalls, nextAt)
	return nil
}

func (m *memRepo) MarkDeadLetter(_ context.Context, jobID string, attempts int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[jobID]
	j.Status = domain.JobDeadLetter
	j.Attempts = attempts
	j.LastError = lastError
	return nil
}

func (m *memRepo) Job(_ context.Context, jobID string) (*domain.QueuedJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("no such job %s", jobID)
	}
	cp := *j
	return &cp, nil
}

func (m *memRepo) ListByStatus(_ context.Context, userID string, status domain.JobStatus, limit int) ([]*domain.QueuedJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.QueuedJob
	for _, j := range m.jobs {
		if j.Request.UserID == userID && j.Status == status && len(out) < limit {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memRepo) RequeueStale(context.Context, time.Duration, int) (int64, int64, error) {
	return 0, 0, nil
}

func (m *memRepo) Prune(context.Context, int, int) (int64, error) { return 0, nil }

func (m *memRepo) status(t *testing.T, jobID string) domain.JobStatus {
	t.Helper()
	j, err := m.Job(context.Background(), jobID)
	if err != nil {
		t.Fatal(err)
	}
	return j.Status
}

// fakeSender fails the first failures calls, then succeeds.
type fakeSender struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *fakeSender) Send(context.Context, *domain.SendRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("provider unavailable")
	}
	return nil
}

type fakeRecorder struct {
	mu    sync.Mutex
	jobs  []string
	calls int
}

func (f *fakeRecorder) Record(_ context.Context, jobID string, _ *domain.SendRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.jobs = append(f.jobs, jobID)
	return nil
}

func queuedJob(t *testing.T, repo *memRepo) *domain.QueuedJob {
	t.Helper()
	svc := NewService(repo)
	job, err := svc.Enqueue(context.Background(), &domain.SendRequest{
		UserID:     "user-1",
		AccountID:  7,
		Provider:   domain.ProviderGmail,
		Recipients: []string{"a@example.com"},
		Subject:    "hi",
	}, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return job
}

func TestEnqueue_Defaults(t *testing.T) {
	repo := newMemRepo()
	job := queuedJob(t, repo)

	if job.ID == "" {
		t.Error("expected generated job ID")
	}
	if job.Priority != DefaultPriority {
		t.Errorf("expected priority %d, got %d", DefaultPriority, job.Priority)
	}
	if job.Status != domain.JobQueued {
		t.Errorf("expected status queued, got %s", job.Status)
	}
	if job.ScheduledAt.After(time.Now()) {
		t.Error("zero delay must schedule immediately")
	}
}

func TestEnqueue_DelayShiftsSchedule(t *testing.T) {
	svc := NewService(newMemRepo())
	job, err := svc.Enqueue(context.Background(), &domain.SendRequest{
		UserID: "user-1", Recipients: []string{"a@example.com"},
	}, 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if until := time.Until(job.ScheduledAt); until < 9*time.Minute {
		t.Errorf("expected ~10m delay, got %s", until)
	}
}

func TestProcess_SuccessMarksSentAndRecordsOnce(t *testing.T) {
	repo := newMemRepo()
	sender := &fakeSender{}
	rec := &fakeRecorder{}
	pool := NewPool(repo, sender, rec, 1, 3, 2*time.Second)
	pool.ctx, pool.cancel = context.WithCancel(context.Background())
	defer pool.cancel()

	job := queuedJob(t, repo)
	claimed, _ := repo.Claim(context.Background(), "w", 10)
	pool.process(claimed[0])

	if got := repo.status(t, job.ID); got != domain.JobSent {
		t.Errorf("expected sent, got %s", got)
	}
	if rec.calls != 1 || rec.jobs[0] != job.ID {
		t.Errorf("expected one usage record for %s, got %d (%v)", job.ID, rec.calls, rec.jobs)
	}
}

func TestProcess_TransientFailureRequeuesWithBackoff(t *testing.T) {
	repo := newMemRepo()
	sender := &fakeSender{failures: 1}
	rec := &fakeRecorder{}
	pool := NewPool(repo, sender, rec, 1, 3, 2*time.Second)
	pool.ctx, pool.cancel = context.WithCancel(context.Background())
	defer pool.cancel()

	job := queuedJob(t, repo)
	claimed, _ := repo.Claim(context.Background(), "w", 10)
	before := time.Now()
	pool.process(claimed[0])

	if got := repo.status(t, job.ID); got != domain.JobQueued {
		t.Errorf("expected requeue after first failure, got %s", got)
	}
	if rec.calls != 0 {
		t.Error("usage must not be recorded for a failed attempt")
	}
	stored, _ := repo.Job(context.Background(), job.ID)
	if stored.Attempts != 1 {
		t.Errorf("expected attempts=1, got %d", stored.Attempts)
	}
	if delay := stored.ScheduledAt.Sub(before); delay < 1900*time.Millisecond || delay > 3*time.Second {
		t.Errorf("expected ~2s first backoff, got %s", delay)
	}
}

func TestProcess_ExhaustedAttemptsDeadLetter(t *testing.T) {
	repo := newMemRepo()
	sender := &fakeSender{failures: 100}
	rec := &fakeRecorder{}
	pool := NewPool(repo, sender, rec, 1, 3, time.Millisecond)
	pool.ctx, pool.cancel = context.WithCancel(context.Background())
	defer pool.cancel()

	job := queuedJob(t, repo)
	for i := 0; i < 3; i++ {
		// let the retry schedule elapse before reclaiming
		time.Sleep(5 * time.Millisecond)
		claimed, _ := repo.Claim(context.Background(), "w", 10)
		if len(claimed) != 1 {
			t.Fatalf("attempt %d: expected one claimable job, got %d", i+1, len(claimed))
		}
		pool.process(claimed[0])
	}

	stored, _ := repo.Job(context.Background(), job.ID)
	if stored.Status != domain.JobDeadLetter {
		t.Errorf("expected dead_letter after 3 attempts, got %s", stored.Status)
	}
	if stored.Attempts != 3 {
		t.Errorf("expected attempts=3, got %d", stored.Attempts)
	}
	if stored.LastError == "" {
		t.Error("dead-lettered job must keep its last error")
	}
	if rec.calls != 0 {
		t.Error("usage must not be recorded for a dead-lettered job")
	}
	if len(repo.retryCalls) != 2 {
		t.Errorf("expected 2 retries before dead-letter, got %d", len(repo.retryCalls))
	}
}

func TestBackoff_Doubles(t *testing.T) {
	pool := NewPool(newMemRepo(), &fakeSender{}, &fakeRecorder{}, 1, 5, 2*time.Second)
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := pool.backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %s, want %s", i+1, got, w)
		}
	}
}

func TestPool_DrainsQueue(t *testing.T) {
	repo := newMemRepo()
	sender := &fakeSender{}
	rec := &fakeRecorder{}

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, queuedJob(t, repo).ID)
	}

	pool := NewPool(repo, sender, rec, 3, 3, time.Second)
	pool.pollInterval = 10 * time.Millisecond
	pool.Start()
	defer pool.Stop()

	deadline := time.After(2 * time.Second)
	for {
		done := true
		for _, id := range ids {
			if repo.status(t, id) != domain.JobSent {
				done = false
			}
		}
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("pool did not drain queue in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
