package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relayhub/unibox/internal/domain"
)

// DefaultPriority is assigned to every enqueued job. The claim ordering is
// (priority, scheduled_at), so a future admin path can jump the line by
// inserting with a lower number.
const DefaultPriority = 1

// Repository is the durable store behind the queue. Claim must hand each
// job to exactly one worker even under concurrent polling.
type Repository interface {
	Insert(ctx context.Context, job *domain.QueuedJob) error
	Claim(ctx context.Context, workerID string, limit int) ([]*domain.QueuedJob, error)
	MarkSent(ctx context.Context, jobID string, at time.Time) error
	MarkRetry(ctx context.Context, jobID string, attempts int, lastError string, nextAt time.Time) error
	MarkDeadLetter(ctx context.Context, jobID string, attempts int, lastError string) error
	Job(ctx context.Context, jobID string) (*domain.QueuedJob, error)
	ListByStatus(ctx context.Context, userID string, status domain.JobStatus, limit int) ([]*domain.QueuedJob, error)
	RequeueStale(ctx context.Context, staleAfter time.Duration, maxAttempts int) (requeued, deadLettered int64, err error)
	Prune(ctx context.Context, keepCompleted, keepDead int) (int64, error)
}

// Sender delivers one message through its upstream provider. Implemented by
// the provider registry.
type Sender interface {
	Send(ctx context.Context, req *domain.SendRequest) error
}

// UsageRecorder applies post-delivery accounting. Implemented by
// usage.Recorder.
type UsageRecorder interface {
	Record(ctx context.Context, jobID string, req *domain.SendRequest) error
}

// Service is the enqueue/read side of the queue, used by the API layer.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates the queue service over a repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Enqueue persists a job for asynchronous delivery. delay shifts the first
// attempt into the future; zero means eligible immediately. The returned
// job carries the generated ID the caller hands back to the client for
// status polling.
func (s *Service) Enqueue(ctx context.Context, req *domain.SendRequest, delay time.Duration) (*domain.QueuedJob, error) {
	if req == nil || len(req.Recipients) == 0 {
		return nil, fmt.Errorf("enqueue: empty request")
	}

	now := s.now()
	job := &domain.QueuedJob{
		ID:          uuid.New().String(),
		Request:     *req,
		Priority:    DefaultPriority,
		Status:      domain.JobQueued,
		ScheduledAt: now.Add(delay),
		CreatedAt:   now,
	}

	if err := s.repo.Insert(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue insert: %w", err)
	}
	return job, nil
}

// Job returns a single job by ID for status polling.
func (s *Service) Job(ctx context.Context, jobID string) (*domain.QueuedJob, error) {
	return s.repo.Job(ctx, jobID)
}

// List returns a user's jobs in the given state, newest first.
func (s *Service) List(ctx context.Context, userID string, status domain.JobStatus, limit int) ([]*domain.QueuedJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListByStatus(ctx, userID, status, limit)
}
