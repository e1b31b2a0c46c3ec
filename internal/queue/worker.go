package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relayhub/unibox/internal/domain"
	"github.com/relayhub/unibox/internal/pkg/logger"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultClaimBatch   = 10
	sendTimeout         = 30 * time.Second
)

// Pool drains the delivery queue with a fixed set of workers. Each worker
// claims a batch, sends, and settles every job as sent, retryable, or
// dead-lettered before polling again.
type Pool struct {
	repo     Repository
	sender   Sender
	recorder UsageRecorder

	workerID     string
	concurrency  int
	maxAttempts  int
	backoffBase  time.Duration
	pollInterval time.Duration

	totalSent   int64
	totalFailed int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex

	now func() time.Time
}

// NewPool creates a delivery worker pool. concurrency, maxAttempts and
// backoffBase normally come from QueueConfig.
func NewPool(repo Repository, sender Sender, recorder UsageRecorder, concurrency, maxAttempts int, backoffBase time.Duration) *Pool {
	if concurrency <= 0 {
		concurrency = 5
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoffBase <= 0 {
		backoffBase = 2 * time.Second
	}
	return &Pool{
		repo:         repo,
		sender:       sender,
		recorder:     recorder,
		workerID:     fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
		concurrency:  concurrency,
		maxAttempts:  maxAttempts,
		backoffBase:  backoffBase,
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}
}

// Start launches the workers. Idempotent; a running pool is left alone.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	logger.Info("delivery pool starting", "worker_id", p.workerID,
		"concurrency", p.concurrency, "max_attempts", p.maxAttempts)

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop cancels the workers and waits for in-flight sends to settle.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	logger.Info("delivery pool stopped", "worker_id", p.workerID,
		"sent", atomic.LoadInt64(&p.totalSent), "failed", atomic.LoadInt64(&p.totalFailed))
}

func (p *Pool) worker(n int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		jobs, err := p.repo.Claim(p.ctx, p.workerID, defaultClaimBatch)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			logger.Error("claim failed", "worker", n, "error", err)
			p.sleep(p.pollInterval)
			continue
		}
		if len(jobs) == 0 {
			p.sleep(p.pollInterval)
			continue
		}

		for _, job := range jobs {
			p.process(job)
		}
	}
}

// process runs one delivery attempt and settles the job. The attempt being
// processed is job.Attempts+1.
func (p *Pool) process(job *domain.QueuedJob) {
	ctx, cancel := context.WithTimeout(p.ctx, sendTimeout)
	defer cancel()

	err := p.sender.Send(ctx, &job.Request)
	if err == nil {
		p.settleSent(job)
		return
	}

	attempt := job.Attempts + 1
	if attempt >= p.maxAttempts {
		atomic.AddInt64(&p.totalFailed, 1)
		logger.Error("job dead-lettered", "job_id", job.ID, "user_id", job.Request.UserID,
			"attempts", attempt, "error", err)
		if dlErr := p.repo.MarkDeadLetter(context.Background(), job.ID, attempt, err.Error()); dlErr != nil {
			logger.Error("dead-letter update failed", "job_id", job.ID, "error", dlErr)
		}
		return
	}

	nextAt := p.now().Add(p.backoff(attempt))
	logger.Warn("job send failed, will retry", "job_id", job.ID, "attempt", attempt,
		"next_at", nextAt.Format(time.RFC3339), "error", err)
	if rErr := p.repo.MarkRetry(context.Background(), job.ID, attempt, err.Error(), nextAt); rErr != nil {
		logger.Error("retry update failed", "job_id", job.ID, "error", rErr)
	}
}

// settleSent marks the job sent, then records usage. Ordering matters: once
// the durable status says sent the provider call is never repeated, and the
// recorder's idempotency token absorbs any redelivery, so a crash between
// the two steps can undercount but never double-send or double-count.
func (p *Pool) settleSent(job *domain.QueuedJob) {
	atomic.AddInt64(&p.totalSent, 1)

	if err := p.repo.MarkSent(context.Background(), job.ID, p.now()); err != nil {
		logger.Error("mark sent failed", "job_id", job.ID, "error", err)
	}

	if err := p.recorder.Record(context.Background(), job.ID, &job.Request); err != nil {
		// Accounting failure must not fail the delivery; the send happened.
		logger.Error("usage record failed", "job_id", job.ID, "error", err)
	}
}

// backoff returns the delay before the given retry: base, 2x base, 4x base.
func (p *Pool) backoff(attempt int) time.Duration {
	d := p.backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

func (p *Pool) sleep(d time.Duration) {
	select {
	case <-p.ctx.Done():
	case <-time.After(d):
	}
}
