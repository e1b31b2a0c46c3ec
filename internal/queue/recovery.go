package queue

import (
	"context"
	"time"

	"github.com/relayhub/unibox/internal/pkg/distlock"
	"github.com/relayhub/unibox/internal/pkg/logger"
)

// Recovery periodically requeues jobs orphaned in 'sending' by crashed
// workers and prunes terminal rows down to the retention limits. The loop
// runs behind a Redis lock so only one instance does the sweep at a time.
type Recovery struct {
	repo          Repository
	lock          *distlock.RedisLock
	interval      time.Duration
	staleAfter    time.Duration
	maxAttempts   int
	keepCompleted int
	keepDead      int
}

// NewRecovery creates the recovery loop. lock may be shared with other
// replicas of the worker process; whoever acquires it sweeps.
func NewRecovery(repo Repository, lock *distlock.RedisLock, interval, staleAfter time.Duration, maxAttempts, keepCompleted, keepDead int) *Recovery {
	if interval <= 0 {
		interval = time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &Recovery{
		repo:          repo,
		lock:          lock,
		interval:      interval,
		staleAfter:    staleAfter,
		maxAttempts:   maxAttempts,
		keepCompleted: keepCompleted,
		keepDead:      keepDead,
	}
}

// Run blocks until ctx is cancelled, sweeping every interval.
func (r *Recovery) Run(ctx context.Context) {
	logger.Info("queue recovery starting", "interval", r.interval.String(),
		"stale_after", r.staleAfter.String())

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("queue recovery stopping")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Recovery) sweep(ctx context.Context) {
	acquired, err := r.lock.Acquire(ctx)
	if err != nil {
		logger.Error("recovery lock acquire failed", "error", err)
		return
	}
	if !acquired {
		return // another instance holds the sweep
	}
	defer func() {
		if err := r.lock.Release(ctx); err != nil {
			logger.Error("recovery lock release failed", "error", err)
		}
	}()

	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	requeued, deadLettered, err := r.repo.RequeueStale(sweepCtx, r.staleAfter, r.maxAttempts)
	if err != nil {
		logger.Error("requeue stale failed", "error", err)
	} else if requeued > 0 || deadLettered > 0 {
		logger.Info("recovered stuck jobs", "requeued", requeued, "dead_lettered", deadLettered)
	}

	pruned, err := r.repo.Prune(sweepCtx, r.keepCompleted, r.keepDead)
	if err != nil {
		logger.Error("queue prune failed", "error", err)
	} else if pruned > 0 {
		logger.Debug("pruned settled jobs", "count", pruned)
	}
}
