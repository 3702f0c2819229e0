// Package taskq decouples best-effort work from request paths. It offers
// two primitives: Run, which executes an idempotent action asynchronously
// with exponential backoff until it succeeds or the context ends, and
// Schedule, which runs a unit of work after a delay. Post-transfer source
// deletion, deferred expired-file deletes and sweep continuations all go
// through here so that user-visible calls never wait on reclamation.
package taskq

import (
	"context"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/avolkov/filedepot/internal/logging"
)

type Runner struct {
	logger logging.Logger
	wg     sync.WaitGroup

	backoffBase time.Duration
	backoffCap  time.Duration
}

func NewRunner(logger logging.Logger) *Runner {
	return &Runner{
		logger:      logger.With("module", "taskq"),
		backoffBase: time.Second,
		backoffCap:  30 * time.Second,
	}
}

// NewRunnerWithBackoff is used by tests to keep retries fast.
func NewRunnerWithBackoff(logger logging.Logger, base, cap time.Duration) *Runner {
	r := NewRunner(logger)
	r.backoffBase = base
	r.backoffCap = cap
	return r
}

// Run executes fn in a goroutine, retrying with capped exponential backoff
// until fn succeeds or ctx is cancelled. fn must be idempotent; it may run
// any number of times.
func (r *Runner) Run(ctx context.Context, name string, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		b := retry.WithCappedDuration(r.backoffCap, retry.NewExponential(r.backoffBase))
		err := retry.Do(ctx, b, func(ctx context.Context) error {
			if err := fn(ctx); err != nil {
				r.logger.Warn(ctx, "retryable task failed", "task", name, "error", err.Error())
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			r.logger.Error(ctx, "task abandoned", "task", name, "error", err.Error())
			return
		}
		r.logger.Debug(ctx, "task done", "task", name)
	}()
}

// Schedule runs fn once after delay, unless ctx is cancelled first.
func (r *Runner) Schedule(ctx context.Context, delay time.Duration, name string, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		t := time.NewTimer(delay)
		defer t.Stop()

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		if err := fn(ctx); err != nil {
			r.logger.Error(ctx, "scheduled task failed", "task", name, "error", err.Error())
		}
	}()
}

// Wait blocks until all in-flight tasks finish. Called on shutdown and by
// tests that need deterministic completion.
func (r *Runner) Wait() {
	r.wg.Wait()
}
