package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/report-verify/internal/model"
	"github.com/sells-group/report-verify/internal/store"
)

// JobQueue is the part of the store the pool claims work from.
type JobQueue interface {
	ClaimJobs(ctx context.Context, token string, limit int, visibility time.Duration) ([]model.Job, error)
}

// PoolConfig controls batch size, parallelism and polling.
type PoolConfig struct {
	// Concurrency is the number of jobs processed at once. Default: 4.
	Concurrency int
	// BatchSize is the number of jobs claimed per poll. It never exceeds
	// Concurrency, so every claimed job starts inside its visibility window.
	// Default: Concurrency.
	BatchSize int
	// PollInterval is the wait between empty polls. Default: 1s.
	PollInterval time.Duration
	// Visibility is how long a claimed job stays invisible to other
	// workers. Default: the runner's ClaimTTL.
	Visibility time.Duration
}

// Pool claims batches of jobs and runs them through a Runner.
type Pool struct {
	queue  JobQueue
	runner *Runner
	cfg    PoolConfig
}

// NewPool creates a Pool.
func NewPool(queue JobQueue, r *Runner, cfg PoolConfig) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > cfg.Concurrency {
		cfg.BatchSize = cfg.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = r.cfg.ClaimTTL
	}
	return &Pool{queue: queue, runner: r, cfg: cfg}
}

// RunOnce claims one batch and processes it. It returns the number of jobs
// claimed. Per-job failures are handled by the Runner and never fail the batch.
func (p *Pool) RunOnce(ctx context.Context) (int, error) {
	jobs, err := p.queue.ClaimJobs(ctx, uuid.NewString(), p.cfg.BatchSize, p.cfg.Visibility)
	if err != nil {
		return 0, eris.Wrap(err, "runner: claim jobs")
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	var committed, failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			state, _ := p.runner.Process(gctx, job)
			switch state {
			case model.JobCommitted:
				committed.Add(1)
			case model.JobFailedRetryable, model.JobFailedTerminal:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	zap.L().Info("runner: batch complete",
		zap.Int("claimed", len(jobs)),
		zap.Int32("committed", committed.Load()),
		zap.Int32("failed", failed.Load()),
	)
	return len(jobs), nil
}

// Run polls until ctx is cancelled. Storage outages back off for one poll
// interval and are otherwise logged.
func (p *Pool) Run(ctx context.Context) error {
	zap.L().Info("runner: worker pool started",
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Int("batch_size", p.cfg.BatchSize),
	)
	for {
		n, err := p.RunOnce(ctx)
		if ctx.Err() != nil {
			zap.L().Info("runner: worker pool stopped")
			return nil
		}
		if err != nil {
			if !errors.Is(err, store.ErrStorageFailure) {
				return err
			}
			zap.L().Warn("runner: poll failed", zap.Error(err))
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			zap.L().Info("runner: worker pool stopped")
			return nil
		case <-time.After(p.cfg.PollInterval):
		}
	}
}
