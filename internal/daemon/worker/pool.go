// Package worker runs the bounded pool that drains the job queue, plus the
// lease sweeper that recovers work from crashed workers.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/grovetools/brain/config"
	"github.com/grovetools/brain/errors"
	"github.com/grovetools/brain/internal/daemon/queue"
	"github.com/grovetools/brain/pkg/models"
)

// idlePoll is how long a worker waits before re-checking an empty queue.
const idlePoll = 2 * time.Second

// Handler executes one job kind. Returning a *errors.ClassifiedError drives
// the retry policy; any other error counts as unknown.
type Handler func(ctx context.Context, job *models.Job) error

// Pool is the worker pool. Kinds with no registered handler are never
// leased.
type Pool struct {
	cfg    *config.Config
	logger *logrus.Entry
	queue  *queue.Queue

	mu       sync.Mutex
	handlers map[models.JobKind]Handler
}

// NewPool builds an empty pool; register handlers before Run.
func NewPool(cfg *config.Config, logger *logrus.Entry, q *queue.Queue) *Pool {
	return &Pool{
		cfg:      cfg,
		logger:   logger,
		queue:    q,
		handlers: make(map[models.JobKind]Handler),
	}
}

// Register installs the handler for a job kind.
func (p *Pool) Register(kind models.JobKind, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = h
}

func (p *Pool) kinds() []models.JobKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.JobKind, 0, len(p.handlers))
	for k := range p.handlers {
		out = append(out, k)
	}
	return out
}

func (p *Pool) handler(kind models.JobKind) Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers[kind]
}

// Run starts the workers and the sweeper, and blocks until the context is
// cancelled and all in-flight work has been released.
func (p *Pool) Run(ctx context.Context) error {
	workers := p.cfg.ParallelWorkers
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for n := 1; n <= workers; n++ {
		wg.Add(1)
		workerID := fmt.Sprintf("worker-%d", n)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx, workerID)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.sweeperLoop(ctx)
	}()

	wg.Wait()
	return nil
}

func (p *Pool) workerLoop(ctx context.Context, workerID string) {
	logger := p.logger.WithField("worker", workerID)
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.queue.Lease(ctx, workerID, p.kinds()...)
		if err != nil {
			logger.WithError(err).Warn("Lease failed")
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idlePoll):
			}
			continue
		}

		p.execute(ctx, logger, workerID, job)
	}
}

// execute runs one leased job with a heartbeat that extends the lease at a
// sub-lease interval while the handler works.
func (p *Pool) execute(ctx context.Context, logger *logrus.Entry, workerID string, job *models.Job) {
	handler := p.handler(job.Kind)
	if handler == nil {
		// Should not happen: we only lease registered kinds.
		_, _ = p.queue.Fail(ctx, job.ID, workerID, "no handler for kind "+string(job.Kind), string(errors.CategoryPermanent), false, 0)
		return
	}

	jobCtx, cancelHeartbeat := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		p.heartbeat(jobCtx, workerID, job.ID)
	}()

	err := handler(jobCtx, job)
	cancelHeartbeat()
	<-heartbeatDone

	// Background context for the final transition: the pool context may
	// already be cancelled during shutdown, but the queue update must land.
	finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case err == nil:
		if completeErr := p.queue.Complete(finishCtx, job.ID, workerID); completeErr != nil {
			logger.WithError(completeErr).WithField("job", job.ID).Warn("Completion rejected, discarding result")
		}
	case ctx.Err() != nil:
		// Orderly shutdown: partial work is discarded, no retry charged.
		if relErr := p.queue.Release(finishCtx, job.ID, workerID); relErr != nil {
			logger.WithError(relErr).WithField("job", job.ID).Warn("Release failed during shutdown")
		} else {
			logger.WithField("job", job.ID).Info("Released job for a future daemon")
		}
	default:
		category, retryable, budget := classify(err)
		if _, failErr := p.queue.Fail(finishCtx, job.ID, workerID, err.Error(), category, retryable, budget); failErr != nil {
			logger.WithError(failErr).WithField("job", job.ID).Warn("Failure transition rejected")
		}
	}
}

func classify(err error) (category string, retryable bool, budget int) {
	var classified *errors.ClassifiedError
	if errors.As(err, &classified) {
		return string(classified.Category), classified.Retryable(), classified.MaxRetries
	}
	return string(errors.CategoryUnknown), true, 2
}

func (p *Pool) heartbeat(ctx context.Context, workerID, jobID string) {
	interval := p.cfg.LeaseDuration() / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Extend(ctx, jobID, workerID); err != nil {
				p.logger.WithError(err).WithField("job", jobID).Warn("Lease extension failed")
				return
			}
		}
	}
}

func (p *Pool) sweeperLoop(ctx context.Context) {
	interval := p.cfg.LeaseDuration() / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.queue.Sweep(ctx); err != nil {
				p.logger.WithError(err).Warn("Sweep failed")
			} else if n > 0 {
				p.logger.WithField("reclaimed", n).Info("Swept expired leases")
			}
		}
	}
}
