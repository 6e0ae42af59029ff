// Package scheduler fires the daemon's periodic producers from cron
// schedules. Producers only enqueue jobs; the worker pool executes them.
// Missed fires while the daemon was down are not made up.
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/grovetools/brain/config"
	"github.com/grovetools/brain/errors"
)

// Producer is one scheduled enqueue pass. The returned count is logged.
type Producer func(ctx context.Context) (int, error)

// Scheduler owns the cron runner and the producer set.
type Scheduler struct {
	cfg    *config.Config
	logger *logrus.Entry
	cron   *cron.Cron

	ctx context.Context
}

// New builds a stopped scheduler.
func New(cfg *config.Config, logger *logrus.Entry) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		logger: logger,
		cron:   cron.New(),
	}
}

// Add registers a producer under a cron spec. An empty spec disables the
// producer. Invalid specs are rejected here, not at fire time.
func (s *Scheduler) Add(name, spec string, producer Producer) error {
	if spec == "" {
		s.logger.WithField("producer", name).Debug("Producer disabled, no schedule")
		return nil
	}
	_, err := s.cron.AddFunc(spec, func() {
		ctx := s.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		count, err := producer(ctx)
		if err != nil {
			s.logger.WithError(err).WithField("producer", name).Warn("Scheduled producer failed")
			return
		}
		if count > 0 {
			s.logger.WithFields(logrus.Fields{
				"producer": name,
				"enqueued": count,
			}).Info("Scheduled producer fired")
		}
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigInvalid,
			"invalid cron schedule for "+name+": "+spec)
	}
	return nil
}

// Run starts firing and blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	<-ctx.Done()
	stopCtx := s.cron.Stop()
	// Let in-flight producers finish; they respect ctx themselves.
	<-stopCtx.Done()
	return nil
}
