// Package daemon wires the brain subsystems together: store, queue, watcher,
// extractor, worker pool, scheduler, and the API server, all running under a
// single context.
package daemon

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/grovetools/brain/command"
	"github.com/grovetools/brain/config"
	"github.com/grovetools/brain/errors"
	"github.com/grovetools/brain/internal/daemon/analyzer"
	"github.com/grovetools/brain/internal/daemon/bus"
	"github.com/grovetools/brain/internal/daemon/connect"
	"github.com/grovetools/brain/internal/daemon/extract"
	"github.com/grovetools/brain/internal/daemon/health"
	"github.com/grovetools/brain/internal/daemon/query"
	"github.com/grovetools/brain/internal/daemon/queue"
	"github.com/grovetools/brain/internal/daemon/scheduler"
	"github.com/grovetools/brain/internal/daemon/server"
	"github.com/grovetools/brain/internal/daemon/store"
	"github.com/grovetools/brain/internal/daemon/watcher"
	"github.com/grovetools/brain/internal/daemon/worker"
	"github.com/grovetools/brain/pkg/embedder"
	"github.com/grovetools/brain/pkg/models"
)

// PidPath is where a running daemon records its PID.
func PidPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataRoot, "brain.pid")
}

// Daemon is the assembled brain daemon.
type Daemon struct {
	cfg        *config.Config
	configPath string
	version    string
	logger     *logrus.Entry
}

// New prepares a daemon; Run starts it.
func New(cfg *config.Config, configPath, version string, logger *logrus.Entry) *Daemon {
	return &Daemon{cfg: cfg, configPath: configPath, version: version, logger: logger}
}

// Run opens the store, verifies the environment, and runs every subsystem
// until the context is cancelled. Subsystem failures cancel the rest.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st, err := store.Open(d.cfg, d.logger)
	if err != nil {
		return err
	}
	defer st.Close()

	removed, err := st.Reconcile(ctx)
	if err != nil {
		return err
	}
	if removed > 0 {
		d.logger.WithField("removed", removed).Info("Reconciled index against node files")
	}

	events := bus.New()
	defer events.Close()

	q := queue.New(st, d.cfg, d.logger, events)
	executor := &command.RealExecutor{}
	invoker := analyzer.New(d.cfg, d.logger, st, executor)

	// Preflight before accepting any work. Fatal checks abort startup so a
	// misconfigured daemon fails loudly instead of dead-lettering every job.
	checker := health.New(d.cfg, d.logger, st, invoker, executor)
	report := checker.Run(ctx, true)
	for _, c := range report.Checks {
		if c.Passed {
			continue
		}
		entry := d.logger.WithField("check", c.Name)
		if c.Fatal {
			entry.Error(c.Message)
		} else {
			entry.Warn(c.Message)
		}
	}
	if !report.Healthy {
		return errors.New(errors.ErrCodeConfigInvalid, "startup health check failed, see log for failing checks")
	}

	// embedder.New returns nil when embeddings are unconfigured; keep the
	// interfaces nil in that case so the daemon degrades to FTS-only.
	var analysisEmb worker.Embedder
	var queryEmb query.Embedder
	if client := embedder.New(d.cfg, d.logger); client != nil {
		analysisEmb = client
		queryEmb = client
	}

	disc := connect.New(d.cfg, d.logger, st)
	analysis := worker.NewAnalysis(d.cfg, d.logger, st, invoker, analysisEmb, events)
	maint := worker.NewMaintenance(d.cfg, d.logger, st, disc, analysisEmb, events)

	pool := worker.NewPool(d.cfg, d.logger, q)
	pool.Register(models.JobInitial, analysis.Handle)
	pool.Register(models.JobReanalysis, analysis.Handle)
	pool.Register(models.JobConnectionDiscovery, maint.HandleConnectionDiscovery)
	pool.Register(models.JobEmbeddingBackfill, maint.HandleEmbeddingBackfill)
	pool.Register(models.JobClustering, maint.HandleClustering)
	pool.Register(models.JobPatternAggregation, maint.HandlePatternAggregation)

	w := watcher.New(d.cfg, d.logger)
	ext := extract.New(d.cfg, d.logger, st, q, invoker.CurrentVersionLabel)

	sched := scheduler.New(d.cfg, d.logger)
	if err := scheduler.RegisterProducers(sched, d.cfg, q, ext); err != nil {
		return err
	}

	srv := server.New(server.Deps{
		Config:     d.cfg,
		ConfigPath: d.configPath,
		Logger:     d.logger,
		Store:      st,
		Queue:      q,
		Query:      query.New(d.cfg, d.logger, st, invoker, queryEmb),
		Health:     checker,
		Events:     events,
		Version:    d.version,
	})

	events.Publish(bus.ChannelDaemon, bus.EventDaemonStatus, map[string]string{
		"state":   "started",
		"version": d.version,
	})

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				d.logger.WithError(err).WithField("subsystem", name).Error("Subsystem stopped, shutting down")
				cancel()
			}
		}()
	}

	run("watcher", w.Run)
	run("extractor", func(ctx context.Context) error {
		return ext.Run(ctx, w.Changes())
	})
	run("workers", pool.Run)
	run("scheduler", sched.Run)
	run("api", srv.Run)

	wg.Wait()
	d.logger.Info("All subsystems stopped")
	return nil
}
