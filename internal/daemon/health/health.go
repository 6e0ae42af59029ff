// Package health runs the daemon's preflight checks. Fatal failures stop
// startup; warnings are reported and startup continues.
package health

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/grovetools/brain/command"
	"github.com/grovetools/brain/config"
	"github.com/grovetools/brain/internal/daemon/analyzer"
	"github.com/grovetools/brain/internal/daemon/store"
)

const versionProbeTimeout = 10 * time.Second

// Check is one preflight result.
type Check struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Fatal   bool   `json:"fatal"`
	Message string `json:"message,omitempty"`
}

// Report is the full preflight outcome.
type Report struct {
	Healthy bool    `json:"healthy"`
	Checks  []Check `json:"checks"`
}

// Runner executes the check sequence.
type Runner struct {
	cfg     *config.Config
	logger  *logrus.Entry
	store   *store.Store
	invoker *analyzer.Invoker
	exec    command.Executor
}

// New builds a runner. Store may be nil when checking before the database
// opens; the db check then reports the data root's writability instead.
func New(cfg *config.Config, logger *logrus.Entry, st *store.Store, inv *analyzer.Invoker, exec command.Executor) *Runner {
	return &Runner{cfg: cfg, logger: logger, store: st, invoker: inv, exec: exec}
}

// Run executes every check in order. Roundtrip is the expensive one and
// only runs when deep is set; CLI health and startup preflight use deep,
// the HTTP health endpoint does not.
func (r *Runner) Run(ctx context.Context, deep bool) Report {
	checks := []Check{
		r.checkBinary(),
		r.checkVersion(ctx),
		r.checkSkills(),
		r.checkPromptFile(),
		r.checkDatabase(ctx),
		r.checkSessionsRoot(),
	}
	if deep {
		checks = append(checks, r.checkRoundtrip(ctx))
	}

	healthy := true
	for _, c := range checks {
		entry := r.logger.WithFields(logrus.Fields{"check": c.Name, "passed": c.Passed})
		switch {
		case c.Passed:
			entry.Debug("Preflight check passed")
		case c.Fatal:
			healthy = false
			entry.WithField("detail", c.Message).Error("Preflight check failed")
		default:
			entry.WithField("detail", c.Message).Warn("Preflight check failed")
		}
	}
	return Report{Healthy: healthy, Checks: checks}
}

func (r *Runner) checkBinary() Check {
	c := Check{Name: "analyzer_binary", Fatal: true}
	path, err := exec.LookPath(r.cfg.Analyzer.Binary)
	if err != nil {
		c.Message = fmt.Sprintf("analyzer binary %q not found in PATH", r.cfg.Analyzer.Binary)
		return c
	}
	c.Passed = true
	c.Message = path
	return c
}

// checkVersion is advisory. Analyzer CLIs change their version output
// freely, so anything the subprocess prints is accepted.
func (r *Runner) checkVersion(ctx context.Context) Check {
	c := Check{Name: "analyzer_version"}
	ctx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()

	cmd := r.exec.CommandContext(ctx, r.cfg.Analyzer.Binary, "--version")
	out, err := cmd.Output()
	if err != nil {
		c.Message = "version probe failed: " + err.Error()
		return c
	}
	c.Passed = true
	c.Message = strings.TrimSpace(string(out))
	return c
}

func (r *Runner) checkSkills() Check {
	c := Check{Name: "skills", Fatal: true}
	set, err := r.invoker.ProbeSkills()
	if err != nil {
		c.Message = err.Error()
		return c
	}
	c.Passed = true
	if len(set.Missing) > 0 {
		c.Message = "optional skills missing: " + strings.Join(set.Missing, ", ")
	}
	return c
}

func (r *Runner) checkPromptFile() Check {
	c := Check{Name: "prompt_file", Fatal: true}
	path := r.cfg.PromptFile()
	info, err := os.Stat(path)
	if err != nil {
		c.Message = "analyzer prompt not readable: " + path
		return c
	}
	if info.Size() == 0 {
		c.Message = "analyzer prompt is empty: " + path
		return c
	}
	c.Passed = true
	return c
}

func (r *Runner) checkDatabase(ctx context.Context) Check {
	c := Check{Name: "database", Fatal: true}
	if r.store == nil {
		if err := writableDir(r.cfg.DataRoot); err != nil {
			c.Message = err.Error()
			return c
		}
		c.Passed = true
		return c
	}
	// A write proves WAL mode, permissions, and disk space in one shot.
	if _, err := r.store.DB().ExecContext(ctx,
		`INSERT INTO daemon_meta (key, value) VALUES ('health_probe', datetime('now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`); err != nil {
		c.Message = "database not writable: " + err.Error()
		return c
	}
	c.Passed = true
	return c
}

func (r *Runner) checkSessionsRoot() Check {
	c := Check{Name: "sessions_root"}
	info, err := os.Stat(r.cfg.SessionsRoot)
	if err != nil || !info.IsDir() {
		c.Message = "sessions root missing, watcher will idle: " + r.cfg.SessionsRoot
		return c
	}
	c.Passed = true
	return c
}

func (r *Runner) checkRoundtrip(ctx context.Context) Check {
	c := Check{Name: "analyzer_roundtrip", Fatal: true}
	if err := r.invoker.Roundtrip(ctx); err != nil {
		c.Message = "analyzer roundtrip failed: " + err.Error()
		return c
	}
	c.Passed = true
	return c
}

func writableDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("data root not writable: %w", err)
	}
	probe, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		return fmt.Errorf("data root not writable: %w", err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}
