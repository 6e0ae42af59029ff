// Package analyzer turns leased jobs into analyzer subprocess invocations
// and validated knowledge nodes.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/grovetools/brain/command"
	"github.com/grovetools/brain/config"
	"github.com/grovetools/brain/errors"
	"github.com/grovetools/brain/internal/daemon/store"
	"github.com/grovetools/brain/pkg/models"
	"github.com/grovetools/brain/pkg/session"
)

// killGrace is how long a terminated subprocess gets to exit before the
// process group is killed outright.
const killGrace = 5 * time.Second

// Invoker owns the analyzer subprocess contract: skill probing, prompt
// versioning, invocation, and output validation.
type Invoker struct {
	cfg    *config.Config
	logger *logrus.Entry
	store  *store.Store
	exec   command.Executor

	promptMu      sync.Mutex
	cachedVersion *models.PromptVersion

	skillsMu sync.Mutex
	skills   SkillSet
}

// New builds an invoker. The executor seam lets tests substitute a stub
// analyzer script.
func New(cfg *config.Config, logger *logrus.Entry, st *store.Store, exec command.Executor) *Invoker {
	return &Invoker{cfg: cfg, logger: logger, store: st, exec: exec}
}

// segmentPayload is the per-job JSON handed to the analyzer by reference.
type segmentPayload struct {
	SessionFile string            `json:"sessionFile"`
	Boundary    string            `json:"segmentBoundary"`
	Project     string            `json:"project"`
	Entries     []json.RawMessage `json:"entries"`
}

// Analyze runs the analyzer for one segment and returns the validated node,
// ready for the store. Failures come back as *errors.ClassifiedError.
func (i *Invoker) Analyze(ctx context.Context, job *models.Job, seg session.Segment) (*models.Node, error) {
	pv, err := i.CurrentVersion(ctx)
	if err != nil {
		return nil, errors.NewClassified(errors.CategoryPermanent, err)
	}
	skills := i.Skills()

	payloadPath, err := i.writePayload(job, seg)
	if err != nil {
		return nil, errors.NewClassified(errors.CategoryResource, err)
	}
	defer os.Remove(payloadPath)

	instructions := fmt.Sprintf(
		"Analyze the coding session segment referenced by the JSON payload at %s. "+
			"Respond with exactly one JSON object conforming to the knowledge node schema.",
		payloadPath)

	// Insights flagged prompt_included feed back into the analysis context.
	if hints, hintErr := i.store.IncludedInsightPrompts(ctx); hintErr == nil && hints != "" {
		instructions += "\n\nRecurring patterns observed in past sessions:\n" + hints
	}

	started := time.Now()
	stdout, stderr, timedOut, exitCode, err := i.invoke(ctx,
		i.cfg.Analyzer.Model, i.cfg.PromptFile(), skills.CSV(), instructions,
		i.cfg.AnalysisTimeout())
	duration := time.Since(started)

	if err != nil {
		classified := errors.ClassifyAnalyzer(err, string(stderr), exitCode, timedOut)
		i.logger.WithFields(logrus.Fields{
			"job":      job.ID,
			"category": classified.Category,
			"exit":     exitCode,
			"timedOut": timedOut,
		}).Warn("Analyzer invocation failed")
		return nil, classified
	}

	node, salvaged, err := ValidateOutput(stdout)
	if err != nil {
		return nil, err
	}

	node.ID = session.NodeID(job.SessionFile, job.SegmentBoundary)
	if node.Classification.Project == "" {
		node.Classification.Project = session.ProjectFromPath(job.SessionFile)
	}
	node.Metadata.SessionFile = job.SessionFile
	node.Metadata.SegmentBoundary = job.SegmentBoundary
	node.Metadata.PromptVersion = pv.VersionLabel
	if node.Metadata.Timestamp.IsZero() {
		node.Metadata.Timestamp = segmentTimestamp(seg)
	}
	node.Metadata.DaemonMeta.AnalyzedAt = time.Now().UTC()
	node.Metadata.DaemonMeta.DurationMs = duration.Milliseconds()
	node.Metadata.DaemonMeta.MissingSkills = skills.Missing
	if len(salvaged) > 0 {
		node.Metadata.DaemonMeta.NeedsReview = true
		node.Metadata.DaemonMeta.SalvagedFields = salvaged
		i.logger.WithFields(logrus.Fields{
			"job":      job.ID,
			"salvaged": salvaged,
		}).Warn("Analyzer output salvaged partially, node flagged for review")
	}

	return node, nil
}

// Query runs the analyzer synchronously for the query engine: same binary,
// the query model, a caller-supplied prompt, and a tighter timeout. Returns
// raw stdout.
func (i *Invoker) Query(ctx context.Context, systemPromptFile, instructions string) ([]byte, error) {
	model := i.cfg.Analyzer.QueryModel
	if model == "" {
		model = i.cfg.Analyzer.Model
	}
	stdout, stderr, timedOut, exitCode, err := i.invoke(ctx,
		model, systemPromptFile, i.Skills().CSV(), instructions, i.cfg.QueryTimeout())
	if err != nil {
		return nil, errors.ClassifyAnalyzer(err, string(stderr), exitCode, timedOut)
	}
	return stdout, nil
}

// Roundtrip performs a minimal invocation to prove the binary runs and the
// provider credentials work. Used by preflight.
func (i *Invoker) Roundtrip(ctx context.Context) error {
	_, stderr, timedOut, exitCode, err := i.invoke(ctx,
		i.cfg.Analyzer.Model, i.cfg.PromptFile(), "",
		"Respond with the single word: ok", time.Minute)
	if err != nil {
		return errors.ClassifyAnalyzer(err, string(stderr), exitCode, timedOut)
	}
	return nil
}

// invoke spawns the analyzer in its own process group and enforces the
// timeout by signalling the whole group: SIGTERM, a grace period, SIGKILL.
func (i *Invoker) invoke(ctx context.Context, model, systemPromptFile, skillsCSV, instructions string, timeout time.Duration) (stdout, stderr []byte, timedOut bool, exitCode int, err error) {
	args := []string{
		"--provider", i.cfg.Analyzer.Provider,
		"--model", model,
		"--system-prompt", systemPromptFile,
		"--skills", skillsCSV,
		"--no-session",
		"--mode", "json",
		"-p", instructions,
	}

	cmd := i.exec.Command(i.cfg.Analyzer.Binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if startErr := cmd.Start(); startErr != nil {
		return nil, nil, false, -1, errors.Wrap(startErr, errors.ErrCodeAnalyzerNotFound,
			"failed to start analyzer "+i.cfg.Analyzer.Binary)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case waitErr := <-done:
		exitCode = cmd.ProcessState.ExitCode()
		if waitErr != nil {
			return outBuf.Bytes(), errBuf.Bytes(), false, exitCode, waitErr
		}
		return outBuf.Bytes(), errBuf.Bytes(), false, 0, nil
	case <-ctx.Done():
		i.terminateGroup(cmd, done)
		return outBuf.Bytes(), errBuf.Bytes(), false, -1, ctx.Err()
	case <-deadline.C:
		i.terminateGroup(cmd, done)
		return outBuf.Bytes(), errBuf.Bytes(), true, -1,
			errors.New(errors.ErrCodeAnalyzerTimeout, "analyzer exceeded "+timeout.String())
	}
}

// terminateGroup tears down the subprocess and any children it spawned.
func (i *Invoker) terminateGroup(cmd *exec.Cmd, done <-chan error) {
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	select {
	case <-done:
		return
	case <-time.After(killGrace):
	}
	_ = syscall.Kill(pgid, syscall.SIGKILL)
	<-done
}

func (i *Invoker) writePayload(job *models.Job, seg session.Segment) (string, error) {
	payload := segmentPayload{
		SessionFile: job.SessionFile,
		Boundary:    job.SegmentBoundary,
		Project:     session.ProjectFromPath(job.SessionFile),
	}
	for _, e := range seg.Entries {
		if len(e.Raw) > 0 {
			payload.Entries = append(payload.Entries, e.Raw)
		}
	}

	f, err := os.CreateTemp("", "brain-segment-*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create payload file: %w", err)
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(payload); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write payload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to close payload: %w", err)
	}
	return f.Name(), nil
}

func segmentTimestamp(seg session.Segment) time.Time {
	for idx := len(seg.Entries) - 1; idx >= 0; idx-- {
		if !seg.Entries[idx].Timestamp.IsZero() {
			return seg.Entries[idx].Timestamp
		}
	}
	return time.Now().UTC()
}
