package worker

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovetools/brain/config"
	"github.com/grovetools/brain/internal/daemon/analyzer"
	"github.com/grovetools/brain/internal/daemon/bus"
	"github.com/grovetools/brain/internal/daemon/queue"
	"github.com/grovetools/brain/internal/daemon/store"
	"github.com/grovetools/brain/pkg/models"
	"github.com/grovetools/brain/pkg/session"
)

type scriptExecutor struct {
	script string
}

func (e *scriptExecutor) Command(name string, args ...string) *exec.Cmd {
	return exec.Command("/bin/sh", append([]string{e.script}, args...)...)
}

func (e *scriptExecutor) CommandContext(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, "/bin/sh", append([]string{e.script}, args...)...)
}

const validNodeJSON = `{
  "classification": {"type": "bugfix", "project": "proj"},
  "content": {"summary": "fixed the flaky retry logic", "outcome": "success"},
  "lessons": {"task": ["bound every retry loop"]},
  "semantic": {"tags": ["retries"]}
}`

type harness struct {
	cfg    *config.Config
	store  *store.Store
	queue  *queue.Queue
	pool   *Pool
	events *bus.Bus
}

func newHarness(t *testing.T, scriptBody string) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.DataRoot = t.TempDir()
	cfg.SessionsRoot = filepath.Join(cfg.DataRoot, "sessions")
	cfg.RetryDelaySeconds = 0
	cfg.Analyzer.Binary = "brain-analyzer"
	cfg.Analyzer.Provider = "anthropic"
	cfg.Analyzer.Model = "claude-sonnet"

	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.PromptFile()), 0755))
	require.NoError(t, os.WriteFile(cfg.PromptFile(), []byte("Analyze the session.\n"), 0644))

	script := filepath.Join(cfg.DataRoot, "analyzer.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"+scriptBody+"\n"), 0755))

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	entry := logger.WithField("component", "worker-test")

	st, err := store.Open(cfg, entry)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	events := bus.New()
	t.Cleanup(events.Close)
	q := queue.New(st, cfg, entry, events)
	inv := analyzer.New(cfg, entry, st, &scriptExecutor{script: script})

	pool := NewPool(cfg, entry, q)
	handler := NewAnalysis(cfg, entry, st, inv, nil, events)
	pool.Register(models.JobInitial, handler.Handle)
	pool.Register(models.JobReanalysis, handler.Handle)

	return &harness{cfg: cfg, store: st, queue: q, pool: pool, events: events}
}

func (h *harness) writeSession(t *testing.T, name string) string {
	t.Helper()
	dir := filepath.Join(h.cfg.SessionsRoot, "--home-user-proj--")
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, name)

	old := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	line := func(fields map[string]interface{}) string {
		data, err := json.Marshal(fields)
		require.NoError(t, err)
		return string(data)
	}
	lines := []string{
		line(map[string]interface{}{"type": "session", "id": "s1", "timestamp": old, "cwd": "/home/user/proj"}),
		line(map[string]interface{}{"type": "message", "id": "m1", "role": "user", "content": "fix the retries", "timestamp": old}),
		line(map[string]interface{}{"type": "message", "id": "m2", "role": "assistant", "content": "bounded the loop", "timestamp": old}),
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))
	return path
}

func (h *harness) runPool(t *testing.T) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.pool.Run(ctx)
		close(done)
	}()
	return func() {
		stop()
		select {
		case <-done:
		case <-time.After(15 * time.Second):
			t.Fatal("pool did not stop")
		}
	}
}

func (h *harness) waitForState(t *testing.T, jobID string, want models.JobState, timeout time.Duration) *models.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := h.queue.Get(context.Background(), jobID)
		require.NoError(t, err)
		if job.State == want {
			return job
		}
		time.Sleep(50 * time.Millisecond)
	}
	job, _ := h.queue.Get(context.Background(), jobID)
	t.Fatalf("job %s never reached %s (now %s, lastError %q)", jobID, want, job.State, job.LastError)
	return nil
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t, `
MARKER="$(dirname "$0")/first-call-done"
if [ ! -f "$MARKER" ]; then
  touch "$MARKER"
  echo "provider rate limit exceeded" >&2
  exit 1
fi
cat <<'EOF'
`+validNodeJSON+`
EOF`)
	path := h.writeSession(t, "a.jsonl")

	job, created, err := h.queue.Enqueue(context.Background(), models.JobInitial, path, session.BoundaryStart, "")
	require.NoError(t, err)
	require.True(t, created)

	stop := h.runPool(t)
	defer stop()

	final := h.waitForState(t, job.ID, models.JobSucceeded, 20*time.Second)
	assert.Equal(t, 1, final.RetryCount)

	node, err := h.store.GetNode(context.Background(), session.NodeID(path, session.BoundaryStart))
	require.NoError(t, err)
	assert.Equal(t, 1, node.Version)
	assert.Equal(t, "proj", node.Classification.Project)
}

func TestPermanentFailureNoRetryNoNode(t *testing.T) {
	h := newHarness(t, `echo 'this is not json'`)
	path := h.writeSession(t, "a.jsonl")

	job, _, err := h.queue.Enqueue(context.Background(), models.JobInitial, path, session.BoundaryStart, "")
	require.NoError(t, err)

	stop := h.runPool(t)
	defer stop()

	final := h.waitForState(t, job.ID, models.JobFailed, 20*time.Second)
	assert.Equal(t, "permanent", final.ErrorCategory)

	_, err = h.store.GetNode(context.Background(), session.NodeID(path, session.BoundaryStart))
	require.Error(t, err)
}

func TestConcurrentWorkersDistinctSessions(t *testing.T) {
	h := newHarness(t, `sleep 1
cat <<'EOF'
`+validNodeJSON+`
EOF`)
	h.cfg.ParallelWorkers = 2

	pathA := h.writeSession(t, "a.jsonl")
	pathB := h.writeSession(t, "b.jsonl")

	ctx := context.Background()
	jobA, _, err := h.queue.Enqueue(ctx, models.JobInitial, pathA, session.BoundaryStart, "")
	require.NoError(t, err)
	jobB, _, err := h.queue.Enqueue(ctx, models.JobInitial, pathB, session.BoundaryStart, "")
	require.NoError(t, err)

	stop := h.runPool(t)
	defer stop()

	// Both jobs must be leased at once while the stub analyzers sleep.
	overlapped := false
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		counts, err := h.queue.Counts(ctx)
		require.NoError(t, err)
		if counts[models.JobLeased] == 2 {
			overlapped = true
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.True(t, overlapped, "expected both workers busy simultaneously")

	h.waitForState(t, jobA.ID, models.JobSucceeded, 20*time.Second)
	h.waitForState(t, jobB.ID, models.JobSucceeded, 20*time.Second)
}

func TestShutdownReleasesLease(t *testing.T) {
	h := newHarness(t, `sleep 60`)
	path := h.writeSession(t, "a.jsonl")

	sub := h.events.Subscribe("analysis")
	defer h.events.Unsubscribe(sub)

	job, _, err := h.queue.Enqueue(context.Background(), models.JobInitial, path, session.BoundaryStart, "")
	require.NoError(t, err)

	stop := h.runPool(t)
	h.waitForState(t, job.ID, models.JobLeased, 10*time.Second)
	stop()

	released, err := h.queue.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, released.State)
	assert.Equal(t, 0, released.RetryCount, "orderly shutdown is not a classified failure")

	// The interrupted job was released without fault, so subscribers must
	// not see it reported as failed.
	drain := time.After(500 * time.Millisecond)
	for {
		select {
		case ev := <-sub.C:
			assert.NotEqual(t, "analysis.failed", ev.Type)
		case <-drain:
			return
		}
	}
}

func TestAnalysisPublishesEvents(t *testing.T) {
	h := newHarness(t, `cat <<'EOF'
`+validNodeJSON+`
EOF`)
	path := h.writeSession(t, "a.jsonl")

	sub := h.events.Subscribe("analysis", "node")
	defer h.events.Unsubscribe(sub)

	job, _, err := h.queue.Enqueue(context.Background(), models.JobInitial, path, session.BoundaryStart, "")
	require.NoError(t, err)

	stop := h.runPool(t)
	defer stop()
	h.waitForState(t, job.ID, models.JobSucceeded, 20*time.Second)

	var types []string
	timeout := time.After(5 * time.Second)
	for len(types) < 3 {
		select {
		case ev := <-sub.C:
			types = append(types, ev.Type)
		case <-timeout:
			t.Fatalf("only saw events %v", types)
		}
	}
	assert.Contains(t, types, "analysis.started")
	assert.Contains(t, types, "node.created")
	assert.Contains(t, types, "analysis.completed")
}

func TestMissingSegmentIsPermanent(t *testing.T) {
	h := newHarness(t, `cat <<'EOF'
`+validNodeJSON+`
EOF`)
	path := h.writeSession(t, "a.jsonl")

	job, _, err := h.queue.Enqueue(context.Background(), models.JobInitial, path, "no-such-boundary", "")
	require.NoError(t, err)

	stop := h.runPool(t)
	defer stop()

	final := h.waitForState(t, job.ID, models.JobFailed, 20*time.Second)
	assert.Equal(t, "permanent", final.ErrorCategory)
}
