package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovetools/brain/config"
	"github.com/grovetools/brain/errors"
	"github.com/grovetools/brain/internal/daemon/store"
	"github.com/grovetools/brain/pkg/models"
)

func newTestQueue(t *testing.T) (*Queue, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.DataRoot = t.TempDir()
	cfg.SessionsRoot = filepath.Join(cfg.DataRoot, "sessions")

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	entry := logger.WithField("component", "queue-test")

	st, err := store.Open(cfg, entry)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return New(st, cfg, entry, nil), cfg
}

func TestEnqueueDeduplicates(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, created, err := q.Enqueue(ctx, models.JobInitial, "/s/a.jsonl", "start", "v1-aaaa1111")
	require.NoError(t, err)
	require.True(t, created)
	require.NotNil(t, job)

	dup, created, err := q.Enqueue(ctx, models.JobInitial, "/s/a.jsonl", "start", "v1-aaaa1111")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Nil(t, dup)

	// A different boundary is a different job.
	_, created, err = q.Enqueue(ctx, models.JobInitial, "/s/a.jsonl", "c1", "v1-aaaa1111")
	require.NoError(t, err)
	assert.True(t, created)

	// After the first job resolves, re-enqueue is allowed again.
	leased, err := q.Lease(ctx, "w1", models.JobInitial)
	require.NoError(t, err)
	require.NotNil(t, leased)
	require.NoError(t, q.Complete(ctx, leased.ID, "w1"))

	_, created, err = q.Enqueue(ctx, models.JobInitial, "/s/a.jsonl", "start", "v1-aaaa1111")
	require.NoError(t, err)
	assert.True(t, created)
}

func TestEnqueueQueueFull(t *testing.T) {
	q, cfg := newTestQueue(t)
	cfg.MaxQueueSize = 2
	ctx := context.Background()

	for i, boundary := range []string{"b1", "b2"} {
		_, created, err := q.Enqueue(ctx, models.JobInitial, "/s/a.jsonl", boundary, "")
		require.NoError(t, err, "job %d", i)
		require.True(t, created)
	}

	_, _, err := q.Enqueue(ctx, models.JobInitial, "/s/a.jsonl", "b3", "")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeQueueFull, errors.GetCode(err))
}

func TestLeasePriorityAndOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, models.JobConnectionDiscovery, "", "maintenance", "")
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, models.JobReanalysis, "/s/b.jsonl", "start", "")
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, models.JobInitial, "/s/c.jsonl", "start", "")
	require.NoError(t, err)

	first, err := q.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, models.JobInitial, first.Kind)

	second, err := q.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, models.JobReanalysis, second.Kind)

	third, err := q.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, models.JobConnectionDiscovery, third.Kind)

	empty, err := q.Lease(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestLeaseKindFilter(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, models.JobEmbeddingBackfill, "", "maintenance", "")
	require.NoError(t, err)

	job, err := q.Lease(ctx, "w1", models.JobInitial, models.JobReanalysis)
	require.NoError(t, err)
	assert.Nil(t, job)

	job, err = q.Lease(ctx, "w1", models.JobEmbeddingBackfill)
	require.NoError(t, err)
	require.NotNil(t, job)
}

func TestPerSessionSerialization(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, models.JobInitial, "/s/a.jsonl", "start", "")
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, models.JobInitial, "/s/a.jsonl", "c1", "")
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, models.JobInitial, "/s/b.jsonl", "start", "")
	require.NoError(t, err)

	first, err := q.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "/s/a.jsonl", first.SessionFile)

	// The second segment of the same session is skipped while the first is
	// leased; the other session's job is handed out instead.
	second, err := q.Lease(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "/s/b.jsonl", second.SessionFile)

	third, err := q.Lease(ctx, "w3")
	require.NoError(t, err)
	assert.Nil(t, third)

	require.NoError(t, q.Complete(ctx, first.ID, "w1"))

	third, err = q.Lease(ctx, "w3")
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, "c1", third.SegmentBoundary)
}

func TestLeaseScansPastBlockedSession(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	// One busy session with enough queued segments to fill a small scan
	// window, then a single job for another session behind them all.
	for i := 0; i < 40; i++ {
		_, created, err := q.Enqueue(ctx, models.JobInitial, "/s/busy.jsonl", fmt.Sprintf("c%d", i), "")
		require.NoError(t, err)
		require.True(t, created)
	}
	_, _, err := q.Enqueue(ctx, models.JobInitial, "/s/other.jsonl", "start", "")
	require.NoError(t, err)

	first, err := q.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "/s/busy.jsonl", first.SessionFile)

	// The busy session's remaining 39 segments are all locked out, so the
	// other session's job must still be found at the tail of the scan.
	second, err := q.Lease(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "/s/other.jsonl", second.SessionFile)
}

func TestStaleLeaseRejection(t *testing.T) {
	q, cfg := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, models.JobInitial, "/s/a.jsonl", "start", "")
	require.NoError(t, err)

	job, err := q.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)

	// Force the lease past expiry, sweep it back, and let another worker
	// take over.
	_, err = q.db.ExecContext(ctx,
		`UPDATE jobs SET lease_expires_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Minute), job.ID)
	require.NoError(t, err)

	reclaimed, err := q.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	// Sweep does not charge a retry.
	swept, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, swept.State)
	assert.Equal(t, 0, swept.RetryCount)

	release, err := q.Lease(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, release)
	assert.Equal(t, job.ID, release.ID)

	// The original worker's completion is rejected.
	err = q.Complete(ctx, job.ID, "w1")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeStaleLease, errors.GetCode(err))

	err = q.Extend(ctx, job.ID, "w1")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeStaleLease, errors.GetCode(err))

	// The current holder still completes normally.
	require.NoError(t, q.Complete(ctx, job.ID, "w2"))
	_ = cfg
}

func TestFailRetryBudget(t *testing.T) {
	q, cfg := newTestQueue(t)
	cfg.RetryDelaySeconds = 0 // no backoff, lease immediately after failure
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, models.JobInitial, "/s/a.jsonl", "start", "")
	require.NoError(t, err)

	// Two retryable failures requeue; the third exhausts a budget of 2.
	for attempt := 1; attempt <= 2; attempt++ {
		job, err := q.Lease(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, job)
		requeued, err := q.Fail(ctx, job.ID, "w1", "backend timeout", "transient", true, 2)
		require.NoError(t, err)
		assert.True(t, requeued, "attempt %d", attempt)
	}

	job, err := q.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	requeued, err := q.Fail(ctx, job.ID, "w1", "backend timeout", "transient", true, 2)
	require.NoError(t, err)
	assert.False(t, requeued)

	final, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, final.State)
	assert.Equal(t, 3, final.RetryCount)
	assert.Equal(t, "transient", final.ErrorCategory)
}

func TestFailBackoffDelaysRelease(t *testing.T) {
	q, cfg := newTestQueue(t)
	cfg.RetryDelaySeconds = 30
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, models.JobInitial, "/s/a.jsonl", "start", "")
	require.NoError(t, err)

	job, err := q.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)

	requeued, err := q.Fail(ctx, job.ID, "w1", "timed out", "transient", true, 3)
	require.NoError(t, err)
	require.True(t, requeued)

	// The requeued job is pending but held back by its backoff window.
	pending, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, pending.State)

	blocked, err := q.Lease(ctx, "w2")
	require.NoError(t, err)
	assert.Nil(t, blocked)
}

func TestFailPermanentNoRetry(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, models.JobInitial, "/s/a.jsonl", "start", "")
	require.NoError(t, err)

	job, err := q.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)

	requeued, err := q.Fail(ctx, job.ID, "w1", "invalid api key", "permanent", false, 3)
	require.NoError(t, err)
	assert.False(t, requeued)

	final, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, final.State)
}

func TestReleaseReturnsToPending(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, models.JobInitial, "/s/a.jsonl", "start", "")
	require.NoError(t, err)

	job, err := q.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, q.Release(ctx, job.ID, "w1"))

	released, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, released.State)
	assert.Equal(t, 0, released.RetryCount)

	// The session lock is freed too.
	again, err := q.Lease(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, job.ID, again.ID)
}

func TestCancelPendingOnly(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, models.JobInitial, "/s/a.jsonl", "start", "")
	require.NoError(t, err)

	job, err := q.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)

	err = q.Cancel(ctx, job.ID)
	require.Error(t, err)

	require.NoError(t, q.Release(ctx, job.ID, "w1"))
	require.NoError(t, q.Cancel(ctx, job.ID))

	cancelled, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, cancelled.State)
}

func TestCounts(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, models.JobInitial, "/s/a.jsonl", "start", "")
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, models.JobInitial, "/s/b.jsonl", "start", "")
	require.NoError(t, err)

	job, err := q.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.JobPending])
	assert.Equal(t, 1, counts[models.JobLeased])
}
