package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovetools/brain/config"
	"github.com/grovetools/brain/errors"
	"github.com/grovetools/brain/internal/daemon/bus"
	"github.com/grovetools/brain/internal/daemon/queue"
	"github.com/grovetools/brain/internal/daemon/store"
	"github.com/grovetools/brain/pkg/models"
)

func newTestScheduler(t *testing.T) (*Scheduler, *queue.Queue, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.DataRoot = t.TempDir()
	cfg.SessionsRoot = filepath.Join(cfg.DataRoot, "sessions")

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	entry := logger.WithField("component", "scheduler-test")

	st, err := store.Open(cfg, entry)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	q := queue.New(st, cfg, entry, bus.New())
	return New(cfg, entry), q, cfg
}

func TestAddRejectsInvalidSpec(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	err := s.Add("broken", "every five minutes", func(ctx context.Context) (int, error) {
		return 0, nil
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConfigInvalid, errors.GetCode(err))
}

func TestAddEmptySpecDisablesProducer(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	require.NoError(t, s.Add("disabled", "", func(ctx context.Context) (int, error) {
		t.Fatal("disabled producer must never fire")
		return 0, nil
	}))
}

func TestMaintenanceProducerEnqueuesSingleton(t *testing.T) {
	_, q, _ := newTestScheduler(t)
	ctx := context.Background()
	produce := maintenanceProducer(q, models.JobConnectionDiscovery)

	count, err := produce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// A second fire while the first job is still live is deduplicated.
	count, err = produce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.JobPending])

	// Once the job finishes the next fire enqueues again.
	job, err := q.Lease(ctx, "w1", models.JobConnectionDiscovery)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, q.Complete(ctx, job.ID, "w1"))

	count, err = produce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRunStopsOnCancel(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	require.NoError(t, s.Add("noop", "* * * * *", func(ctx context.Context) (int, error) {
		return 0, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}

func TestRegisterProducersAcceptsDefaults(t *testing.T) {
	s, q, cfg := newTestScheduler(t)
	// Default schedules must all parse. Producers never fire here because
	// the scheduler is not started, so no extractor wiring is needed.
	require.NoError(t, RegisterProducers(s, cfg, q, nil))
}
