package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovetools/brain/config"
)

func newTestWatcher(t *testing.T) (*Watcher, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.DataRoot = t.TempDir()
	cfg.SessionsRoot = filepath.Join(cfg.DataRoot, "sessions")
	cfg.WatcherDebounceMs = 50
	cfg.WatcherPollIntervalSeconds = 1

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return New(cfg, logger.WithField("component", "watcher-test")), cfg
}

func waitForChange(t *testing.T, ch <-chan Change, timeout time.Duration) *Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		if !ok {
			return nil
		}
		return &c
	case <-time.After(timeout):
		return nil
	}
}

func TestWatcherEmitsDebouncedChange(t *testing.T) {
	w, cfg := newTestWatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	time.Sleep(100 * time.Millisecond)

	dir := filepath.Join(cfg.SessionsRoot, "--home-user-proj--")
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, "abc.jsonl")

	// A burst of appends collapses to one event.
	f, err := os.Create(path)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = f.WriteString("{\"type\":\"message\"}\n")
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, f.Close())

	change := waitForChange(t, w.Changes(), 3*time.Second)
	require.NotNil(t, change, "expected a change event")
	assert.Equal(t, path, change.Path)
	assert.Greater(t, change.Size, int64(0))

	// No trailing duplicate for the same burst.
	dup := waitForChange(t, w.Changes(), 300*time.Millisecond)
	assert.Nil(t, dup)

	cancel()
	<-done
}

func TestWatcherIgnoresNonSessionFiles(t *testing.T) {
	w, cfg := newTestWatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = w.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.MkdirAll(cfg.SessionsRoot, 0755))
	require.NoError(t, os.WriteFile(
		filepath.Join(cfg.SessionsRoot, "notes.txt"), []byte("hi"), 0644))

	change := waitForChange(t, w.Changes(), 500*time.Millisecond)
	assert.Nil(t, change)
}

func TestWatcherPollingCatchesSilentWrite(t *testing.T) {
	w, cfg := newTestWatcher(t)

	// Pre-existing file, seeded before Run starts announcing.
	dir := filepath.Join(cfg.SessionsRoot, "--proj--")
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, "s.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// Grow the file; even if inotify missed it, the next poll tick sees the
	// size change.
	require.NoError(t, os.WriteFile(path, []byte("{}\n{}\n"), 0644))

	change := waitForChange(t, w.Changes(), 3*time.Second)
	require.NotNil(t, change)
	assert.Equal(t, path, change.Path)
}

func TestWatcherClosesStreamOnCancel(t *testing.T) {
	w, _ := newTestWatcher(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
	_, ok := <-w.Changes()
	assert.False(t, ok)
}
