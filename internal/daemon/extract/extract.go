// Package extract turns watcher change events into analysis jobs. It decides
// when a session segment is ready (idle, closed by a boundary, or stable on
// disk) and worth analyzing, then enqueues exactly one job per segment.
package extract

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/grovetools/brain/config"
	"github.com/grovetools/brain/internal/daemon/queue"
	"github.com/grovetools/brain/internal/daemon/store"
	"github.com/grovetools/brain/internal/daemon/watcher"
	"github.com/grovetools/brain/pkg/models"
	"github.com/grovetools/brain/pkg/session"
)

// syncSkew is the gap between a file's modtime and the moment we observed it
// change beyond which the file is treated as written by an external sync
// tool. Synced files get the longer stability threshold.
const syncSkew = 45 * time.Second

// PromptVersionFunc resolves the current analyzer prompt version label.
type PromptVersionFunc func(ctx context.Context) (string, error)

// Extractor evaluates changed sessions and feeds the queue.
type Extractor struct {
	cfg           *config.Config
	logger        *logrus.Entry
	store         *store.Store
	queue         *queue.Queue
	promptVersion PromptVersionFunc

	mu    sync.Mutex
	files map[string]*trackedFile
}

type trackedFile struct {
	modTime    time.Time
	size       int64
	observedAt time.Time
	synced     bool
	// dirty means the file may still produce a job without another change
	// event (waiting on stability or idle).
	dirty bool
}

// New builds an extractor.
func New(cfg *config.Config, logger *logrus.Entry, st *store.Store, q *queue.Queue, promptVersion PromptVersionFunc) *Extractor {
	return &Extractor{
		cfg:           cfg,
		logger:        logger,
		store:         st,
		queue:         q,
		promptVersion: promptVersion,
		files:         make(map[string]*trackedFile),
	}
}

// Run consumes the watcher stream until the context is cancelled. A periodic
// tick re-evaluates files waiting on a stability or idle window.
func (e *Extractor) Run(ctx context.Context, changes <-chan watcher.Change) error {
	tick := e.cfg.StabilityThreshold()
	if tick < time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			e.observe(change)
			if _, err := e.Evaluate(ctx, change.Path); err != nil {
				e.logger.WithError(err).WithField("file", change.Path).Warn("Evaluation failed")
			}
		case <-ticker.C:
			for _, path := range e.dirtyFiles() {
				if _, err := e.Evaluate(ctx, path); err != nil {
					e.logger.WithError(err).WithField("file", path).Warn("Evaluation failed")
				}
			}
		}
	}
}

// observe records a change event and the sync heuristic: a change whose
// modtime lags far behind its delivery was written elsewhere and synced in.
func (e *Extractor) observe(change watcher.Change) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	tf, ok := e.files[change.Path]
	if !ok {
		tf = &trackedFile{}
		e.files[change.Path] = tf
	}
	tf.modTime = change.ModTime
	tf.size = change.Size
	tf.observedAt = now
	tf.synced = now.Sub(change.ModTime) > syncSkew
	tf.dirty = true
}

func (e *Extractor) dirtyFiles() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for path, tf := range e.files {
		if tf.dirty {
			out = append(out, path)
		}
	}
	return out
}

// Evaluate parses a session and enqueues jobs for every ready, worthwhile,
// not-yet-processed segment. Returns the number of jobs enqueued.
func (e *Extractor) Evaluate(ctx context.Context, path string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		e.forget(path)
		return 0, nil
	}

	sess, err := session.Parse(path)
	if err != nil {
		// Empty or malformed sessions become analyzable once the header
		// lands; until then there is nothing to enqueue.
		e.logger.WithError(err).WithField("file", path).Debug("Session not parseable yet")
		e.setDirty(path, false)
		return 0, nil
	}

	promptVersion := ""
	if e.promptVersion != nil {
		promptVersion, err = e.promptVersion(ctx)
		if err != nil {
			return 0, err
		}
	}

	now := time.Now()
	stability := e.cfg.StabilityThreshold()
	if e.isSynced(path) {
		stability = e.cfg.SyncStabilityThreshold()
	}
	stable := now.Sub(info.ModTime()) >= stability
	idle := now.Sub(sess.LastTimestamp()) >= e.cfg.IdleTimeout()

	segments := session.Segments(sess)
	enqueued := 0
	tailPending := false

	for i, seg := range segments {
		isTail := i == len(segments)-1

		// Closed segments are ready by the boundary rule; the open tail
		// needs idle time or a quiet file.
		if isTail && !idle && !stable {
			if seg.WorthAnalyzing() {
				tailPending = true
			}
			continue
		}
		if !seg.WorthAnalyzing() {
			continue
		}

		processed, processedVersion, err := e.store.ProcessedBoundary(ctx, path, seg.Boundary)
		if err != nil {
			return enqueued, err
		}
		if processed && (promptVersion == "" || processedVersion == promptVersion) {
			continue
		}

		kind := models.JobInitial
		if processed {
			kind = models.JobReanalysis
		}
		_, created, err := e.queue.Enqueue(ctx, kind, path, seg.Boundary, promptVersion)
		if err != nil {
			return enqueued, err
		}
		if created {
			enqueued++
		}
	}

	// Adjacent segments of one session are linked by the compaction that
	// split them, recorded up front so discovery sees the hint even before
	// both nodes exist.
	if len(segments) > 1 {
		e.recordCompactionHints(ctx, path, segments)
	}

	e.setDirty(path, tailPending)
	return enqueued, nil
}

// ReanalyzeOutdated enqueues reanalysis jobs for segments analyzed under an
// older prompt version. Called by the scheduler, bounded per run.
func (e *Extractor) ReanalyzeOutdated(ctx context.Context, limit int) (int, error) {
	if e.promptVersion == nil {
		return 0, nil
	}
	current, err := e.promptVersion(ctx)
	if err != nil {
		return 0, err
	}

	outdated, err := e.store.OutdatedBoundaries(ctx, current, limit)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, b := range outdated {
		if _, statErr := os.Stat(b.SessionFile); statErr != nil {
			continue
		}
		_, created, err := e.queue.Enqueue(ctx, models.JobReanalysis, b.SessionFile, b.Boundary, current)
		if err != nil {
			return enqueued, err
		}
		if created {
			enqueued++
		}
	}
	return enqueued, nil
}

func (e *Extractor) recordCompactionHints(ctx context.Context, path string, segments []session.Segment) {
	for i := 1; i < len(segments); i++ {
		edge := models.Edge{
			SourceNode: session.NodeID(path, segments[i-1].Boundary),
			TargetNode: session.NodeID(path, segments[i].Boundary),
			Kind:       models.EdgeCompaction,
			Weight:     1.0,
			Evidence:   "adjacent segments of one session",
		}
		if err := e.store.UpsertEdge(ctx, edge); err != nil {
			e.logger.WithError(err).Warn("Failed to record compaction edge")
		}
	}
}

func (e *Extractor) isSynced(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if tf, ok := e.files[path]; ok {
		return tf.synced
	}
	return false
}

func (e *Extractor) setDirty(path string, dirty bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if tf, ok := e.files[path]; ok {
		tf.dirty = dirty
	} else if dirty {
		e.files[path] = &trackedFile{dirty: true}
	}
}

func (e *Extractor) forget(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.files, path)
}
