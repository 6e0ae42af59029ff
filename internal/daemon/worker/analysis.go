package worker

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/grovetools/brain/config"
	"github.com/grovetools/brain/errors"
	"github.com/grovetools/brain/internal/daemon/analyzer"
	"github.com/grovetools/brain/internal/daemon/bus"
	"github.com/grovetools/brain/internal/daemon/store"
	"github.com/grovetools/brain/pkg/models"
	"github.com/grovetools/brain/pkg/session"
)

// Embedder produces a vector for node text. Implemented by pkg/embedder;
// nil means embeddings are backfilled later.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, string, error)
}

// Analysis handles initial and reanalysis jobs: parse, invoke, embed, commit.
type Analysis struct {
	cfg      *config.Config
	logger   *logrus.Entry
	store    *store.Store
	invoker  *analyzer.Invoker
	embedder Embedder
	events   *bus.Bus
}

// NewAnalysis wires the analysis handler.
func NewAnalysis(cfg *config.Config, logger *logrus.Entry, st *store.Store, inv *analyzer.Invoker, emb Embedder, events *bus.Bus) *Analysis {
	return &Analysis{cfg: cfg, logger: logger, store: st, invoker: inv, embedder: emb, events: events}
}

// Handle implements worker.Handler for initial and reanalysis jobs.
func (a *Analysis) Handle(ctx context.Context, job *models.Job) error {
	a.publish("analysis", "analysis.started", map[string]interface{}{
		"jobId":       job.ID,
		"sessionFile": job.SessionFile,
		"boundary":    job.SegmentBoundary,
	})

	seg, err := a.loadSegment(job)
	if err != nil {
		a.publishFailure(ctx, job, err)
		return err
	}

	node, err := a.invoker.Analyze(ctx, job, seg)
	if err != nil {
		a.publishFailure(ctx, job, err)
		return err
	}

	a.embed(ctx, node)

	version, err := a.store.WriteNode(ctx, node)
	if err != nil {
		classified := errors.NewClassified(errors.CategoryUnknown, err)
		a.publishFailure(ctx, job, classified)
		return classified
	}

	a.logger.WithFields(logrus.Fields{
		"node":    node.ID,
		"version": version,
		"project": node.Classification.Project,
		"outcome": node.Content.Outcome,
	}).Info("Committed node")

	a.publish("node", "node.created", map[string]interface{}{
		"nodeId":  node.ID,
		"version": version,
		"project": node.Classification.Project,
	})
	a.publish("analysis", "analysis.completed", map[string]interface{}{
		"jobId":  job.ID,
		"nodeId": node.ID,
	})
	return nil
}

// loadSegment re-parses the session and finds the job's segment. Sessions
// only append, so the boundary is still present unless the file was deleted.
func (a *Analysis) loadSegment(job *models.Job) (session.Segment, error) {
	sess, err := session.Parse(job.SessionFile)
	if err != nil {
		return session.Segment{}, errors.NewClassified(errors.CategoryPermanent,
			errors.Wrap(err, errors.ErrCodeAnalyzerFailed, "session no longer parseable"))
	}
	for _, seg := range session.Segments(sess) {
		if seg.Boundary == job.SegmentBoundary {
			return seg, nil
		}
	}
	return session.Segment{}, errors.NewClassified(errors.CategoryPermanent,
		errors.New(errors.ErrCodeNotFound, "segment boundary "+job.SegmentBoundary+" not found"))
}

// embed attaches a vector when an embedder is configured. Failure is not
// fatal: the node commits without it and the backfill job repairs it.
func (a *Analysis) embed(ctx context.Context, node *models.Node) {
	if a.embedder == nil {
		return
	}
	text := embeddingText(node)
	vector, model, err := a.embedder.Embed(ctx, text)
	if err != nil {
		a.logger.WithError(err).WithField("node", node.ID).Warn("Embedding failed, leaving for backfill")
		return
	}
	node.Semantic.Embedding = vector
	node.Semantic.EmbeddingModel = model
}

// embeddingText is the canonical text a node is embedded under: summary,
// decisions, and tags.
func embeddingText(node *models.Node) string {
	parts := []string{node.Content.Summary}
	parts = append(parts, node.Content.KeyDecisions...)
	if len(node.Semantic.Tags) > 0 {
		parts = append(parts, strings.Join(node.Semantic.Tags, " "))
	}
	return strings.Join(parts, "\n")
}

func (a *Analysis) publish(channel, event string, data interface{}) {
	if a.events != nil {
		a.events.Publish(channel, event, data)
	}
}

func (a *Analysis) publishFailure(ctx context.Context, job *models.Job, err error) {
	// A cancelled context means shutdown: the pool releases the lease
	// without charging the job, so subscribers must not see a failure.
	if ctx.Err() != nil {
		return
	}
	a.publish("analysis", "analysis.failed", map[string]interface{}{
		"jobId": job.ID,
		"error": err.Error(),
	})
}
