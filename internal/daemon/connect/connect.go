// Package connect derives typed edges between nodes: semantic similarity,
// shared files, temporal proximity within a project. Structural edges
// (compaction, fork) are hinted upstream and inserted verbatim.
package connect

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/grovetools/brain/config"
	"github.com/grovetools/brain/internal/daemon/store"
	"github.com/grovetools/brain/pkg/models"
)

// candidateWindowLimit bounds how many recent nodes file-overlap and
// temporal discovery consider per run.
const candidateWindowLimit = 200

// Discoverer computes edges for nodes. Runs after node writes and from the
// scheduled connection_discovery job.
type Discoverer struct {
	cfg    *config.Config
	logger *logrus.Entry
	store  *store.Store
}

// New builds a discoverer.
func New(cfg *config.Config, logger *logrus.Entry, st *store.Store) *Discoverer {
	return &Discoverer{cfg: cfg, logger: logger, store: st}
}

// DiscoverForNode derives edges from one node toward the rest of the graph.
// Honors the per-node cooldown unless forced. Returns the edge count written.
func (d *Discoverer) DiscoverForNode(ctx context.Context, nodeID string, force bool) (int, error) {
	if !force {
		last, err := d.store.LastDiscoveryRun(ctx, nodeID)
		if err != nil {
			return 0, err
		}
		if !last.IsZero() && time.Since(last) < d.cfg.ConnectionDiscoveryCooldown() {
			return 0, nil
		}
	}

	node, err := d.store.GetNode(ctx, nodeID)
	if err != nil {
		return 0, err
	}

	written := 0
	written += d.semanticEdges(ctx, node)
	written += d.fileOverlapEdges(ctx, node)
	written += d.temporalEdges(ctx, node)

	if err := d.store.TouchDiscoveryRun(ctx, nodeID); err != nil {
		d.logger.WithError(err).WithField("node", nodeID).Warn("Failed to record discovery run")
	}
	if written > 0 {
		d.logger.WithFields(logrus.Fields{
			"node":  nodeID,
			"edges": written,
		}).Info("Connection discovery wrote edges")
	}
	return written, nil
}

// RunBatch discovers connections for nodes that never ran discovery or whose
// cooldown elapsed, newest first. The scheduled job handler.
func (d *Discoverer) RunBatch(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 25
	}
	summaries, err := d.store.ListNodes(ctx, store.NodeFilter{Limit: limit})
	if err != nil {
		return 0, err
	}

	total := 0
	for _, n := range summaries {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		written, err := d.DiscoverForNode(ctx, n.ID, false)
		if err != nil {
			d.logger.WithError(err).WithField("node", n.ID).Warn("Discovery failed for node")
			continue
		}
		total += written
	}
	return total, nil
}

// writeEdge stores a derived edge. Every kind this package derives is
// symmetric, so the pair is canonicalized to the lexicographically smaller
// id as source; discovery from either end lands on the same row.
func (d *Discoverer) writeEdge(ctx context.Context, e models.Edge) bool {
	if e.SourceNode > e.TargetNode {
		e.SourceNode, e.TargetNode = e.TargetNode, e.SourceNode
	}
	return d.store.UpsertEdge(ctx, e) == nil
}

func (d *Discoverer) semanticEdges(ctx context.Context, node *models.Node) int {
	model := node.Semantic.EmbeddingModel
	if model == "" {
		return 0
	}
	vec, err := d.store.NodeEmbedding(ctx, node.ID, model)
	if err != nil || len(vec) == 0 {
		return 0
	}

	k := d.cfg.ConnectionDiscoveryMaxResults
	if k <= 0 {
		k = 10
	}
	// One extra slot because the node matches itself at similarity 1.
	similar, err := d.store.SimilarNodes(ctx, vec, model, k+1, d.cfg.ConnectionDiscoveryThreshold)
	if err != nil {
		d.logger.WithError(err).Warn("Semantic discovery failed")
		return 0
	}

	written := 0
	for _, s := range similar {
		if s.NodeID == node.ID {
			continue
		}
		edge := models.Edge{
			SourceNode:    node.ID,
			TargetNode:    s.NodeID,
			Kind:          models.EdgeSemantic,
			Weight:        s.Similarity,
			Evidence:      fmt.Sprintf("cosine similarity %.3f (%s)", s.Similarity, model),
			SourceVersion: node.Version,
		}
		if d.writeEdge(ctx, edge) {
			written++
		}
	}
	return written
}

func (d *Discoverer) fileOverlapEdges(ctx context.Context, node *models.Node) int {
	if len(node.Content.FilesTouched) == 0 {
		return 0
	}
	sourceFiles := fileSet(node.Content.FilesTouched)

	candidates, err := d.store.ListNodes(ctx, store.NodeFilter{Limit: candidateWindowLimit})
	if err != nil {
		return 0
	}

	minOverlap := d.cfg.ConnectionDiscoveryMinFileOverlap
	written := 0
	for _, c := range candidates {
		if c.ID == node.ID {
			continue
		}
		other, err := d.store.GetNode(ctx, c.ID)
		if err != nil || len(other.Content.FilesTouched) == 0 {
			continue
		}
		weight := jaccard(sourceFiles, fileSet(other.Content.FilesTouched))
		if weight < minOverlap || weight == 0 {
			continue
		}
		edge := models.Edge{
			SourceNode:    node.ID,
			TargetNode:    other.ID,
			Kind:          models.EdgeFileOverlap,
			Weight:        weight,
			Evidence:      fmt.Sprintf("jaccard %.3f over touched files", weight),
			SourceVersion: node.Version,
		}
		if d.writeEdge(ctx, edge) {
			written++
		}
	}
	return written
}

func (d *Discoverer) temporalEdges(ctx context.Context, node *models.Node) int {
	project := node.Classification.Project
	if project == "" {
		return 0
	}
	window := d.cfg.TemporalWindow()
	neighbors, err := d.store.ListNodes(ctx, store.NodeFilter{
		Project: project,
		Since:   node.Metadata.Timestamp.Add(-window),
		Until:   node.Metadata.Timestamp.Add(window),
		Limit:   candidateWindowLimit,
	})
	if err != nil {
		return 0
	}

	written := 0
	for _, n := range neighbors {
		if n.ID == node.ID {
			continue
		}
		gap := node.Metadata.Timestamp.Sub(n.Timestamp)
		if gap < 0 {
			gap = -gap
		}
		// Closer in time means a stronger edge.
		weight := 1 - float64(gap)/float64(window)
		if weight <= 0 {
			continue
		}
		edge := models.Edge{
			SourceNode:    node.ID,
			TargetNode:    n.ID,
			Kind:          models.EdgeTemporal,
			Weight:        weight,
			Evidence:      fmt.Sprintf("same project within %s", gap.Round(time.Minute)),
			SourceVersion: node.Version,
		}
		if d.writeEdge(ctx, edge) {
			written++
		}
	}
	return written
}

func fileSet(files []string) map[string]struct{} {
	set := make(map[string]struct{}, len(files))
	for _, f := range files {
		set[f] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for f := range a {
		if _, ok := b[f]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
