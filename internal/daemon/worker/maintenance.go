package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/grovetools/brain/config"
	"github.com/grovetools/brain/errors"
	"github.com/grovetools/brain/internal/daemon/bus"
	"github.com/grovetools/brain/internal/daemon/connect"
	"github.com/grovetools/brain/internal/daemon/store"
	"github.com/grovetools/brain/pkg/models"
)

const (
	backfillBatchLimit    = 100
	aggregationNodeLimit  = 500
	aggregationMinSamples = 2
	clusteringNodeLimit   = 500
)

// Maintenance handles the scheduled job kinds: connection discovery,
// embedding backfill, clustering, and pattern aggregation.
type Maintenance struct {
	cfg        *config.Config
	logger     *logrus.Entry
	store      *store.Store
	discoverer *connect.Discoverer
	embedder   Embedder
	events     *bus.Bus
}

// NewMaintenance wires the maintenance handler set.
func NewMaintenance(cfg *config.Config, logger *logrus.Entry, st *store.Store, disc *connect.Discoverer, emb Embedder, events *bus.Bus) *Maintenance {
	return &Maintenance{cfg: cfg, logger: logger, store: st, discoverer: disc, embedder: emb, events: events}
}

// HandleConnectionDiscovery runs a discovery batch over recent nodes.
func (m *Maintenance) HandleConnectionDiscovery(ctx context.Context, job *models.Job) error {
	written, err := m.discoverer.RunBatch(ctx, 0)
	if err != nil {
		return errors.NewClassified(errors.CategoryTransient, err)
	}
	if written > 0 {
		m.publish("connections.updated", map[string]interface{}{"edges": written})
	}
	return nil
}

// HandleEmbeddingBackfill embeds nodes that committed without a vector.
// A nil embedder makes the job a no-op rather than a failure.
func (m *Maintenance) HandleEmbeddingBackfill(ctx context.Context, job *models.Job) error {
	if m.embedder == nil {
		return nil
	}
	ids, err := m.store.NodesWithoutEmbedding(ctx, backfillBatchLimit)
	if err != nil {
		return errors.NewClassified(errors.CategoryTransient, err)
	}

	repaired := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		node, err := m.store.GetNode(ctx, id)
		if err != nil {
			m.logger.WithError(err).WithField("node", id).Warn("Backfill skipped unreadable node")
			continue
		}
		vector, model, err := m.embedder.Embed(ctx, embeddingText(node))
		if err != nil {
			// Provider trouble affects the whole batch; retry the job later.
			return errors.NewClassified(errors.CategoryTransient, err)
		}
		if err := m.store.SetNodeEmbedding(ctx, id, model, vector); err != nil {
			m.logger.WithError(err).WithField("node", id).Warn("Backfill failed to store vector")
			continue
		}
		repaired++
	}
	if repaired > 0 {
		m.logger.WithField("nodes", repaired).Info("Backfilled embeddings")
		m.publish("embeddings.backfilled", map[string]interface{}{"nodes": repaired})
	}
	return nil
}

// HandleClustering rebuilds the cluster table from node embeddings using
// leader clustering: each node joins the first cluster whose leader it is
// similar enough to, else it starts one. Singleton clusters are dropped.
func (m *Maintenance) HandleClustering(ctx context.Context, job *models.Job) error {
	summaries, err := m.store.ListNodes(ctx, store.NodeFilter{Limit: clusteringNodeLimit})
	if err != nil {
		return errors.NewClassified(errors.CategoryTransient, err)
	}

	type member struct {
		id      string
		project string
		vec     []float32
	}
	var members []member
	for _, s := range summaries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		node, err := m.store.GetNode(ctx, s.ID)
		if err != nil || node.Semantic.EmbeddingModel == "" {
			continue
		}
		vec, err := m.store.NodeEmbedding(ctx, s.ID, node.Semantic.EmbeddingModel)
		if err != nil || len(vec) == 0 {
			continue
		}
		members = append(members, member{id: s.ID, project: s.Project, vec: vec})
	}

	threshold := m.cfg.ConnectionDiscoveryThreshold
	var leaders []member
	grouped := make(map[string][]member)
	for _, cand := range members {
		placed := false
		for _, leader := range leaders {
			if cosine(cand.vec, leader.vec) >= threshold {
				grouped[leader.id] = append(grouped[leader.id], cand)
				placed = true
				break
			}
		}
		if !placed {
			leaders = append(leaders, cand)
			grouped[cand.id] = []member{cand}
		}
	}

	var clusters []models.Cluster
	now := time.Now().UTC()
	for _, leader := range leaders {
		group := grouped[leader.id]
		if len(group) < 2 {
			continue
		}
		ids := make([]string, 0, len(group))
		projects := make(map[string]int)
		for _, mem := range group {
			ids = append(ids, mem.id)
			projects[mem.project]++
		}
		sort.Strings(ids)
		clusters = append(clusters, models.Cluster{
			ID:        deterministicID("cluster", ids...),
			Label:     dominantKey(projects),
			NodeIDs:   ids,
			Centroid:  leader.vec,
			CreatedAt: now,
		})
	}

	if err := m.store.ReplaceClusters(ctx, clusters); err != nil {
		return errors.NewClassified(errors.CategoryTransient, err)
	}
	m.logger.WithFields(logrus.Fields{
		"clusters": len(clusters),
		"nodes":    len(members),
	}).Info("Rebuilt clusters")
	m.publish("clusters.updated", map[string]interface{}{"clusters": len(clusters)})
	return nil
}

// HandlePatternAggregation rolls lessons and friction signals across nodes
// into insights. Nodes flagged for review are excluded so salvaged output
// never feeds the aggregate.
func (m *Maintenance) HandlePatternAggregation(ctx context.Context, job *models.Job) error {
	trusted := false
	summaries, err := m.store.ListNodes(ctx, store.NodeFilter{
		NeedsReview: &trusted,
		Limit:       aggregationNodeLimit,
	})
	if err != nil {
		return errors.NewClassified(errors.CategoryTransient, err)
	}

	type bucket struct {
		insightType models.InsightType
		model       string
		tool        string
		severity    string
		examples    []string
		count       int
	}
	buckets := make(map[string]*bucket)
	observe := func(typ models.InsightType, pattern, model, tool, severity, nodeID string) {
		if pattern == "" {
			return
		}
		key := string(typ) + "\x00" + pattern
		b, ok := buckets[key]
		if !ok {
			b = &bucket{insightType: typ, model: model, tool: tool, severity: severity}
			buckets[key] = b
		}
		b.count++
		if len(b.examples) < 5 {
			b.examples = append(b.examples, nodeID)
		}
	}

	for _, s := range summaries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		node, err := m.store.GetNode(ctx, s.ID)
		if err != nil {
			continue
		}
		analyzerModel := m.cfg.Analyzer.Model
		for _, lesson := range node.Lessons[models.LessonModel] {
			observe(models.InsightQuirk, lesson, analyzerModel, "", "", s.ID)
		}
		for _, lesson := range node.Lessons[models.LessonTool] {
			observe(models.InsightToolError, lesson, "", firstOf(node.Content.ToolsUsed), "", s.ID)
		}
		for _, lesson := range node.Lessons[models.LessonTask] {
			observe(models.InsightLesson, lesson, "", "", "", s.ID)
		}
		for _, f := range node.Friction {
			observe(models.InsightFailure, f.Signal, "", "", frictionSeverity(f.Score), s.ID)
		}
		if node.Content.Outcome == models.OutcomeSuccess {
			for _, lesson := range node.Lessons[models.LessonSkill] {
				observe(models.InsightWin, lesson, "", "", "", s.ID)
			}
		}
	}

	upserted := 0
	for key, b := range buckets {
		if b.count < aggregationMinSamples {
			continue
		}
		pattern := key[len(string(b.insightType))+1:]
		insight := &models.Insight{
			ID:         deterministicID(string(b.insightType), pattern),
			Type:       b.insightType,
			Model:      b.model,
			Tool:       b.tool,
			Pattern:    pattern,
			Frequency:  b.count,
			Confidence: math.Min(1, float64(b.count)/5),
			Severity:   b.severity,
			Examples:   b.examples,
		}
		if err := m.store.UpsertInsight(ctx, insight); err != nil {
			m.logger.WithError(err).WithField("pattern", pattern).Warn("Failed to upsert insight")
			continue
		}
		upserted++
	}

	m.logger.WithFields(logrus.Fields{
		"nodes":    len(summaries),
		"insights": upserted,
	}).Info("Aggregated patterns")
	if upserted > 0 {
		m.publish("insights.updated", map[string]interface{}{"insights": upserted})
	}

	// The aggregation pass doubles as the nightly cleanup slot: old node
	// version files past the retention policy move to the archive.
	if archived, err := m.store.ApplyRetention(ctx); err != nil {
		m.logger.WithError(err).Warn("Retention pass failed")
	} else if archived > 0 {
		m.logger.WithField("archived", archived).Info("Archived old node versions")
	}
	return nil
}

func (m *Maintenance) publish(event string, data interface{}) {
	if m.events != nil {
		m.events.Publish(bus.ChannelMaintenance, event, data)
	}
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// deterministicID keeps insight and cluster ids stable across runs so
// upserts update in place.
func deterministicID(kind string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return fmt.Sprintf("%s-%s", kind, hex.EncodeToString(h.Sum(nil))[:16])
}

func dominantKey(counts map[string]int) string {
	best, bestCount := "", 0
	for k, n := range counts {
		if n > bestCount || (n == bestCount && k < best) {
			best, bestCount = k, n
		}
	}
	return best
}

func firstOf(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func frictionSeverity(score float64) string {
	switch {
	case score >= 0.8:
		return "high"
	case score >= 0.5:
		return "medium"
	default:
		return "low"
	}
}
