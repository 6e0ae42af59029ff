package worker

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
	"github.com/grovetools/brain/internal/daemon/connect"
	"github.com/grovetools/brain/internal/daemon/store"
	"github.com/grovetools/brain/pkg/models"
)

type fixedEmbedder struct {
	vectors map[string][]float32
	fail    error
	calls   int
}

func (f *fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, string, error) {
	f.calls++
	if f.fail != nil {
		return nil, "", f.fail
	}
	if vec, ok := f.vectors[text]; ok {
		return vec, "fixed-model", nil
	}
	return []float32{1, 0, 0}, "fixed-model", nil
}

func newMaintenance(t *testing.T, emb Embedder) (*Maintenance, *store.Store, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.DataRoot = t.TempDir()
	cfg.SessionsRoot = filepath.Join(cfg.DataRoot, "sessions")

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	entry := logger.WithField("component", "maintenance-test")

	st, err := store.Open(cfg, entry)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	disc := connect.New(cfg, entry, st)
	return NewMaintenance(cfg, entry, st, disc, emb, nil), st, cfg
}

func writeMaintNode(t *testing.T, st *store.Store, id string, mutate func(*models.Node)) *models.Node {
	t.Helper()
	node := &models.Node{
		ID:             id,
		Classification: models.Classification{Type: "feature", Project: "proj"},
		Content: models.Content{
			Summary: "summary for " + id,
			Outcome: models.OutcomeSuccess,
		},
		Metadata: models.Metadata{
			Timestamp:       time.Now().UTC(),
			SessionFile:     "/s/--p--/" + id + ".jsonl",
			SegmentBoundary: "start",
			PromptVersion:   "v1-aaaa1111",
		},
	}
	if mutate != nil {
		mutate(node)
	}
	_, err := st.WriteNode(context.Background(), node)
	require.NoError(t, err)
	return node
}

func TestEmbeddingBackfillRepairsNodes(t *testing.T) {
	emb := &fixedEmbedder{}
	m, st, _ := newMaintenance(t, emb)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		writeMaintNode(t, st, fmt.Sprintf("ffff%012d", i), nil)
	}
	missing, err := st.NodesWithoutEmbedding(ctx, 10)
	require.NoError(t, err)
	require.Len(t, missing, 3)

	require.NoError(t, m.HandleEmbeddingBackfill(ctx, &models.Job{Kind: models.JobEmbeddingBackfill}))
	assert.Equal(t, 3, emb.calls)

	missing, err = st.NodesWithoutEmbedding(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, missing)

	// The model tag is visible on reads even though the JSON predates it.
	node, err := st.GetNode(ctx, "ffff000000000001")
	require.NoError(t, err)
	assert.Equal(t, "fixed-model", node.Semantic.EmbeddingModel)
}

func TestEmbeddingBackfillProviderErrorIsTransient(t *testing.T) {
	emb := &fixedEmbedder{fail: fmt.Errorf("provider offline")}
	m, st, _ := newMaintenance(t, emb)
	ctx := context.Background()

	writeMaintNode(t, st, "ffff000000000009", nil)
	err := m.HandleEmbeddingBackfill(ctx, &models.Job{Kind: models.JobEmbeddingBackfill})
	require.Error(t, err)

	// The node remains a backfill candidate for the retried job.
	missing, listErr := st.NodesWithoutEmbedding(ctx, 10)
	require.NoError(t, listErr)
	assert.Len(t, missing, 1)
}

func TestEmbeddingBackfillNilEmbedderIsNoop(t *testing.T) {
	m, st, _ := newMaintenance(t, nil)
	writeMaintNode(t, st, "ffff000000000010", nil)
	require.NoError(t, m.HandleEmbeddingBackfill(context.Background(), &models.Job{Kind: models.JobEmbeddingBackfill}))
}

func TestClusteringGroupsSimilarNodes(t *testing.T) {
	m, st, cfg := newMaintenance(t, nil)
	cfg.ConnectionDiscoveryThreshold = 0.8
	ctx := context.Background()

	vectors := map[string][]float32{
		"abcd000000000001": {1, 0, 0},
		"abcd000000000002": {0.97, 0.03, 0},
		"abcd000000000003": {0, 1, 0},
	}
	for id, vec := range vectors {
		writeMaintNode(t, st, id, nil)
		require.NoError(t, st.SetNodeEmbedding(ctx, id, "fixed-model", vec))
	}

	require.NoError(t, m.HandleClustering(ctx, &models.Job{Kind: models.JobClustering}))

	clusters, err := st.ListClusters(ctx)
	require.NoError(t, err)
	// The outlier forms a singleton and is dropped.
	require.Len(t, clusters, 1)
	assert.ElementsMatch(t, []string{"abcd000000000001", "abcd000000000002"}, clusters[0].NodeIDs)
	assert.Equal(t, "proj", clusters[0].Label)
}

func TestPatternAggregationRollsUpLessons(t *testing.T) {
	m, st, _ := newMaintenance(t, nil)
	ctx := context.Background()

	addLesson := func(lesson string) func(*models.Node) {
		return func(n *models.Node) {
			n.Lessons = models.Lessons{models.LessonModel: {lesson}}
		}
	}
	writeMaintNode(t, st, "1111000000000001", addLesson("prefers small diffs"))
	writeMaintNode(t, st, "1111000000000002", addLesson("prefers small diffs"))
	// A single occurrence stays below the aggregation floor.
	writeMaintNode(t, st, "1111000000000003", addLesson("rare observation"))

	require.NoError(t, m.HandlePatternAggregation(ctx, &models.Job{Kind: models.JobPatternAggregation}))

	insights, err := st.ListInsights(ctx, string(models.InsightQuirk))
	require.NoError(t, err)
	require.Len(t, insights, 1)
	assert.Equal(t, "prefers small diffs", insights[0].Pattern)
	assert.Equal(t, 2, insights[0].Frequency)
	assert.ElementsMatch(t, []string{"1111000000000001", "1111000000000002"}, insights[0].Examples)

	// Re-running updates in place instead of duplicating.
	require.NoError(t, m.HandlePatternAggregation(ctx, &models.Job{Kind: models.JobPatternAggregation}))
	insights, err = st.ListInsights(ctx, string(models.InsightQuirk))
	require.NoError(t, err)
	assert.Len(t, insights, 1)
}

func TestPatternAggregationExcludesNeedsReview(t *testing.T) {
	m, st, _ := newMaintenance(t, nil)
	ctx := context.Background()

	lesson := func(review bool) func(*models.Node) {
		return func(n *models.Node) {
			n.Lessons = models.Lessons{models.LessonModel: {"flaky suggestion"}}
			n.Metadata.DaemonMeta.NeedsReview = review
		}
	}
	writeMaintNode(t, st, "2222000000000001", lesson(false))
	writeMaintNode(t, st, "2222000000000002", lesson(true))

	require.NoError(t, m.HandlePatternAggregation(ctx, &models.Job{Kind: models.JobPatternAggregation}))

	// Only one trusted observation exists, so no insight crosses the floor.
	insights, err := st.ListInsights(ctx, string(models.InsightQuirk))
	require.NoError(t, err)
	assert.Empty(t, insights)
}

func TestConnectionDiscoveryHandler(t *testing.T) {
	m, st, _ := newMaintenance(t, nil)
	ctx := context.Background()

	writeMaintNode(t, st, "3333000000000001", nil)
	writeMaintNode(t, st, "3333000000000002", nil)

	require.NoError(t, m.HandleConnectionDiscovery(ctx, &models.Job{Kind: models.JobConnectionDiscovery}))

	edges, err := st.ListEdges(ctx, "3333000000000001")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, models.EdgeTemporal, edges[0].Kind)
}
