package connect

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
	"github.com/grovetools/brain/internal/daemon/store"
	"github.com/grovetools/brain/pkg/models"
)

func newTestDiscoverer(t *testing.T) (*Discoverer, *store.Store, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.DataRoot = t.TempDir()
	cfg.SessionsRoot = filepath.Join(cfg.DataRoot, "sessions")

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	entry := logger.WithField("component", "connect-test")

	st, err := store.Open(cfg, entry)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return New(cfg, entry, st), st, cfg
}

func writeNode(t *testing.T, st *store.Store, id, project string, files []string, ts time.Time) *models.Node {
	t.Helper()
	node := &models.Node{
		ID:             id,
		Classification: models.Classification{Type: "feature", Project: project},
		Content: models.Content{
			Summary:      "work on " + id,
			Outcome:      models.OutcomeSuccess,
			FilesTouched: files,
		},
		Metadata: models.Metadata{
			Timestamp:       ts,
			SessionFile:     "/s/--p--/" + id + ".jsonl",
			SegmentBoundary: "start",
			PromptVersion:   "v1-aaaa1111",
		},
	}
	_, err := st.WriteNode(context.Background(), node)
	require.NoError(t, err)
	return node
}

func TestSemanticEdges(t *testing.T) {
	d, st, cfg := newTestDiscoverer(t)
	cfg.ConnectionDiscoveryThreshold = 0.8
	ctx := context.Background()
	now := time.Now().UTC()

	vectors := map[string][]float32{
		"aaaa000000000001": {1, 0, 0},
		"aaaa000000000002": {0.95, 0.05, 0},
		"aaaa000000000003": {0, 1, 0},
	}
	for id, vec := range vectors {
		// Distinct projects and no files keep the other passes quiet. The
		// model tag reaches GetNode through the index row, as in backfill.
		writeNode(t, st, id, "proj-"+id, nil, now)
		require.NoError(t, st.SetNodeEmbedding(ctx, id, "test-model", vec))
	}

	written, err := d.DiscoverForNode(ctx, "aaaa000000000001", true)
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	edges, err := st.ListEdges(ctx, "aaaa000000000001")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, models.EdgeSemantic, edges[0].Kind)
	assert.Equal(t, "aaaa000000000002", edges[0].TargetNode)
	assert.Greater(t, edges[0].Weight, 0.8)
}

func TestFileOverlapEdges(t *testing.T) {
	d, st, cfg := newTestDiscoverer(t)
	cfg.ConnectionDiscoveryMinFileOverlap = 0.25
	ctx := context.Background()
	now := time.Now().UTC()

	// Distinct projects so temporal edges stay out of the way.
	a := writeNode(t, st, "bbbb000000000001", "p1", []string{"main.go", "store.go"}, now)
	writeNode(t, st, "bbbb000000000002", "p2", []string{"store.go", "queue.go"}, now)
	writeNode(t, st, "bbbb000000000003", "p3", []string{"readme.md"}, now)

	written, err := d.DiscoverForNode(ctx, a.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	edges, err := st.ListEdges(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, models.EdgeFileOverlap, edges[0].Kind)
	assert.InDelta(t, 1.0/3.0, edges[0].Weight, 0.001)
}

func TestTemporalEdges(t *testing.T) {
	d, st, cfg := newTestDiscoverer(t)
	cfg.ConnectionDiscoveryTemporalWindowDays = 7
	ctx := context.Background()
	now := time.Now().UTC()

	a := writeNode(t, st, "cccc000000000001", "proj", nil, now)
	writeNode(t, st, "cccc000000000002", "proj", nil, now.Add(-24*time.Hour))
	writeNode(t, st, "cccc000000000003", "proj", nil, now.Add(-30*24*time.Hour))
	writeNode(t, st, "cccc000000000004", "other", nil, now)

	written, err := d.DiscoverForNode(ctx, a.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	edges, err := st.ListEdges(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, models.EdgeTemporal, edges[0].Kind)
	assert.Equal(t, "cccc000000000002", edges[0].TargetNode)
}

func TestCooldownSkipsRecentRun(t *testing.T) {
	d, st, _ := newTestDiscoverer(t)
	ctx := context.Background()

	a := writeNode(t, st, "dddd000000000001", "proj", nil, time.Now().UTC())
	writeNode(t, st, "dddd000000000002", "proj", nil, time.Now().UTC())

	written, err := d.DiscoverForNode(ctx, a.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	// Second un-forced run inside the cooldown is a no-op.
	written, err = d.DiscoverForNode(ctx, a.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 0, written)

	// Forced runs ignore the cooldown.
	written, err = d.DiscoverForNode(ctx, a.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, written)
}

func TestRunBatch(t *testing.T) {
	d, st, _ := newTestDiscoverer(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 1; i <= 3; i++ {
		writeNode(t, st, fmt.Sprintf("eeee%012d", i), "proj", nil, now)
	}

	total, err := d.RunBatch(ctx, 10)
	require.NoError(t, err)
	// Each node's pass upserts its two pairs; the canonical direction means
	// the second visit of a pair refreshes the same row.
	assert.Equal(t, 6, total)

	edges, err := st.ListEdges(ctx, "eeee000000000001")
	require.NoError(t, err)
	assert.Len(t, edges, 2)
}

func TestSymmetricPairStoredOnce(t *testing.T) {
	d, st, _ := newTestDiscoverer(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := writeNode(t, st, "ffff000000000002", "proj", nil, now)
	b := writeNode(t, st, "ffff000000000001", "proj", nil, now.Add(-time.Hour))

	// Discover from both ends; the pair must land on one row with the
	// lexicographically smaller id as source.
	_, err := d.DiscoverForNode(ctx, a.ID, true)
	require.NoError(t, err)
	_, err = d.DiscoverForNode(ctx, b.ID, true)
	require.NoError(t, err)

	edges, err := st.ListEdges(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "ffff000000000001", edges[0].SourceNode)
	assert.Equal(t, "ffff000000000002", edges[0].TargetNode)
}
