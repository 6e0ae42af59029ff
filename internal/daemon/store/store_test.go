package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovetools/brain/config"
	"github.com/grovetools/brain/errors"
	"github.com/grovetools/brain/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.Default()
	cfg.DataRoot = t.TempDir()
	cfg.SessionsRoot = filepath.Join(cfg.DataRoot, "sessions")

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	s, err := Open(cfg, logger.WithField("component", "store-test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testNode(id string) *models.Node {
	return &models.Node{
		ID: id,
		Classification: models.Classification{
			Type:    "bugfix",
			Project: "proj",
		},
		Content: models.Content{
			Summary:      "fixed the race in the watcher debounce",
			Outcome:      models.OutcomeSuccess,
			KeyDecisions: []string{"use a per-file timer"},
			FilesTouched: []string{"watcher/watcher.go"},
		},
		Lessons: models.Lessons{
			models.LessonTool: {"fsnotify coalesces writes"},
		},
		Semantic: models.Semantic{Tags: []string{"concurrency", "watcher"}},
		Metadata: models.Metadata{
			Timestamp:       time.Now().UTC(),
			SessionFile:     "/sessions/--p--/a.jsonl",
			SegmentBoundary: "start",
			PromptVersion:   "v1-abcd1234",
		},
	}
}

func TestWriteNodeVersionMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node := testNode("aaaa000011112222")
	for want := 1; want <= 3; want++ {
		v, err := s.WriteNode(ctx, node)
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}

	got, err := s.GetNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Version)

	// All version files are retained.
	now := time.Now()
	dir := filepath.Join(s.cfg.NodesRoot(), now.Format("2006"), now.Format("01"))
	for v := 1; v <= 3; v++ {
		_, err := os.Stat(filepath.Join(dir, fmt.Sprintf("%s-v%d.json", node.ID, v)))
		assert.NoError(t, err, "version %d file missing", v)
	}
}

func TestWriteNodeFTSConsistency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node := testNode("bbbb000011112222")
	_, err := s.WriteNode(ctx, node)
	require.NoError(t, err)

	hits, err := s.SearchFTS(ctx, "watcher debounce", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, node.ID, hits[0].ID)
	assert.Equal(t, 1, hits[0].Version)

	// Rewrite with different text; FTS must follow the latest version.
	node.Content.Summary = "migrated the queue to leases"
	_, err = s.WriteNode(ctx, node)
	require.NoError(t, err)

	hits, err = s.SearchFTS(ctx, "watcher debounce", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = s.SearchFTS(ctx, "leases", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 2, hits[0].Version)
}

func TestGetNodeNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetNode(context.Background(), "missing0000000000")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotFound, errors.GetCode(err))
}

func TestListNodesFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := testNode("cccc000011112222")
	a.Classification.Project = "alpha"
	b := testNode("dddd000011112222")
	b.Classification.Project = "beta"
	b.Content.Outcome = models.OutcomeFailed
	b.Metadata.SessionFile = "/sessions/--q--/b.jsonl"

	_, err := s.WriteNode(ctx, a)
	require.NoError(t, err)
	_, err = s.WriteNode(ctx, b)
	require.NoError(t, err)

	all, err := s.ListNodes(ctx, NodeFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	alphas, err := s.ListNodes(ctx, NodeFilter{Project: "alpha"})
	require.NoError(t, err)
	require.Len(t, alphas, 1)
	assert.Equal(t, a.ID, alphas[0].ID)

	failed, err := s.ListNodes(ctx, NodeFilter{Outcome: models.OutcomeFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, b.ID, failed[0].ID)
}

func TestReconcileRemovesOrphans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	committed := testNode("eeee000011112222")
	_, err := s.WriteNode(ctx, committed)
	require.NoError(t, err)

	// Simulate a crash: a version-2 file exists with no matching commit,
	// and a file for a node the index never saw.
	now := time.Now()
	dir := filepath.Join(s.cfg.NodesRoot(), now.Format("2006"), now.Format("01"))
	orphanNewer := filepath.Join(dir, committed.ID+"-v2.json")
	require.NoError(t, os.WriteFile(orphanNewer, []byte("{}"), 0644))
	orphanUnknown := filepath.Join(dir, "ffff000011112222-v1.json")
	require.NoError(t, os.WriteFile(orphanUnknown, []byte("{}"), 0644))

	removed, err := s.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = os.Stat(orphanNewer)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(orphanUnknown)
	assert.True(t, os.IsNotExist(err))

	// The committed file survives.
	_, err = os.Stat(filepath.Join(dir, committed.ID+"-v1.json"))
	assert.NoError(t, err)
}

func TestEdgeUpsertDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := models.Edge{
		SourceNode: "n1", TargetNode: "n2",
		Kind: models.EdgeSemantic, Weight: 0.7, Evidence: "cosine",
	}
	require.NoError(t, s.UpsertEdge(ctx, e))

	e.Weight = 0.9
	require.NoError(t, s.UpsertEdge(ctx, e))

	edges, err := s.ListEdges(ctx, "n1")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, 0.9, edges[0].Weight)

	// Distinct kind is a distinct edge.
	e.Kind = models.EdgeFileOverlap
	require.NoError(t, s.UpsertEdge(ctx, e))
	edges, err = s.ListEdges(ctx, "n1")
	require.NoError(t, err)
	assert.Len(t, edges, 2)
}

func TestPromptVersionSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v1, err := s.InsertPromptVersion(ctx, "aabbccdd", "")
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Sequence)
	assert.Equal(t, "v1-aabbccdd", v1.VersionLabel)

	v2, err := s.InsertPromptVersion(ctx, "11223344", "")
	require.NoError(t, err)
	assert.Equal(t, "v2-11223344", v2.VersionLabel)

	found, err := s.PromptVersionByHash(ctx, "aabbccdd")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, v1.VersionLabel, found.VersionLabel)

	missing, err := s.PromptVersionByHash(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestEmbeddingsAndSimilarity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, vec := range [][]float32{
		{1, 0, 0},
		{0.9, 0.1, 0},
		{0, 1, 0},
	} {
		node := testNode(fmt.Sprintf("%016d", i))
		node.Metadata.SessionFile = fmt.Sprintf("/s/--p--/%d.jsonl", i)
		_, err := s.WriteNode(ctx, node)
		require.NoError(t, err)
		require.NoError(t, s.SetNodeEmbedding(ctx, node.ID, "test-model", vec))
	}

	similar, err := s.SimilarNodes(ctx, []float32{1, 0, 0}, "test-model", 3, 0.8)
	require.NoError(t, err)
	require.Len(t, similar, 2)
	assert.Equal(t, "0000000000000000", similar[0].NodeID)

	missing, err := s.NodesWithoutEmbedding(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestProcessedBoundaries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	done, _, err := s.ProcessedBoundary(ctx, "/s/a.jsonl", "start")
	require.NoError(t, err)
	assert.False(t, done)

	node := testNode("abab000011112222")
	node.Metadata.SessionFile = "/s/a.jsonl"
	_, err = s.WriteNode(ctx, node)
	require.NoError(t, err)

	done, pv, err := s.ProcessedBoundary(ctx, "/s/a.jsonl", "start")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "v1-abcd1234", pv)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.WriteNode(ctx, testNode("1212000011112222"))
	require.NoError(t, err)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Nodes)
	assert.Equal(t, 1, st.Projects["proj"])
	assert.Equal(t, 1, st.MissingVectors)
}

func TestApplyRetentionArchivesOldVersions(t *testing.T) {
	s := newTestStore(t)
	s.cfg.RetentionMaxVersions = 2
	ctx := context.Background()

	node := testNode("fafa000011112222")
	for v := 1; v <= 4; v++ {
		_, err := s.WriteNode(ctx, node)
		require.NoError(t, err)
	}

	// Age the two oldest version files past the archive cutoff.
	now := time.Now()
	dir := filepath.Join(s.cfg.NodesRoot(), now.Format("2006"), now.Format("01"))
	old := now.AddDate(0, 0, -100)
	for v := 1; v <= 2; v++ {
		path := filepath.Join(dir, fmt.Sprintf("%s-v%d.json", node.ID, v))
		require.NoError(t, os.Chtimes(path, old, old))
	}

	moved, err := s.ApplyRetention(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	// v1 and v2 now live under the archive root; v3 and v4 stay canonical.
	archiveDir := filepath.Join(s.cfg.ArchiveRoot(), now.Format("2006"), now.Format("01"))
	for v := 1; v <= 2; v++ {
		_, err := os.Stat(filepath.Join(archiveDir, fmt.Sprintf("%s-v%d.json", node.ID, v)))
		assert.NoError(t, err, "version %d not archived", v)
	}
	for v := 3; v <= 4; v++ {
		_, err := os.Stat(filepath.Join(dir, fmt.Sprintf("%s-v%d.json", node.ID, v)))
		assert.NoError(t, err, "version %d should remain", v)
	}

	// Recent files inside the keep window are untouched on a rerun.
	moved, err = s.ApplyRetention(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)
}
