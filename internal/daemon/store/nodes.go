package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/grovetools/brain/errors"
	"github.com/grovetools/brain/pkg/models"
)

// nodePath returns the canonical JSON location for a node version, bucketed
// by write time: <data_root>/nodes/YYYY/MM/<id>-v<ver>.json
func (s *Store) nodePath(id string, version int, now time.Time) string {
	return filepath.Join(s.cfg.NodesRoot(), now.Format("2006"), now.Format("01"),
		fmt.Sprintf("%s-v%d.json", id, version))
}

// WriteNode commits a node. Ordering is deliberate: the canonical JSON file
// is written (temp, fsync, rename) before the transaction that updates the
// index and FTS, so a crash can only leave an orphan file, never an index
// row pointing at nothing. Returns the committed version.
func (s *Store) WriteNode(ctx context.Context, node *models.Node) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()

	var current int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM nodes WHERE id = ?`, node.ID).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		current = 0
	case err != nil:
		return 0, errors.Wrap(err, errors.ErrCodeDB, "failed to read current node version")
	}
	version := current + 1
	node.Version = version

	jsonPath := s.nodePath(node.ID, version, now)
	if err := writeFileAtomic(jsonPath, node); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeDB, "failed to begin node transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO nodes (
			id, version, type, project, language, outcome, had_clear_goal,
			is_new_project, timestamp, session_file, segment_boundary,
			prompt_version, needs_review, tokens_used, cost_usd, json_path,
			embedding_model, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			type = excluded.type,
			project = excluded.project,
			language = excluded.language,
			outcome = excluded.outcome,
			had_clear_goal = excluded.had_clear_goal,
			is_new_project = excluded.is_new_project,
			timestamp = excluded.timestamp,
			prompt_version = excluded.prompt_version,
			needs_review = excluded.needs_review,
			tokens_used = excluded.tokens_used,
			cost_usd = excluded.cost_usd,
			json_path = excluded.json_path,
			embedding_model = excluded.embedding_model,
			updated_at = excluded.updated_at`,
		node.ID, version, node.Classification.Type, node.Classification.Project,
		node.Classification.Language, node.Content.Outcome,
		boolToInt(node.Classification.HadClearGoal), boolToInt(node.Classification.IsNewProject),
		node.Metadata.Timestamp.UTC(), node.Metadata.SessionFile, node.Metadata.SegmentBoundary,
		node.Metadata.PromptVersion, boolToInt(node.Metadata.DaemonMeta.NeedsReview),
		node.Metadata.DaemonMeta.TokensUsed, node.Metadata.DaemonMeta.CostUSD,
		jsonPath, node.Semantic.EmbeddingModel, now, now)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeDB, "failed to upsert node row")
	}

	// FTS maintenance lives in the same transaction as the index row.
	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes_fts WHERE node_id = ?`, node.ID); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeDB, "failed to clear FTS row")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO nodes_fts (node_id, summary, decisions, lessons, tags) VALUES (?, ?, ?, ?, ?)`,
		node.ID, node.Content.Summary,
		strings.Join(node.Content.KeyDecisions, "\n"),
		flattenLessons(node.Lessons),
		strings.Join(node.Semantic.Tags, " ")); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeDB, "failed to insert FTS row")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO processed_boundaries (session_file, boundary, prompt_version, processed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_file, boundary) DO UPDATE SET
			prompt_version = excluded.prompt_version,
			processed_at = excluded.processed_at`,
		node.Metadata.SessionFile, node.Metadata.SegmentBoundary, node.Metadata.PromptVersion, now)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeDB, "failed to record processed boundary")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeDB, "failed to commit node transaction")
	}

	// Best-effort vector upsert outside the sqlite transaction; embedding
	// backfill repairs any miss.
	if len(node.Semantic.Embedding) > 0 && node.Semantic.EmbeddingModel != "" {
		if err := s.SetNodeEmbedding(ctx, node.ID, node.Semantic.EmbeddingModel, node.Semantic.Embedding); err != nil {
			s.logger.WithError(err).WithField("node", node.ID).Warn("Failed to store embedding")
		}
	}

	return version, nil
}

// GetNode reads the latest canonical JSON for a node id.
func (s *Store) GetNode(ctx context.Context, id string) (*models.Node, error) {
	var jsonPath string
	var embeddingModel sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT json_path, embedding_model FROM nodes WHERE id = ?`, id).Scan(&jsonPath, &embeddingModel)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrCodeNotFound, fmt.Sprintf("node %s not found", id))
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to look up node")
	}

	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read node file %s: %w", jsonPath, err)
	}
	var node models.Node
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("failed to parse node file %s: %w", jsonPath, err)
	}
	// Backfilled embeddings tag only the index row; the JSON predates them.
	if node.Semantic.EmbeddingModel == "" && embeddingModel.Valid {
		node.Semantic.EmbeddingModel = embeddingModel.String
	}
	return &node, nil
}

// NodeSummary is the index-row view of a node used by listings.
type NodeSummary struct {
	ID            string    `json:"id"`
	Version       int       `json:"version"`
	Type          string    `json:"type,omitempty"`
	Project       string    `json:"project,omitempty"`
	Outcome       string    `json:"outcome,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	SessionFile   string    `json:"sessionFile"`
	Boundary      string    `json:"segmentBoundary"`
	PromptVersion string    `json:"promptVersion,omitempty"`
	NeedsReview   bool      `json:"needsReview"`
}

// NodeFilter narrows ListNodes.
type NodeFilter struct {
	Project     string
	Type        string
	Outcome     string
	Since       time.Time
	Until       time.Time
	NeedsReview *bool
	Limit       int
	Offset      int
}

// ListNodes returns node summaries matching the filter, newest first.
func (s *Store) ListNodes(ctx context.Context, f NodeFilter) ([]NodeSummary, error) {
	query := `SELECT id, version, type, project, outcome, timestamp, session_file,
		segment_boundary, prompt_version, needs_review FROM nodes WHERE 1=1`
	var args []interface{}

	if f.Project != "" {
		query += " AND project = ?"
		args = append(args, f.Project)
	}
	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, f.Type)
	}
	if f.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, f.Outcome)
	}
	if !f.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, f.Until.UTC())
	}
	if f.NeedsReview != nil {
		query += " AND needs_review = ?"
		args = append(args, boolToInt(*f.NeedsReview))
	}

	query += " ORDER BY timestamp DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to list nodes")
	}
	defer rows.Close()

	var out []NodeSummary
	for rows.Next() {
		var n NodeSummary
		var needsReview int
		var typ, project, outcome, promptVersion sql.NullString
		if err := rows.Scan(&n.ID, &n.Version, &typ, &project, &outcome, &n.Timestamp,
			&n.SessionFile, &n.Boundary, &promptVersion, &needsReview); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to scan node row")
		}
		n.Type = typ.String
		n.Project = project.String
		n.Outcome = outcome.String
		n.PromptVersion = promptVersion.String
		n.NeedsReview = needsReview != 0
		out = append(out, n)
	}
	return out, rows.Err()
}

// ProcessedBoundary reports whether a boundary was already analyzed and
// with which prompt version.
func (s *Store) ProcessedBoundary(ctx context.Context, sessionFile, boundary string) (bool, string, error) {
	var promptVersion sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT prompt_version FROM processed_boundaries WHERE session_file = ? AND boundary = ?`,
		sessionFile, boundary).Scan(&promptVersion)
	if err == sql.ErrNoRows {
		return false, "", nil
	}
	if err != nil {
		return false, "", errors.Wrap(err, errors.ErrCodeDB, "failed to check processed boundary")
	}
	return true, promptVersion.String, nil
}

// OutdatedBoundary identifies an analyzed segment whose node predates the
// current analyzer prompt.
type OutdatedBoundary struct {
	SessionFile   string
	Boundary      string
	PromptVersion string
}

// OutdatedBoundaries lists processed boundaries analyzed under a prompt
// version other than current, oldest first. Reanalysis candidates.
func (s *Store) OutdatedBoundaries(ctx context.Context, current string, limit int) ([]OutdatedBoundary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_file, boundary, COALESCE(prompt_version, '')
		FROM processed_boundaries
		WHERE COALESCE(prompt_version, '') != ?
		ORDER BY processed_at ASC LIMIT ?`, current, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to list outdated boundaries")
	}
	defer rows.Close()

	var out []OutdatedBoundary
	for rows.Next() {
		var b OutdatedBoundary
		if err := rows.Scan(&b.SessionFile, &b.Boundary, &b.PromptVersion); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to scan outdated boundary")
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// writeFileAtomic writes JSON via a temp file, fsync, and rename.
func writeFileAtomic(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create node directory: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-node-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename node file into place: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func flattenLessons(lessons models.Lessons) string {
	var parts []string
	for _, level := range []string{
		models.LessonProject, models.LessonTask, models.LessonUser,
		models.LessonModel, models.LessonTool, models.LessonSkill, models.LessonSubagent,
	} {
		parts = append(parts, lessons[level]...)
	}
	return strings.Join(parts, "\n")
}
