package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/grovetools/brain/errors"
	"github.com/grovetools/brain/pkg/models"
)

// RecordDecision appends one entry to the daemon's decision audit trail.
func (s *Store) RecordDecision(ctx context.Context, decision, reasoning, sourceProject string) (*models.Decision, error) {
	d := &models.Decision{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Decision:      decision,
		Reasoning:     reasoning,
		SourceProject: sourceProject,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, timestamp, decision, reasoning, source_project, user_feedback)
		VALUES (?, ?, ?, ?, ?, NULL)`,
		d.ID, d.Timestamp, d.Decision, d.Reasoning, d.SourceProject)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to record decision")
	}
	return d, nil
}

// ListDecisions returns the audit trail, newest first.
func (s *Store) ListDecisions(ctx context.Context, limit int) ([]models.Decision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, decision, reasoning, source_project, user_feedback
		FROM decisions ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to list decisions")
	}
	defer rows.Close()

	var out []models.Decision
	for rows.Next() {
		var d models.Decision
		var reasoning, project, feedback sql.NullString
		if err := rows.Scan(&d.ID, &d.Timestamp, &d.Decision, &reasoning, &project, &feedback); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to scan decision")
		}
		d.Reasoning = reasoning.String
		d.SourceProject = project.String
		d.UserFeedback = feedback.String
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetDecisionFeedback records the user's verdict on a decision.
func (s *Store) SetDecisionFeedback(ctx context.Context, id, feedback string) error {
	if feedback != "good" && feedback != "bad" {
		return errors.New(errors.ErrCodeInvalidInput, "feedback must be \"good\" or \"bad\"")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE decisions SET user_feedback = ? WHERE id = ?`, feedback, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDB, "failed to update decision")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrCodeNotFound, "decision "+id+" not found")
	}
	return nil
}

// ReplaceClusters swaps the whole cluster set; clustering recomputes from
// scratch each run.
func (s *Store) ReplaceClusters(ctx context.Context, clusters []models.Cluster) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDB, "failed to begin cluster transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM clusters`); err != nil {
		return errors.Wrap(err, errors.ErrCodeDB, "failed to clear clusters")
	}
	for _, c := range clusters {
		ids, err := json.Marshal(c.NodeIDs)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal cluster members")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO clusters (id, label, node_ids, created_at) VALUES (?, ?, ?, ?)`,
			c.ID, c.Label, string(ids), c.CreatedAt); err != nil {
			return errors.Wrap(err, errors.ErrCodeDB, "failed to insert cluster")
		}
	}
	return tx.Commit()
}

// ListClusters returns all clusters.
func (s *Store) ListClusters(ctx context.Context) ([]models.Cluster, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, label, node_ids, created_at FROM clusters ORDER BY created_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to list clusters")
	}
	defer rows.Close()

	var out []models.Cluster
	for rows.Next() {
		var c models.Cluster
		var label sql.NullString
		var ids string
		if err := rows.Scan(&c.ID, &label, &ids, &c.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to scan cluster")
		}
		c.Label = label.String
		_ = json.Unmarshal([]byte(ids), &c.NodeIDs)
		out = append(out, c)
	}
	return out, rows.Err()
}
