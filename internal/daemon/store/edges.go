package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/grovetools/brain/errors"
	"github.com/grovetools/brain/pkg/models"
)

// UpsertEdge inserts an edge or, when (source, target, kind) already
// exists, refreshes its weight, evidence, and creation time.
func (s *Store) UpsertEdge(ctx context.Context, e models.Edge) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edges (source_node, target_node, kind, weight, evidence, source_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_node, target_node, kind) DO UPDATE SET
			weight = excluded.weight,
			evidence = excluded.evidence,
			source_version = excluded.source_version,
			created_at = excluded.created_at`,
		e.SourceNode, e.TargetNode, string(e.Kind), e.Weight, e.Evidence, e.SourceVersion, e.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDB, "failed to upsert edge")
	}
	return nil
}

// ListEdges returns all edges touching a node, in either direction.
func (s *Store) ListEdges(ctx context.Context, nodeID string) ([]models.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_node, target_node, kind, weight, evidence, source_version, created_at
		FROM edges WHERE source_node = ? OR target_node = ?
		ORDER BY weight DESC`, nodeID, nodeID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to list edges")
	}
	defer rows.Close()

	var out []models.Edge
	for rows.Next() {
		var e models.Edge
		var kind string
		var evidence sql.NullString
		if err := rows.Scan(&e.SourceNode, &e.TargetNode, &kind, &e.Weight, &evidence,
			&e.SourceVersion, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to scan edge")
		}
		e.Kind = models.EdgeKind(kind)
		e.Evidence = evidence.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastDiscoveryRun returns when connection discovery last ran for a node.
func (s *Store) LastDiscoveryRun(ctx context.Context, nodeID string) (time.Time, error) {
	var t sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT last_discovery_at FROM nodes WHERE id = ?`, nodeID).Scan(&t)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, errors.Wrap(err, errors.ErrCodeDB, "failed to read discovery timestamp")
	}
	return t.Time, nil
}

// TouchDiscoveryRun records that connection discovery ran for a node now.
func (s *Store) TouchDiscoveryRun(ctx context.Context, nodeID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET last_discovery_at = ? WHERE id = ?`, time.Now().UTC(), nodeID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDB, "failed to touch discovery timestamp")
	}
	return nil
}
