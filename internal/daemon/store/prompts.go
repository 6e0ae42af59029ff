package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/grovetools/brain/errors"
	"github.com/grovetools/brain/pkg/models"
)

// PromptVersionByHash looks up an existing prompt version by content hash.
func (s *Store) PromptVersionByHash(ctx context.Context, hash string) (*models.PromptVersion, error) {
	var pv models.PromptVersion
	var archived sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT version_label, sequence, content_hash, archived_path, created_at
		FROM prompt_versions WHERE content_hash = ?`, hash).
		Scan(&pv.VersionLabel, &pv.Sequence, &pv.ContentHash, &archived, &pv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to look up prompt version")
	}
	pv.ArchivedPath = archived.String
	return &pv, nil
}

// InsertPromptVersion records a new prompt version with the next sequence
// number. Returns the stored record.
func (s *Store) InsertPromptVersion(ctx context.Context, hash, archivedPath string) (*models.PromptVersion, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var maxSeq sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM prompt_versions`).Scan(&maxSeq); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to read prompt sequence")
	}

	pv := &models.PromptVersion{
		Sequence:     int(maxSeq.Int64) + 1,
		ContentHash:  hash,
		ArchivedPath: archivedPath,
		CreatedAt:    time.Now().UTC(),
	}
	pv.VersionLabel = models.PromptVersionLabel(pv.Sequence, hash)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prompt_versions (version_label, sequence, content_hash, archived_path, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		pv.VersionLabel, pv.Sequence, pv.ContentHash, pv.ArchivedPath, pv.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to insert prompt version")
	}
	return pv, nil
}

// SetPromptVersionArchived records where the archived copy of a prompt
// version landed. The archive file is named after the version label, which
// only exists after insert.
func (s *Store) SetPromptVersionArchived(ctx context.Context, versionLabel, archivedPath string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE prompt_versions SET archived_path = ? WHERE version_label = ?`,
		archivedPath, versionLabel)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDB, "failed to update prompt archive path")
	}
	return nil
}

// ListPromptVersions returns all prompt versions, newest first.
func (s *Store) ListPromptVersions(ctx context.Context) ([]models.PromptVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version_label, sequence, content_hash, archived_path, created_at
		FROM prompt_versions ORDER BY sequence DESC`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to list prompt versions")
	}
	defer rows.Close()

	var out []models.PromptVersion
	for rows.Next() {
		var pv models.PromptVersion
		var archived sql.NullString
		if err := rows.Scan(&pv.VersionLabel, &pv.Sequence, &pv.ContentHash, &archived, &pv.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to scan prompt version")
		}
		pv.ArchivedPath = archived.String
		out = append(out, pv)
	}
	return out, rows.Err()
}
