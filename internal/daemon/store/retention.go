package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/grovetools/brain/errors"
)

// Stats summarizes the store for the /stats endpoint and daemon status.
type Stats struct {
	Nodes           int            `json:"nodes"`
	Edges           int            `json:"edges"`
	Insights        int            `json:"insights"`
	PendingJobs     int            `json:"pendingJobs"`
	FailedJobs      int            `json:"failedJobs"`
	Projects        map[string]int `json:"projects"`
	NeedsReview     int            `json:"needsReview"`
	MissingVectors  int            `json:"missingVectors"`
	LatestNodeAt    *time.Time     `json:"latestNodeAt,omitempty"`
	PromptVersions  int            `json:"promptVersions"`
	ArchivedVersions int           `json:"archivedVersions,omitempty"`
}

// Stats computes store-wide counters.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Projects: make(map[string]int)}

	row := func(query string, dest ...interface{}) error {
		return s.db.QueryRowContext(ctx, query).Scan(dest...)
	}

	if err := row(`SELECT COUNT(*) FROM nodes`, &st.Nodes); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to count nodes")
	}
	if err := row(`SELECT COUNT(*) FROM edges`, &st.Edges); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to count edges")
	}
	if err := row(`SELECT COUNT(*) FROM insights`, &st.Insights); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to count insights")
	}
	if err := row(`SELECT COUNT(*) FROM jobs WHERE state = 'pending'`, &st.PendingJobs); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to count pending jobs")
	}
	if err := row(`SELECT COUNT(*) FROM jobs WHERE state = 'failed'`, &st.FailedJobs); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to count failed jobs")
	}
	if err := row(`SELECT COUNT(*) FROM nodes WHERE needs_review = 1`, &st.NeedsReview); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to count review nodes")
	}
	if err := row(`SELECT COUNT(*) FROM nodes WHERE embedding_model IS NULL OR embedding_model = ''`, &st.MissingVectors); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to count missing vectors")
	}
	if err := row(`SELECT COUNT(*) FROM prompt_versions`, &st.PromptVersions); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to count prompt versions")
	}

	var latest sql.NullTime
	if err := row(`SELECT MAX(timestamp) FROM nodes`, &latest); err == nil && latest.Valid {
		st.LatestNodeAt = &latest.Time
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT project, COUNT(*) FROM nodes WHERE project != '' GROUP BY project`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to count projects")
	}
	defer rows.Close()
	for rows.Next() {
		var project string
		var count int
		if err := rows.Scan(&project, &count); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to scan project count")
		}
		st.Projects[project] = count
	}

	return st, rows.Err()
}

// ApplyRetention moves node version files beyond the retention policy into
// the archive directory. The latest retention_max_versions of each node stay
// in place; anything older than retention_archive_days moves.
func (s *Store) ApplyRetention(ctx context.Context) (int, error) {
	maxVersions := s.cfg.RetentionMaxVersions
	if maxVersions < 1 {
		maxVersions = 1
	}
	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionArchiveDays)

	moved := 0
	root := s.cfg.NodesRoot()
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		base := strings.TrimSuffix(filepath.Base(path), ".json")
		idx := strings.LastIndex(base, "-v")
		if idx <= 0 {
			return nil
		}
		id := base[:idx]
		fileVer := parseVersionSuffix(base[idx+2:])

		var currentVer int
		if err := s.db.QueryRowContext(ctx,
			`SELECT version FROM nodes WHERE id = ?`, id).Scan(&currentVer); err != nil {
			return nil
		}

		// Keep the newest maxVersions; archive older files past the age cutoff.
		if fileVer > currentVer-maxVersions {
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		dest := filepath.Join(s.cfg.ArchiveRoot(), rel)
		if mkErr := os.MkdirAll(filepath.Dir(dest), 0755); mkErr != nil {
			return fmt.Errorf("failed to create archive directory: %w", mkErr)
		}
		if mvErr := os.Rename(path, dest); mvErr != nil {
			s.logger.WithError(mvErr).WithField("file", path).Warn("Failed to archive node version")
			return nil
		}
		moved++
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return moved, err
	}
	return moved, nil
}
