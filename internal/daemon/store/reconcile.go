package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/grovetools/brain/errors"
)

// Reconcile removes orphan node JSON files: files written just before a
// crash that never got their index commit. Only the current month's
// directory is walked; older files were either committed long ago or
// already reconciled.
func (s *Store) Reconcile(ctx context.Context) (int, error) {
	now := time.Now()
	dir := filepath.Join(s.cfg.NodesRoot(), now.Format("2006"), now.Format("01"))

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to read node directory")
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		// <id>-v<ver>.json
		base := strings.TrimSuffix(entry.Name(), ".json")
		idx := strings.LastIndex(base, "-v")
		if idx <= 0 {
			continue
		}
		id := base[:idx]
		path := filepath.Join(dir, entry.Name())

		var jsonPath string
		err := s.db.QueryRowContext(ctx, `SELECT json_path FROM nodes WHERE id = ?`, id).Scan(&jsonPath)
		if err != nil {
			// No index row at all: pure orphan.
			s.logger.WithField("file", path).Info("Removing orphan node file")
			if rmErr := os.Remove(path); rmErr == nil {
				removed++
			}
			continue
		}

		// An index row exists; the current version's file and retained older
		// versions are legitimate. Only a file NEWER than the committed
		// version is an orphan (written, then crashed before commit).
		committedBase := strings.TrimSuffix(filepath.Base(jsonPath), ".json")
		committedIdx := strings.LastIndex(committedBase, "-v")
		if committedIdx <= 0 {
			continue
		}
		fileVer := parseVersionSuffix(base[idx+2:])
		committedVer := parseVersionSuffix(committedBase[committedIdx+2:])
		if fileVer > committedVer {
			s.logger.WithField("file", path).Info("Removing uncommitted node version")
			if rmErr := os.Remove(path); rmErr == nil {
				removed++
			}
		}
	}

	return removed, nil
}

func parseVersionSuffix(s string) int {
	v := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return -1
		}
		v = v*10 + int(r-'0')
	}
	return v
}
