package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/grovetools/brain/errors"
)

// SearchHit is one full-text match joined back to the index row.
type SearchHit struct {
	NodeSummary
	Snippet string  `json:"snippet,omitempty"`
	Score   float64 `json:"score"`
}

// SearchFTS runs a MATCH query against the full-text index and joins the
// node rows. The raw query is sanitized into a bare-word AND query so user
// input cannot break FTS syntax.
func (s *Store) SearchFTS(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	return s.searchMatch(ctx, sanitizeFTSQuery(query, " "), limit)
}

// SearchFTSAny is the OR-semantics variant for natural-language questions,
// where stopwords would make an AND query match nothing. bm25 still ranks
// multi-term matches first.
func (s *Store) SearchFTSAny(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	return s.searchMatch(ctx, sanitizeFTSQuery(query, " OR "), limit)
}

func (s *Store) searchMatch(ctx context.Context, match string, limit int) ([]SearchHit, error) {
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id, n.version, n.type, n.project, n.outcome, n.timestamp,
			n.session_file, n.segment_boundary, n.prompt_version, n.needs_review,
			snippet(nodes_fts, 1, '', '', '…', 16),
			bm25(nodes_fts)
		FROM nodes_fts
		JOIN nodes n ON n.id = nodes_fts.node_id
		WHERE nodes_fts MATCH ?
		ORDER BY bm25(nodes_fts)
		LIMIT ?`, match, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDB, "full-text search failed")
	}
	defer rows.Close()

	var out []SearchHit
	for rows.Next() {
		var h SearchHit
		var needsReview int
		var typ, project, outcome, promptVersion, snippet sql.NullString
		if err := rows.Scan(&h.ID, &h.Version, &typ, &project, &outcome, &h.Timestamp,
			&h.SessionFile, &h.Boundary, &promptVersion, &needsReview, &snippet, &h.Score); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to scan search hit")
		}
		h.Type = typ.String
		h.Project = project.String
		h.Outcome = outcome.String
		h.PromptVersion = promptVersion.String
		h.NeedsReview = needsReview != 0
		h.Snippet = snippet.String
		// bm25 returns lower-is-better; flip the sign so callers sort descending.
		h.Score = -h.Score
		out = append(out, h)
	}
	return out, rows.Err()
}

// sanitizeFTSQuery reduces free text to quoted terms joined by sep, either
// " " for implicit AND or " OR ".
func sanitizeFTSQuery(q, sep string) string {
	fields := strings.Fields(q)
	var terms []string
	for _, f := range fields {
		f = strings.Trim(f, `"'()*:^?!,.`)
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, sep)
}
