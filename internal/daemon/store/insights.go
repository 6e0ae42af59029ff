package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/grovetools/brain/errors"
	"github.com/grovetools/brain/pkg/models"
)

// UpsertInsight inserts or refreshes an aggregated insight by id.
func (s *Store) UpsertInsight(ctx context.Context, in *models.Insight) error {
	now := time.Now().UTC()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now

	examples, err := json.Marshal(in.Examples)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal insight examples")
	}
	effectiveness, err := json.Marshal(in.Effectiveness)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal effectiveness history")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO insights (id, type, model, tool, pattern, frequency, confidence,
			severity, examples, prompt_text, prompt_included, effectiveness, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			frequency = excluded.frequency,
			confidence = excluded.confidence,
			severity = excluded.severity,
			examples = excluded.examples,
			prompt_text = excluded.prompt_text,
			prompt_included = excluded.prompt_included,
			effectiveness = excluded.effectiveness,
			updated_at = excluded.updated_at`,
		in.ID, string(in.Type), in.Model, in.Tool, in.Pattern, in.Frequency, in.Confidence,
		in.Severity, string(examples), in.PromptText, boolToInt(in.PromptIncluded),
		string(effectiveness), in.CreatedAt, in.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDB, "failed to upsert insight")
	}
	return nil
}

// ListInsights returns insights, optionally filtered by type, most frequent
// first.
func (s *Store) ListInsights(ctx context.Context, insightType string) ([]models.Insight, error) {
	query := `SELECT id, type, model, tool, pattern, frequency, confidence, severity,
		examples, prompt_text, prompt_included, effectiveness, created_at, updated_at
		FROM insights`
	var args []interface{}
	if insightType != "" {
		query += " WHERE type = ?"
		args = append(args, insightType)
	}
	query += " ORDER BY frequency DESC, confidence DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to list insights")
	}
	defer rows.Close()

	var out []models.Insight
	for rows.Next() {
		var in models.Insight
		var typ string
		var model, tool, severity, examples, promptText, effectiveness sql.NullString
		var included int
		if err := rows.Scan(&in.ID, &typ, &model, &tool, &in.Pattern, &in.Frequency,
			&in.Confidence, &severity, &examples, &promptText, &included,
			&effectiveness, &in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to scan insight")
		}
		in.Type = models.InsightType(typ)
		in.Model = model.String
		in.Tool = tool.String
		in.Severity = severity.String
		in.PromptText = promptText.String
		in.PromptIncluded = included != 0
		if examples.Valid && examples.String != "" {
			_ = json.Unmarshal([]byte(examples.String), &in.Examples)
		}
		if effectiveness.Valid && effectiveness.String != "" {
			_ = json.Unmarshal([]byte(effectiveness.String), &in.Effectiveness)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// AppendInsightEffectiveness records one observation of how an injected
// insight performed.
func (s *Store) AppendInsightEffectiveness(ctx context.Context, id string, obs models.Effectiveness) error {
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now().UTC()
	}

	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT effectiveness FROM insights WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return errors.New(errors.ErrCodeNotFound, "insight "+id+" not found")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDB, "failed to read insight")
	}

	var history []models.Effectiveness
	if raw.Valid && raw.String != "" {
		_ = json.Unmarshal([]byte(raw.String), &history)
	}
	history = append(history, obs)

	data, err := json.Marshal(history)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal effectiveness history")
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE insights SET effectiveness = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UTC(), id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDB, "failed to update insight")
	}
	return nil
}

// SetInsightPromptIncluded flips whether an insight is injected into the
// analyzer's skill context.
func (s *Store) SetInsightPromptIncluded(ctx context.Context, id string, included bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE insights SET prompt_included = ?, updated_at = ? WHERE id = ?`,
		boolToInt(included), time.Now().UTC(), id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDB, "failed to update insight")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrCodeNotFound, "insight "+id+" not found")
	}
	return nil
}

// IncludedInsightPrompts returns the prompt texts of all insights flagged
// for injection into the analyzer skill context.
func (s *Store) IncludedInsightPrompts(ctx context.Context) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT prompt_text FROM insights WHERE prompt_included = 1 AND prompt_text != '' ORDER BY frequency DESC`)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeDB, "failed to collect insight prompts")
	}
	defer rows.Close()

	var parts []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return "", errors.Wrap(err, errors.ErrCodeDB, "failed to scan insight prompt")
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n"), rows.Err()
}
