// Package queue implements the durable analysis job queue. Jobs live in the
// same sqlite database as the node index; leases with expiry make worker
// crashes recoverable without double-charging retries.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/grovetools/brain/config"
	"github.com/grovetools/brain/errors"
	"github.com/grovetools/brain/internal/daemon/bus"
	"github.com/grovetools/brain/internal/daemon/store"
	"github.com/grovetools/brain/pkg/models"
)

// Queue hands out leased jobs to workers. One Queue per daemon process.
type Queue struct {
	db     *sql.DB
	cfg    *config.Config
	logger *logrus.Entry
	events *bus.Bus

	// mu serializes multi-statement transitions and guards inflight.
	mu sync.Mutex
	// inflight maps session file to the job currently leased for it, so two
	// workers never analyze the same session concurrently even when the
	// session has several pending segments.
	inflight map[string]string
}

// New builds a queue over the store's database handle.
func New(st *store.Store, cfg *config.Config, logger *logrus.Entry, events *bus.Bus) *Queue {
	return &Queue{
		db:       st.DB(),
		cfg:      cfg,
		logger:   logger,
		events:   events,
		inflight: make(map[string]string),
	}
}

// Enqueue adds a job unless an equivalent one is already live. The second
// return is false when the job was deduplicated against an existing
// non-terminal job for the same (session, boundary, kind).
func (q *Queue) Enqueue(ctx context.Context, kind models.JobKind, sessionFile, boundary, promptVersion string) (*models.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var existing string
	err := q.db.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE kind = ? AND session_file = ? AND segment_boundary = ?
		  AND state IN ('pending', 'leased')
		LIMIT 1`, string(kind), sessionFile, boundary).Scan(&existing)
	if err == nil {
		q.logger.WithFields(logrus.Fields{
			"job":  existing,
			"kind": kind,
		}).Debug("Job already queued, skipping duplicate")
		return nil, false, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, errors.Wrap(err, errors.ErrCodeDB, "failed to check for duplicate job")
	}

	var live int
	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE state IN ('pending', 'leased')`).Scan(&live); err != nil {
		return nil, false, errors.Wrap(err, errors.ErrCodeDB, "failed to count live jobs")
	}
	if q.cfg.MaxQueueSize > 0 && live >= q.cfg.MaxQueueSize {
		return nil, false, errors.New(errors.ErrCodeQueueFull,
			fmt.Sprintf("queue is full (%d jobs)", live))
	}

	job := &models.Job{
		ID:              uuid.NewString(),
		Kind:            kind,
		SessionFile:     sessionFile,
		SegmentBoundary: boundary,
		State:           models.JobPending,
		MaxRetries:      q.cfg.MaxRetries,
		EnqueuedAt:      time.Now().UTC(),
		PromptVersion:   promptVersion,
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, session_file, segment_boundary, state,
			retry_count, max_retries, enqueued_at, prompt_version)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?)`,
		job.ID, string(job.Kind), job.SessionFile, job.SegmentBoundary,
		job.MaxRetries, job.EnqueuedAt, job.PromptVersion)
	if err != nil {
		return nil, false, errors.Wrap(err, errors.ErrCodeDB, "failed to enqueue job")
	}

	q.logger.WithFields(logrus.Fields{
		"job":      job.ID,
		"kind":     kind,
		"session":  sessionFile,
		"boundary": boundary,
	}).Info("Enqueued job")
	q.publishChanged()
	return job, true, nil
}

// Lease hands the oldest eligible job to a worker. Initial analysis beats
// reanalysis, which beats maintenance kinds; within a kind, oldest first.
// Expired leases are eligible again. Returns (nil, nil) when nothing is
// ready.
func (q *Queue) Lease(ctx context.Context, workerID string, kinds ...models.JobKind) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	query := `
		SELECT id, kind, session_file, segment_boundary, retry_count, max_retries, enqueued_at, prompt_version
		FROM jobs
		WHERE (state = 'pending' OR (state = 'leased' AND lease_expires_at < ?))
		  AND (not_before IS NULL OR not_before <= ?)`
	args := []interface{}{now, now}
	if len(kinds) > 0 {
		placeholders := make([]string, len(kinds))
		for i, k := range kinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		query += " AND kind IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += `
		ORDER BY CASE kind
			WHEN 'initial' THEN 0
			WHEN 'reanalysis' THEN 1
			ELSE 2
		END, enqueued_at ASC
		LIMIT ?`
	args = append(args, q.candidateWindow())

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to query leasable jobs")
	}
	candidates, err := scanCandidates(rows)
	if err != nil {
		return nil, err
	}

	for _, job := range candidates {
		if job.SessionFile != "" {
			if holder, busy := q.inflight[job.SessionFile]; busy && holder != job.ID {
				continue
			}
		}

		expires := now.Add(q.cfg.LeaseDuration())
		res, err := q.db.ExecContext(ctx, `
			UPDATE jobs
			SET state = 'leased', leased_by = ?, lease_expires_at = ?, started_at = ?
			WHERE id = ? AND (state = 'pending' OR (state = 'leased' AND lease_expires_at < ?))`,
			workerID, expires, now, job.ID, now)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to lease job")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}

		job.State = models.JobLeased
		job.LeasedBy = workerID
		job.LeaseExpiresAt = &expires
		job.StartedAt = &now
		if job.SessionFile != "" {
			q.inflight[job.SessionFile] = job.ID
		}
		q.logger.WithFields(logrus.Fields{
			"job":    job.ID,
			"kind":   job.Kind,
			"worker": workerID,
		}).Debug("Leased job")
		return job, nil
	}
	return nil, nil
}

// candidateWindow bounds the lease candidate scan. It must span the whole
// live queue: the per-session inflight lock can skip an arbitrary prefix of
// the ordering, and a window smaller than the queue would leave a worker
// idle while an eligible job sits past the cutoff.
func (q *Queue) candidateWindow() int {
	if q.cfg.MaxQueueSize > 32 {
		return q.cfg.MaxQueueSize
	}
	return 32
}

// Extend pushes a held lease's expiry forward. Workers call this from their
// heartbeat while a long analysis runs.
func (q *Queue) Extend(ctx context.Context, jobID, workerID string) error {
	expires := time.Now().UTC().Add(q.cfg.LeaseDuration())
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = ?
		WHERE id = ? AND state = 'leased' AND leased_by = ?`,
		expires, jobID, workerID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDB, "failed to extend lease")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrCodeStaleLease, "lease no longer held by "+workerID)
	}
	return nil
}

// Complete marks a leased job succeeded. A worker whose lease was swept and
// re-leased elsewhere gets a stale-lease error and must discard its result.
func (q *Queue) Complete(ctx context.Context, jobID, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'succeeded', completed_at = ?, lease_expires_at = NULL
		WHERE id = ? AND state = 'leased' AND leased_by = ?`,
		now, jobID, workerID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDB, "failed to complete job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrCodeStaleLease, "lease no longer held by "+workerID)
	}
	q.releaseInflight(jobID)
	q.publishChanged()
	return nil
}

// Fail records a failure. Retryable failures below the retry budget go back
// to pending; everything else lands in failed. The bool reports whether the
// job was requeued.
func (q *Queue) Fail(ctx context.Context, jobID, workerID, message, category string, retryable bool, maxRetries int) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var retryCount int
	err := q.db.QueryRowContext(ctx, `
		SELECT retry_count FROM jobs
		WHERE id = ? AND state = 'leased' AND leased_by = ?`,
		jobID, workerID).Scan(&retryCount)
	if err == sql.ErrNoRows {
		return false, errors.New(errors.ErrCodeStaleLease, "lease no longer held by "+workerID)
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeDB, "failed to load job for failure")
	}

	retryCount++
	requeue := retryable && retryCount <= maxRetries

	if requeue {
		notBefore := time.Now().UTC().Add(q.retryBackoff(retryCount))
		_, err = q.db.ExecContext(ctx, `
			UPDATE jobs SET state = 'pending', leased_by = NULL, lease_expires_at = NULL,
				retry_count = ?, last_error = ?, error_category = ?, not_before = ?
			WHERE id = ?`, retryCount, message, category, notBefore, jobID)
	} else {
		_, err = q.db.ExecContext(ctx, `
			UPDATE jobs SET state = 'failed', completed_at = ?, lease_expires_at = NULL,
				retry_count = ?, last_error = ?, error_category = ?
			WHERE id = ?`, time.Now().UTC(), retryCount, message, category, jobID)
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeDB, "failed to record job failure")
	}

	q.releaseInflight(jobID)
	q.logger.WithFields(logrus.Fields{
		"job":      jobID,
		"retry":    retryCount,
		"requeued": requeue,
		"category": category,
	}).Warn("Job failed")
	q.publishChanged()
	return requeue, nil
}

// Release puts a leased job back to pending without charging a retry. Used
// during graceful shutdown when a worker abandons work it never finished.
func (q *Queue) Release(ctx context.Context, jobID, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'pending', leased_by = NULL, lease_expires_at = NULL, started_at = NULL
		WHERE id = ? AND state = 'leased' AND leased_by = ?`,
		jobID, workerID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDB, "failed to release job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrCodeStaleLease, "lease no longer held by "+workerID)
	}
	q.releaseInflight(jobID)
	q.publishChanged()
	return nil
}

// Sweep returns expired leases to pending without bumping retry counts. A
// crashed worker's job becomes runnable again after at most one lease
// duration.
func (q *Queue) Sweep(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	rows, err := q.db.QueryContext(ctx,
		`SELECT id FROM jobs WHERE state = 'leased' AND lease_expires_at < ?`, now)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeDB, "failed to find expired leases")
	}
	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, errors.ErrCodeDB, "failed to scan expired lease")
		}
		expired = append(expired, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeDB, "failed to iterate expired leases")
	}

	for _, id := range expired {
		if _, err := q.db.ExecContext(ctx, `
			UPDATE jobs SET state = 'pending', leased_by = NULL, lease_expires_at = NULL, started_at = NULL
			WHERE id = ? AND state = 'leased' AND lease_expires_at < ?`, id, now); err != nil {
			return 0, errors.Wrap(err, errors.ErrCodeDB, "failed to reclaim lease")
		}
		q.releaseInflight(id)
		q.logger.WithField("job", id).Warn("Reclaimed expired lease")
	}
	if len(expired) > 0 {
		q.publishChanged()
	}
	return len(expired), nil
}

// Cancel removes a pending job. Leased jobs cannot be cancelled; the worker
// owns them until the lease resolves.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'cancelled', completed_at = ?
		WHERE id = ? AND state = 'pending'`, time.Now().UTC(), jobID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDB, "failed to cancel job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrCodeNotFound, "no pending job "+jobID)
	}
	q.publishChanged()
	return nil
}

// Get loads one job by id.
func (q *Queue) Get(ctx context.Context, jobID string) (*models.Job, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, kind, session_file, segment_boundary, state, lease_expires_at, leased_by,
			retry_count, max_retries, last_error, error_category, enqueued_at,
			started_at, completed_at, prompt_version
		FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrCodeNotFound, "job "+jobID+" not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to load job")
	}
	return job, nil
}

// List returns jobs, optionally filtered by state, newest first.
func (q *Queue) List(ctx context.Context, state models.JobState, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, kind, session_file, segment_boundary, state, lease_expires_at, leased_by,
			retry_count, max_retries, last_error, error_category, enqueued_at,
			started_at, completed_at, prompt_version
		FROM jobs`
	var args []interface{}
	if state != "" {
		query += " WHERE state = ?"
		args = append(args, string(state))
	}
	query += " ORDER BY enqueued_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to list jobs")
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to scan job")
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// Counts returns the number of jobs per state.
func (q *Queue) Counts(ctx context.Context) (map[models.JobState]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to count jobs")
	}
	defer rows.Close()

	out := make(map[models.JobState]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to scan job count")
		}
		out[models.JobState(state)] = count
	}
	return out, rows.Err()
}

// backoffCeiling caps the exponential retry delay.
const backoffCeiling = 60 * time.Second

// retryBackoff doubles the base delay per attempt with up to 25% jitter. A
// zero base delay disables backoff.
func (q *Queue) retryBackoff(retryCount int) time.Duration {
	delay := q.cfg.RetryDelay()
	if delay <= 0 {
		return 0
	}
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= backoffCeiling {
			delay = backoffCeiling
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	delay += jitter
	if delay > backoffCeiling {
		delay = backoffCeiling
	}
	return delay
}

// releaseInflight drops the per-session advisory lock held by jobID.
// Caller holds q.mu.
func (q *Queue) releaseInflight(jobID string) {
	for session, holder := range q.inflight {
		if holder == jobID {
			delete(q.inflight, session)
			return
		}
	}
}

func (q *Queue) publishChanged() {
	if q.events != nil {
		q.events.Publish("queue", "queue.changed", nil)
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var kind, state string
	var sessionFile, boundary, leasedBy, lastError, category, promptVersion sql.NullString
	var leaseExpires, startedAt, completedAt sql.NullTime
	err := row.Scan(&job.ID, &kind, &sessionFile, &boundary, &state, &leaseExpires,
		&leasedBy, &job.RetryCount, &job.MaxRetries, &lastError, &category,
		&job.EnqueuedAt, &startedAt, &completedAt, &promptVersion)
	if err != nil {
		return nil, err
	}
	job.Kind = models.JobKind(kind)
	job.State = models.JobState(state)
	job.SessionFile = sessionFile.String
	job.SegmentBoundary = boundary.String
	job.LeasedBy = leasedBy.String
	job.LastError = lastError.String
	job.ErrorCategory = category.String
	job.PromptVersion = promptVersion.String
	if leaseExpires.Valid {
		job.LeaseExpiresAt = &leaseExpires.Time
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return &job, nil
}

func scanCandidates(rows *sql.Rows) ([]*models.Job, error) {
	defer rows.Close()
	var out []*models.Job
	for rows.Next() {
		var job models.Job
		var kind string
		var sessionFile, boundary, promptVersion sql.NullString
		if err := rows.Scan(&job.ID, &kind, &sessionFile, &boundary,
			&job.RetryCount, &job.MaxRetries, &job.EnqueuedAt, &promptVersion); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeDB, "failed to scan candidate job")
		}
		job.Kind = models.JobKind(kind)
		job.SessionFile = sessionFile.String
		job.SegmentBoundary = boundary.String
		job.PromptVersion = promptVersion.String
		out = append(out, &job)
	}
	return out, rows.Err()
}
