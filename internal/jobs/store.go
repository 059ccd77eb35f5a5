// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package jobs provides the Postgres-backed durable job queue: enqueue,
// atomic claiming, state transitions, and retry scheduling with exponential
// backoff. Claiming uses FOR UPDATE SKIP LOCKED so no two concurrent
// claimers ever receive the same job.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomcrm/syncd/internal/models"
)

// Summary aggregates a user's job state for the status endpoint.
type Summary struct {
	Queued      int
	Running     int
	LastError   string
	LastErrorAt *time.Time
}

// Store provides queue operations on the jobs table.
type Store struct {
	pool   *pgxpool.Pool
	policy RetryPolicy
}

// NewStore creates a job store backed by the given Postgres pool and
// ensures the jobs table exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool, policy RetryPolicy) (*Store, error) {
	s := &Store{pool: pool, policy: policy}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure jobs schema: %w", err)
	}
	slog.Info("job store initialised", "max_attempts", policy.MaxAttempts)
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS jobs (
			id               UUID PRIMARY KEY,
			user_id          TEXT NOT NULL,
			kind             TEXT NOT NULL,
			provider         TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL DEFAULT 'queued',
			payload          JSONB NOT NULL DEFAULT '{}',
			batch_id         UUID,
			attempts         INT NOT NULL DEFAULT 0,
			max_attempts     INT NOT NULL,
			last_error       TEXT,
			cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
			scheduled_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(status, scheduled_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id);
		CREATE INDEX IF NOT EXISTS idx_jobs_batch ON jobs(batch_id);
	`)
	return err
}

const jobColumns = `id, user_id, kind, provider, status, payload, batch_id,
	attempts, max_attempts, last_error, cancel_requested,
	scheduled_at, created_at, updated_at`

// Enqueue inserts a new queued job and returns its id. A zero ScheduledAt
// means "due now"; a zero MaxAttempts takes the store's retry policy
// default.
func (s *Store) Enqueue(ctx context.Context, job models.Job) (uuid.UUID, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = s.policy.MaxAttempts
	}
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = time.Now().UTC()
	}
	payload := job.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, user_id, kind, provider, payload, batch_id, max_attempts, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, job.ID, job.UserID, job.Kind, job.Provider, payload, job.BatchID, job.MaxAttempts, job.ScheduledAt)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue %s job: %w", job.Kind, err)
	}

	slog.Info("job enqueued",
		"job_id", job.ID,
		"kind", job.Kind,
		"user", job.UserID,
		"provider", job.Provider,
	)
	return job.ID, nil
}

// ClaimDue atomically transitions up to limit due queued jobs of the given
// kinds to running and returns them. The claim is a single conditional
// update over rows selected FOR UPDATE SKIP LOCKED. Provider-sync jobs
// whose (user, provider) key already has a running job are left queued, and
// at most one provider-sync job per key is claimed per batch — two jobs for
// one key must never both be running, even for the instant before a loser
// is deferred: interleaved syncs would corrupt the cursor.
func (s *Store) ClaimDue(ctx context.Context, kinds []models.JobKind, limit int) ([]models.Job, error) {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}

	rows, err := s.pool.Query(ctx, `
		WITH candidates AS (
			SELECT j.id, j.user_id, j.provider, j.kind, j.scheduled_at
			FROM jobs j
			WHERE j.status = 'queued'
			  AND j.scheduled_at <= NOW()
			  AND j.kind = ANY($1)
			  AND (j.kind <> 'provider_sync' OR NOT EXISTS (
				SELECT 1 FROM jobs r
				WHERE r.status = 'running'
				  AND r.kind = 'provider_sync'
				  AND r.user_id = j.user_id
				  AND r.provider = j.provider
			  ))
			ORDER BY j.scheduled_at
			LIMIT $2
			FOR UPDATE OF j SKIP LOCKED
		),
		due AS (
			SELECT id FROM (
				SELECT id,
					CASE WHEN kind = 'provider_sync' THEN
						ROW_NUMBER() OVER (
							PARTITION BY kind, user_id, provider
							ORDER BY scheduled_at
						)
					ELSE 1 END AS pos
				FROM candidates
			) ranked
			WHERE pos = 1
		)
		UPDATE jobs SET status = 'running', updated_at = NOW()
		FROM due
		WHERE jobs.id = due.id
		RETURNING `+jobColumns, names, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// Complete transitions a running job to done.
func (s *Store) Complete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'done', updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete job %s: not running", id)
	}
	return nil
}

// Fail records a handler failure. Retryable failures with attempts left are
// requeued with exponential backoff; everything else lands in terminal
// error. The attempt increment and the transition happen in one conditional
// update, so a concurrent sweep cannot observe a half-applied transition.
// Returns the resulting status.
func (s *Store) Fail(ctx context.Context, id uuid.UUID, errMsg string, retryable bool) (models.JobStatus, error) {
	// The next state is decided from the pre-failure attempt count; only the
	// owning worker calls Fail on a running job, so this read is stable.
	var attempts, maxAttempts int
	err := s.pool.QueryRow(ctx, `
		SELECT attempts, max_attempts FROM jobs WHERE id = $1
	`, id).Scan(&attempts, &maxAttempts)
	if err != nil {
		return "", fmt.Errorf("load attempts for job %s: %w", id, err)
	}
	next, delay := s.policy.Next(attempts, maxAttempts, retryable)

	var status models.JobStatus
	err = s.pool.QueryRow(ctx, `
		UPDATE jobs SET
			attempts = attempts + 1,
			last_error = $2,
			status = $3,
			scheduled_at = CASE WHEN $3 = 'queued'
				THEN NOW() + $4::interval ELSE scheduled_at END,
			updated_at = NOW()
		WHERE id = $1 AND status = 'running'
		RETURNING status
	`, id, errMsg, string(next), asInterval(delay)).Scan(&status)
	if err == pgx.ErrNoRows {
		return "", fmt.Errorf("fail job %s: not running", id)
	}
	if err != nil {
		return "", fmt.Errorf("fail job: %w", err)
	}
	return status, nil
}

// Defer puts a running job back in the queue after delay without burning an
// attempt. Used when a single-flight claim loses to an in-flight sync.
func (s *Store) Defer(ctx context.Context, id uuid.UUID, delay time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'queued', scheduled_at = NOW() + $2::interval, updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, id, asInterval(delay))
	if err != nil {
		return fmt.Errorf("defer job: %w", err)
	}
	return nil
}

// Cancel cancels a job. Queued jobs are canceled immediately; running jobs
// get a cooperative flag that handlers check at page/record boundaries.
// Done, error, and canceled jobs are left untouched.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID) (models.JobStatus, error) {
	var status models.JobStatus
	err := s.pool.QueryRow(ctx, `
		UPDATE jobs SET
			status = CASE WHEN status = 'queued' THEN 'canceled' ELSE status END,
			cancel_requested = CASE WHEN status = 'running' THEN TRUE ELSE cancel_requested END,
			updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'running')
		RETURNING status
	`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if checkErr := s.pool.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)
		`, id).Scan(&exists); checkErr != nil {
			return "", fmt.Errorf("cancel job: %w", checkErr)
		}
		if !exists {
			return "", ErrNotFound
		}
		return "", ErrNotCancelable
	}
	if err != nil {
		return "", fmt.Errorf("cancel job: %w", err)
	}
	return status, nil
}

// FinishCancel transitions a running job whose handler observed the cancel
// flag to canceled.
func (s *Store) FinishCancel(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'canceled', updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, id)
	if err != nil {
		return fmt.Errorf("finish cancel: %w", err)
	}
	return nil
}

// CancelRequested reports whether a cooperative cancel is pending for a job.
func (s *Store) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var flag bool
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM jobs WHERE id = $1`, id).Scan(&flag)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check cancel flag: %w", err)
	}
	return flag, nil
}

// Touch refreshes updated_at on a running job so the stale-running sweep
// treats it as live. Handlers call this at page boundaries of long runs.
func (s *Store) Touch(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET updated_at = NOW() WHERE id = $1 AND status = 'running'
	`, id)
	if err != nil {
		return fmt.Errorf("touch job: %w", err)
	}
	return nil
}

// RequeueStale requeues running jobs whose updated_at is older than the
// liveness timeout. This reconciles jobs orphaned by a crash mid-handler.
func (s *Store) RequeueStale(ctx context.Context, liveness time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'queued', scheduled_at = NOW(), updated_at = NOW()
		WHERE status = 'running' AND updated_at < NOW() - $1::interval
	`, asInterval(liveness))
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		slog.Warn("requeued stale running jobs", "count", n, "liveness", liveness)
	}
	return n, nil
}

// Get retrieves a single job.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// StatusSummary aggregates a user's queue state: pending/in-flight counts
// and the most recent terminal error.
func (s *Store) StatusSummary(ctx context.Context, userID string) (*Summary, error) {
	var sum Summary
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'queued'),
			COUNT(*) FILTER (WHERE status = 'running')
		FROM jobs WHERE user_id = $1
	`, userID).Scan(&sum.Queued, &sum.Running)
	if err != nil {
		return nil, fmt.Errorf("summarise jobs: %w", err)
	}

	var lastErr *string
	var lastErrAt *time.Time
	err = s.pool.QueryRow(ctx, `
		SELECT last_error, updated_at FROM jobs
		WHERE user_id = $1 AND status = 'error'
		ORDER BY updated_at DESC LIMIT 1
	`, userID).Scan(&lastErr, &lastErrAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("load last error: %w", err)
	}
	if lastErr != nil {
		sum.LastError = *lastErr
		sum.LastErrorAt = lastErrAt
	}
	return &sum, nil
}

// asInterval renders a duration as a Postgres interval literal.
func asInterval(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int(d.Seconds()))
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(
		&j.ID, &j.UserID, &j.Kind, &j.Provider, &j.Status, &j.Payload, &j.BatchID,
		&j.Attempts, &j.MaxAttempts, &j.LastError, &j.CancelRequested,
		&j.ScheduledAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}
