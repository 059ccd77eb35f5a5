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

// Package audit records batch-level outcomes and implements batch undo:
// deleting a batch's interactions and raw events in one transaction so a
// half-undone batch can never be observed.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/loomcrm/syncd/internal/dedup"
	"github.com/loomcrm/syncd/internal/models"
)

// ErrBatchNotFound is returned when an undo targets a batch the audit log
// has never seen.
var ErrBatchNotFound = errors.New("batch not found")

// Forgetter drops keys from the seen-filter so an undone batch can be
// re-synced. Implemented by dedup.Filter.
type Forgetter interface {
	Forget(ctx context.Context, keys ...string) error
}

// DB is the slice of pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store provides the audit log and batch undo.
type Store struct {
	pool DB
	seen Forgetter // optional
}

// NewStore creates an audit store and ensures the audit_entries table
// exists. seen may be nil when no Redis filter is configured.
func NewStore(ctx context.Context, pool DB, seen Forgetter) (*Store, error) {
	s := &Store{pool: pool, seen: seen}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure audit schema: %w", err)
	}
	slog.Info("audit store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_entries (
			id          BIGSERIAL PRIMARY KEY,
			batch_id    UUID NOT NULL,
			action      TEXT NOT NULL,
			counts      JSONB NOT NULL DEFAULT '{}',
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_audit_batch ON audit_entries(batch_id);
	`)
	return err
}

// Record appends an audit entry.
func (s *Store) Record(ctx context.Context, entry models.AuditEntry) error {
	counts, err := json.Marshal(entry.Counts)
	if err != nil {
		return fmt.Errorf("marshal audit counts: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_entries (batch_id, action, counts)
		VALUES ($1, $2, $3)
	`, entry.BatchID, entry.Action, counts)
	if err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

// ListByBatch returns a batch's audit trail, oldest first.
func (s *Store) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]models.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, batch_id, action, counts, occurred_at
		FROM audit_entries
		WHERE batch_id = $1
		ORDER BY id
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var counts []byte
		if err := rows.Scan(&e.ID, &e.BatchID, &e.Action, &counts, &e.OccurredAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(counts, &e.Counts); err != nil {
			return nil, fmt.Errorf("decode audit counts: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UndoBatch deletes everything a sync batch produced — interactions and raw
// events — and records the undo, all in one transaction. After commit the
// batch's seen-filter keys are dropped so a later sync can restore the data.
func (s *Store) UndoBatch(ctx context.Context, batchID uuid.UUID) (map[string]int, error) {
	var known bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM audit_entries
			WHERE batch_id = $1 AND action = $2
		)
	`, batchID, models.AuditSyncCommitted).Scan(&known)
	if err != nil {
		return nil, fmt.Errorf("check batch: %w", err)
	}
	if !known {
		return nil, ErrBatchNotFound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin undo tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Collect the dedup keys before the rows disappear.
	rows, err := tx.Query(ctx, `
		SELECT user_id, provider, source_id FROM raw_events WHERE batch_id = $1
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch events: %w", err)
	}
	var keys []string
	for rows.Next() {
		var userID, providerName, sourceID string
		if err := rows.Scan(&userID, &providerName, &sourceID); err != nil {
			rows.Close()
			return nil, err
		}
		keys = append(keys, dedup.Key(userID, providerName, sourceID))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	itag, err := tx.Exec(ctx, `DELETE FROM interactions WHERE batch_id = $1`, batchID)
	if err != nil {
		return nil, fmt.Errorf("delete batch interactions: %w", err)
	}
	rtag, err := tx.Exec(ctx, `DELETE FROM raw_events WHERE batch_id = $1`, batchID)
	if err != nil {
		return nil, fmt.Errorf("delete batch raw events: %w", err)
	}

	counts := map[string]int{
		"interactions_deleted": int(itag.RowsAffected()),
		"raw_events_deleted":   int(rtag.RowsAffected()),
	}
	countsJSON, err := json.Marshal(counts)
	if err != nil {
		return nil, fmt.Errorf("marshal undo counts: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO audit_entries (batch_id, action, counts)
		VALUES ($1, $2, $3)
	`, batchID, models.AuditSyncUndone, countsJSON)
	if err != nil {
		return nil, fmt.Errorf("record undo entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit undo: %w", err)
	}

	if s.seen != nil && len(keys) > 0 {
		if err := s.seen.Forget(ctx, keys...); err != nil {
			// The database is already consistent; a lingering filter entry
			// only delays re-ingestion until the TTL expires.
			slog.Warn("seen-filter cleanup after undo failed", "batch_id", batchID, "error", err)
		}
	}

	slog.Info("batch undone",
		"batch_id", batchID,
		"interactions_deleted", counts["interactions_deleted"],
		"raw_events_deleted", counts["raw_events_deleted"],
	)
	return counts, nil
}
