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

// Package rawevent provides the write-once store for unprocessed provider
// payloads. (user_id, provider, source_id) is unique; inserting an
// already-stored source id is a no-op, which is what makes overlap-window
// refetches and crash retries idempotent.
package rawevent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomcrm/syncd/internal/models"
)

// Store provides raw event persistence.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a raw event store and ensures the raw_events table exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure raw_events schema: %w", err)
	}
	slog.Info("raw event store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS raw_events (
			id         UUID PRIMARY KEY,
			user_id    TEXT NOT NULL,
			provider   TEXT NOT NULL,
			batch_id   UUID NOT NULL,
			source_id  TEXT NOT NULL,
			payload    JSONB NOT NULL,
			fetched_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, provider, source_id)
		);
		CREATE INDEX IF NOT EXISTS idx_raw_events_batch ON raw_events(batch_id);
	`)
	return err
}

// InsertBatch persists one page of raw events in a single round trip.
// Conflicting source ids are ignored. Returns the number actually inserted;
// the delta against len(events) is the refetch overlap.
func (s *Store) InsertBatch(ctx context.Context, events []models.RawEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(`
			INSERT INTO raw_events (id, user_id, provider, batch_id, source_id, payload, fetched_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (user_id, provider, source_id) DO NOTHING
		`, ev.ID, ev.UserID, ev.Provider, ev.BatchID, ev.SourceID, ev.Payload, ev.FetchedAt)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range events {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("insert raw event: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// ListByBatch returns all raw events stamped with a batch id.
func (s *Store) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]models.RawEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, provider, batch_id, source_id, payload, fetched_at
		FROM raw_events
		WHERE batch_id = $1
		ORDER BY fetched_at, source_id
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list raw events: %w", err)
	}
	defer rows.Close()

	var out []models.RawEvent
	for rows.Next() {
		var ev models.RawEvent
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Provider, &ev.BatchID,
			&ev.SourceID, &ev.Payload, &ev.FetchedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
