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

// Package interaction provides the Postgres store for canonical,
// provider-agnostic communication records. (user_id, fingerprint) is
// unique: re-running normalization over the same raw events inserts
// nothing new.
package interaction

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomcrm/syncd/internal/models"
)

// Store provides interaction persistence.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an interaction store and ensures the interactions table
// exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure interactions schema: %w", err)
	}
	slog.Info("interaction store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS interactions (
			id              UUID PRIMARY KEY,
			user_id         TEXT NOT NULL,
			contact_id      TEXT,
			type            TEXT NOT NULL,
			occurred_at     TIMESTAMPTZ NOT NULL,
			subject         TEXT NOT NULL DEFAULT '',
			body_text       TEXT NOT NULL DEFAULT '',
			source_provider TEXT NOT NULL,
			source_id       TEXT NOT NULL,
			fingerprint     TEXT NOT NULL,
			batch_id        UUID NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, fingerprint)
		);
		CREATE INDEX IF NOT EXISTS idx_interactions_user_time ON interactions(user_id, occurred_at DESC);
		CREATE INDEX IF NOT EXISTS idx_interactions_batch ON interactions(batch_id);
	`)
	return err
}

// InsertBatch persists a batch of interactions in one round trip, ignoring
// fingerprint conflicts. Returns the number actually inserted.
func (s *Store) InsertBatch(ctx context.Context, items []models.Interaction) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(`
			INSERT INTO interactions
				(id, user_id, contact_id, type, occurred_at, subject, body_text,
				 source_provider, source_id, fingerprint, batch_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (user_id, fingerprint) DO NOTHING
		`, it.ID, it.UserID, it.ContactID, it.Type, it.OccurredAt, it.Subject,
			it.BodyText, it.SourceProvider, it.SourceID, it.Fingerprint,
			it.BatchID, it.CreatedAt)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range items {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("insert interaction: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// SetContact back-fills the contact link on an interaction. Once assigned a
// contact is never un-set, so a NULL-only guard keeps late resolution from
// clobbering an earlier link.
func (s *Store) SetContact(ctx context.Context, id uuid.UUID, contactID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE interactions SET contact_id = $2
		WHERE id = $1 AND contact_id IS NULL
	`, id, contactID)
	if err != nil {
		return fmt.Errorf("set interaction contact: %w", err)
	}
	return nil
}

// ListByUser returns a user's interactions, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]models.Interaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, contact_id, type, occurred_at, subject, body_text,
		       source_provider, source_id, fingerprint, batch_id, created_at
		FROM interactions
		WHERE user_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	defer rows.Close()
	return scanInteractions(rows)
}

// ListByBatch returns the interactions stamped with a batch id.
func (s *Store) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]models.Interaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, contact_id, type, occurred_at, subject, body_text,
		       source_provider, source_id, fingerprint, batch_id, created_at
		FROM interactions
		WHERE batch_id = $1
		ORDER BY occurred_at
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list interactions by batch: %w", err)
	}
	defer rows.Close()
	return scanInteractions(rows)
}

func scanInteractions(rows pgx.Rows) ([]models.Interaction, error) {
	var out []models.Interaction
	for rows.Next() {
		var it models.Interaction
		if err := rows.Scan(&it.ID, &it.UserID, &it.ContactID, &it.Type,
			&it.OccurredAt, &it.Subject, &it.BodyText, &it.SourceProvider,
			&it.SourceID, &it.Fingerprint, &it.BatchID, &it.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
