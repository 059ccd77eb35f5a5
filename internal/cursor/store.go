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

// Package cursor provides the Postgres-backed store for per (user,
// provider) sync watermarks. Token advancement is an optimistic
// conditional update: a writer that lost an interleave race gets
// ErrTokenConflict instead of silently rewinding another run's progress.
package cursor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomcrm/syncd/internal/models"
)

// ErrTokenConflict is returned when a conditional token update found a
// different stored token than expected.
var ErrTokenConflict = errors.New("cursor token changed concurrently")

// Store provides cursor operations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a cursor store and ensures the sync_cursors table exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure cursor schema: %w", err)
	}
	slog.Info("cursor store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sync_cursors (
			user_id                 TEXT NOT NULL,
			provider                TEXT NOT NULL,
			cursor_token            TEXT NOT NULL DEFAULT '',
			last_successful_sync_at TIMESTAMPTZ,
			overlap_window_seconds  BIGINT NOT NULL DEFAULT 0,
			updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, provider)
		);
	`)
	return err
}

// Get retrieves the cursor for a (user, provider), or nil if none exists.
func (s *Store) Get(ctx context.Context, userID, providerName string) (*models.SyncCursor, error) {
	var c models.SyncCursor
	var overlapSecs int64
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, provider, cursor_token, last_successful_sync_at,
		       overlap_window_seconds, updated_at
		FROM sync_cursors
		WHERE user_id = $1 AND provider = $2
	`, userID, providerName).Scan(
		&c.UserID, &c.Provider, &c.CursorToken, &c.LastSuccessfulSyncAt,
		&overlapSecs, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cursor: %w", err)
	}
	c.OverlapWindow = time.Duration(overlapSecs) * time.Second
	return &c, nil
}

// SaveToken advances the cursor token for a (user, provider), conditional on the
// currently stored token matching prevToken. Called once per durably
// stored page, after the page's raw events are committed — never before.
func (s *Store) SaveToken(ctx context.Context, userID, providerName, token, prevToken string) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sync_cursors (user_id, provider, cursor_token)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			cursor_token = EXCLUDED.cursor_token,
			updated_at   = NOW()
		WHERE sync_cursors.cursor_token = $4
	`, userID, providerName, token, prevToken)
	if err != nil {
		return fmt.Errorf("save cursor token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTokenConflict
	}
	return nil
}

// MarkSynced records a completed sync run and the overlap window to apply
// on the next incremental fetch.
func (s *Store) MarkSynced(ctx context.Context, userID, providerName string, at time.Time, overlap time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_cursors (user_id, provider, last_successful_sync_at, overlap_window_seconds)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			last_successful_sync_at = EXCLUDED.last_successful_sync_at,
			overlap_window_seconds  = EXCLUDED.overlap_window_seconds,
			updated_at              = NOW()
	`, userID, providerName, at, int64(overlap.Seconds()))
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}

// LastSyncTimes returns last_successful_sync_at per provider for a user.
func (s *Store) LastSyncTimes(ctx context.Context, userID string) (map[string]time.Time, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT provider, last_successful_sync_at
		FROM sync_cursors
		WHERE user_id = $1 AND last_successful_sync_at IS NOT NULL
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sync times: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var p string
		var t time.Time
		if err := rows.Scan(&p, &t); err != nil {
			return nil, err
		}
		out[p] = t
	}
	return out, rows.Err()
}
