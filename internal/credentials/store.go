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

// Package credentials manages provider OAuth grants: encrypted persistence
// and proactive access-token refresh. Tokens are AES-GCM encrypted at rest
// with a key derived from the service passphrase via argon2id.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/argon2"

	"github.com/loomcrm/syncd/internal/models"
)

// ErrNotFound is returned when no credential exists for a (user, provider).
var ErrNotFound = errors.New("credential not found")

// ErrStaleCredential is returned when a conditional Replace found the stored
// credential already newer than expected: another worker refreshed first.
var ErrStaleCredential = errors.New("credential replaced concurrently")

// DeriveKey stretches the service passphrase into a 32-byte AES key.
func DeriveKey(passphrase, salt string) []byte {
	return argon2.IDKey([]byte(passphrase), []byte(salt), 1, 64*1024, 4, 32)
}

// Store persists credentials with tokens encrypted at rest.
type Store struct {
	pool *pgxpool.Pool
	aead cipher.AEAD
}

// NewStore creates a credential store with the given 32-byte encryption key
// and ensures the credentials table exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool, key []byte) (*Store, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init credential cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init credential aead: %w", err)
	}

	s := &Store{pool: pool, aead: aead}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure credentials schema: %w", err)
	}
	slog.Info("credential store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS credentials (
			user_id        TEXT NOT NULL,
			provider       TEXT NOT NULL,
			access_cipher  BYTEA NOT NULL,
			refresh_cipher BYTEA NOT NULL,
			expires_at     TIMESTAMPTZ NOT NULL,
			scopes         TEXT[] NOT NULL DEFAULT '{}',
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, provider)
		);
	`)
	return err
}

func (s *Store) seal(plaintext string) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

func (s *Store) open(ciphertext []byte) (string, error) {
	ns := s.aead.NonceSize()
	if len(ciphertext) < ns {
		return "", errors.New("ciphertext shorter than nonce")
	}
	plain, err := s.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt token: %w", err)
	}
	return string(plain), nil
}

// Load retrieves and decrypts a credential.
func (s *Store) Load(ctx context.Context, userID, providerName string) (*models.Credential, error) {
	var c models.Credential
	var accessCipher, refreshCipher []byte
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, provider, access_cipher, refresh_cipher, expires_at, scopes, updated_at
		FROM credentials
		WHERE user_id = $1 AND provider = $2
	`, userID, providerName).Scan(
		&c.UserID, &c.Provider, &accessCipher, &refreshCipher,
		&c.ExpiresAt, &c.Scopes, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}

	if c.AccessToken, err = s.open(accessCipher); err != nil {
		return nil, err
	}
	if c.RefreshToken, err = s.open(refreshCipher); err != nil {
		return nil, err
	}
	return &c, nil
}

// Save encrypts and upserts a credential unconditionally. Used when a user
// first authorizes a provider, or re-authorizes after revocation.
func (s *Store) Save(ctx context.Context, c models.Credential) error {
	accessCipher, err := s.seal(c.AccessToken)
	if err != nil {
		return err
	}
	refreshCipher, err := s.seal(c.RefreshToken)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO credentials (user_id, provider, access_cipher, refresh_cipher, expires_at, scopes)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_cipher  = EXCLUDED.access_cipher,
			refresh_cipher = EXCLUDED.refresh_cipher,
			expires_at     = EXCLUDED.expires_at,
			scopes         = EXCLUDED.scopes,
			updated_at     = NOW()
	`, c.UserID, c.Provider, accessCipher, refreshCipher, c.ExpiresAt, c.Scopes)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// Replace stores a refreshed credential, conditional on the stored expiry
// still matching what the refresher read. Two workers racing a refresh both
// succeed against the provider, but only the first write lands; the loser
// gets ErrStaleCredential and rereads.
func (s *Store) Replace(ctx context.Context, c models.Credential, prevExpiresAt time.Time) error {
	accessCipher, err := s.seal(c.AccessToken)
	if err != nil {
		return err
	}
	refreshCipher, err := s.seal(c.RefreshToken)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE credentials SET
			access_cipher  = $3,
			refresh_cipher = $4,
			expires_at     = $5,
			updated_at     = NOW()
		WHERE user_id = $1 AND provider = $2 AND expires_at = $6
	`, c.UserID, c.Provider, accessCipher, refreshCipher, c.ExpiresAt, prevExpiresAt)
	if err != nil {
		return fmt.Errorf("replace credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleCredential
	}
	return nil
}

// Delete removes a credential, used when a user disconnects a provider.
func (s *Store) Delete(ctx context.Context, userID, providerName string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM credentials WHERE user_id = $1 AND provider = $2
	`, userID, providerName)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
