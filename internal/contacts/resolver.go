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

// Package contacts resolves participant identities (email addresses) to
// contact ids. The contact_identities table is owned by the CRM core;
// this service only reads it, so resolution failures and misses are soft:
// the interaction is stored unlinked and back-filled later.
package contacts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Resolver maps lowercase email addresses to contact ids. A miss is
// (nil, nil), not an error.
type Resolver interface {
	Resolve(ctx context.Context, userID, email string) (*string, error)
}

// PGResolver resolves identities against the CRM's contact_identities table.
type PGResolver struct {
	pool *pgxpool.Pool
}

// NewPGResolver creates a resolver. It does not create the table: the CRM
// core owns that schema and this service must not race it.
func NewPGResolver(pool *pgxpool.Pool) *PGResolver {
	return &PGResolver{pool: pool}
}

// Resolve looks up the contact owning an email identity for a user.
func (r *PGResolver) Resolve(ctx context.Context, userID, email string) (*string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, nil
	}
	var contactID string
	err := r.pool.QueryRow(ctx, `
		SELECT contact_id FROM contact_identities
		WHERE user_id = $1 AND identity_type = 'email' AND identity_value = $2
		LIMIT 1
	`, userID, email).Scan(&contactID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}
	return &contactID, nil
}
