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

// Package dedup provides a Redis SETNX seen-filter used as a fast path in
// front of the raw-event unique constraint. Overlap windows between sync
// runs refetch recent items on purpose; the filter keeps most of those
// from ever reaching Postgres. It is an optimisation only — the database
// uniqueness constraint remains the source of truth.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a seen source id is remembered. It needs to
	// exceed the largest overlap window plus retry backoff by a wide margin.
	DefaultTTL = 24 * time.Hour

	// keyPrefix namespaces dedup keys in Redis.
	keyPrefix = "syncd:seen:"
)

// Filter tracks which (user, provider, source id) keys have been stored.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis. A zero ttl means
// DefaultTTL.
func NewFilter(rdb *redis.Client, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{rdb: rdb, ttl: ttl}
}

// Key builds the dedup key for one provider item.
func Key(userID, providerName, sourceID string) string {
	return userID + ":" + providerName + ":" + sourceID
}

// IsNew returns true if the key has NOT been seen before, marking it seen
// atomically (SETNX).
func (f *Filter) IsNew(ctx context.Context, key string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, keyPrefix+key, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Forget drops keys from the filter. Called on batch undo so a re-sync can
// restore the deleted events.
func (f *Filter) Forget(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = keyPrefix + k
	}
	if err := f.rdb.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (f *Filter) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return f.rdb.Ping(ctx).Err()
}
