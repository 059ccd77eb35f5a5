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

// Package provider defines the capability interface through which the sync
// pipeline talks to external mail/calendar APIs. Payloads stay opaque here;
// the normalizer is the only place that interprets them.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Query scopes a list call to one user's items within a time window.
type Query struct {
	UserID   string
	Since    time.Time
	Until    time.Time
	PageSize int
}

// Item is one provider object: its native id plus the untouched payload.
type Item struct {
	SourceID string
	Payload  json.RawMessage
}

// Page is one page of a list call. An empty NextCursor means the listing
// is exhausted.
type Page struct {
	Items      []Item
	NextCursor string
}

// Client lists items for a query, resuming from an opaque cursor token.
// Implementations must return *RateLimitError on provider throttling so
// the sync processor's adaptive pacing can react.
type Client interface {
	List(ctx context.Context, q Query, cursorToken string) (*Page, error)
}

// RateLimitError signals provider throttling. The page that hit it must be
// retried, not skipped.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider rate limit (retry after %s)", e.RetryAfter)
	}
	return "provider rate limit"
}

// AsRateLimit unwraps the rate-limit signal from err, if any.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	ok := errors.As(err, &rl)
	return rl, ok
}
