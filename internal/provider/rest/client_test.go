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

package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loomcrm/syncd/internal/provider"
)

type staticTokens struct{ token string }

func (s staticTokens) GetValidToken(_ context.Context, _, _ string) (string, error) {
	return s.token, nil
}

func testQuery() provider.Query {
	return provider.Query{
		UserID:   "u1",
		Since:    time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		Until:    time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		PageSize: 25,
	}
}

// TestClient_InitialRequest verifies URL construction, the bearer token, and
// page decoding for a first-page fetch.
func TestClient_InitialRequest(t *testing.T) {
	var gotPath, gotAuth string
	var gotQuery map[string][]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]string{
				{"id": "m-1"},
				{"id": "m-2"},
			},
			"next_cursor": "",
		})
	}))
	defer server.Close()

	c := New(Config{
		Provider: "mail",
		BaseURL:  server.URL,
		ListPath: "/v1/users/{user}/messages",
		Tokens:   staticTokens{token: "tok-abc"},
	})

	page, err := c.List(context.Background(), testQuery(), "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	if gotPath != "/v1/users/u1/messages" {
		t.Errorf("path = %q, want /v1/users/u1/messages", gotPath)
	}
	if gotAuth != "Bearer tok-abc" {
		t.Errorf("authorization = %q, want Bearer tok-abc", gotAuth)
	}
	if got := gotQuery["since"]; len(got) != 1 || got[0] != "2026-07-01T00:00:00Z" {
		t.Errorf("since = %v", got)
	}
	if got := gotQuery["limit"]; len(got) != 1 || got[0] != "25" {
		t.Errorf("limit = %v, want 25", got)
	}

	if len(page.Items) != 2 || page.Items[0].SourceID != "m-1" {
		t.Errorf("items = %+v, want m-1 and m-2", page.Items)
	}
	if page.NextCursor != "" {
		t.Errorf("next cursor = %q, want empty", page.NextCursor)
	}
}

// TestClient_FollowsCursorToken verifies a continuation token is used as the
// request URL verbatim.
func TestClient_FollowsCursorToken(t *testing.T) {
	var gotURL string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		json.NewEncoder(w).Encode(map[string]any{"items": []map[string]string{{"id": "m-3"}}})
	}))
	defer server.Close()

	c := New(Config{Provider: "mail", BaseURL: server.URL, ListPath: "/v1/users/{user}/messages"})

	cursorURL := server.URL + "/v1/continue?skip=100"
	page, err := c.List(context.Background(), testQuery(), cursorURL)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if gotURL != "/v1/continue?skip=100" {
		t.Errorf("request URL = %q, want the cursor URL", gotURL)
	}
	if len(page.Items) != 1 {
		t.Errorf("items = %d, want 1", len(page.Items))
	}
}

// TestClient_RateLimit verifies a 429 surfaces as RateLimitError carrying
// Retry-After.
func TestClient_RateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := New(Config{Provider: "mail", BaseURL: server.URL, ListPath: "/v1/users/{user}/messages"})

	_, err := c.List(context.Background(), testQuery(), "")
	rl, ok := provider.AsRateLimit(err)
	if !ok {
		t.Fatalf("error = %v, want RateLimitError", err)
	}
	if rl.RetryAfter != 7*time.Second {
		t.Errorf("retry after = %v, want 7s", rl.RetryAfter)
	}
}

// TestClient_ServerError verifies non-200 responses become plain errors.
func TestClient_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := New(Config{Provider: "mail", BaseURL: server.URL, ListPath: "/v1/users/{user}/messages"})

	_, err := c.List(context.Background(), testQuery(), "")
	if err == nil {
		t.Fatal("expected error for 502")
	}
	if _, ok := provider.AsRateLimit(err); ok {
		t.Error("502 must not map to RateLimitError")
	}
}

// TestClient_SkipsItemsWithoutID verifies malformed items are dropped, not
// fatal.
func TestClient_SkipsItemsWithoutID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{"id": "m-1"},
				{"subject": "no id here"},
				{"id": "m-2"},
			},
		})
	}))
	defer server.Close()

	c := New(Config{Provider: "mail", BaseURL: server.URL, ListPath: "/v1/users/{user}/messages"})

	page, err := c.List(context.Background(), testQuery(), "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(page.Items) != 2 {
		t.Errorf("items = %d, want 2 (id-less item skipped)", len(page.Items))
	}
}
