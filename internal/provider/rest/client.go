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

// Package rest implements provider.Client against REST list endpoints that
// paginate with continuation links, the shape Graph-style mail and calendar
// APIs expose.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loomcrm/syncd/internal/provider"
)

// TokenSource supplies a bearer token valid for at least one outbound call.
// Implemented by credentials.Manager.
type TokenSource interface {
	GetValidToken(ctx context.Context, userID, providerName string) (string, error)
}

// Config holds the per-provider endpoint settings.
type Config struct {
	Provider   string // provider name, e.g. "mail" or "calendar"
	BaseURL    string
	ListPath   string // e.g. "/v1/users/{user}/messages"; {user} is substituted
	PageSize   int
	HTTPClient *http.Client
	Tokens     TokenSource
}

// Client fetches item pages from one provider's list endpoint.
type Client struct {
	name       string
	baseURL    string
	listPath   string
	pageSize   int
	httpClient *http.Client
	tokens     TokenSource
}

// New creates a REST provider client.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Client{
		name:       cfg.Provider,
		baseURL:    cfg.BaseURL,
		listPath:   cfg.ListPath,
		pageSize:   pageSize,
		httpClient: httpClient,
		tokens:     cfg.Tokens,
	}
}

// listResponse is a page of the provider's list endpoint. Item payloads are
// kept as raw JSON; only the id is pulled out for cursoring and dedup.
type listResponse struct {
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"next_cursor"`
}

type itemStub struct {
	ID string `json:"id"`
}

// List fetches one page. A non-empty cursorToken is the provider's own
// continuation URL and is followed as-is; otherwise the initial URL is
// built from the query window.
func (c *Client) List(ctx context.Context, q provider.Query, cursorToken string) (*provider.Page, error) {
	pageURL := cursorToken
	if pageURL == "" {
		pageURL = c.initialURL(q)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build list request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	if c.tokens != nil {
		token, err := c.tokens.GetValidToken(ctx, q.UserID, c.name)
		if err != nil {
			return nil, fmt.Errorf("token for %s: %w", c.name, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s page: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &provider.RateLimitError{RetryAfter: retryAfter(resp)}
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		slog.Error("provider list error",
			"provider", c.name,
			"status", resp.StatusCode,
			"body", string(body),
		)
		return nil, fmt.Errorf("%s list returned HTTP %d", c.name, resp.StatusCode)
	}

	var page listResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode %s list response: %w", c.name, err)
	}

	out := &provider.Page{NextCursor: page.NextCursor}
	for _, raw := range page.Items {
		var stub itemStub
		if err := json.Unmarshal(raw, &stub); err != nil || stub.ID == "" {
			slog.Warn("provider item without id, skipping", "provider", c.name)
			continue
		}
		out.Items = append(out.Items, provider.Item{SourceID: stub.ID, Payload: raw})
	}

	return out, nil
}

// initialURL builds the first-page URL for a time-windowed listing.
func (c *Client) initialURL(q provider.Query) string {
	path := strings.ReplaceAll(c.listPath, "{user}", url.PathEscape(q.UserID))

	params := url.Values{}
	if !q.Since.IsZero() {
		params.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		params.Set("until", q.Until.UTC().Format(time.RFC3339))
	}
	size := q.PageSize
	if size <= 0 {
		size = c.pageSize
	}
	params.Set("limit", strconv.Itoa(size))

	return fmt.Sprintf("%s%s?%s", c.baseURL, path, params.Encode())
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
