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

package credentials

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loomcrm/syncd/internal/jobs"
	"github.com/loomcrm/syncd/internal/models"
)

// --- Mocks ---

type mockCredStore struct {
	mu       sync.Mutex
	cred     *models.Credential
	replaces int
	// staleOnce makes the first Replace lose the optimistic check.
	staleOnce bool
}

func (m *mockCredStore) Load(_ context.Context, _, _ string) (*models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return nil, ErrNotFound
	}
	c := *m.cred
	return &c, nil
}

func (m *mockCredStore) Replace(_ context.Context, c models.Credential, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.staleOnce {
		m.staleOnce = false
		// Simulate the concurrent winner's write.
		m.cred.AccessToken = "winner-token"
		m.cred.ExpiresAt = time.Now().Add(time.Hour)
		return ErrStaleCredential
	}
	m.replaces++
	m.cred = &c
	return nil
}

type mockRefresher struct {
	mu    sync.Mutex
	calls int
	cred  *models.Credential
	err   error
}

func (m *mockRefresher) Refresh(_ context.Context, _ string) (*models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	c := *m.cred
	return &c, nil
}

func validCred(expiresIn time.Duration) *models.Credential {
	return &models.Credential{
		UserID:       "u1",
		Provider:     "mail",
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().UTC().Add(expiresIn),
	}
}

// TestManager_ReturnsTokenInsideMargin verifies no refresh happens while the
// stored token has more than the safety margin left.
func TestManager_ReturnsTokenInsideMargin(t *testing.T) {
	store := &mockCredStore{cred: validCred(time.Hour)}
	refresher := &mockRefresher{}
	m := NewManager(store, map[string]Refresher{"mail": refresher}, 2*time.Minute)

	token, err := m.GetValidToken(context.Background(), "u1", "mail")
	if err != nil {
		t.Fatalf("GetValidToken failed: %v", err)
	}
	if token != "access-1" {
		t.Errorf("token = %q, want access-1", token)
	}
	if refresher.calls != 0 {
		t.Errorf("refresher called %d times, want 0", refresher.calls)
	}
}

// TestManager_RefreshesProactively verifies a token expiring within the
// margin is refreshed before use and the new pair is persisted.
func TestManager_RefreshesProactively(t *testing.T) {
	store := &mockCredStore{cred: validCred(30 * time.Second)}
	refresher := &mockRefresher{cred: &models.Credential{
		AccessToken:  "access-2",
		RefreshToken: "refresh-2",
		ExpiresAt:    time.Now().UTC().Add(time.Hour),
	}}
	m := NewManager(store, map[string]Refresher{"mail": refresher}, 2*time.Minute)

	token, err := m.GetValidToken(context.Background(), "u1", "mail")
	if err != nil {
		t.Fatalf("GetValidToken failed: %v", err)
	}
	if token != "access-2" {
		t.Errorf("token = %q, want refreshed access-2", token)
	}
	if store.replaces != 1 {
		t.Errorf("Replace called %d times, want 1", store.replaces)
	}
	if store.cred.RefreshToken != "refresh-2" {
		t.Errorf("stored refresh token = %q, want rotated refresh-2", store.cred.RefreshToken)
	}
}

// TestManager_KeepsRefreshTokenWhenNotRotated verifies providers that omit
// the refresh token from the response keep the old one.
func TestManager_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	store := &mockCredStore{cred: validCred(30 * time.Second)}
	refresher := &mockRefresher{cred: &models.Credential{
		AccessToken: "access-2",
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	}}
	m := NewManager(store, map[string]Refresher{"mail": refresher}, 2*time.Minute)

	if _, err := m.GetValidToken(context.Background(), "u1", "mail"); err != nil {
		t.Fatalf("GetValidToken failed: %v", err)
	}
	if store.cred.RefreshToken != "refresh-1" {
		t.Errorf("stored refresh token = %q, want original refresh-1", store.cred.RefreshToken)
	}
}

// TestManager_LostRefreshRaceUsesWinner verifies the loser of a concurrent
// refresh adopts the winner's token instead of erroring.
func TestManager_LostRefreshRaceUsesWinner(t *testing.T) {
	store := &mockCredStore{cred: validCred(30 * time.Second), staleOnce: true}
	refresher := &mockRefresher{cred: &models.Credential{
		AccessToken: "loser-token",
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	}}
	m := NewManager(store, map[string]Refresher{"mail": refresher}, 2*time.Minute)

	token, err := m.GetValidToken(context.Background(), "u1", "mail")
	if err != nil {
		t.Fatalf("GetValidToken failed: %v", err)
	}
	if token != "winner-token" {
		t.Errorf("token = %q, want the concurrent winner's token", token)
	}
}

// TestManager_ReauthorizationIsTerminal verifies a rejected refresh token
// maps to a terminal error that names re-authorization.
func TestManager_ReauthorizationIsTerminal(t *testing.T) {
	store := &mockCredStore{cred: validCred(30 * time.Second)}
	refresher := &mockRefresher{err: ErrReauthorizationRequired}
	m := NewManager(store, map[string]Refresher{"mail": refresher}, 2*time.Minute)

	_, err := m.GetValidToken(context.Background(), "u1", "mail")
	if err == nil || !jobs.IsTerminal(err) {
		t.Fatalf("error = %v, want terminal", err)
	}
	if !errors.Is(err, ErrReauthorizationRequired) {
		t.Errorf("error = %v, want ErrReauthorizationRequired", err)
	}
}

// TestManager_MissingCredentialIsTerminal verifies a user who never
// connected the provider gets a terminal error, not a retry loop.
func TestManager_MissingCredentialIsTerminal(t *testing.T) {
	store := &mockCredStore{}
	m := NewManager(store, map[string]Refresher{"mail": &mockRefresher{}}, 2*time.Minute)

	_, err := m.GetValidToken(context.Background(), "u1", "mail")
	if err == nil || !jobs.IsTerminal(err) {
		t.Fatalf("error = %v, want terminal", err)
	}
}

// TestManager_TransientRefreshFailureIsRetryable verifies a 5xx-style
// refresh failure stays retryable.
func TestManager_TransientRefreshFailureIsRetryable(t *testing.T) {
	store := &mockCredStore{cred: validCred(30 * time.Second)}
	refresher := &mockRefresher{err: errors.New("token endpoint: 503")}
	m := NewManager(store, map[string]Refresher{"mail": refresher}, 2*time.Minute)

	_, err := m.GetValidToken(context.Background(), "u1", "mail")
	if err == nil {
		t.Fatal("expected error")
	}
	if jobs.IsTerminal(err) {
		t.Errorf("transient failure marked terminal: %v", err)
	}
}
