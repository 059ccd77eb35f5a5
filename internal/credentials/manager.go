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
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/loomcrm/syncd/internal/jobs"
	"github.com/loomcrm/syncd/internal/models"
)

// ErrReauthorizationRequired is returned when the provider rejected the
// refresh token itself. No retry will fix it; the user must re-consent.
var ErrReauthorizationRequired = errors.New("refresh token rejected, user must reauthorize")

// Refresher exchanges a refresh token for a new token pair at the provider.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*models.Credential, error)
}

// CredentialStore is the persistence slice the manager needs. Implemented
// by Store.
type CredentialStore interface {
	Load(ctx context.Context, userID, providerName string) (*models.Credential, error)
	Replace(ctx context.Context, c models.Credential, prevExpiresAt time.Time) error
}

// Manager hands out valid access tokens, refreshing proactively inside the
// safety margin so a token never expires mid-page during a sync run.
// It implements the token source used by the provider REST client.
type Manager struct {
	store      CredentialStore
	refreshers map[string]Refresher // keyed by provider name
	margin     time.Duration
	now        func() time.Time
}

// NewManager creates a manager. A zero margin defaults to 5 minutes.
func NewManager(store CredentialStore, refreshers map[string]Refresher, margin time.Duration) *Manager {
	if margin <= 0 {
		margin = 5 * time.Minute
	}
	return &Manager{
		store:      store,
		refreshers: refreshers,
		margin:     margin,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// GetValidToken returns an access token valid for at least the safety
// margin, refreshing first when the stored one is expired or close to it.
func (m *Manager) GetValidToken(ctx context.Context, userID, providerName string) (string, error) {
	cred, err := m.store.Load(ctx, userID, providerName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", jobs.Terminal(fmt.Errorf("no credential for user %s provider %s: %w", userID, providerName, err))
		}
		return "", err
	}

	if cred.ExpiresAt.After(m.now().Add(m.margin)) {
		return cred.AccessToken, nil
	}
	return m.refresh(ctx, userID, providerName, cred)
}

func (m *Manager) refresh(ctx context.Context, userID, providerName string, cred *models.Credential) (string, error) {
	refresher, ok := m.refreshers[providerName]
	if !ok {
		return "", jobs.Terminal(fmt.Errorf("no refresher for provider %q", providerName))
	}

	fresh, err := refresher.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrReauthorizationRequired) {
			return "", jobs.Terminal(err)
		}
		return "", fmt.Errorf("refresh token for user %s provider %s: %w", userID, providerName, err)
	}
	fresh.UserID = userID
	fresh.Provider = providerName
	fresh.Scopes = cred.Scopes
	// Providers that do not rotate refresh tokens omit them from the
	// response; keep the old one in that case.
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = cred.RefreshToken
	}

	err = m.store.Replace(ctx, *fresh, cred.ExpiresAt)
	if errors.Is(err, ErrStaleCredential) {
		// Another worker refreshed concurrently; its token is the live one.
		current, loadErr := m.store.Load(ctx, userID, providerName)
		if loadErr != nil {
			return "", fmt.Errorf("reload after concurrent refresh: %w", loadErr)
		}
		slog.Debug("lost refresh race, using concurrent token",
			"user", userID, "provider", providerName)
		return current.AccessToken, nil
	}
	if err != nil {
		return "", err
	}

	slog.Info("access token refreshed",
		"user", userID,
		"provider", providerName,
		"expires_at", fresh.ExpiresAt,
	)
	return fresh.AccessToken, nil
}

// OAuthRefresher performs the refresh-token grant against a provider's
// token endpoint.
type OAuthRefresher struct {
	cfg *oauth2.Config
}

// NewOAuthRefresher creates a refresher for one provider.
func NewOAuthRefresher(clientID, clientSecret, tokenURL string, scopes []string) *OAuthRefresher {
	return &OAuthRefresher{cfg: &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		Scopes:       scopes,
	}}
}

// Refresh exchanges the refresh token. A 400/401 from the token endpoint
// means the grant itself is dead and maps to ErrReauthorizationRequired;
// anything else (network, 5xx) is transient.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*models.Credential, error) {
	src := r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && (rerr.Response.StatusCode == 400 || rerr.Response.StatusCode == 401) {
			return nil, fmt.Errorf("%w: %v", ErrReauthorizationRequired, err)
		}
		return nil, fmt.Errorf("token endpoint: %w", err)
	}
	return &models.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry.UTC(),
	}, nil
}
