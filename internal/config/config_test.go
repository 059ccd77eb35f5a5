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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validYAML = `
providers:
  - name: mail
    base_url: https://api.mailprovider.test
    list_path: /v1/users/{user}/messages
    token_url: https://auth.mailprovider.test/token
    client_id: mail-client
    client_secret: mail-secret
    scopes: ["mail.read"]
  - name: calendar
    base_url: https://api.calprovider.test
    token_url: https://auth.calprovider.test/token
    client_id: cal-client
    client_secret: cal-secret
crypto:
  passphrase: test-passphrase
  salt: test-salt
`

// TestLoad_Valid verifies providers, crypto settings, and defaults load.
func TestLoad_Valid(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, validYAML))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(cfg.Providers) != 2 {
		t.Fatalf("got %d providers, want 2", len(cfg.Providers))
	}
	if cfg.Providers[0].Name != "mail" || cfg.Providers[0].ListPath != "/v1/users/{user}/messages" {
		t.Errorf("mail provider = %+v", cfg.Providers[0])
	}
	// Omitted list_path falls back to the default.
	if cfg.Providers[1].ListPath != "/users/{user}/items" {
		t.Errorf("calendar list path = %q, want default", cfg.Providers[1].ListPath)
	}
	if cfg.CryptoPassphrase != "test-passphrase" {
		t.Errorf("passphrase = %q", cfg.CryptoPassphrase)
	}
	if cfg.WorkerCount != 4 || cfg.SyncOverlap != 10*time.Minute {
		t.Errorf("defaults = workers %d overlap %v", cfg.WorkerCount, cfg.SyncOverlap)
	}
}

// TestLoad_EnvOverrides verifies environment variables win over defaults.
func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, validYAML))
	t.Setenv("WORKER_COUNT", "16")
	t.Setenv("POLL_INTERVAL", "2s")
	t.Setenv("SYNC_LOOKBACK", "720h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.WorkerCount != 16 {
		t.Errorf("worker count = %d, want 16", cfg.WorkerCount)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("poll interval = %v, want 2s", cfg.PollInterval)
	}
	if cfg.SyncLookback != 720*time.Hour {
		t.Errorf("lookback = %v, want 720h", cfg.SyncLookback)
	}
}

// TestLoad_ExpandsEnvInYAML verifies ${VAR} references resolve.
func TestLoad_ExpandsEnvInYAML(t *testing.T) {
	t.Setenv("MAIL_SECRET", "super-secret")
	yaml := `
providers:
  - name: mail
    base_url: https://api.mailprovider.test
    token_url: https://auth.mailprovider.test/token
    client_id: mail-client
    client_secret: ${MAIL_SECRET}
crypto:
  passphrase: p
  salt: s
`
	t.Setenv("CONFIG_PATH", writeConfig(t, yaml))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Providers[0].ClientSecret != "super-secret" {
		t.Errorf("client secret = %q, want expanded env value", cfg.Providers[0].ClientSecret)
	}
}

// TestLoad_SkipsIncompleteProviders verifies providers without credentials
// are dropped, and zero providers is an error.
func TestLoad_SkipsIncompleteProviders(t *testing.T) {
	yaml := `
providers:
  - name: mail
    base_url: https://api.mailprovider.test
crypto:
  passphrase: p
  salt: s
`
	t.Setenv("CONFIG_PATH", writeConfig(t, yaml))

	if _, err := Load(); err == nil {
		t.Fatal("expected error when no provider has credentials")
	}
}

// TestLoad_RequiresCrypto verifies missing crypto material is fatal.
func TestLoad_RequiresCrypto(t *testing.T) {
	yaml := `
providers:
  - name: mail
    base_url: https://api.mailprovider.test
    token_url: https://auth.mailprovider.test/token
    client_id: c
    client_secret: s
`
	t.Setenv("CONFIG_PATH", writeConfig(t, yaml))
	t.Setenv("CRYPTO_PASSPHRASE", "")
	t.Setenv("CRYPTO_SALT", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when crypto settings are missing")
	}
}
