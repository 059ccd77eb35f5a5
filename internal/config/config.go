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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds the connection and OAuth settings for one provider.
type ProviderConfig struct {
	Name         string   `yaml:"name"`
	BaseURL      string   `yaml:"base_url"`
	ListPath     string   `yaml:"list_path"`
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// Config holds all configuration for the sync service.
type Config struct {
	Providers []ProviderConfig

	// Storage
	DatabaseURL string
	RedisURL    string
	DedupTTL    time.Duration

	// Token encryption at rest
	CryptoPassphrase string
	CryptoSalt       string

	// Dispatcher
	WorkerCount  int
	PollInterval time.Duration
	JobTimeout   time.Duration
	JobLiveness  time.Duration

	// Retry policy
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// Sync windows and pacing
	SyncLookback  time.Duration
	SyncOverlap   time.Duration
	PageSize      int
	PacingFloor   time.Duration
	PacingCeiling time.Duration

	// Control API
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Providers []ProviderConfig `yaml:"providers"`
	Database  struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Crypto struct {
		Passphrase string `yaml:"passphrase"`
		Salt       string `yaml:"salt"`
	} `yaml:"crypto"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		DatabaseURL:      firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "postgres://localhost:5432/syncd")),
		RedisURL:         firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		DedupTTL:         envOrDefaultDuration("DEDUP_TTL", 24*time.Hour),
		CryptoPassphrase: firstNonEmpty(raw.Crypto.Passphrase, os.Getenv("CRYPTO_PASSPHRASE")),
		CryptoSalt:       firstNonEmpty(raw.Crypto.Salt, os.Getenv("CRYPTO_SALT")),
		WorkerCount:      envOrDefaultInt("WORKER_COUNT", 4),
		PollInterval:     envOrDefaultDuration("POLL_INTERVAL", 5*time.Second),
		JobTimeout:       envOrDefaultDuration("JOB_TIMEOUT", 10*time.Minute),
		JobLiveness:      envOrDefaultDuration("JOB_LIVENESS", 15*time.Minute),
		MaxAttempts:      envOrDefaultInt("MAX_ATTEMPTS", 5),
		BackoffBase:      envOrDefaultDuration("BACKOFF_BASE", 30*time.Second),
		BackoffCap:       envOrDefaultDuration("BACKOFF_CAP", 30*time.Minute),
		SyncLookback:     envOrDefaultDuration("SYNC_LOOKBACK", 90*24*time.Hour),
		SyncOverlap:      envOrDefaultDuration("SYNC_OVERLAP", 10*time.Minute),
		PageSize:         envOrDefaultInt("PAGE_SIZE", 50),
		PacingFloor:      envOrDefaultDuration("PACING_FLOOR", 200*time.Millisecond),
		PacingCeiling:    envOrDefaultDuration("PACING_CEILING", 30*time.Second),
		Port:             envOrDefaultInt("PORT", 8080),
	}

	for _, p := range raw.Providers {
		// Skip providers with empty credentials (commented out in YAML)
		if p.Name == "" || p.ClientID == "" || p.ClientSecret == "" {
			continue
		}
		if p.ListPath == "" {
			p.ListPath = "/users/{user}/items"
		}
		cfg.Providers = append(cfg.Providers, p)
	}

	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no providers configured — check config.yaml and environment variables")
	}
	if cfg.CryptoPassphrase == "" || cfg.CryptoSalt == "" {
		return nil, fmt.Errorf("crypto passphrase and salt are required for credential encryption")
	}

	return cfg, nil
}

// ProviderNames returns the configured provider names in order.
func (c *Config) ProviderNames() []string {
	names := make([]string, len(c.Providers))
	for i, p := range c.Providers {
		names[i] = p.Name
	}
	return names
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
