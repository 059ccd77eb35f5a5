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

// syncd — provider synchronization daemon
//
// Entry point for the sync service. It:
//  1. Loads provider configuration from config.yaml
//  2. Connects to PostgreSQL and Redis
//  3. Builds per-provider REST clients with managed OAuth credentials
//  4. Starts the job dispatcher with sync and normalize handlers
//  5. Serves the operator control API
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/loomcrm/syncd/internal/audit"
	"github.com/loomcrm/syncd/internal/config"
	"github.com/loomcrm/syncd/internal/contacts"
	"github.com/loomcrm/syncd/internal/control"
	"github.com/loomcrm/syncd/internal/credentials"
	"github.com/loomcrm/syncd/internal/cursor"
	"github.com/loomcrm/syncd/internal/dedup"
	"github.com/loomcrm/syncd/internal/dispatch"
	"github.com/loomcrm/syncd/internal/interaction"
	"github.com/loomcrm/syncd/internal/jobs"
	"github.com/loomcrm/syncd/internal/models"
	"github.com/loomcrm/syncd/internal/normalize"
	"github.com/loomcrm/syncd/internal/pacing"
	"github.com/loomcrm/syncd/internal/provider"
	"github.com/loomcrm/syncd/internal/provider/rest"
	"github.com/loomcrm/syncd/internal/rawevent"
	"github.com/loomcrm/syncd/internal/syncrun"
)

func main() {
	// Optional .env for local development; ignored when absent.
	_ = godotenv.Load()

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting syncd")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"providers", cfg.ProviderNames(),
		"workers", cfg.WorkerCount,
		"poll_interval", cfg.PollInterval,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	filter := dedup.NewFilter(rdb, cfg.DedupTTL)
	if err := filter.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Stores ---
	jobStore, err := jobs.NewStore(ctx, pgPool, jobs.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Base:        cfg.BackoffBase,
		Cap:         cfg.BackoffCap,
		Jitter:      10 * time.Second,
	})
	if err != nil {
		slog.Error("failed to initialise job store", "error", err)
		os.Exit(1)
	}
	cursorStore, err := cursor.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise cursor store", "error", err)
		os.Exit(1)
	}
	rawStore, err := rawevent.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise raw event store", "error", err)
		os.Exit(1)
	}
	interactionStore, err := interaction.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise interaction store", "error", err)
		os.Exit(1)
	}
	auditStore, err := audit.NewStore(ctx, pgPool, filter)
	if err != nil {
		slog.Error("failed to initialise audit store", "error", err)
		os.Exit(1)
	}

	// --- Credentials ---
	key := credentials.DeriveKey(cfg.CryptoPassphrase, cfg.CryptoSalt)
	credStore, err := credentials.NewStore(ctx, pgPool, key)
	if err != nil {
		slog.Error("failed to initialise credential store", "error", err)
		os.Exit(1)
	}

	refreshers := make(map[string]credentials.Refresher, len(cfg.Providers))
	for _, p := range cfg.Providers {
		refreshers[p.Name] = credentials.NewOAuthRefresher(p.ClientID, p.ClientSecret, p.TokenURL, p.Scopes)
	}
	tokens := credentials.NewManager(credStore, refreshers, 5*time.Minute)

	// --- Provider Clients ---
	clients := make(map[string]provider.Client, len(cfg.Providers))
	for _, p := range cfg.Providers {
		clients[p.Name] = rest.New(rest.Config{
			Provider: p.Name,
			BaseURL:  p.BaseURL,
			ListPath: p.ListPath,
			PageSize: cfg.PageSize,
			Tokens:   tokens,
		})
	}

	// --- Processors ---
	pacer := pacing.NewRegistry(cfg.PacingFloor, cfg.PacingCeiling)
	syncProc := syncrun.New(syncrun.Config{
		Clients:  clients,
		Cursors:  cursorStore,
		Raw:      rawStore,
		Seen:     filter,
		Jobs:     jobStore,
		Pacer:    pacer,
		Lookback: cfg.SyncLookback,
		Overlap:  cfg.SyncOverlap,
		PageSize: cfg.PageSize,
	})
	normProc := normalize.New(normalize.Config{
		Raw:          rawStore,
		Interactions: interactionStore,
		Resolver:     contacts.NewPGResolver(pgPool),
		Audit:        auditStore,
		Jobs:         jobStore,
	})

	// --- Dispatcher ---
	dispatcher := dispatch.New(dispatch.Config{
		Store:        jobStore,
		Workers:      cfg.WorkerCount,
		PollInterval: cfg.PollInterval,
		JobTimeout:   cfg.JobTimeout,
		Liveness:     cfg.JobLiveness,
	})
	dispatcher.Register(models.KindProviderSync, syncProc.Handle)
	dispatcher.Register(models.KindNormalize, normProc.Handle)
	dispatcher.Start(ctx)

	// --- Control API ---
	api := control.New(jobStore, cursorStore, auditStore, interactionStore, pgPool, filter, cfg.ProviderNames())

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	addr := fmt.Sprintf(":%d", cfg.Port)
	if err := api.Serve(ctx, addr, nil); err != nil {
		slog.Error("control api error", "error", err)
		dispatcher.Stop()
		os.Exit(1)
	}

	dispatcher.Stop()
	rdb.Close()
	slog.Info("syncd stopped")
}
