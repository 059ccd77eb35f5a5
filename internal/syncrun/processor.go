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

// Package syncrun implements the provider-sync job handler: it pulls
// new/changed items since the last cursor, stages them as raw events under
// a shared batch id, and chains a normalize job.
//
// The cursor, not the job, is the source of truth for how far a run got:
// each page's raw events are committed before the cursor advances, so a
// crash or retry refetches at most the last page instead of skipping data.
package syncrun

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomcrm/syncd/internal/dedup"
	"github.com/loomcrm/syncd/internal/jobs"
	"github.com/loomcrm/syncd/internal/models"
	"github.com/loomcrm/syncd/internal/provider"
)

// CursorStore is the watermark persistence the processor needs.
// Implemented by cursor.Store.
type CursorStore interface {
	Get(ctx context.Context, userID, providerName string) (*models.SyncCursor, error)
	SaveToken(ctx context.Context, userID, providerName, token, prevToken string) error
	MarkSynced(ctx context.Context, userID, providerName string, at time.Time, overlap time.Duration) error
}

// RawEventStore persists fetched pages. Implemented by rawevent.Store.
type RawEventStore interface {
	InsertBatch(ctx context.Context, events []models.RawEvent) (int, error)
}

// SeenFilter is the Redis fast-path dedup. Implemented by dedup.Filter.
// Filter errors are logged and ignored; the database constraint backstops.
type SeenFilter interface {
	IsNew(ctx context.Context, key string) (bool, error)
}

// JobQueue is the slice of the job store the processor uses: chaining the
// normalize job and cooperating with cancel/liveness.
type JobQueue interface {
	Enqueue(ctx context.Context, job models.Job) (uuid.UUID, error)
	CancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
	Touch(ctx context.Context, id uuid.UUID) error
}

// Pacer owns the adaptive inter-page delay. Implemented by pacing.Registry.
type Pacer interface {
	Current(userID, providerName string) time.Duration
	RecordSuccess(userID, providerName string) time.Duration
	RecordThrottle(userID, providerName string) time.Duration
}

// Config holds the processor dependencies and sync windows.
type Config struct {
	Clients  map[string]provider.Client // keyed by provider name
	Cursors  CursorStore
	Raw      RawEventStore
	Seen     SeenFilter
	Jobs     JobQueue
	Pacer    Pacer
	Lookback time.Duration // full-sync window for cursor-less users
	Overlap  time.Duration // subtracted from the watermark on incremental syncs
	PageSize int
	Now      func() time.Time
}

// Processor handles provider_sync jobs.
type Processor struct {
	clients  map[string]provider.Client
	cursors  CursorStore
	raw      RawEventStore
	seen     SeenFilter
	jobs     JobQueue
	pacer    Pacer
	lookback time.Duration
	overlap  time.Duration
	pageSize int
	now      func() time.Time
}

// New creates a sync processor.
func New(cfg Config) *Processor {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 90 * 24 * time.Hour
	}
	if cfg.Overlap <= 0 {
		cfg.Overlap = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Processor{
		clients:  cfg.Clients,
		cursors:  cfg.Cursors,
		raw:      cfg.Raw,
		seen:     cfg.Seen,
		jobs:     cfg.Jobs,
		pacer:    cfg.Pacer,
		lookback: cfg.Lookback,
		overlap:  cfg.Overlap,
		pageSize: cfg.PageSize,
		now:      cfg.Now,
	}
}

// Handle runs one provider-sync job.
func (p *Processor) Handle(ctx context.Context, job models.Job) error {
	client, ok := p.clients[job.Provider]
	if !ok {
		return jobs.Terminal(fmt.Errorf("no client for provider %q", job.Provider))
	}

	var opts models.SyncOptions
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &opts); err != nil {
			return jobs.Terminal(fmt.Errorf("decode sync payload: %w", err))
		}
	}

	cur, err := p.cursors.Get(ctx, job.UserID, job.Provider)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	now := p.now()
	q := provider.Query{
		UserID:   job.UserID,
		Until:    now,
		PageSize: p.pageSize,
	}

	token := ""
	prevToken := ""
	if cur != nil {
		prevToken = cur.CursorToken
	}

	if cur == nil || cur.LastSuccessfulSyncAt == nil || opts.Full {
		// Full sync: no usable watermark, cover the configured lookback.
		q.Since = now.Add(-p.lookback)
		slog.Info("starting full sync",
			"user", job.UserID,
			"provider", job.Provider,
			"since", q.Since,
		)
	} else {
		overlap := cur.OverlapWindow
		if overlap <= 0 {
			overlap = p.overlap
		}
		q.Since = cur.LastSuccessfulSyncAt.Add(-overlap)
		token = cur.CursorToken
		slog.Info("starting incremental sync",
			"user", job.UserID,
			"provider", job.Provider,
			"since", q.Since,
			"resuming", token != "",
		)
	}

	batchID := uuid.New()
	fetched, stored, pages := 0, 0, 0

	for {
		// Page boundary: heartbeat for the stale sweep, honour cancel.
		if err := p.jobs.Touch(ctx, job.ID); err != nil {
			slog.Warn("job heartbeat failed", "job_id", job.ID, "error", err)
		}
		canceled, err := p.jobs.CancelRequested(ctx, job.ID)
		if err != nil {
			slog.Warn("cancel check failed", "job_id", job.ID, "error", err)
		} else if canceled {
			slog.Info("sync canceled at page boundary",
				"user", job.UserID,
				"provider", job.Provider,
				"pages", pages,
			)
			return jobs.ErrCanceled
		}

		page, err := client.List(ctx, q, token)
		if err != nil {
			if rl, ok := provider.AsRateLimit(err); ok {
				// Throttled: grow the delay and retry the same page.
				// The cursor stays at the last durably stored page.
				delay := p.pacer.RecordThrottle(job.UserID, job.Provider)
				if rl.RetryAfter > delay {
					delay = rl.RetryAfter
				}
				slog.Warn("provider throttled, backing off",
					"user", job.UserID,
					"provider", job.Provider,
					"page", pages+1,
					"delay", delay,
				)
				if err := sleep(ctx, delay); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("list page %d: %w", pages+1, err)
		}
		pages++
		fetched += len(page.Items)

		n, err := p.persistPage(ctx, job, batchID, page.Items)
		if err != nil {
			return err
		}
		stored += n

		// Page is durable — only now may the cursor move.
		if err := p.cursors.SaveToken(ctx, job.UserID, job.Provider, page.NextCursor, prevToken); err != nil {
			return fmt.Errorf("advance cursor after page %d: %w", pages, err)
		}
		prevToken = page.NextCursor
		p.pacer.RecordSuccess(job.UserID, job.Provider)

		if page.NextCursor == "" {
			break
		}
		token = page.NextCursor

		if err := sleep(ctx, p.pacer.Current(job.UserID, job.Provider)); err != nil {
			return err
		}
	}

	if err := p.cursors.MarkSynced(ctx, job.UserID, job.Provider, p.now(), p.overlap); err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}

	if stored > 0 {
		_, err := p.jobs.Enqueue(ctx, models.Job{
			UserID:  job.UserID,
			Kind:    models.KindNormalize,
			BatchID: &batchID,
		})
		if err != nil {
			return fmt.Errorf("enqueue normalize job: %w", err)
		}
	}

	slog.Info("sync run complete",
		"user", job.UserID,
		"provider", job.Provider,
		"batch_id", batchID,
		"pages", pages,
		"fetched", fetched,
		"stored", stored,
	)
	return nil
}

// persistPage stages one page of items as raw events, idempotent on source
// id. The Redis seen-filter skips most overlap refetches cheaply; the
// database unique constraint catches the rest.
func (p *Processor) persistPage(ctx context.Context, job models.Job, batchID uuid.UUID, items []provider.Item) (int, error) {
	events := make([]models.RawEvent, 0, len(items))
	for _, it := range items {
		if p.seen != nil {
			isNew, err := p.seen.IsNew(ctx, dedup.Key(job.UserID, job.Provider, it.SourceID))
			if err != nil {
				slog.Warn("seen-filter check failed, falling through to database",
					"provider", job.Provider,
					"error", err,
				)
			} else if !isNew {
				continue
			}
		}
		events = append(events, models.RawEvent{
			ID:        uuid.New(),
			UserID:    job.UserID,
			Provider:  job.Provider,
			BatchID:   batchID,
			SourceID:  it.SourceID,
			Payload:   it.Payload,
			FetchedAt: p.now(),
		})
	}

	n, err := p.raw.InsertBatch(ctx, events)
	if err != nil {
		return 0, fmt.Errorf("persist raw events: %w", err)
	}
	return n, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
