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

// Package dispatch pulls claimed jobs from the queue and routes them to
// kind-specific handlers on a bounded worker pool. Every failure becomes a
// recorded job state transition; nothing a handler does can crash the pool
// or leave a job stuck in running.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomcrm/syncd/internal/jobs"
	"github.com/loomcrm/syncd/internal/models"
)

// Handler processes one claimed job. A nil return completes the job; an
// error fails it (terminal if wrapped with jobs.Terminal, retried with
// backoff otherwise); jobs.ErrCanceled finishes it as canceled.
type Handler func(ctx context.Context, job models.Job) error

// JobStore is the slice of the job queue the dispatcher drives.
// Implemented by jobs.Store.
type JobStore interface {
	ClaimDue(ctx context.Context, kinds []models.JobKind, limit int) ([]models.Job, error)
	Complete(ctx context.Context, id uuid.UUID) error
	Fail(ctx context.Context, id uuid.UUID, errMsg string, retryable bool) (models.JobStatus, error)
	Defer(ctx context.Context, id uuid.UUID, delay time.Duration) error
	FinishCancel(ctx context.Context, id uuid.UUID) error
	RequeueStale(ctx context.Context, liveness time.Duration) (int, error)
}

// Config holds the dispatcher settings.
type Config struct {
	Store        JobStore
	Workers      int           // global concurrency ceiling
	PollInterval time.Duration // queue poll cadence
	JobTimeout   time.Duration // per-job deadline
	Liveness     time.Duration // stale-running sweep threshold
	DeferDelay   time.Duration // requeue delay for single-flight losers
}

// Dispatcher owns the worker pool and the handler registry.
type Dispatcher struct {
	store        JobStore
	handlers     map[models.JobKind]Handler
	workers      int
	pollInterval time.Duration
	jobTimeout   time.Duration
	liveness     time.Duration
	deferDelay   time.Duration

	// inflight tracks running provider-sync keys (user:provider) for the
	// single-flight guarantee within one process.
	mu       sync.Mutex
	inflight map[string]struct{}

	sem    chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher. Handlers are registered before Start.
func New(cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.DeferDelay <= 0 {
		cfg.DeferDelay = 10 * time.Second
	}
	return &Dispatcher{
		store:        cfg.Store,
		handlers:     make(map[models.JobKind]Handler),
		workers:      cfg.Workers,
		pollInterval: cfg.PollInterval,
		jobTimeout:   cfg.JobTimeout,
		liveness:     cfg.Liveness,
		deferDelay:   cfg.DeferDelay,
		inflight:     make(map[string]struct{}),
		sem:          make(chan struct{}, cfg.Workers),
	}
}

// Register binds a handler to a job kind. The dispatcher only claims kinds
// it has handlers for; other kinds stay queued for downstream services.
func (d *Dispatcher) Register(kind models.JobKind, h Handler) {
	d.handlers[kind] = h
}

// Kinds returns the registered job kinds.
func (d *Dispatcher) Kinds() []models.JobKind {
	out := make([]models.JobKind, 0, len(d.handlers))
	for k := range d.handlers {
		out = append(out, k)
	}
	return out
}

// Start runs the claim loop and the stale-running sweep in the background.
func (d *Dispatcher) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if _, err := d.RunOnce(loopCtx); err != nil {
					slog.Error("dispatch cycle failed", "error", err)
				}
			}
		}
	}()

	if d.liveness > 0 {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			interval := d.liveness / 2
			if interval < time.Second {
				interval = time.Second
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-loopCtx.Done():
					return
				case <-ticker.C:
					if _, err := d.store.RequeueStale(loopCtx, d.liveness); err != nil {
						slog.Error("stale job sweep failed", "error", err)
					}
				}
			}
		}()
	}

	slog.Info("dispatcher started",
		"workers", d.workers,
		"poll_interval", d.pollInterval,
		"kinds", d.Kinds(),
	)
}

// Stop cancels the loops and waits for in-flight handlers to finish.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	slog.Info("dispatcher stopped")
}

// RunOnce claims one batch of due jobs and dispatches them. Exposed so
// callers (and tests) can drive the queue without the poll loop. Returns
// the number of jobs claimed.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	free := d.workers - len(d.sem)
	if free <= 0 {
		return 0, nil
	}

	claimed, err := d.store.ClaimDue(ctx, d.Kinds(), free)
	if err != nil {
		return 0, fmt.Errorf("claim due jobs: %w", err)
	}

	for _, job := range claimed {
		job := job

		// Single-flight: one in-flight provider sync per (user, provider).
		// A second claim for a key while one is running is deferred, not
		// failed — interleaved syncs would corrupt the cursor.
		key := singleFlightKey(job)
		if key != "" && !d.acquire(key) {
			slog.Info("sync already in flight, deferring job",
				"job_id", job.ID,
				"user", job.UserID,
				"provider", job.Provider,
			)
			if err := d.store.Defer(ctx, job.ID, d.deferDelay); err != nil {
				slog.Error("defer failed", "job_id", job.ID, "error", err)
			}
			continue
		}

		d.sem <- struct{}{}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer func() { <-d.sem }()
			if key != "" {
				defer d.release(key)
			}
			d.execute(ctx, job)
		}()
	}

	return len(claimed), nil
}

// execute runs one job under the per-job deadline and records the outcome
// as a state transition. The job is never left running.
func (d *Dispatcher) execute(ctx context.Context, job models.Job) {
	handler, ok := d.handlers[job.Kind]
	if !ok {
		// Programmer error: a claimed kind without a handler. Fail fast,
		// never retry.
		d.fail(ctx, job, fmt.Sprintf("unknown job kind %q", job.Kind), false)
		return
	}

	runCtx := ctx
	if d.jobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.jobTimeout)
		defer cancel()
	}

	start := time.Now()
	err := d.run(runCtx, handler, job)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		if cErr := d.store.Complete(ctx, job.ID); cErr != nil {
			slog.Error("complete failed", "job_id", job.ID, "error", cErr)
		}
		slog.Info("job done",
			"job_id", job.ID,
			"kind", job.Kind,
			"user", job.UserID,
			"elapsed", elapsed,
		)

	case errors.Is(err, jobs.ErrCanceled):
		if cErr := d.store.FinishCancel(ctx, job.ID); cErr != nil {
			slog.Error("finish cancel failed", "job_id", job.ID, "error", cErr)
		}
		slog.Info("job canceled", "job_id", job.ID, "kind", job.Kind)

	case errors.Is(err, context.DeadlineExceeded):
		d.fail(ctx, job, fmt.Sprintf("timeout: handler exceeded %s", d.jobTimeout), true)

	default:
		d.fail(ctx, job, err.Error(), !jobs.IsTerminal(err))
	}
}

// run invokes the handler with panic capture so a broken handler surfaces
// as a failed job instead of taking down the pool.
func (d *Dispatcher) run(ctx context.Context, handler Handler, job models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (d *Dispatcher) fail(ctx context.Context, job models.Job, msg string, retryable bool) {
	status, err := d.store.Fail(ctx, job.ID, msg, retryable)
	if err != nil {
		slog.Error("fail transition failed", "job_id", job.ID, "error", err)
		return
	}
	slog.Warn("job failed",
		"job_id", job.ID,
		"kind", job.Kind,
		"user", job.UserID,
		"status", status,
		"retryable", retryable,
		"error", msg,
	)
}

func (d *Dispatcher) acquire(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, held := d.inflight[key]; held {
		return false
	}
	d.inflight[key] = struct{}{}
	return true
}

func (d *Dispatcher) release(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, key)
}

func singleFlightKey(job models.Job) string {
	if job.Kind != models.KindProviderSync {
		return ""
	}
	return job.UserID + ":" + job.Provider
}
