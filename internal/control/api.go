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

// Package control exposes the operator HTTP API: trigger syncs, inspect
// sync status and interactions, cancel jobs, back-fill contact links, and
// undo committed batches.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/loomcrm/syncd/internal/audit"
	"github.com/loomcrm/syncd/internal/jobs"
	"github.com/loomcrm/syncd/internal/models"
)

// JobService is the job-store slice the API uses.
type JobService interface {
	Enqueue(ctx context.Context, job models.Job) (uuid.UUID, error)
	Cancel(ctx context.Context, id uuid.UUID) (models.JobStatus, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	StatusSummary(ctx context.Context, userID string) (*jobs.Summary, error)
}

// SyncStatusService reports per-provider watermarks.
type SyncStatusService interface {
	LastSyncTimes(ctx context.Context, userID string) (map[string]time.Time, error)
}

// UndoService reverts committed batches.
type UndoService interface {
	UndoBatch(ctx context.Context, batchID uuid.UUID) (map[string]int, error)
	ListByBatch(ctx context.Context, batchID uuid.UUID) ([]models.AuditEntry, error)
}

// InteractionService is the interaction-store slice the API exposes:
// listing a user's timeline and back-filling contact links for contacts
// created after their interactions were synced.
type InteractionService interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]models.Interaction, error)
	SetContact(ctx context.Context, id uuid.UUID, contactID string) error
}

// Pinger reports dependency health. Implemented by dedup.Filter and
// pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// API is the control-plane HTTP server.
type API struct {
	jobs         JobService
	cursors      SyncStatusService
	undo         UndoService
	interactions InteractionService
	db           Pinger // optional
	redis        Pinger // optional
	providers    map[string]bool
}

// New creates the control API. providerNames lists the configured providers;
// sync requests for anything else are rejected up front.
func New(jobSvc JobService, cursors SyncStatusService, undo UndoService, interactions InteractionService, db, redis Pinger, providerNames []string) *API {
	providers := make(map[string]bool, len(providerNames))
	for _, name := range providerNames {
		providers[name] = true
	}
	return &API{
		jobs:         jobSvc,
		cursors:      cursors,
		undo:         undo,
		interactions: interactions,
		db:           db,
		redis:        redis,
		providers:    providers,
	}
}

// Router builds the chi route tree.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", a.handleHealth)
	r.Post("/sync/{userID}/{provider}", a.handleTriggerSync)
	r.Get("/sync/{userID}/status", a.handleSyncStatus)
	r.Post("/jobs/{jobID}/cancel", a.handleCancelJob)
	r.Get("/jobs/{jobID}", a.handleGetJob)
	r.Get("/users/{userID}/interactions", a.handleListInteractions)
	r.Post("/interactions/{interactionID}/contact", a.handleSetContact)
	r.Post("/undo/{batchID}", a.handleUndoBatch)
	r.Get("/undo/{batchID}/audit", a.handleBatchAudit)

	return r
}

// Serve runs the API until ctx is canceled, closing ready once the listener
// is up.
func (a *API) Serve(ctx context.Context, addr string, ready chan<- struct{}) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("control api listening", "addr", addr)
		if ready != nil {
			close(ready)
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	if a.db != nil {
		if err := a.db.Ping(r.Context()); err != nil {
			status["status"] = "degraded"
			status["postgres"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	if a.redis != nil {
		if err := a.redis.Ping(r.Context()); err != nil {
			status["status"] = "degraded"
			status["redis"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, status)
}

func (a *API) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	providerName := chi.URLParam(r, "provider")
	if !a.providers[providerName] {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown provider %q", providerName))
		return
	}

	var opts models.SyncOptions
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	payload, err := json.Marshal(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode sync options")
		return
	}

	id, err := a.jobs.Enqueue(r.Context(), models.Job{
		UserID:   userID,
		Kind:     models.KindProviderSync,
		Provider: providerName,
		Payload:  payload,
	})
	if err != nil {
		slog.Error("enqueue sync job failed", "user", userID, "provider", providerName, "error", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":   id,
		"user_id":  userID,
		"provider": providerName,
		"full":     opts.Full,
	})
}

func (a *API) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	times, err := a.cursors.LastSyncTimes(r.Context(), userID)
	if err != nil {
		slog.Error("load sync times failed", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "load sync status failed")
		return
	}
	summary, err := a.jobs.StatusSummary(r.Context(), userID)
	if err != nil {
		slog.Error("load job summary failed", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "load sync status failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":       userID,
		"last_sync":     times,
		"queued_jobs":   summary.Queued,
		"running_jobs":  summary.Running,
		"last_error":    summary.LastError,
		"last_error_at": summary.LastErrorAt,
	})
}

func (a *API) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	status, err := a.jobs.Cancel(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if errors.Is(err, jobs.ErrNotCancelable) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		slog.Error("cancel job failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID, "status": status})
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := a.jobs.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		slog.Error("load job failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "load job failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":           job.ID,
		"user_id":      job.UserID,
		"kind":         job.Kind,
		"provider":     job.Provider,
		"status":       job.Status,
		"attempts":     job.Attempts,
		"max_attempts": job.MaxAttempts,
		"last_error":   job.LastError,
		"scheduled_at": job.ScheduledAt,
	})
}

func (a *API) handleListInteractions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	items, err := a.interactions.ListByUser(r.Context(), userID, limit)
	if err != nil {
		slog.Error("list interactions failed", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "list interactions failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "interactions": items})
}

func (a *API) handleSetContact(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "interactionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid interaction id")
		return
	}

	var body struct {
		ContactID string `json:"contact_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ContactID == "" {
		writeError(w, http.StatusBadRequest, "contact_id is required")
		return
	}

	if err := a.interactions.SetContact(r.Context(), id, body.ContactID); err != nil {
		slog.Error("set interaction contact failed", "interaction_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "set contact failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUndoBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := uuid.Parse(chi.URLParam(r, "batchID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch id")
		return
	}

	counts, err := a.undo.UndoBatch(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, audit.ErrBatchNotFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		slog.Error("undo batch failed", "batch_id", batchID, "error", err)
		writeError(w, http.StatusInternalServerError, "undo failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch_id": batchID, "deleted": counts})
}

func (a *API) handleBatchAudit(w http.ResponseWriter, r *http.Request) {
	batchID, err := uuid.Parse(chi.URLParam(r, "batchID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch id")
		return
	}

	entries, err := a.undo.ListByBatch(r.Context(), batchID)
	if err != nil {
		slog.Error("list batch audit failed", "batch_id", batchID, "error", err)
		writeError(w, http.StatusInternalServerError, "load audit trail failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch_id": batchID, "entries": entries})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
