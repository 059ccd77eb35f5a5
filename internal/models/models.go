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

// Package models defines the durable entities shared across the sync service:
// jobs, sync cursors, raw provider events, canonical interactions, provider
// credentials, and audit entries.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobKind identifies which handler processes a job.
type JobKind string

const (
	KindProviderSync JobKind = "provider_sync"
	KindNormalize    JobKind = "normalize"
	KindEmbed        JobKind = "embed"
	KindInsight      JobKind = "insight"
)

// JobStatus is the job state machine. Valid transitions:
// queued → running → {done, error}; error → queued via the retry policy
// while attempts < max_attempts; queued → canceled on operator cancel.
// Done and canceled are terminal and immutable.
type JobStatus string

const (
	StatusQueued   JobStatus = "queued"
	StatusRunning  JobStatus = "running"
	StatusDone     JobStatus = "done"
	StatusError    JobStatus = "error"
	StatusCanceled JobStatus = "canceled"
)

// Job is a unit of deferred work in the Postgres-backed queue.
type Job struct {
	ID     uuid.UUID
	UserID string
	Kind   JobKind

	// Provider is set for provider_sync jobs and empty otherwise. It is a
	// column (not payload) so the store can enforce single-flight per
	// (user, provider) at claim time.
	Provider string

	Status          JobStatus
	Payload         json.RawMessage
	BatchID         *uuid.UUID
	Attempts        int
	MaxAttempts     int
	LastError       *string
	CancelRequested bool
	ScheduledAt     time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SyncOptions is the payload of a provider_sync job.
type SyncOptions struct {
	// Full forces a full lookback-window sync even when a cursor exists.
	Full bool `json:"full,omitempty"`
}

// SyncCursor is the per (user, provider) incremental-fetch watermark.
// It is advanced only after the corresponding page of raw events has been
// durably stored, never optimistically.
type SyncCursor struct {
	UserID               string
	Provider             string
	CursorToken          string
	LastSuccessfulSyncAt *time.Time
	OverlapWindow        time.Duration
	UpdatedAt            time.Time
}

// RawEvent is an unprocessed provider payload, write-once.
// (user_id, provider, source_id) is unique; refetching an already-stored
// source id is a no-op.
type RawEvent struct {
	ID        uuid.UUID
	UserID    string
	Provider  string
	BatchID   uuid.UUID
	SourceID  string
	Payload   json.RawMessage
	FetchedAt time.Time
}

// InteractionType classifies a canonical interaction.
type InteractionType string

const (
	InteractionEmail InteractionType = "email"
	InteractionEvent InteractionType = "event"
)

// Interaction is the canonical, provider-agnostic communication record.
// (user_id, fingerprint) is unique; ContactID may be back-filled later but
// is never un-set once assigned.
type Interaction struct {
	ID             uuid.UUID
	UserID         string
	ContactID      *string
	Type           InteractionType
	OccurredAt     time.Time
	Subject        string
	BodyText       string
	SourceProvider string
	SourceID       string
	Fingerprint    string
	BatchID        uuid.UUID
	CreatedAt      time.Time
}

// Credential is a provider OAuth grant. Tokens are encrypted at rest;
// this struct only ever holds them decrypted in memory.
type Credential struct {
	UserID       string
	Provider     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
	UpdatedAt    time.Time
}

// AuditAction is a batch-level action recorded in the audit log.
type AuditAction string

const (
	AuditSyncCommitted AuditAction = "sync_committed"
	AuditSyncUndone    AuditAction = "sync_undone"
)

// AuditEntry records a batch-level action with per-kind counts.
type AuditEntry struct {
	ID         int64
	BatchID    uuid.UUID
	Action     AuditAction
	Counts     map[string]int
	OccurredAt time.Time
}
