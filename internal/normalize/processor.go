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

// Package normalize turns the raw events of a sync batch into canonical
// interactions: parse, fingerprint, link to contacts, and record the batch
// in the audit log. Malformed payloads are skipped and counted, never
// retried — they will not get better.
package normalize

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomcrm/syncd/internal/contacts"
	"github.com/loomcrm/syncd/internal/jobs"
	"github.com/loomcrm/syncd/internal/models"
)

// RawEventSource lists the staged events of a batch. Implemented by
// rawevent.Store.
type RawEventSource interface {
	ListByBatch(ctx context.Context, batchID uuid.UUID) ([]models.RawEvent, error)
}

// InteractionStore persists canonical interactions. Implemented by
// interaction.Store.
type InteractionStore interface {
	InsertBatch(ctx context.Context, items []models.Interaction) (int, error)
}

// AuditLog records batch outcomes. Implemented by audit.Store.
type AuditLog interface {
	Record(ctx context.Context, entry models.AuditEntry) error
}

// JobQueue chains downstream enrichment jobs. Implemented by jobs.Store.
type JobQueue interface {
	Enqueue(ctx context.Context, job models.Job) (uuid.UUID, error)
}

// Config holds the processor dependencies.
type Config struct {
	Raw          RawEventSource
	Interactions InteractionStore
	Resolver     contacts.Resolver
	Audit        AuditLog
	Jobs         JobQueue

	// EnqueueEmbed chains an embed job per committed batch for downstream
	// enrichment workers. Off unless an embedding service is deployed.
	EnqueueEmbed bool
}

// Processor handles normalize jobs.
type Processor struct {
	cfg Config
}

// New creates a normalize processor.
func New(cfg Config) *Processor {
	return &Processor{cfg: cfg}
}

// Handle runs normalization for one batch.
func (p *Processor) Handle(ctx context.Context, job models.Job) error {
	if job.BatchID == nil {
		return jobs.Terminal(fmt.Errorf("normalize job %s has no batch id", job.ID))
	}
	batchID := *job.BatchID

	events, err := p.cfg.Raw.ListByBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("list batch %s: %w", batchID, err)
	}

	items := make([]models.Interaction, 0, len(events))
	skipped := 0
	linked := 0
	for _, ev := range events {
		norm, err := Parse(ev.Provider, ev.Payload)
		if err != nil {
			skipped++
			slog.Warn("skipping malformed raw event",
				"provider", ev.Provider,
				"source_id", ev.SourceID,
				"error", err,
			)
			continue
		}

		contactID := p.resolveContact(ctx, ev.UserID, norm.Participants)
		if contactID != nil {
			linked++
		}

		items = append(items, models.Interaction{
			ID:             uuid.New(),
			UserID:         ev.UserID,
			ContactID:      contactID,
			Type:           norm.Type,
			OccurredAt:     norm.OccurredAt,
			Subject:        norm.Subject,
			BodyText:       norm.BodyText,
			SourceProvider: ev.Provider,
			SourceID:       ev.SourceID,
			Fingerprint:    Fingerprint(ev.UserID, ev.Provider, ev.SourceID, norm.BodyText),
			BatchID:        batchID,
			CreatedAt:      time.Now().UTC(),
		})
	}

	inserted, err := p.cfg.Interactions.InsertBatch(ctx, items)
	if err != nil {
		return fmt.Errorf("insert interactions for batch %s: %w", batchID, err)
	}

	entry := models.AuditEntry{
		BatchID: batchID,
		Action:  models.AuditSyncCommitted,
		Counts: map[string]int{
			"raw":        len(events),
			"inserted":   inserted,
			"duplicates": len(items) - inserted,
			"skipped":    skipped,
			"linked":     linked,
		},
	}
	if err := p.cfg.Audit.Record(ctx, entry); err != nil {
		return fmt.Errorf("record audit entry for batch %s: %w", batchID, err)
	}

	if p.cfg.EnqueueEmbed && inserted > 0 && p.cfg.Jobs != nil {
		_, err := p.cfg.Jobs.Enqueue(ctx, models.Job{
			UserID:  job.UserID,
			Kind:    models.KindEmbed,
			BatchID: &batchID,
		})
		if err != nil {
			return fmt.Errorf("enqueue embed job for batch %s: %w", batchID, err)
		}
	}

	slog.Info("batch normalized",
		"batch_id", batchID,
		"raw", len(events),
		"inserted", inserted,
		"skipped", skipped,
		"linked", linked,
	)
	return nil
}

// resolveContact links the interaction to the first participant that maps
// to a known contact. Resolution errors are soft: the interaction is stored
// unlinked and can be back-filled later.
func (p *Processor) resolveContact(ctx context.Context, userID string, participants []string) *string {
	if p.cfg.Resolver == nil {
		return nil
	}
	for _, email := range participants {
		id, err := p.cfg.Resolver.Resolve(ctx, userID, email)
		if err != nil {
			slog.Warn("contact resolution failed", "user", userID, "error", err)
			return nil
		}
		if id != nil {
			return id
		}
	}
	return nil
}
