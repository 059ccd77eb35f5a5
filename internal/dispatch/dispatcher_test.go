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

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/loomcrm/syncd/internal/jobs"
	"github.com/loomcrm/syncd/internal/models"
)

// --- Mock job store ---

type transition struct {
	op        string // "complete", "fail", "defer", "finish_cancel"
	id        uuid.UUID
	errMsg    string
	retryable bool
}

// mockStore mirrors the queue's claim contract: a provider-sync key with a
// running job is not claimable, and a claim batch holds at most one
// provider-sync job per key.
type mockStore struct {
	mu          sync.Mutex
	queue       []models.Job
	running     map[uuid.UUID]models.Job
	transitions []transition
	requeued    int

	// claimRace disables the key exclusion, modelling two pollers whose
	// claims commit before either can see the other's running row.
	claimRace bool
}

func (m *mockStore) push(jobs ...models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, jobs...)
}

func (m *mockStore) ClaimDue(_ context.Context, kinds []models.JobKind, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := make(map[models.JobKind]bool, len(kinds))
	for _, k := range kinds {
		allowed[k] = true
	}
	if m.running == nil {
		m.running = make(map[uuid.UUID]models.Job)
	}

	taken := make(map[string]bool)
	if !m.claimRace {
		for _, j := range m.running {
			if j.Kind == models.KindProviderSync {
				taken[j.UserID+":"+j.Provider] = true
			}
		}
	}

	var claimed []models.Job
	var rest []models.Job
	for _, j := range m.queue {
		key := ""
		if j.Kind == models.KindProviderSync {
			key = j.UserID + ":" + j.Provider
		}
		if len(claimed) < limit && allowed[j.Kind] && (key == "" || !taken[key]) {
			claimed = append(claimed, j)
			m.running[j.ID] = j
			if key != "" && !m.claimRace {
				taken[key] = true
			}
		} else {
			rest = append(rest, j)
		}
	}
	m.queue = rest
	return claimed, nil
}

func (m *mockStore) Complete(_ context.Context, id uuid.UUID) error {
	m.record(transition{op: "complete", id: id})
	m.release(id)
	return nil
}

func (m *mockStore) Fail(_ context.Context, id uuid.UUID, errMsg string, retryable bool) (models.JobStatus, error) {
	m.record(transition{op: "fail", id: id, errMsg: errMsg, retryable: retryable})
	m.release(id)
	if retryable {
		return models.StatusQueued, nil
	}
	return models.StatusError, nil
}

func (m *mockStore) Defer(_ context.Context, id uuid.UUID, _ time.Duration) error {
	m.record(transition{op: "defer", id: id})
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.running[id]; ok {
		delete(m.running, id)
		m.queue = append(m.queue, j)
	}
	return nil
}

func (m *mockStore) FinishCancel(_ context.Context, id uuid.UUID) error {
	m.record(transition{op: "finish_cancel", id: id})
	m.release(id)
	return nil
}

func (m *mockStore) release(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, id)
}

func (m *mockStore) RequeueStale(_ context.Context, _ time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requeued, nil
}

func (m *mockStore) record(t transition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, t)
}

func (m *mockStore) byOp(op string) []transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []transition
	for _, t := range m.transitions {
		if t.op == op {
			out = append(out, t)
		}
	}
	return out
}

func syncJob(user, provider string) models.Job {
	return models.Job{
		ID:       uuid.New(),
		UserID:   user,
		Kind:     models.KindProviderSync,
		Provider: provider,
	}
}

// TestDispatcher_CompletesSuccessfulJob verifies the nil-error path.
func TestDispatcher_CompletesSuccessfulJob(t *testing.T) {
	store := &mockStore{}
	job := syncJob("u1", "mail")
	store.push(job)

	d := New(Config{Store: store, Workers: 2})
	d.Register(models.KindProviderSync, func(ctx context.Context, j models.Job) error {
		return nil
	})

	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	d.Stop()

	completes := store.byOp("complete")
	if len(completes) != 1 || completes[0].id != job.ID {
		t.Fatalf("expected one complete for %s, got %+v", job.ID, completes)
	}
}

// TestDispatcher_RetryableFailure verifies a plain handler error records a
// retryable fail transition.
func TestDispatcher_RetryableFailure(t *testing.T) {
	store := &mockStore{}
	store.push(syncJob("u1", "mail"))

	d := New(Config{Store: store, Workers: 2})
	d.Register(models.KindProviderSync, func(ctx context.Context, j models.Job) error {
		return errors.New("provider 503")
	})

	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	d.Stop()

	fails := store.byOp("fail")
	if len(fails) != 1 {
		t.Fatalf("expected one fail, got %d", len(fails))
	}
	if !fails[0].retryable {
		t.Error("plain error should be retryable")
	}
}

// TestDispatcher_TerminalFailure verifies jobs.Terminal is not retried.
func TestDispatcher_TerminalFailure(t *testing.T) {
	store := &mockStore{}
	store.push(syncJob("u1", "mail"))

	d := New(Config{Store: store, Workers: 2})
	d.Register(models.KindProviderSync, func(ctx context.Context, j models.Job) error {
		return jobs.Terminal(errors.New("credentials revoked"))
	})

	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	d.Stop()

	fails := store.byOp("fail")
	if len(fails) != 1 {
		t.Fatalf("expected one fail, got %d", len(fails))
	}
	if fails[0].retryable {
		t.Error("terminal error must not be retryable")
	}
}

// TestDispatcher_CanceledJob verifies jobs.ErrCanceled finishes the job as
// canceled instead of failing it.
func TestDispatcher_CanceledJob(t *testing.T) {
	store := &mockStore{}
	job := syncJob("u1", "mail")
	store.push(job)

	d := New(Config{Store: store, Workers: 2})
	d.Register(models.KindProviderSync, func(ctx context.Context, j models.Job) error {
		return jobs.ErrCanceled
	})

	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	d.Stop()

	if got := store.byOp("finish_cancel"); len(got) != 1 || got[0].id != job.ID {
		t.Fatalf("expected one finish_cancel for %s, got %+v", job.ID, got)
	}
	if got := store.byOp("fail"); len(got) != 0 {
		t.Errorf("canceled job must not record a fail, got %+v", got)
	}
}

// TestDispatcher_Timeout verifies a handler exceeding the job deadline is
// failed retryable with a timeout message.
func TestDispatcher_Timeout(t *testing.T) {
	store := &mockStore{}
	store.push(syncJob("u1", "mail"))

	d := New(Config{Store: store, Workers: 2, JobTimeout: 20 * time.Millisecond})
	d.Register(models.KindProviderSync, func(ctx context.Context, j models.Job) error {
		<-ctx.Done()
		return ctx.Err()
	})

	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	d.Stop()

	fails := store.byOp("fail")
	if len(fails) != 1 {
		t.Fatalf("expected one fail, got %d", len(fails))
	}
	if !fails[0].retryable {
		t.Error("timeout should be retryable")
	}
}

// TestDispatcher_PanicBecomesFailure verifies a panicking handler records a
// failed job rather than crashing the pool.
func TestDispatcher_PanicBecomesFailure(t *testing.T) {
	store := &mockStore{}
	store.push(syncJob("u1", "mail"))

	d := New(Config{Store: store, Workers: 2})
	d.Register(models.KindProviderSync, func(ctx context.Context, j models.Job) error {
		panic("nil map write")
	})

	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	d.Stop()

	fails := store.byOp("fail")
	if len(fails) != 1 {
		t.Fatalf("expected one fail, got %d", len(fails))
	}
}

// TestDispatcher_SingleFlightDefersDuplicate verifies the in-process guard:
// when racing claims hand the dispatcher two syncs for the same
// (user, provider), one runs and the other is deferred, while a different
// user's sync proceeds.
func TestDispatcher_SingleFlightDefersDuplicate(t *testing.T) {
	store := &mockStore{claimRace: true}
	first := syncJob("u1", "mail")
	dup := syncJob("u1", "mail")
	other := syncJob("u2", "mail")
	store.push(first, dup, other)

	release := make(chan struct{})
	started := make(chan uuid.UUID, 3)

	d := New(Config{Store: store, Workers: 4})
	d.Register(models.KindProviderSync, func(ctx context.Context, j models.Job) error {
		started <- j.ID
		<-release
		return nil
	})

	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	// first and other start; dup is deferred.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("expected two handlers to start")
		}
	}
	close(release)
	d.Stop()

	defers := store.byOp("defer")
	if len(defers) != 1 || defers[0].id != dup.ID {
		t.Fatalf("expected duplicate %s deferred, got %+v", dup.ID, defers)
	}
	if got := store.byOp("complete"); len(got) != 2 {
		t.Fatalf("expected two completes, got %d", len(got))
	}
}

// TestDispatcher_ClaimLeavesSameKeyQueued verifies the store-side guard:
// while one sync for a (user, provider) is in flight, a second queued job
// for the key is not claimed at all — it stays queued, with no defer and no
// moment where two jobs for the key are running — and runs once the first
// finishes.
func TestDispatcher_ClaimLeavesSameKeyQueued(t *testing.T) {
	store := &mockStore{}
	first := syncJob("u1", "mail")
	dup := syncJob("u1", "mail")
	store.push(first, dup)

	release := make(chan struct{})
	started := make(chan uuid.UUID, 2)

	d := New(Config{Store: store, Workers: 4})
	d.Register(models.KindProviderSync, func(ctx context.Context, j models.Job) error {
		started <- j.ID
		<-release
		return nil
	})

	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	select {
	case id := <-started:
		if id != first.ID {
			t.Fatalf("started %s, want the first job %s", id, first.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the first sync to start")
	}

	store.mu.Lock()
	stillQueued := len(store.queue) == 1 && store.queue[0].ID == dup.ID
	store.mu.Unlock()
	if !stillQueued {
		t.Fatal("duplicate must stay queued while its key is in flight")
	}
	if got := store.byOp("defer"); len(got) != 0 {
		t.Fatalf("unclaimed duplicate must not be deferred, got %+v", got)
	}

	close(release)
	d.Stop()

	// Key released: the next cycle picks up the duplicate.
	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce failed: %v", err)
	}
	select {
	case id := <-started:
		if id != dup.ID {
			t.Fatalf("started %s, want the duplicate %s", id, dup.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the duplicate to run after the first finished")
	}
	d.Stop()

	if got := store.byOp("complete"); len(got) != 2 {
		t.Errorf("expected both jobs to complete, got %d", len(got))
	}
}

// TestDispatcher_UnknownKindFailsTerminal verifies a claimed job with no
// handler lands in terminal error.
func TestDispatcher_UnknownKindFailsTerminal(t *testing.T) {
	store := &mockStore{}
	job := models.Job{ID: uuid.New(), UserID: "u1", Kind: models.JobKind("mystery")}
	store.push(job)

	d := New(Config{Store: store, Workers: 1})
	d.Register(models.KindProviderSync, func(ctx context.Context, j models.Job) error { return nil })

	// A job can reach execute without a handler if registration drifts from
	// what the queue holds.
	d.execute(context.Background(), job)
	d.Stop()

	fails := store.byOp("fail")
	if len(fails) != 1 {
		t.Fatalf("expected one fail, got %d", len(fails))
	}
	if fails[0].retryable {
		t.Error("unknown kind must not be retryable")
	}
	if want := fmt.Sprintf("unknown job kind %q", "mystery"); fails[0].errMsg != want {
		t.Errorf("fail message = %q, want %q", fails[0].errMsg, want)
	}
}

// TestDispatcher_WorkerCeiling verifies RunOnce never claims more jobs than
// free worker slots.
func TestDispatcher_WorkerCeiling(t *testing.T) {
	store := &mockStore{}
	for i := 0; i < 10; i++ {
		store.push(syncJob(fmt.Sprintf("u%d", i), "mail"))
	}

	release := make(chan struct{})
	d := New(Config{Store: store, Workers: 3})
	d.Register(models.KindProviderSync, func(ctx context.Context, j models.Job) error {
		<-release
		return nil
	})

	n, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if n != 3 {
		t.Errorf("claimed %d jobs, want 3", n)
	}

	// All slots busy: the next cycle claims nothing.
	n, err = d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second RunOnce failed: %v", err)
	}
	if n != 0 {
		t.Errorf("claimed %d jobs with full pool, want 0", n)
	}

	close(release)
	d.Stop()
}
