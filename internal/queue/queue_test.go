package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/packrat-app/packrat/internal/inventory"
	"github.com/packrat-app/packrat/internal/store"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	return New(st.RawDB())
}

func TestEnqueueDurable(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	payload := json.RawMessage(`{"name":"Cordless Drill"}`)
	entry, err := q.Enqueue(ctx, inventory.OpCreate, inventory.TypeItems, "", payload, "ws-1")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if entry.ID == 0 {
		t.Error("expected a persisted entry id")
	}
	if entry.IdempotencyKey == "" {
		t.Error("expected an idempotency key")
	}
	if entry.Status != StatusPending {
		t.Errorf("expected status pending, got %q", entry.Status)
	}

	// Reload from the database and confirm the key survived.
	got, err := q.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.IdempotencyKey != entry.IdempotencyKey {
		t.Errorf("idempotency key mismatch: %q vs %q", got.IdempotencyKey, entry.IdempotencyKey)
	}
	if string(got.Payload) != string(payload) {
		t.Errorf("payload mismatch: %s", got.Payload)
	}
}

func TestEnqueueValidation(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		op         inventory.Operation
		entityType inventory.EntityType
		entityID   string
		workspace  string
	}{
		{"invalid operation", "upsert", inventory.TypeItems, "", "ws-1"},
		{"invalid entity type", inventory.OpCreate, "widgets", "", "ws-1"},
		{"missing workspace", inventory.OpCreate, inventory.TypeItems, "", ""},
		{"update without id", inventory.OpUpdate, inventory.TypeItems, "", "ws-1"},
		{"delete without id", inventory.OpDelete, inventory.TypeItems, "", "ws-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := q.Enqueue(ctx, tt.op, tt.entityType, tt.entityID, nil, tt.workspace); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestDequeueFIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, inventory.OpCreate, inventory.TypeItems, "", json.RawMessage(`{"name":"a"}`), "ws-1")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	second, err := q.Enqueue(ctx, inventory.OpUpdate, inventory.TypeItems, "itm-1", json.RawMessage(`{"name":"b"}`), "ws-1")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	got, err := q.DequeueNext(ctx, "ws-1")
	if err != nil {
		t.Fatalf("DequeueNext failed: %v", err)
	}
	if got.ID != first.ID {
		t.Errorf("expected oldest entry %d first, got %d", first.ID, got.ID)
	}

	if err := q.MarkComplete(ctx, first.ID); err != nil {
		t.Fatalf("MarkComplete failed: %v", err)
	}

	got, err = q.DequeueNext(ctx, "ws-1")
	if err != nil {
		t.Fatalf("DequeueNext failed: %v", err)
	}
	if got.ID != second.ID {
		t.Errorf("expected entry %d, got %d", second.ID, got.ID)
	}

	if err := q.MarkComplete(ctx, second.ID); err != nil {
		t.Fatalf("MarkComplete failed: %v", err)
	}
	if _, err := q.DequeueNext(ctx, "ws-1"); !errors.Is(err, ErrEmpty) {
		t.Errorf("expected ErrEmpty, got %v", err)
	}
}

func TestDequeueScopedToWorkspace(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, inventory.OpCreate, inventory.TypeItems, "", nil, "ws-other"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := q.DequeueNext(ctx, "ws-1"); !errors.Is(err, ErrEmpty) {
		t.Errorf("expected ErrEmpty for other workspace, got %v", err)
	}
}

func TestMarkFailedRetryBudget(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, inventory.OpCreate, inventory.TypeItems, "", nil, "ws-1")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	cause := errors.New("connection refused")

	// Two failures: still pending, still drainable.
	for i := 1; i < MaxRetries; i++ {
		if err := q.MarkFailed(ctx, entry.ID, cause); err != nil {
			t.Fatalf("MarkFailed failed: %v", err)
		}
		got, err := q.Get(ctx, entry.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.RetryCount != i {
			t.Errorf("attempt %d: retry count = %d", i, got.RetryCount)
		}
		if got.Status != StatusPending {
			t.Errorf("attempt %d: status = %q, want pending", i, got.Status)
		}
		if got.LastError != cause.Error() {
			t.Errorf("attempt %d: last error = %q", i, got.LastError)
		}
	}

	// Third failure exhausts the budget.
	if err := q.MarkFailed(ctx, entry.ID, cause); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	got, err := q.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.RetryCount != MaxRetries {
		t.Errorf("retry count = %d, want %d", got.RetryCount, MaxRetries)
	}
	if got.Status != StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}

	// Failed entries are excluded from draining.
	if _, err := q.DequeueNext(ctx, "ws-1"); !errors.Is(err, ErrEmpty) {
		t.Errorf("expected failed entry excluded from dequeue, got %v", err)
	}
}

func TestFailPermanently(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, inventory.OpUpdate, inventory.TypeItems, "itm-1", nil, "ws-1")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := q.FailPermanently(ctx, entry.ID, errors.New("http 422: name is required")); err != nil {
		t.Fatalf("FailPermanently failed: %v", err)
	}

	got, err := q.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", got.RetryCount)
	}
}

func TestRequeue(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, inventory.OpCreate, inventory.TypeItems, "", nil, "ws-1")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Requeue of a pending entry is refused.
	if err := q.Requeue(ctx, entry.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound requeueing a pending entry, got %v", err)
	}

	if err := q.FailPermanently(ctx, entry.ID, errors.New("boom")); err != nil {
		t.Fatalf("FailPermanently failed: %v", err)
	}
	if err := q.Requeue(ctx, entry.ID); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}

	got, err := q.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0 after requeue", got.RetryCount)
	}
	if got.IdempotencyKey != entry.IdempotencyKey {
		t.Error("requeue must not rotate the idempotency key")
	}
}

func TestCounts(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, inventory.OpCreate, inventory.TypeItems, "", nil, "ws-1"); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	failed, err := q.Enqueue(ctx, inventory.OpCreate, inventory.TypeItems, "", nil, "ws-1")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.FailPermanently(ctx, failed.ID, errors.New("boom")); err != nil {
		t.Fatalf("FailPermanently failed: %v", err)
	}

	pending, err := q.PendingCount(ctx, "ws-1")
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if pending != 3 {
		t.Errorf("pending = %d, want 3", pending)
	}

	failedCount, err := q.FailedCount(ctx, "ws-1")
	if err != nil {
		t.Fatalf("FailedCount failed: %v", err)
	}
	if failedCount != 1 {
		t.Errorf("failed = %d, want 1", failedCount)
	}
}

func TestListFailedAndDiscard(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, inventory.OpDelete, inventory.TypeLoans, "loan-1", nil, "ws-1")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Discard of a pending entry is refused.
	if err := q.Discard(ctx, entry.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound discarding a pending entry, got %v", err)
	}

	if err := q.FailPermanently(ctx, entry.ID, errors.New("http 404: loan not found")); err != nil {
		t.Fatalf("FailPermanently failed: %v", err)
	}

	failed, err := q.ListFailed(ctx, "ws-1")
	if err != nil {
		t.Fatalf("ListFailed failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != entry.ID {
		t.Fatalf("unexpected failed list: %+v", failed)
	}
	if failed[0].LastError == "" {
		t.Error("expected last error on failed entry")
	}

	if err := q.Discard(ctx, entry.ID); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}
	if _, err := q.Get(ctx, entry.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected entry gone after discard, got %v", err)
	}
}
