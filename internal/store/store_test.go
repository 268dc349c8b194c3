package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/packrat-app/packrat/internal/inventory"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	return st
}

func testRecord(t *testing.T, id, name string) inventory.Record {
	t.Helper()
	data, err := json.Marshal(map[string]any{"id": id, "name": name})
	if err != nil {
		t.Fatalf("failed to build record: %v", err)
	}
	return inventory.Record{ID: id, UpdatedAt: time.Now().UTC(), Data: data}
}

func TestUpsertAndGet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rec := testRecord(t, "itm-1", "Cordless Drill")
	if err := st.UpsertRecord(ctx, "ws-1", inventory.TypeItems, rec); err != nil {
		t.Fatalf("UpsertRecord failed: %v", err)
	}

	got, err := st.GetRecord(ctx, "ws-1", inventory.TypeItems, "itm-1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got.ID != "itm-1" {
		t.Errorf("id = %q", got.ID)
	}

	// Upsert replaces.
	updated := testRecord(t, "itm-1", "Impact Driver")
	if err := st.UpsertRecord(ctx, "ws-1", inventory.TypeItems, updated); err != nil {
		t.Fatalf("UpsertRecord failed: %v", err)
	}
	got, err = st.GetRecord(ctx, "ws-1", inventory.TypeItems, "itm-1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	var fields struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(got.Data, &fields); err != nil {
		t.Fatalf("failed to parse data: %v", err)
	}
	if fields.Name != "Impact Driver" {
		t.Errorf("name = %q after upsert", fields.Name)
	}
}

func TestListAndCount(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec := testRecord(t, fmt.Sprintf("itm-%d", i), fmt.Sprintf("Item %d", i))
		if err := st.UpsertRecord(ctx, "ws-1", inventory.TypeItems, rec); err != nil {
			t.Fatalf("UpsertRecord failed: %v", err)
		}
	}
	// Another workspace and type stay isolated.
	if err := st.UpsertRecord(ctx, "ws-2", inventory.TypeItems, testRecord(t, "itm-x", "Other")); err != nil {
		t.Fatalf("UpsertRecord failed: %v", err)
	}
	if err := st.UpsertRecord(ctx, "ws-1", inventory.TypeLocations, testRecord(t, "loc-1", "Garage")); err != nil {
		t.Fatalf("UpsertRecord failed: %v", err)
	}

	records, err := st.ListRecords(ctx, "ws-1", inventory.TypeItems)
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(records) != 5 {
		t.Errorf("listed %d records, want 5", len(records))
	}

	count, err := st.CountRecords(ctx, "ws-1", inventory.TypeItems)
	if err != nil {
		t.Fatalf("CountRecords failed: %v", err)
	}
	if count != 5 {
		t.Errorf("count = %d, want 5", count)
	}
}

func TestApplyPullIncremental(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.UpsertRecord(ctx, "ws-1", inventory.TypeItems, testRecord(t, "itm-1", "Drill")); err != nil {
		t.Fatalf("UpsertRecord failed: %v", err)
	}

	// Incremental pull upserts without pruning rows it didn't mention.
	pulled := []inventory.Record{testRecord(t, "itm-2", "Saw")}
	if err := st.ApplyPull(ctx, "ws-1", inventory.TypeItems, pulled, false, nil); err != nil {
		t.Fatalf("ApplyPull failed: %v", err)
	}

	count, err := st.CountRecords(ctx, "ws-1", inventory.TypeItems)
	if err != nil {
		t.Fatalf("CountRecords failed: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d after incremental pull, want 2", count)
	}
}

func TestApplyPullFullPrunes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.UpsertRecord(ctx, "ws-1", inventory.TypeItems, testRecord(t, "itm-old", "Gone")); err != nil {
		t.Fatalf("UpsertRecord failed: %v", err)
	}

	pulled := []inventory.Record{testRecord(t, "itm-1", "Drill")}
	if err := st.ApplyPull(ctx, "ws-1", inventory.TypeItems, pulled, true, nil); err != nil {
		t.Fatalf("ApplyPull failed: %v", err)
	}

	records, err := st.ListRecords(ctx, "ws-1", inventory.TypeItems)
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != "itm-1" {
		t.Fatalf("expected only pulled record to survive a full pull, got %+v", records)
	}
}

func TestApplyPullSkipsProvisional(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// An optimistic local edit, not yet confirmed.
	local := testRecord(t, "itm-1", "Renamed Locally")
	if err := st.UpsertRecord(ctx, "ws-1", inventory.TypeItems, local); err != nil {
		t.Fatalf("UpsertRecord failed: %v", err)
	}
	if err := st.MarkProvisional(ctx, "ws-1", inventory.TypeItems, "itm-1", 7, nil); err != nil {
		t.Fatalf("MarkProvisional failed: %v", err)
	}

	// The server still has the old name; the pull must not clobber the
	// optimistic edit, and a full pull must not prune a provisional-only
	// create either.
	pulled := []inventory.Record{testRecord(t, "itm-1", "Server Name")}
	skip := func(id string) bool { return id == "itm-1" }
	if err := st.ApplyPull(ctx, "ws-1", inventory.TypeItems, pulled, true, skip); err != nil {
		t.Fatalf("ApplyPull failed: %v", err)
	}

	got, err := st.GetRecord(ctx, "ws-1", inventory.TypeItems, "itm-1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	var fields struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(got.Data, &fields); err != nil {
		t.Fatalf("failed to parse data: %v", err)
	}
	if fields.Name != "Renamed Locally" {
		t.Errorf("pull overwrote a provisional row: name = %q", fields.Name)
	}
}

func TestProvisionalMarks(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.MarkProvisional(ctx, "ws-1", inventory.TypeItems, "itm-1", 3, nil); err != nil {
		t.Fatalf("MarkProvisional failed: %v", err)
	}

	ok, err := st.IsProvisional(ctx, "ws-1", inventory.TypeItems, "itm-1")
	if err != nil {
		t.Fatalf("IsProvisional failed: %v", err)
	}
	if !ok {
		t.Error("expected row to be provisional")
	}

	// Re-marking repoints at the newer queue entry.
	if err := st.MarkProvisional(ctx, "ws-1", inventory.TypeItems, "itm-1", 9, nil); err != nil {
		t.Fatalf("MarkProvisional failed: %v", err)
	}
	ids, err := st.ProvisionalIDs(ctx, "ws-1", inventory.TypeItems)
	if err != nil {
		t.Fatalf("ProvisionalIDs failed: %v", err)
	}
	if ids["itm-1"] != 9 {
		t.Errorf("queue entry id = %d, want 9", ids["itm-1"])
	}

	// Lookup by queue entry works in both directions.
	id, err := st.ProvisionalByQueueEntry(ctx, "ws-1", inventory.TypeItems, 9)
	if err != nil {
		t.Fatalf("ProvisionalByQueueEntry failed: %v", err)
	}
	if id != "itm-1" {
		t.Errorf("entity id = %q, want itm-1", id)
	}

	if err := st.ClearProvisionalByQueueEntry(ctx, 9); err != nil {
		t.Fatalf("ClearProvisionalByQueueEntry failed: %v", err)
	}
	ok, err = st.IsProvisional(ctx, "ws-1", inventory.TypeItems, "itm-1")
	if err != nil {
		t.Fatalf("IsProvisional failed: %v", err)
	}
	if ok {
		t.Error("expected mark cleared")
	}
}

func TestProvisionalSnapshot(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	confirmed := testRecord(t, "itm-1", "Drill")
	if err := st.MarkProvisional(ctx, "ws-1", inventory.TypeItems, "itm-1", 3, &confirmed); err != nil {
		t.Fatalf("MarkProvisional failed: %v", err)
	}

	snap, err := st.ProvisionalSnapshot(ctx, 3)
	if err != nil {
		t.Fatalf("ProvisionalSnapshot failed: %v", err)
	}
	if snap == nil {
		t.Fatal("expected a snapshot")
	}
	if snap.ID != "itm-1" || string(snap.Data) != string(confirmed.Data) {
		t.Errorf("snapshot = %+v, want the confirmed row back", snap)
	}

	// Chained mutations keep the oldest snapshot: that is the last
	// confirmed server row, which is what a rollback must restore.
	patched := testRecord(t, "itm-1", "Renamed Locally")
	if err := st.MarkProvisional(ctx, "ws-1", inventory.TypeItems, "itm-1", 8, &patched); err != nil {
		t.Fatalf("MarkProvisional failed: %v", err)
	}
	snap, err = st.ProvisionalSnapshot(ctx, 8)
	if err != nil {
		t.Fatalf("ProvisionalSnapshot failed: %v", err)
	}
	if snap == nil || string(snap.Data) != string(confirmed.Data) {
		t.Errorf("re-mark replaced the confirmed snapshot: %+v", snap)
	}

	// A mark without a snapshot (create, or never-cached row) yields nil,
	// as does a cleared mark.
	if err := st.MarkProvisional(ctx, "ws-1", inventory.TypeItems, "itm-2", 5, nil); err != nil {
		t.Fatalf("MarkProvisional failed: %v", err)
	}
	snap, err = st.ProvisionalSnapshot(ctx, 5)
	if err != nil {
		t.Fatalf("ProvisionalSnapshot failed: %v", err)
	}
	if snap != nil {
		t.Errorf("expected no snapshot for a bare mark, got %+v", snap)
	}
	if err := st.ClearProvisionalByQueueEntry(ctx, 8); err != nil {
		t.Fatalf("ClearProvisionalByQueueEntry failed: %v", err)
	}
	snap, err = st.ProvisionalSnapshot(ctx, 8)
	if err != nil {
		t.Fatalf("ProvisionalSnapshot failed: %v", err)
	}
	if snap != nil {
		t.Errorf("expected no snapshot after clear, got %+v", snap)
	}
}

func TestLastSync(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// Never pulled: zero time, no error.
	got, err := st.LastSync(ctx, "ws-1", inventory.TypeItems)
	if err != nil {
		t.Fatalf("LastSync failed: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("expected zero time, got %v", got)
	}

	at := time.Date(2026, 8, 20, 12, 30, 0, 0, time.UTC)
	if err := st.SetLastSync(ctx, "ws-1", inventory.TypeItems, at); err != nil {
		t.Fatalf("SetLastSync failed: %v", err)
	}
	got, err = st.LastSync(ctx, "ws-1", inventory.TypeItems)
	if err != nil {
		t.Fatalf("LastSync failed: %v", err)
	}
	if !got.Equal(at) {
		t.Errorf("last sync = %v, want %v", got, at)
	}
}

func TestStaleFlags(t *testing.T) {
	st := newTestStore(t)

	if st.Stale("ws-1", inventory.TypeItems) {
		t.Error("fresh store should not be stale")
	}
	st.MarkStale("ws-1", inventory.TypeItems)
	if !st.Stale("ws-1", inventory.TypeItems) {
		t.Error("expected stale after mark")
	}
	if st.Stale("ws-1", inventory.TypeLoans) {
		t.Error("stale flag leaked across types")
	}
	st.ClearStale("ws-1", inventory.TypeItems)
	if st.Stale("ws-1", inventory.TypeItems) {
		t.Error("expected cleared after successful refresh")
	}
}
