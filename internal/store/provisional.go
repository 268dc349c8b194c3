package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/packrat-app/packrat/internal/inventory"
)

// MarkProvisional records that the row has an outstanding queued mutation,
// capturing the pre-mutation row as the rollback snapshot (nil for creates
// or rows that were never cached). The mark is keyed by entity, so
// re-marking an already-provisional row repoints it at the newer queue
// entry while keeping the oldest snapshot: across chained mutations that is
// the last confirmed server row, which is what a rollback must restore.
func (s *Store) MarkProvisional(ctx context.Context, workspaceID string, entityType inventory.EntityType, entityID string, queueEntryID int64, snapshot *inventory.Record) error {
	var snapData, snapUpdated any
	if snapshot != nil {
		snapData = string(snapshot.Data)
		snapUpdated = snapshot.UpdatedAt.Format(time.RFC3339Nano)
	}

	query := `
	INSERT INTO provisional (workspace_id, entity_type, entity_id, queue_entry_id, snapshot, snapshot_updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(workspace_id, entity_type, entity_id) DO UPDATE SET
		queue_entry_id = excluded.queue_entry_id,
		snapshot = COALESCE(provisional.snapshot, excluded.snapshot),
		snapshot_updated_at = COALESCE(provisional.snapshot_updated_at, excluded.snapshot_updated_at)
	`
	if _, err := s.conn.ExecContext(ctx, query, workspaceID, string(entityType), entityID, queueEntryID, snapData, snapUpdated); err != nil {
		return fmt.Errorf("failed to mark %s/%s provisional: %w", entityType, entityID, err)
	}
	return nil
}

// ProvisionalSnapshot returns the pre-mutation row captured by the mark
// pointing at the given queue entry, or nil when the mark is gone or
// carried no snapshot.
func (s *Store) ProvisionalSnapshot(ctx context.Context, queueEntryID int64) (*inventory.Record, error) {
	var entityID string
	var data, updated sql.NullString
	err := s.conn.QueryRowContext(ctx,
		`SELECT entity_id, snapshot, snapshot_updated_at FROM provisional WHERE queue_entry_id = ?`,
		queueEntryID).Scan(&entityID, &data, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up snapshot for queue entry %d: %w", queueEntryID, err)
	}
	if !data.Valid {
		return nil, nil
	}

	rec := &inventory.Record{ID: entityID, Data: []byte(data.String)}
	if updated.Valid {
		if t, err := time.Parse(time.RFC3339Nano, updated.String); err == nil {
			rec.UpdatedAt = t
		}
	}
	return rec, nil
}

// ClearProvisional removes the provisional mark for a row.
// Returns nil if no mark exists (idempotent).
func (s *Store) ClearProvisional(ctx context.Context, workspaceID string, entityType inventory.EntityType, entityID string) error {
	query := `DELETE FROM provisional WHERE workspace_id = ? AND entity_type = ? AND entity_id = ?`
	if _, err := s.conn.ExecContext(ctx, query, workspaceID, string(entityType), entityID); err != nil {
		return fmt.Errorf("failed to clear provisional mark for %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

// ClearProvisionalByQueueEntry removes every provisional mark pointing at
// the given queue entry. Used when a failed entry is discarded.
func (s *Store) ClearProvisionalByQueueEntry(ctx context.Context, queueEntryID int64) error {
	query := `DELETE FROM provisional WHERE queue_entry_id = ?`
	if _, err := s.conn.ExecContext(ctx, query, queueEntryID); err != nil {
		return fmt.Errorf("failed to clear provisional marks for queue entry %d: %w", queueEntryID, err)
	}
	return nil
}

// ProvisionalByQueueEntry returns the entity id marked provisional by the
// given queue entry, or "" if none. Creates queue no entity id on the
// wire, so this is how the engine finds the temporary row to reconcile.
func (s *Store) ProvisionalByQueueEntry(ctx context.Context, workspaceID string, entityType inventory.EntityType, queueEntryID int64) (string, error) {
	var id string
	err := s.conn.QueryRowContext(ctx,
		`SELECT entity_id FROM provisional WHERE workspace_id = ? AND entity_type = ? AND queue_entry_id = ?`,
		workspaceID, string(entityType), queueEntryID).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to look up provisional row for queue entry %d: %w", queueEntryID, err)
	}
	return id, nil
}

// IsProvisional reports whether the row has an outstanding queued mutation.
func (s *Store) IsProvisional(ctx context.Context, workspaceID string, entityType inventory.EntityType, entityID string) (bool, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM provisional WHERE workspace_id = ? AND entity_type = ? AND entity_id = ?`,
		workspaceID, string(entityType), entityID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check provisional mark: %w", err)
	}
	return count > 0, nil
}

// ProvisionalIDs returns the provisional entity ids of the given type,
// mapped to the queue entry that owns each mark.
func (s *Store) ProvisionalIDs(ctx context.Context, workspaceID string, entityType inventory.EntityType) (map[string]int64, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT entity_id, queue_entry_id FROM provisional WHERE workspace_id = ? AND entity_type = ?`,
		workspaceID, string(entityType))
	if err != nil {
		return nil, fmt.Errorf("failed to list provisional ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]int64)
	for rows.Next() {
		var id string
		var queueID int64
		if err := rows.Scan(&id, &queueID); err != nil {
			return nil, fmt.Errorf("failed to scan provisional id: %w", err)
		}
		ids[id] = queueID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating provisional ids: %w", err)
	}
	return ids, nil
}

// LastSync returns the recorded last-sync timestamp for the entity type,
// or the zero time if the type has never been pulled.
func (s *Store) LastSync(ctx context.Context, workspaceID string, entityType inventory.EntityType) (time.Time, error) {
	var raw string
	err := s.conn.QueryRowContext(ctx,
		`SELECT last_sync_timestamp FROM sync_meta WHERE workspace_id = ? AND entity_type = ?`,
		workspaceID, string(entityType)).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to read sync meta: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse last sync timestamp %q: %w", raw, err)
	}
	return t, nil
}

// SetLastSync records the last-sync timestamp for the entity type.
func (s *Store) SetLastSync(ctx context.Context, workspaceID string, entityType inventory.EntityType, at time.Time) error {
	query := `
	INSERT INTO sync_meta (workspace_id, entity_type, last_sync_timestamp)
	VALUES (?, ?, ?)
	ON CONFLICT(workspace_id, entity_type) DO UPDATE SET
		last_sync_timestamp = excluded.last_sync_timestamp
	`
	if _, err := s.conn.ExecContext(ctx, query, workspaceID, string(entityType), at.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to record sync meta: %w", err)
	}
	return nil
}

// MarkStale flags the (workspace, type) pair as served-stale: a cached read
// went out ahead of its refresh. Cleared only by ClearStale on a
// successful refresh.
func (s *Store) MarkStale(workspaceID string, entityType inventory.EntityType) {
	s.staleMu.Lock()
	defer s.staleMu.Unlock()
	s.stale[staleKey{workspaceID, entityType}] = true
}

// ClearStale clears the stale flag after a successful refresh.
func (s *Store) ClearStale(workspaceID string, entityType inventory.EntityType) {
	s.staleMu.Lock()
	defer s.staleMu.Unlock()
	delete(s.stale, staleKey{workspaceID, entityType})
}

// Stale reports whether the (workspace, type) pair is serving stale data.
func (s *Store) Stale(workspaceID string, entityType inventory.EntityType) bool {
	s.staleMu.Lock()
	defer s.staleMu.Unlock()
	return s.stale[staleKey{workspaceID, entityType}]
}
