// Package queue implements the durable mutation queue: an ordered,
// workspace-scoped log of not-yet-confirmed writes.
//
// Entries are persisted to the shared SQLite database before the caller
// gets its handle back, so an optimistic UI update always has a durable
// record behind it. The sync engine drains entries oldest-first; an entry
// is destroyed on success or on explicit user-initiated discard, never
// automatically.
//
// Retry discipline: a transient failure increments retry_count and leaves
// the entry pending. At MaxRetries the entry flips to the terminal failed
// status and is excluded from draining until the user discards or
// re-submits it. Permanent failures (validation, conflict, not-found) skip
// the budget and fail immediately.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/packrat-app/packrat/internal/inventory"
)

// MaxRetries is the transient-failure budget per entry. Reaching it moves
// the entry to the terminal failed status.
const MaxRetries = 3

// Entry statuses.
const (
	// StatusPending marks an entry eligible for the next drain pass.
	StatusPending = "pending"
	// StatusFailed marks a terminally failed entry, excluded from
	// automatic retry until discarded or re-submitted.
	StatusFailed = "failed"
)

// ErrEmpty is returned by DequeueNext when no pending entry exists.
var ErrEmpty = errors.New("mutation queue is empty")

// ErrNotFound is returned when an entry id does not exist.
var ErrNotFound = errors.New("queue entry not found")

// Entry is one durable queued mutation.
type Entry struct {
	ID             int64
	IdempotencyKey string
	Operation      inventory.Operation
	EntityType     inventory.EntityType
	EntityID       string // empty for creates
	Payload        json.RawMessage
	WorkspaceID    string
	CreatedAt      time.Time
	RetryCount     int
	LastError      string
	Status         string
}

// Queue provides durable mutation queue operations over the shared
// store database.
type Queue struct {
	conn *sql.DB
}

// New creates a Queue over the given database connection.
//
// The connection must come from an opened store whose schema has been
// initialized (the mutation_queue table lives in the store's InitSchema).
func New(conn *sql.DB) *Queue {
	return &Queue{conn: conn}
}

// Enqueue persists a new mutation and returns it.
//
// The idempotency key is generated here, exactly once; retries replay the
// same key so the server can deduplicate. The entry is durably committed
// before Enqueue returns — if persistence fails the call rejects and the
// caller must not apply an optimistic update.
func (q *Queue) Enqueue(ctx context.Context, op inventory.Operation, entityType inventory.EntityType, entityID string, payload json.RawMessage, workspaceID string) (*Entry, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("invalid operation %q", op)
	}
	if !entityType.Valid() {
		return nil, fmt.Errorf("invalid entity type %q", entityType)
	}
	if workspaceID == "" {
		return nil, fmt.Errorf("workspace id is required")
	}
	if op != inventory.OpCreate && entityID == "" {
		return nil, fmt.Errorf("%s requires an entity id", op)
	}

	entry := &Entry{
		IdempotencyKey: uuid.NewString(),
		Operation:      op,
		EntityType:     entityType,
		EntityID:       entityID,
		Payload:        payload,
		WorkspaceID:    workspaceID,
		CreatedAt:      time.Now().UTC(),
		Status:         StatusPending,
	}

	res, err := q.conn.ExecContext(ctx, `
	INSERT INTO mutation_queue
		(idempotency_key, operation, entity_type, entity_id, payload, workspace_id, created_at, retry_count, status)
	VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		entry.IdempotencyKey,
		string(entry.Operation),
		string(entry.EntityType),
		nullString(entry.EntityID),
		nullString(string(entry.Payload)),
		entry.WorkspaceID,
		entry.CreatedAt.Format(time.RFC3339Nano),
		entry.Status,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to persist queue entry: %w", err)
	}

	entry.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue entry id: %w", err)
	}
	return entry, nil
}

// DequeueNext returns the oldest pending entry for the workspace, or
// ErrEmpty when nothing is pending. Failed entries are never returned.
func (q *Queue) DequeueNext(ctx context.Context, workspaceID string) (*Entry, error) {
	row := q.conn.QueryRowContext(ctx, `
	SELECT id, idempotency_key, operation, entity_type, entity_id, payload,
	       workspace_id, created_at, retry_count, last_error, status
	FROM mutation_queue
	WHERE workspace_id = ? AND status = ?
	ORDER BY created_at ASC, id ASC
	LIMIT 1`, workspaceID, StatusPending)

	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEmpty
		}
		return nil, err
	}
	return entry, nil
}

// Get retrieves an entry by id. Returns ErrNotFound if it doesn't exist.
func (q *Queue) Get(ctx context.Context, id int64) (*Entry, error) {
	row := q.conn.QueryRowContext(ctx, `
	SELECT id, idempotency_key, operation, entity_type, entity_id, payload,
	       workspace_id, created_at, retry_count, last_error, status
	FROM mutation_queue WHERE id = ?`, id)

	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entry, nil
}

// MarkComplete deletes a successfully pushed entry.
func (q *Queue) MarkComplete(ctx context.Context, id int64) error {
	if _, err := q.conn.ExecContext(ctx, `DELETE FROM mutation_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to complete queue entry %d: %w", id, err)
	}
	return nil
}

// MarkFailed records a transient failure: retry_count increments by
// exactly one, and the entry flips to the terminal failed status exactly
// upon reaching MaxRetries. Below the budget the entry stays pending with
// last_error set for UI visibility.
func (q *Queue) MarkFailed(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	res, err := q.conn.ExecContext(ctx, `
	UPDATE mutation_queue SET
		retry_count = retry_count + 1,
		last_error = ?,
		status = CASE WHEN retry_count + 1 >= ? THEN ? ELSE status END
	WHERE id = ?`, msg, MaxRetries, StatusFailed, id)
	if err != nil {
		return fmt.Errorf("failed to record failure on queue entry %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailPermanently moves an entry straight to the terminal failed status,
// bypassing the retry budget. Used for permanent (4xx) server rejections.
func (q *Queue) FailPermanently(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	res, err := q.conn.ExecContext(ctx, `
	UPDATE mutation_queue SET
		retry_count = retry_count + 1,
		last_error = ?,
		status = ?
	WHERE id = ?`, msg, StatusFailed, id)
	if err != nil {
		return fmt.Errorf("failed to fail queue entry %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Requeue re-submits a failed entry: status back to pending with a fresh
// retry budget. The idempotency key is untouched, so a push that actually
// reached the server the first time still deduplicates. User-initiated
// only; the engine never calls this.
func (q *Queue) Requeue(ctx context.Context, id int64) error {
	res, err := q.conn.ExecContext(ctx, `
	UPDATE mutation_queue SET status = ?, retry_count = 0, last_error = NULL
	WHERE id = ? AND status = ?`, StatusPending, id, StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to requeue entry %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingCount returns the number of pending entries for the workspace.
func (q *Queue) PendingCount(ctx context.Context, workspaceID string) (int, error) {
	return q.countByStatus(ctx, workspaceID, StatusPending)
}

// FailedCount returns the number of terminally failed entries for the
// workspace. Surfaced as the UI badge count.
func (q *Queue) FailedCount(ctx context.Context, workspaceID string) (int, error) {
	return q.countByStatus(ctx, workspaceID, StatusFailed)
}

func (q *Queue) countByStatus(ctx context.Context, workspaceID, status string) (int, error) {
	var count int
	err := q.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mutation_queue WHERE workspace_id = ? AND status = ?`,
		workspaceID, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s entries: %w", status, err)
	}
	return count, nil
}

// ListFailed returns the terminally failed entries for the workspace,
// oldest first, for the CLI and dashboard.
func (q *Queue) ListFailed(ctx context.Context, workspaceID string) ([]*Entry, error) {
	rows, err := q.conn.QueryContext(ctx, `
	SELECT id, idempotency_key, operation, entity_type, entity_id, payload,
	       workspace_id, created_at, retry_count, last_error, status
	FROM mutation_queue
	WHERE workspace_id = ? AND status = ?
	ORDER BY created_at ASC, id ASC`, workspaceID, StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failed entries: %w", err)
	}
	return entries, nil
}

// Clear removes every entry for the workspace, pending and failed alike.
// Used on workspace teardown.
func (q *Queue) Clear(ctx context.Context, workspaceID string) error {
	if _, err := q.conn.ExecContext(ctx,
		`DELETE FROM mutation_queue WHERE workspace_id = ?`, workspaceID); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	return nil
}

// ClearFailed discards the workspace's terminally failed entries.
func (q *Queue) ClearFailed(ctx context.Context, workspaceID string) error {
	if _, err := q.conn.ExecContext(ctx,
		`DELETE FROM mutation_queue WHERE workspace_id = ? AND status = ?`,
		workspaceID, StatusFailed); err != nil {
		return fmt.Errorf("failed to clear failed entries: %w", err)
	}
	return nil
}

// Discard removes a single failed entry. Returns ErrNotFound if the entry
// doesn't exist or isn't failed.
func (q *Queue) Discard(ctx context.Context, id int64) error {
	res, err := q.conn.ExecContext(ctx,
		`DELETE FROM mutation_queue WHERE id = ? AND status = ?`, id, StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to discard entry %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var entry Entry
	var op, entityType, createdAt string
	var entityID, payload, lastError sql.NullString

	err := row.Scan(
		&entry.ID,
		&entry.IdempotencyKey,
		&op,
		&entityType,
		&entityID,
		&payload,
		&entry.WorkspaceID,
		&createdAt,
		&entry.RetryCount,
		&lastError,
		&entry.Status,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan queue entry: %w", err)
	}

	entry.Operation = inventory.Operation(op)
	entry.EntityType = inventory.EntityType(entityType)
	entry.EntityID = entityID.String
	if payload.Valid {
		entry.Payload = json.RawMessage(payload.String)
	}
	entry.LastError = lastError.String
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		entry.CreatedAt = t
	}
	return &entry, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
