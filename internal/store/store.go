// Package store provides the durable local entity store for packrat.
//
// The store is a single embedded SQLite database holding four tables:
//   - entities: cached server records, keyed by (workspace, type, id)
//   - mutation_queue: the durable offline mutation log (owned by internal/queue)
//   - sync_meta: per-type last-sync timestamps bounding incremental pulls
//   - provisional: shadow index marking rows with an outstanding queued mutation
//
// The database runs in embedded mode using ncruces/go-sqlite3 with WAL for
// concurrent readers during writes.
//
// Reads are served straight from the cache (stale-while-revalidate); the
// store never talks to the network. Confirmed rows are written only by the
// sync engine and the live update channel. Optimistic rows are written at
// enqueue time and tracked in the provisional shadow table rather than by
// flags inside the record JSON, so "is this row provisional" is a single
// indexed lookup and the domain schema stays clean.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/packrat-app/packrat/internal/inventory"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection with entity-cache functionality.
type Store struct {
	conn *sql.DB
	path string

	// staleness is tracked in memory: a (workspace, type) pair is stale
	// from the moment a cached read is served ahead of its refresh until
	// a refresh succeeds. A failed refresh never clears it.
	staleMu sync.Mutex
	stale   map[staleKey]bool
}

type staleKey struct {
	workspace  string
	entityType inventory.EntityType
}

// Open creates a new database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it is created; call InitSchema before
// first use. The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(filepath.Join(dataDir, "packrat.db"))
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{
		conn:  conn,
		path:  path,
		stale: make(map[staleKey]bool),
	}

	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := st.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return st, nil
}

// RawDB returns the underlying sql.DB connection.
// The mutation queue shares this connection so enqueue and optimistic
// patch land in the same database file.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Cached server records, one row per entity.
	CREATE TABLE IF NOT EXISTS entities (
		workspace_id TEXT NOT NULL,
		entity_type  TEXT NOT NULL,
		id           TEXT NOT NULL,
		data         TEXT NOT NULL,  -- full record JSON
		updated_at   TEXT NOT NULL,
		PRIMARY KEY (workspace_id, entity_type, id)
	);

	-- Durable offline mutation log. Drained oldest-first by the sync engine.
	CREATE TABLE IF NOT EXISTS mutation_queue (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		idempotency_key TEXT NOT NULL UNIQUE,
		operation       TEXT NOT NULL,  -- create, update, delete
		entity_type     TEXT NOT NULL,
		entity_id       TEXT,           -- NULL for creates
		payload         TEXT,           -- mutation JSON
		workspace_id    TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		retry_count     INTEGER NOT NULL DEFAULT 0,
		last_error      TEXT,
		status          TEXT NOT NULL DEFAULT 'pending'  -- pending, failed
	);

	-- Per-type pull bounds.
	CREATE TABLE IF NOT EXISTS sync_meta (
		workspace_id        TEXT NOT NULL,
		entity_type         TEXT NOT NULL,
		last_sync_timestamp TEXT NOT NULL,
		PRIMARY KEY (workspace_id, entity_type)
	);

	-- Shadow index of rows with an outstanding queued mutation. The
	-- snapshot columns hold the last confirmed row so a terminally failed
	-- update or delete can be rolled back without waiting on a pull
	-- (incremental pulls by contract omit unchanged server rows). NULL for
	-- creates and for rows that had never been cached.
	CREATE TABLE IF NOT EXISTS provisional (
		workspace_id        TEXT NOT NULL,
		entity_type         TEXT NOT NULL,
		entity_id           TEXT NOT NULL,
		queue_entry_id      INTEGER NOT NULL,
		snapshot            TEXT,
		snapshot_updated_at TEXT,
		PRIMARY KEY (workspace_id, entity_type, entity_id)
	);

	CREATE INDEX IF NOT EXISTS idx_entities_type
	    ON entities(workspace_id, entity_type);
	CREATE INDEX IF NOT EXISTS idx_queue_drain
	    ON mutation_queue(workspace_id, status, created_at);
	CREATE INDEX IF NOT EXISTS idx_provisional_queue
	    ON provisional(queue_entry_id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// UpsertRecord inserts or updates a cached record.
func (s *Store) UpsertRecord(ctx context.Context, workspaceID string, entityType inventory.EntityType, rec inventory.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record is missing an id")
	}

	query := `
	INSERT INTO entities (workspace_id, entity_type, id, data, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(workspace_id, entity_type, id) DO UPDATE SET
		data = excluded.data,
		updated_at = excluded.updated_at
	`

	_, err := s.conn.ExecContext(ctx, query,
		workspaceID,
		string(entityType),
		rec.ID,
		string(rec.Data),
		rec.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s record %s: %w", entityType, rec.ID, err)
	}
	return nil
}

// DeleteRecord removes a cached record.
// Returns nil if the record doesn't exist (idempotent).
func (s *Store) DeleteRecord(ctx context.Context, workspaceID string, entityType inventory.EntityType, id string) error {
	query := `DELETE FROM entities WHERE workspace_id = ? AND entity_type = ? AND id = ?`
	if _, err := s.conn.ExecContext(ctx, query, workspaceID, string(entityType), id); err != nil {
		return fmt.Errorf("failed to delete %s record %s: %w", entityType, id, err)
	}
	return nil
}

// GetRecord retrieves a single cached record by id.
// Returns sql.ErrNoRows if the record is not cached.
func (s *Store) GetRecord(ctx context.Context, workspaceID string, entityType inventory.EntityType, id string) (inventory.Record, error) {
	query := `
	SELECT id, data, updated_at FROM entities
	WHERE workspace_id = ? AND entity_type = ? AND id = ?
	`
	row := s.conn.QueryRowContext(ctx, query, workspaceID, string(entityType), id)
	return scanRecord(row)
}

// ListRecords returns every cached record of the given type, ordered by id
// for deterministic output. The read is synchronous and never touches the
// network; callers wanting stale-while-revalidate semantics go through the
// sync engine's Read, which layers the background refresh on top.
func (s *Store) ListRecords(ctx context.Context, workspaceID string, entityType inventory.EntityType) ([]inventory.Record, error) {
	query := `
	SELECT id, data, updated_at FROM entities
	WHERE workspace_id = ? AND entity_type = ?
	ORDER BY id ASC
	`
	rows, err := s.conn.QueryContext(ctx, query, workspaceID, string(entityType))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s records: %w", entityType, err)
	}
	defer rows.Close()

	var records []inventory.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s records: %w", entityType, err)
	}
	return records, nil
}

// CountRecords returns the number of cached records of the given type.
func (s *Store) CountRecords(ctx context.Context, workspaceID string, entityType inventory.EntityType) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE workspace_id = ? AND entity_type = ?`,
		workspaceID, string(entityType)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s records: %w", entityType, err)
	}
	return count, nil
}

// ApplyPull merges authoritative server records into the cache.
//
// Rows for which skip returns true are left untouched: the sync engine
// passes a predicate matching rows with an outstanding queued mutation, so
// a pull never silently overwrites an optimistic edit. When full is true
// the pull replaces the confirmed set: cached rows absent from records are
// deleted unless skipped. Incremental pulls only upsert.
//
// The merge runs in one transaction; a failed pull leaves the cache
// untouched (fail-open to stale-but-available content).
func (s *Store) ApplyPull(ctx context.Context, workspaceID string, entityType inventory.EntityType, records []inventory.Record, full bool, skip func(id string) bool) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if full {
		pulled := make(map[string]bool, len(records))
		for _, rec := range records {
			pulled[rec.ID] = true
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM entities WHERE workspace_id = ? AND entity_type = ?`,
			workspaceID, string(entityType))
		if err != nil {
			return fmt.Errorf("failed to list cached ids: %w", err)
		}
		var obsolete []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan cached id: %w", err)
			}
			if !pulled[id] && (skip == nil || !skip(id)) {
				obsolete = append(obsolete, id)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("error iterating cached ids: %w", err)
		}
		rows.Close()

		for _, id := range obsolete {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM entities WHERE workspace_id = ? AND entity_type = ? AND id = ?`,
				workspaceID, string(entityType), id); err != nil {
				return fmt.Errorf("failed to prune %s record %s: %w", entityType, id, err)
			}
		}
	}

	upsert := `
	INSERT INTO entities (workspace_id, entity_type, id, data, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(workspace_id, entity_type, id) DO UPDATE SET
		data = excluded.data,
		updated_at = excluded.updated_at
	`
	for _, rec := range records {
		if skip != nil && skip(rec.ID) {
			continue
		}
		if _, err := tx.ExecContext(ctx, upsert,
			workspaceID, string(entityType), rec.ID,
			string(rec.Data), rec.UpdatedAt.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("failed to upsert pulled %s record %s: %w", entityType, rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pull: %w", err)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for scanRecord.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (inventory.Record, error) {
	var rec inventory.Record
	var data, updatedAt string

	if err := row.Scan(&rec.ID, &data, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return inventory.Record{}, err
		}
		return inventory.Record{}, fmt.Errorf("failed to scan record: %w", err)
	}

	rec.Data = []byte(data)
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = t
	}
	return rec, nil
}
