package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/packrat-app/packrat/internal/inventory"
	"github.com/packrat-app/packrat/internal/queue"
)

// debounceInterval batches rapid writes to the same inbox file so a
// half-written batch isn't parsed mid-copy.
const debounceInterval = 500 * time.Millisecond

// rejectedSuffix marks inbox files that failed to parse. They are kept
// for inspection instead of deleted.
const rejectedSuffix = ".rejected"

// BatchMutation is one mutation in a scanner inbox batch file.
type BatchMutation struct {
	Operation  inventory.Operation  `json:"operation"`
	EntityType inventory.EntityType `json:"entityType"`
	EntityID   string               `json:"entityId,omitempty"`
	Payload    json.RawMessage      `json:"payload"`
}

// Batch is the scanner inbox file format: a list of mutations produced by
// an external capture tool (barcode scanner, bulk import).
type Batch struct {
	Mutations []BatchMutation `json:"mutations"`
}

// mutationEnqueuer is the slice of the sync engine the inbox needs.
type mutationEnqueuer interface {
	EnqueueMutation(ctx context.Context, op inventory.Operation, entityType inventory.EntityType, entityID string, payload json.RawMessage) (*queue.Entry, error)
}

// Inbox watches a directory for mutation batch files and feeds them into
// the engine's queue. Successfully ingested files are removed; malformed
// files are renamed with a .rejected suffix.
type Inbox struct {
	engine  mutationEnqueuer
	dir     string
	logger  *log.Logger
	watcher *fsnotify.Watcher

	pendingMu sync.Mutex
	pending   map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewInbox creates an inbox watcher over dir, creating it if needed.
func NewInbox(eng mutationEnqueuer, dir string, logger *log.Logger) (*Inbox, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if dir == "" {
		return nil, fmt.Errorf("inbox directory cannot be empty")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[inbox] ", log.LstdFlags)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create inbox directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Inbox{
		engine:  eng,
		dir:     dir,
		logger:  logger,
		watcher: watcher,
		pending: make(map[string]time.Time),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start ingests any files already sitting in the inbox, then begins
// watching for new ones.
func (in *Inbox) Start() error {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return fmt.Errorf("failed to read inbox: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isBatchFile(entry.Name()) {
			continue
		}
		in.ingest(filepath.Join(in.dir, entry.Name()))
	}

	if err := in.watcher.Add(in.dir); err != nil {
		return fmt.Errorf("failed to watch inbox directory: %w", err)
	}

	in.wg.Add(2)
	go in.watchEvents()
	go in.processPending()
	return nil
}

// Stop halts watching and waits for in-flight ingestion to finish.
func (in *Inbox) Stop() error {
	in.cancel()
	if err := in.watcher.Close(); err != nil {
		in.logger.Printf("Error closing watcher: %v", err)
	}
	in.wg.Wait()
	return nil
}

// watchEvents queues batch file events for debounced processing.
func (in *Inbox) watchEvents() {
	defer in.wg.Done()

	for {
		select {
		case <-in.ctx.Done():
			return

		case event, ok := <-in.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isBatchFile(event.Name) {
				continue
			}
			in.pendingMu.Lock()
			in.pending[event.Name] = time.Now()
			in.pendingMu.Unlock()

		case err, ok := <-in.watcher.Errors:
			if !ok {
				return
			}
			in.logger.Printf("Watcher error: %v", err)
		}
	}
}

// processPending ingests files whose last write settled past the
// debounce interval.
func (in *Inbox) processPending() {
	defer in.wg.Done()

	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-in.ctx.Done():
			return

		case <-ticker.C:
			now := time.Now()
			var ready []string

			in.pendingMu.Lock()
			for path, queuedAt := range in.pending {
				if now.Sub(queuedAt) < debounceInterval {
					continue
				}
				ready = append(ready, path)
				delete(in.pending, path)
			}
			in.pendingMu.Unlock()

			for _, path := range ready {
				in.ingest(path)
			}
		}
	}
}

// ingest parses one batch file and enqueues its mutations.
func (in *Inbox) ingest(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		in.logger.Printf("Error reading %s: %v", path, err)
		return
	}

	var batch Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		in.reject(path, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if len(batch.Mutations) == 0 {
		in.reject(path, fmt.Errorf("batch has no mutations"))
		return
	}

	// Validate the whole batch up front: a bad mutation rejects the file
	// before anything is queued, so a partial batch never reaches the
	// server.
	for i, m := range batch.Mutations {
		if err := validateBatchMutation(m); err != nil {
			in.reject(path, fmt.Errorf("mutation %d: %w", i, err))
			return
		}
	}

	ctx, cancel := context.WithTimeout(in.ctx, 30*time.Second)
	defer cancel()

	total := len(batch.Mutations)
	for len(batch.Mutations) > 0 {
		m := batch.Mutations[0]
		if _, err := in.engine.EnqueueMutation(ctx, m.Operation, m.EntityType, m.EntityID, m.Payload); err != nil {
			// Enqueue is durable per mutation, so the file is rewritten to
			// just its un-ingested tail before the retry: replaying the
			// head would enqueue duplicates under fresh idempotency keys.
			in.logger.Printf("Error queueing mutation %d of %s: %v", total-len(batch.Mutations), path, err)
			in.rewriteTail(path, batch)
			return
		}
		batch.Mutations = batch.Mutations[1:]
	}

	if err := os.Remove(path); err != nil {
		in.logger.Printf("Warning: failed to remove ingested file %s: %v", path, err)
		return
	}
	in.logger.Printf("Ingested %d mutations from %s", total, filepath.Base(path))
}

// rewriteTail replaces the batch file with its remaining mutations. The
// write lands a watcher event, so the tail is retried after the debounce.
func (in *Inbox) rewriteTail(path string, batch Batch) {
	data, err := json.Marshal(batch)
	if err != nil {
		in.logger.Printf("Warning: failed to marshal remaining batch for %s: %v", path, err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		in.logger.Printf("Warning: failed to rewrite %s: %v", path, err)
	}
}

// validateBatchMutation mirrors the queue's enqueue validation so a bad
// mutation is caught before any part of its batch is queued.
func validateBatchMutation(m BatchMutation) error {
	if !m.Operation.Valid() {
		return fmt.Errorf("invalid operation %q", m.Operation)
	}
	if !m.EntityType.Valid() {
		return fmt.Errorf("invalid entity type %q", m.EntityType)
	}
	if m.Operation != inventory.OpCreate && m.EntityID == "" {
		return fmt.Errorf("%s requires an entity id", m.Operation)
	}
	return nil
}

// reject renames a malformed file out of the watch set.
func (in *Inbox) reject(path string, cause error) {
	in.logger.Printf("Rejecting %s: %v", path, cause)
	if err := os.Rename(path, path+rejectedSuffix); err != nil {
		in.logger.Printf("Warning: failed to rename rejected file %s: %v", path, err)
	}
}

// isBatchFile reports whether the path names an ingestible batch file.
func isBatchFile(path string) bool {
	return filepath.Ext(path) == ".json" && !strings.HasSuffix(path, rejectedSuffix)
}
