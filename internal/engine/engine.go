// Package engine implements the sync engine: it drains the durable
// mutation queue against the server (push), refreshes the local entity
// store from the server (pull), and owns the retry and single-flight
// discipline between them.
//
// One Engine serves one workspace. Engines are held in a process-wide
// Registry keyed by workspace id, created on first use and torn down on
// workspace switch or logout.
//
// The engine runs no timers of its own: drains happen only on external
// triggers — an explicit "sync now", a connectivity-online transition from
// the network monitor, or the daemon's periodic tick. This bounds
// background CPU and network use while the app is idle.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/packrat-app/packrat/internal/api"
	"github.com/packrat-app/packrat/internal/inventory"
	"github.com/packrat-app/packrat/internal/queue"
	"github.com/packrat-app/packrat/internal/search"
	"github.com/packrat-app/packrat/internal/store"
	"golang.org/x/sync/singleflight"
)

// tempIDPrefix marks locally assigned ids on optimistic create rows. The
// server-assigned id replaces it when the create is confirmed.
const tempIDPrefix = "local-"

// refreshTimeout bounds the background stale-while-revalidate refresh.
const refreshTimeout = 30 * time.Second

// Result summarizes one FullSync.
type Result struct {
	Pushed int `json:"pushed"`
	Pulled int `json:"pulled"`
	Failed int `json:"failed"`
}

// Engine synchronizes one workspace's local cache with the server.
type Engine struct {
	workspaceID string
	store       *store.Store
	queue       *queue.Queue
	client      api.Client
	search      *search.Builder
	logger      *log.Logger

	// online reports current connectivity; wired to the network monitor
	// by the daemon. Read uses it to decide whether a background refresh
	// is worth attempting.
	online func() bool

	// drains collapse into the in-flight run rather than queueing a
	// second pass.
	group singleflight.Group
}

// Options configures New.
type Options struct {
	// Online reports connectivity. Defaults to always-online.
	Online func() bool
	// Logger for engine activity. Defaults to a stderr logger.
	Logger *log.Logger
}

// New creates an Engine for the workspace.
//
// The store must be opened and its schema initialized. The search builder
// may be nil when offline search is not wanted (the daemon always passes
// one).
func New(workspaceID string, st *store.Store, q *queue.Queue, client api.Client, sb *search.Builder, opts *Options) (*Engine, error) {
	if workspaceID == "" {
		return nil, fmt.Errorf("workspace id is required")
	}
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	online := opts.Online
	if online == nil {
		online = func() bool { return true }
	}

	return &Engine{
		workspaceID: workspaceID,
		store:       st,
		queue:       q,
		client:      client,
		search:      sb,
		logger:      logger,
		online:      online,
	}, nil
}

// WorkspaceID returns the workspace this engine serves.
func (e *Engine) WorkspaceID() string {
	return e.workspaceID
}

// Store returns the engine's local entity store.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Queue returns the engine's mutation queue.
func (e *Engine) Queue() *queue.Queue {
	return e.queue
}

// SearchBuilder returns the engine's search index builder (may be nil).
func (e *Engine) SearchBuilder() *search.Builder {
	return e.search
}

// EnqueueMutation durably queues a mutation, then applies the optimistic
// patch to the local store.
//
// Ordering matters: the queue entry is persisted and awaited before the
// cache is touched, so a crash between the two never leaves an optimistic
// change without a durable record behind it. If persistence fails the
// call rejects and no patch is applied.
//
// For creates the cached row gets a temporary "local-" id that the drain
// swaps for the server-assigned id on confirmation.
func (e *Engine) EnqueueMutation(ctx context.Context, op inventory.Operation, entityType inventory.EntityType, entityID string, payload json.RawMessage) (*queue.Entry, error) {
	entry, err := e.queue.Enqueue(ctx, op, entityType, entityID, payload, e.workspaceID)
	if err != nil {
		return nil, err
	}

	if err := e.applyOptimistic(ctx, entry); err != nil {
		// The durable record exists; the cache patch is best-effort and
		// reconciles on the next pull either way.
		e.logger.Printf("Warning: optimistic patch for entry %d failed: %v", entry.ID, err)
	}
	return entry, nil
}

// applyOptimistic patches the cache to reflect a just-queued mutation and
// marks the touched row in the provisional shadow index. For updates and
// deletes the pre-mutation row rides along as the mark's snapshot so a
// terminal failure can restore it.
func (e *Engine) applyOptimistic(ctx context.Context, entry *queue.Entry) error {
	switch entry.Operation {
	case inventory.OpCreate:
		tempID := tempIDPrefix + uuid.NewString()
		data, err := withID(entry.Payload, tempID)
		if err != nil {
			return err
		}
		rec := inventory.Record{ID: tempID, UpdatedAt: entry.CreatedAt, Data: data}
		if err := e.store.UpsertRecord(ctx, e.workspaceID, entry.EntityType, rec); err != nil {
			return err
		}
		return e.store.MarkProvisional(ctx, e.workspaceID, entry.EntityType, tempID, entry.ID, nil)

	case inventory.OpUpdate:
		snapshot := e.cachedSnapshot(ctx, entry)
		merged, err := e.mergedUpdate(entry, snapshot)
		if err != nil {
			return err
		}
		if err := e.store.UpsertRecord(ctx, e.workspaceID, entry.EntityType, merged); err != nil {
			return err
		}
		return e.store.MarkProvisional(ctx, e.workspaceID, entry.EntityType, entry.EntityID, entry.ID, snapshot)

	case inventory.OpDelete:
		snapshot := e.cachedSnapshot(ctx, entry)
		if err := e.store.DeleteRecord(ctx, e.workspaceID, entry.EntityType, entry.EntityID); err != nil {
			return err
		}
		// The tombstone mark keeps a pull from resurrecting the row
		// while the delete is in flight.
		return e.store.MarkProvisional(ctx, e.workspaceID, entry.EntityType, entry.EntityID, entry.ID, snapshot)

	default:
		return fmt.Errorf("unknown operation %q", entry.Operation)
	}
}

// cachedSnapshot returns the cached row the entry is about to mutate, or
// nil when the entity was never cached.
func (e *Engine) cachedSnapshot(ctx context.Context, entry *queue.Entry) *inventory.Record {
	cached, err := e.store.GetRecord(ctx, e.workspaceID, entry.EntityType, entry.EntityID)
	if err != nil {
		return nil
	}
	return &cached
}

// mergedUpdate overlays the update payload onto the cached row so the
// optimistic view keeps fields the patch didn't touch.
func (e *Engine) mergedUpdate(entry *queue.Entry, cached *inventory.Record) (inventory.Record, error) {
	base := map[string]any{}
	if cached != nil {
		if err := json.Unmarshal(cached.Data, &base); err != nil {
			base = map[string]any{}
		}
	}

	var patch map[string]any
	if err := json.Unmarshal(entry.Payload, &patch); err != nil {
		return inventory.Record{}, fmt.Errorf("failed to parse update payload: %w", err)
	}
	for k, v := range patch {
		base[k] = v
	}
	base["id"] = entry.EntityID

	data, err := json.Marshal(base)
	if err != nil {
		return inventory.Record{}, fmt.Errorf("failed to build optimistic row: %w", err)
	}
	return inventory.Record{ID: entry.EntityID, UpdatedAt: entry.CreatedAt, Data: data}, nil
}

// ProcessQueue drains the workspace's pending mutations oldest-first.
//
// Concurrent calls join the in-flight drain (single-flight) so each entry
// is sent to the server exactly once per pass. A transient failure stops
// the pass — younger mutations are never pushed past a still-pending
// older one — while a permanent failure rolls back that entry's
// optimistic patch and continues.
func (e *Engine) ProcessQueue(ctx context.Context) (pushed, failed int, err error) {
	type drainCounts struct{ pushed, failed int }

	v, err, _ := e.group.Do("drain", func() (any, error) {
		var counts drainCounts
		err := e.drain(ctx, &counts.pushed, &counts.failed)
		return counts, err
	})

	counts := v.(drainCounts)
	return counts.pushed, counts.failed, err
}

func (e *Engine) drain(ctx context.Context, pushed, failed *int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		entry, err := e.queue.DequeueNext(ctx, e.workspaceID)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) {
				return nil
			}
			return fmt.Errorf("failed to dequeue: %w", err)
		}

		pushErr := e.push(ctx, entry)
		if pushErr == nil {
			if err := e.queue.MarkComplete(ctx, entry.ID); err != nil {
				return err
			}
			*pushed++
			continue
		}

		switch api.Classify(pushErr) {
		case api.ClassPermanent:
			e.logger.Printf("Entry %d (%s %s) permanently rejected: %v", entry.ID, entry.Operation, entry.EntityType, pushErr)
			if err := e.rollbackOptimistic(ctx, entry); err != nil {
				e.logger.Printf("Warning: rollback for entry %d failed: %v", entry.ID, err)
			}
			if err := e.queue.FailPermanently(ctx, entry.ID, pushErr); err != nil {
				return err
			}
			*failed++

		default: // transient
			e.logger.Printf("Entry %d (%s %s) failed transiently (attempt %d): %v", entry.ID, entry.Operation, entry.EntityType, entry.RetryCount+1, pushErr)
			if err := e.queue.MarkFailed(ctx, entry.ID, pushErr); err != nil {
				return err
			}
			// Exhausting the budget collapses into the same terminal
			// state as a permanent rejection.
			if entry.RetryCount+1 >= queue.MaxRetries {
				if err := e.rollbackOptimistic(ctx, entry); err != nil {
					e.logger.Printf("Warning: rollback for entry %d failed: %v", entry.ID, err)
				}
				*failed++
				continue
			}
			// Entry stays pending; stop the pass so ordering holds and
			// retry on the next external trigger.
			return nil
		}
	}
}

// push issues the server call for one queue entry and reconciles the
// authoritative response into the local store.
func (e *Engine) push(ctx context.Context, entry *queue.Entry) error {
	switch entry.Operation {
	case inventory.OpCreate:
		rec, err := e.client.Create(ctx, entry.EntityType, entry.Payload, entry.IdempotencyKey)
		if err != nil {
			return err
		}
		return e.confirmCreate(ctx, entry, rec)

	case inventory.OpUpdate:
		rec, err := e.client.Update(ctx, entry.EntityType, entry.EntityID, entry.Payload)
		if err != nil {
			return err
		}
		if err := e.store.UpsertRecord(ctx, e.workspaceID, entry.EntityType, rec); err != nil {
			return err
		}
		return e.store.ClearProvisional(ctx, e.workspaceID, entry.EntityType, entry.EntityID)

	case inventory.OpDelete:
		if err := e.client.Delete(ctx, entry.EntityType, entry.EntityID); err != nil {
			return err
		}
		if err := e.store.DeleteRecord(ctx, e.workspaceID, entry.EntityType, entry.EntityID); err != nil {
			return err
		}
		return e.store.ClearProvisional(ctx, e.workspaceID, entry.EntityType, entry.EntityID)

	default:
		return &api.HTTPError{StatusCode: 400, Message: fmt.Sprintf("unknown operation %q", entry.Operation)}
	}
}

// confirmCreate swaps the optimistic temp row for the server's
// authoritative row.
func (e *Engine) confirmCreate(ctx context.Context, entry *queue.Entry, rec inventory.Record) error {
	tempID, err := e.store.ProvisionalByQueueEntry(ctx, e.workspaceID, entry.EntityType, entry.ID)
	if err != nil {
		return err
	}
	if tempID != "" {
		if err := e.store.DeleteRecord(ctx, e.workspaceID, entry.EntityType, tempID); err != nil {
			return err
		}
		if err := e.store.ClearProvisional(ctx, e.workspaceID, entry.EntityType, tempID); err != nil {
			return err
		}
	}
	return e.store.UpsertRecord(ctx, e.workspaceID, entry.EntityType, rec)
}

// rollbackOptimistic undoes a terminally failed entry's cache patch. Temp
// create rows are deleted outright; updated and deleted rows are reinstated
// from the snapshot captured at enqueue time. Waiting for a pull instead
// would strand the cache: incremental pulls bound by last-sync omit server
// rows the rejection left unchanged. Idempotent — a rollback that already
// ran (or a mark repointed at a newer entry) finds nothing and does
// nothing.
func (e *Engine) rollbackOptimistic(ctx context.Context, entry *queue.Entry) error {
	switch entry.Operation {
	case inventory.OpCreate:
		tempID, err := e.store.ProvisionalByQueueEntry(ctx, e.workspaceID, entry.EntityType, entry.ID)
		if err != nil {
			return err
		}
		if tempID != "" {
			if err := e.store.DeleteRecord(ctx, e.workspaceID, entry.EntityType, tempID); err != nil {
				return err
			}
		}

	case inventory.OpUpdate, inventory.OpDelete:
		entityID, err := e.store.ProvisionalByQueueEntry(ctx, e.workspaceID, entry.EntityType, entry.ID)
		if err != nil {
			return err
		}
		if entityID != "" {
			snapshot, err := e.store.ProvisionalSnapshot(ctx, entry.ID)
			if err != nil {
				return err
			}
			if snapshot != nil {
				if err := e.store.UpsertRecord(ctx, e.workspaceID, entry.EntityType, *snapshot); err != nil {
					return err
				}
			} else {
				// No snapshot means the entity was never cached; drop the
				// optimistic row rather than keep it as confirmed data.
				if err := e.store.DeleteRecord(ctx, e.workspaceID, entry.EntityType, entityID); err != nil {
					return err
				}
			}
		}
	}
	return e.store.ClearProvisionalByQueueEntry(ctx, entry.ID)
}

// PullAll refreshes every entity type from the server, incrementally when
// a last-sync bound exists.
//
// Rows with an outstanding queued mutation are skipped — a pull must
// never overwrite an optimistic edit; those rows reconcile when their
// queue entry completes or is discarded. A failed pull for one type never
// clears cached data and never blocks the other types.
func (e *Engine) PullAll(ctx context.Context) (int, error) {
	var pulled int
	var errs []error

	for _, entityType := range inventory.EntityTypes() {
		n, err := e.pullType(ctx, entityType)
		if err != nil {
			e.logger.Printf("Warning: pull of %s failed: %v", entityType, err)
			errs = append(errs, fmt.Errorf("%s: %w", entityType, err))
			continue
		}
		pulled += n
	}

	return pulled, errors.Join(errs...)
}

func (e *Engine) pullType(ctx context.Context, entityType inventory.EntityType) (int, error) {
	since, err := e.store.LastSync(ctx, e.workspaceID, entityType)
	if err != nil {
		return 0, err
	}

	res, err := e.client.List(ctx, entityType, since)
	if err != nil {
		return 0, err
	}

	provisional, err := e.store.ProvisionalIDs(ctx, e.workspaceID, entityType)
	if err != nil {
		return 0, err
	}
	skip := func(id string) bool {
		_, ok := provisional[id]
		return ok
	}

	full := since.IsZero()
	if err := e.store.ApplyPull(ctx, e.workspaceID, entityType, res.Records, full, skip); err != nil {
		return 0, err
	}
	if err := e.store.SetLastSync(ctx, e.workspaceID, entityType, res.SyncedAt); err != nil {
		return 0, err
	}
	e.store.ClearStale(e.workspaceID, entityType)
	return len(res.Records), nil
}

// FullSync pushes the queue, pulls every entity type, then rebuilds the
// search indices.
func (e *Engine) FullSync(ctx context.Context) (Result, error) {
	var result Result

	pushed, failed, pushErr := e.ProcessQueue(ctx)
	result.Pushed = pushed
	result.Failed = failed

	pulled, pullErr := e.PullAll(ctx)
	result.Pulled = pulled

	if e.search != nil && pullErr == nil {
		if err := e.search.BuildIndices(ctx); err != nil {
			e.logger.Printf("Warning: search index rebuild failed: %v", err)
		}
	}

	return result, errors.Join(pushErr, pullErr)
}

// Read returns the cached records for the type immediately
// (stale-while-revalidate). When online, a background refresh is kicked
// off without blocking the caller; the read is marked stale until a
// refresh succeeds, and a failed refresh never blanks existing data.
func (e *Engine) Read(ctx context.Context, entityType inventory.EntityType) ([]inventory.Record, error) {
	records, err := e.store.ListRecords(ctx, e.workspaceID, entityType)
	if err != nil {
		return nil, err
	}

	if e.online() {
		e.store.MarkStale(e.workspaceID, entityType)
		// Rapid reads of one type share a single in-flight refresh
		// instead of issuing one pull each.
		go e.group.Do("refresh:"+string(entityType), func() (any, error) {
			e.refresh(entityType)
			return nil, nil
		})
	}

	return records, nil
}

// refresh runs the background half of the stale-while-revalidate read.
// It detaches from the caller's context: the store is global, so the
// write still benefits other consumers even if the requester went away.
func (e *Engine) refresh(entityType inventory.EntityType) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	if _, err := e.pullType(ctx, entityType); err != nil {
		// Fail open: stale data stays served, stale flag stays set.
		e.logger.Printf("Warning: background refresh of %s failed: %v", entityType, err)
	}
}

// Stale reports whether reads of the type are currently served stale.
func (e *Engine) Stale(entityType inventory.EntityType) bool {
	return e.store.Stale(e.workspaceID, entityType)
}

// Ping checks server reachability through the API client.
func (e *Engine) Ping(ctx context.Context) error {
	return e.client.Ping(ctx)
}

// PendingCount returns the workspace's pending mutation count.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.queue.PendingCount(ctx, e.workspaceID)
}

// FailedCount returns the workspace's terminally failed mutation count.
func (e *Engine) FailedCount(ctx context.Context) (int, error) {
	return e.queue.FailedCount(ctx, e.workspaceID)
}

// FailedPresent reports the failed-entries-present side flag. It never
// blocks draining of still-pending entries.
func (e *Engine) FailedPresent(ctx context.Context) bool {
	n, err := e.queue.FailedCount(ctx, e.workspaceID)
	return err == nil && n > 0
}

// DiscardFailed removes one failed entry after rolling back whatever is
// left of its optimistic patch.
func (e *Engine) DiscardFailed(ctx context.Context, id int64) error {
	entry, err := e.queue.Get(ctx, id)
	if err != nil {
		return err
	}
	if entry.Status != queue.StatusFailed {
		return queue.ErrNotFound
	}
	if err := e.rollbackOptimistic(ctx, entry); err != nil {
		return err
	}
	return e.queue.Discard(ctx, id)
}

// DiscardAllFailed drops every failed entry in the workspace, rolling back
// each one's remaining optimistic patch. Returns the number of entries
// removed.
func (e *Engine) DiscardAllFailed(ctx context.Context) (int, error) {
	failed, err := e.queue.ListFailed(ctx, e.workspaceID)
	if err != nil {
		return 0, err
	}
	for _, entry := range failed {
		if err := e.rollbackOptimistic(ctx, entry); err != nil {
			return 0, err
		}
	}
	if err := e.queue.ClearFailed(ctx, e.workspaceID); err != nil {
		return 0, err
	}
	return len(failed), nil
}

// withID sets the id field on a JSON object payload.
func withID(payload json.RawMessage, id string) (json.RawMessage, error) {
	obj := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &obj); err != nil {
			return nil, fmt.Errorf("failed to parse create payload: %w", err)
		}
	}
	obj["id"] = id
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to build optimistic row: %w", err)
	}
	return data, nil
}
