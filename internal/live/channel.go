// Package live maintains the real-time WebSocket channel to the inventory
// server. One Channel serves one workspace; incoming events are merged
// straight into the local entity store and fanned out to subscribers.
//
// The channel is a cache-coherence optimization, not a correctness
// requirement: a dropped connection degrades freshness only, and the
// reconnect handler catches up with a full pull to cover the gap.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/packrat-app/packrat/internal/inventory"
	"github.com/packrat-app/packrat/internal/store"
)

// EventKind classifies a server push.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

// Event is one server push on the live channel.
type Event struct {
	Kind        EventKind            `json:"type"`
	EntityType  inventory.EntityType `json:"entityType"`
	EntityID    string               `json:"entityId"`
	WorkspaceID string               `json:"workspaceId"`
	UserID      string               `json:"userId,omitempty"`
	Timestamp   time.Time            `json:"timestamp"`
	Data        json.RawMessage      `json:"data,omitempty"`
}

// Handler merges one event into local state. Returning an error logs it;
// event processing continues either way.
type Handler func(ctx context.Context, ev Event) error

// handlerKey routes an event to its merge handler.
type handlerKey struct {
	entityType inventory.EntityType
	kind       EventKind
}

const (
	// reconnectBase is the first backoff delay after a drop.
	reconnectBase = time.Second
	// reconnectCap bounds the backoff growth.
	reconnectCap = 30 * time.Second
	// subscriberBuffer is the per-subscriber event buffer. A slow
	// subscriber drops events rather than stalling the merge loop.
	subscriberBuffer = 64
)

// Channel is the live connection for one workspace.
type Channel struct {
	url         string
	workspaceID string
	token       func() string
	logger      *log.Logger

	// onConnect runs after each successful (re)connect, before events
	// flow. The daemon wires a full pull here to cover the offline gap.
	onConnect func(ctx context.Context)

	mu          sync.RWMutex
	handlers    map[handlerKey]Handler
	subscribers map[chan Event]bool
	connected   bool
	lastErr     error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options configures NewChannel.
type Options struct {
	// Token supplies the bearer credential for the dial. Optional.
	Token func() string
	// OnConnect runs after each successful (re)connect. Optional.
	OnConnect func(ctx context.Context)
	// Logger defaults to a stderr logger.
	Logger *log.Logger
}

// NewChannel creates a live channel for the workspace. url is the full
// WebSocket endpoint (ws:// or wss://). The channel does not connect
// until Start.
func NewChannel(url, workspaceID string, opts *Options) *Channel {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[live] ", log.LstdFlags)
	}
	token := opts.Token
	if token == nil {
		token = func() string { return "" }
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Channel{
		url:         url,
		workspaceID: workspaceID,
		token:       token,
		logger:      logger,
		onConnect:   opts.OnConnect,
		handlers:    make(map[handlerKey]Handler),
		subscribers: make(map[chan Event]bool),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Handle registers the merge handler for an (entity type, event kind)
// pair, replacing any previous handler for the pair.
func (c *Channel) Handle(entityType inventory.EntityType, kind EventKind, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[handlerKey{entityType, kind}] = h
}

// RegisterStoreHandlers installs the default merge handlers for every
// entity type: created and updated events upsert the pushed record,
// deleted events remove it. Rows with an outstanding queued mutation are
// left alone; they reconcile through the queue.
func (c *Channel) RegisterStoreHandlers(st *store.Store) {
	for _, entityType := range inventory.EntityTypes() {
		et := entityType
		upsert := func(ctx context.Context, ev Event) error {
			provisional, err := st.IsProvisional(ctx, c.workspaceID, et, ev.EntityID)
			if err != nil {
				return err
			}
			if provisional {
				return nil
			}
			rec, err := inventory.DecodeRecord(ev.Data)
			if err != nil {
				return err
			}
			return st.UpsertRecord(ctx, c.workspaceID, et, rec)
		}
		c.Handle(et, EventCreated, upsert)
		c.Handle(et, EventUpdated, upsert)
		c.Handle(et, EventDeleted, func(ctx context.Context, ev Event) error {
			provisional, err := st.IsProvisional(ctx, c.workspaceID, et, ev.EntityID)
			if err != nil {
				return err
			}
			if provisional {
				return nil
			}
			return st.DeleteRecord(ctx, c.workspaceID, et, ev.EntityID)
		})
	}
}

// Subscribe returns a channel of merged events. Events are delivered
// after their store merge. The returned cancel func must be called to
// release the subscription.
func (c *Channel) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	c.mu.Lock()
	c.subscribers[ch] = true
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		if c.subscribers[ch] {
			delete(c.subscribers, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

// Start launches the connect/read loop. It returns immediately; use
// IsConnected to observe state.
func (c *Channel) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop tears the channel down and waits for the loop to exit.
func (c *Channel) Stop() {
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	for ch := range c.subscribers {
		delete(c.subscribers, ch)
		close(ch)
	}
	c.mu.Unlock()
}

// IsConnected reports whether the channel currently has a live socket.
func (c *Channel) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Err returns the most recent connection error, or nil.
func (c *Channel) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// run is the connect loop: dial, read until failure, back off, repeat.
func (c *Channel) run() {
	defer c.wg.Done()

	delay := reconnectBase
	for {
		if c.ctx.Err() != nil {
			return
		}

		err := c.connectAndRead()
		c.setConnected(false, err)
		if c.ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Printf("Connection lost: %v (retrying in %s)", err, delay)
		}

		// Jittered exponential backoff, capped.
		jitter := time.Duration(rand.Int63n(int64(delay) / 2))
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay + jitter):
		}
		delay *= 2
		if delay > reconnectCap {
			delay = reconnectCap
		}
	}
}

func (c *Channel) connectAndRead() error {
	dialCtx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	opts := &websocket.DialOptions{}
	if tok := c.token(); tok != "" {
		opts.HTTPHeader = map[string][]string{
			"Authorization": {"Bearer " + tok},
		}
	}
	conn, _, err := websocket.Dial(dialCtx, c.url, opts)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c.setConnected(true, nil)
	c.logger.Printf("Connected to %s", c.url)

	if c.onConnect != nil {
		c.onConnect(c.ctx)
	}

	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			return err
		}
		c.dispatch(data)
	}
}

// dispatch parses one frame and routes it to its merge handler and
// subscribers. Malformed frames and events for other workspaces are
// dropped.
func (c *Channel) dispatch(data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Printf("Warning: dropping malformed event: %v", err)
		return
	}
	if ev.WorkspaceID != "" && ev.WorkspaceID != c.workspaceID {
		return
	}

	c.mu.RLock()
	handler := c.handlers[handlerKey{ev.EntityType, ev.Kind}]
	c.mu.RUnlock()

	if handler != nil {
		ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
		if err := handler(ctx, ev); err != nil {
			c.logger.Printf("Warning: merge of %s %s %s failed: %v", ev.Kind, ev.EntityType, ev.EntityID, err)
		}
		cancel()
	}

	c.mu.RLock()
	for ch := range c.subscribers {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; drop rather than stall the read loop.
		}
	}
	c.mu.RUnlock()
}

func (c *Channel) setConnected(connected bool, err error) {
	c.mu.Lock()
	c.connected = connected
	if err != nil {
		c.lastErr = err
	} else if connected {
		c.lastErr = nil
	}
	c.mu.Unlock()
}
