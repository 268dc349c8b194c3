// Package netmon tracks server reachability. It polls a probe on an
// interval, exposes the current state, and fires callbacks on
// transitions so the daemon can drain the queue and refresh the cache
// the moment connectivity returns.
package netmon

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// DefaultInterval is the probe cadence when none is configured.
const DefaultInterval = 15 * time.Second

// probeTimeout bounds a single reachability check.
const probeTimeout = 5 * time.Second

// Probe checks server reachability; nil means reachable.
type Probe func(ctx context.Context) error

// Monitor polls connectivity and reports transitions.
type Monitor struct {
	probe    Probe
	interval time.Duration
	logger   *log.Logger

	// onOnline and onOffline fire on transitions, not on every probe.
	onOnline  func(ctx context.Context)
	onOffline func()

	mu         sync.RWMutex
	online     bool
	wasOffline bool
	lastCheck  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options configures New.
type Options struct {
	// Interval between probes. Defaults to DefaultInterval.
	Interval time.Duration
	// OnOnline fires on the offline-to-online transition.
	OnOnline func(ctx context.Context)
	// OnOffline fires on the online-to-offline transition.
	OnOffline func()
	// Logger defaults to a stderr logger.
	Logger *log.Logger
}

// New creates a Monitor around the probe. The monitor starts in the
// offline state until the first probe succeeds; call Start to begin
// polling.
func New(probe Probe, opts *Options) *Monitor {
	if opts == nil {
		opts = &Options{}
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[netmon] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Monitor{
		probe:     probe,
		interval:  interval,
		logger:    logger,
		onOnline:  opts.OnOnline,
		onOffline: opts.OnOffline,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start probes once immediately, then polls on the interval.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		m.check()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.check()
			}
		}
	}()
}

// Stop halts polling and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Check probes immediately, outside the polling cadence, and returns the
// resulting state. Used before user-initiated syncs.
func (m *Monitor) Check() bool {
	return m.check()
}

func (m *Monitor) check() bool {
	ctx, cancel := context.WithTimeout(m.ctx, probeTimeout)
	err := m.probe(ctx)
	cancel()

	now := time.Now()
	online := err == nil

	m.mu.Lock()
	was := m.online
	m.online = online
	m.lastCheck = now
	if was && !online {
		m.wasOffline = true
	}
	m.mu.Unlock()

	switch {
	case online && !was:
		m.logger.Printf("Server reachable")
		if m.onOnline != nil {
			m.onOnline(m.ctx)
		}
	case !online && was:
		m.logger.Printf("Server unreachable: %v", err)
		if m.onOffline != nil {
			m.onOffline()
		}
	}

	return online
}

// Online reports the most recently probed state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// LastCheck returns when the state was last probed.
func (m *Monitor) LastCheck() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastCheck
}

// WasOffline reports whether connectivity dropped at any point since the
// flag was last cleared. The UI uses it to show a back-online notice.
func (m *Monitor) WasOffline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.wasOffline
}

// ClearWasOffline resets the WasOffline flag.
func (m *Monitor) ClearWasOffline() {
	m.mu.Lock()
	m.wasOffline = false
	m.mu.Unlock()
}
