package topology

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/cqlwire/internal/logging"
	"github.com/arloliu/cqlwire/types"
)

// NATS monitors a NATS KV bucket for drain configuration.
//
// It watches a configurable key and emits a DrainConfig snapshot whenever
// the drained datacenters or hosts change. This enables operations teams
// to move traffic away from nodes before maintenance.
//
// Watch() should be called once per instance. Subsequent calls return the
// same channel. The channel is closed when Close() is called or the context
// is cancelled.
type NATS struct {
	kv     jetstream.KeyValue
	config WatcherConfig
	logger types.Logger

	drain DrainConfig
	mu    sync.RWMutex

	// Lifecycle
	updates      chan DrainConfig
	done         chan struct{}
	closed       bool
	watchStarted bool
	closeOnce    sync.Once
}

var _ DrainWatcher = (*NATS)(nil)

// NewNATS creates a new NATS KV drain watcher.
//
// The watcher will begin monitoring the KV bucket for drain configuration
// when Watch() is called.
//
// Parameters:
//   - kv: A NATS JetStream KeyValue store
//   - opts: Optional configuration options
//
// Returns:
//   - *NATS: A new watcher instance
//   - error: Error if kv is nil
//
// Example:
//
//	nc, _ := nats.Connect("nats://localhost:4222")
//	js, _ := jetstream.New(nc)
//	kv, _ := js.KeyValue(ctx, "cqlwire-config")
//
//	watcher, _ := topology.NewNATS(kv,
//	    topology.WithKey("topology.drain"),
//	    topology.WithPollInterval(10*time.Second),
//	)
func NewNATS(kv jetstream.KeyValue, opts ...WatcherOption) (*NATS, error) {
	if kv == nil {
		return nil, errors.New("cqlwire/topology: KeyValue store is nil")
	}

	config := DefaultWatcherConfig()
	for _, opt := range opts {
		opt(&config)
	}

	return &NATS{
		kv:      kv,
		config:  config,
		logger:  logging.NewNopLogger(),
		updates: make(chan DrainConfig, 10),
		done:    make(chan struct{}),
	}, nil
}

// SetLogger sets the logger used to report malformed KV values.
func (n *NATS) SetLogger(logger types.Logger) {
	logger = logging.OrNop(logger)
	n.mu.Lock()
	n.logger = logger
	n.mu.Unlock()
}

// Watch returns a channel that receives drain snapshots.
//
// The watcher spawns a background goroutine that monitors the NATS KV key.
// The channel is closed when Close() is called or the context is cancelled.
// Multiple calls to Watch return the same channel; only the first call's
// context controls the watch lifecycle.
//
// Parameters:
//   - ctx: Context for cancellation (only used on first call)
//
// Returns:
//   - <-chan DrainConfig: Channel of drain snapshots
func (n *NATS) Watch(ctx context.Context) <-chan DrainConfig {
	n.mu.Lock()
	if n.watchStarted {
		n.mu.Unlock()

		return n.updates
	}
	n.watchStarted = true
	n.mu.Unlock()

	go n.watchLoop(ctx)

	return n.updates
}

// Close stops the watcher and releases resources.
//
// This method is safe to call multiple times.
func (n *NATS) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}

	n.closed = true
	close(n.done)

	return nil
}

// Drain returns the cached configuration from the last processed entry.
// It does not perform a live KV fetch.
func (n *NATS) Drain() DrainConfig {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.drain
}

// Config returns the watcher configuration.
//
// Returns:
//   - WatcherConfig: The current watcher configuration
func (n *NATS) Config() WatcherConfig {
	return n.config
}

// watchLoop is the main watch loop that monitors the NATS KV key.
func (n *NATS) watchLoop(ctx context.Context) {
	defer n.closeOnce.Do(func() { close(n.updates) })

	n.fetchAndEmit(ctx)

	watcher, err := n.kv.Watch(ctx, n.config.Key)
	if err != nil {
		n.pollLoop(ctx)
		return
	}
	defer func() { _ = watcher.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.done:
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				n.pollLoop(ctx)
				return
			}
			if entry == nil {
				// end of initial values
				continue
			}
			n.processEntry(entry)
		}
	}
}

// pollLoop is a fallback polling loop when watch fails.
func (n *NATS) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(n.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.done:
			return
		case <-ticker.C:
			n.fetchAndEmit(ctx)
		}
	}
}

// fetchAndEmit fetches the current KV value and emits it if changed.
func (n *NATS) fetchAndEmit(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, n.config.InitialFetchTimeout)
	defer cancel()

	entry, err := n.kv.Get(fetchCtx, n.config.Key)
	if err != nil {
		// missing key or unreachable bucket
		n.update(DrainConfig{})
		return
	}

	n.processEntry(entry)
}

func (n *NATS) processEntry(entry jetstream.KeyValueEntry) {
	if entry.Operation() == jetstream.KeyValueDelete || entry.Operation() == jetstream.KeyValuePurge {
		n.update(DrainConfig{})
		return
	}

	var cfg DrainConfig
	if err := json.Unmarshal(entry.Value(), &cfg); err != nil {
		n.mu.RLock()
		logger := n.logger
		n.mu.RUnlock()
		logger.Warn("invalid drain configuration, treating as no drain",
			"key", entry.Key(), "revision", entry.Revision(), "error", err)
		n.update(DrainConfig{})

		return
	}

	n.update(cfg)
}

// update stores cfg and emits it if it differs from the current state.
func (n *NATS) update(cfg DrainConfig) {
	cfg = cfg.normalized()
	if cfg.IsEmpty() {
		cfg.Reason = ""
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if cfg.Equal(n.drain) || n.closed {
		return
	}
	n.drain = cfg
	offer(n.updates, cfg)
}
