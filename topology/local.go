package topology

import (
	"context"
	"sync"
)

// Local provides an in-memory drain watcher for testing.
//
// Unlike NATS, this implementation allows programmatic control
// of drain states, making it ideal for unit tests and demos.
type Local struct {
	drain DrainConfig
	mu    sync.RWMutex

	updates       chan DrainConfig
	done          chan struct{}
	closed        bool
	updatesClosed bool
}

var _ DrainWatcher = (*Local)(nil)

// NewLocal creates a new in-memory drain watcher.
//
// Returns:
//   - *Local: A new local watcher
func NewLocal() *Local {
	return &Local{
		updates: make(chan DrainConfig, 10),
		done:    make(chan struct{}),
	}
}

// Watch returns a channel that receives drain snapshots.
//
// Updates are emitted when SetDrain or Clear changes the state. The
// channel is closed when Close() is called or the context is cancelled.
//
// Multiple calls to Watch return the same channel; only the first call's
// context controls the watch lifecycle.
//
// Parameters:
//   - ctx: Context for cancellation (only used on first call)
//
// Returns:
//   - <-chan DrainConfig: Channel of drain snapshots
func (l *Local) Watch(ctx context.Context) <-chan DrainConfig {
	go l.waitForClose(ctx)
	return l.updates
}

// SetDrain replaces the drain configuration.
//
// A snapshot is emitted only if the configuration changed.
//
// Parameters:
//   - ctx: Accepted for parity with remote operators; unused
//   - cfg: The new configuration
//
// Returns:
//   - error: Always nil for local implementation
func (l *Local) SetDrain(_ context.Context, cfg DrainConfig) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || l.updatesClosed {
		return nil
	}

	cfg = cfg.normalized()
	if cfg.IsEmpty() {
		cfg.Reason = ""
	}
	if cfg.Equal(l.drain) {
		return nil
	}

	l.drain = cfg
	offer(l.updates, cfg)

	return nil
}

// Clear removes every drain.
func (l *Local) Clear(ctx context.Context) error {
	return l.SetDrain(ctx, DrainConfig{})
}

// Drain returns the current drain configuration.
func (l *Local) Drain() DrainConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.drain
}

// Close stops the watcher and releases resources.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true
	close(l.done)

	return nil
}

// waitForClose waits for context cancellation or close signal.
func (l *Local) waitForClose(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-l.done:
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.updatesClosed {
		l.updatesClosed = true
		close(l.updates)
	}
}
