package topology

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/arloliu/cqlwire/host"
)

// DrainConfig names the datacenters and hosts that must receive no traffic.
//
// This is the JSON structure operations teams PUT to the KV store to
// signal maintenance:
//
//	{"datacenters": ["dc2"], "hosts": ["10.0.0.7"], "reason": "OS patching"}
type DrainConfig struct {
	// Datacenters lists datacenters to drain by name.
	Datacenters []string `json:"datacenters,omitempty"`

	// Hosts lists hosts to drain by address ("10.0.0.7" or
	// "10.0.0.7:9042") or host id.
	Hosts []string `json:"hosts,omitempty"`

	// Reason is a human-readable explanation for the drain.
	// Example: "OS Patching", "Scaling", "Upgrade to v4.1"
	Reason string `json:"reason,omitempty"`
}

// IsEmpty reports whether nothing is drained.
func (d DrainConfig) IsEmpty() bool {
	return len(d.Datacenters) == 0 && len(d.Hosts) == 0
}

// Drains reports whether h is drained by its datacenter, address or id.
//
// Parameters:
//   - h: The host to check
//
// Returns:
//   - bool: true if h must be ignored
func (d DrainConfig) Drains(h *host.Host) bool {
	if slices.Contains(d.Datacenters, h.Datacenter()) {
		return true
	}
	for _, entry := range d.Hosts {
		switch entry {
		case h.Addr().String(), h.Addr().Addr().String(), h.ID().String():
			return true
		}
	}

	return false
}

// Equal reports whether d and other drain the same datacenters and hosts
// for the same reason. Order does not matter.
func (d DrainConfig) Equal(other DrainConfig) bool {
	return d.Reason == other.Reason &&
		sameSet(d.Datacenters, other.Datacenters) &&
		sameSet(d.Hosts, other.Hosts)
}

func sameSet(a, b []string) bool {
	a, b = slices.Clone(a), slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)

	return slices.Equal(slices.Compact(a), slices.Compact(b))
}

// normalized returns a copy with trimmed, sorted and deduplicated entries.
func (d DrainConfig) normalized() DrainConfig {
	clean := func(in []string) []string {
		out := make([]string, 0, len(in))
		for _, s := range in {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		slices.Sort(out)

		return slices.Compact(out)
	}

	return DrainConfig{Datacenters: clean(d.Datacenters), Hosts: clean(d.Hosts), Reason: d.Reason}
}

// DrainWatcher observes an external source of drain configuration.
type DrainWatcher interface {
	// Watch returns a channel carrying the full configuration after every
	// change. The channel is closed when the watcher is closed or ctx is
	// done.
	Watch(ctx context.Context) <-chan DrainConfig

	// Drain returns the current configuration.
	Drain() DrainConfig

	Close() error
}

// offer sends cfg, dropping the oldest pending update when the channel is
// full. Every update carries the full state, so only the latest matters.
func offer(ch chan DrainConfig, cfg DrainConfig) {
	for {
		select {
		case ch <- cfg:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// WatcherConfig holds configuration for drain watchers.
type WatcherConfig struct {
	// Key is the NATS KV key to watch for drain configuration.
	// Default: "cqlwire.topology.drain"
	Key string

	// PollInterval is the fallback polling interval if watch fails.
	// Default: 5 seconds
	PollInterval time.Duration

	// InitialFetchTimeout is the timeout for the initial KV fetch.
	// Default: 10 seconds
	InitialFetchTimeout time.Duration
}

// DefaultWatcherConfig returns a WatcherConfig with sensible defaults.
//
// Returns:
//   - WatcherConfig: Default configuration
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		Key:                 "cqlwire.topology.drain",
		PollInterval:        5 * time.Second,
		InitialFetchTimeout: 10 * time.Second,
	}
}

// WatcherOption configures a drain watcher.
type WatcherOption func(*WatcherConfig)

// WithKey sets the NATS KV key to watch.
//
// Parameters:
//   - key: The key name (e.g., "storage.topology.maintenance")
//
// Returns:
//   - WatcherOption: Configuration option
func WithKey(key string) WatcherOption {
	return func(c *WatcherConfig) {
		c.Key = key
	}
}

// WithPollInterval sets the fallback polling interval.
//
// If the NATS watch fails or disconnects, the watcher falls back to
// polling at this interval.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(c *WatcherConfig) {
		c.PollInterval = d
	}
}

// WithInitialFetchTimeout sets the timeout for the initial KV fetch.
func WithInitialFetchTimeout(d time.Duration) WatcherOption {
	return func(c *WatcherConfig) {
		c.InitialFetchTimeout = d
	}
}
