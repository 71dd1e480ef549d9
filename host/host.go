// Package host models the nodes of a Cassandra cluster as seen by the driver.
//
// A [Host] has immutable metadata (address, datacenter, rack, tokens) and an
// atomic up/down state. The set of known hosts is published as an immutable
// [Set] snapshot through a [Registry]; readers load the current snapshot
// without locking and never observe a partially updated set.
//
// Only the control connection replaces the snapshot. Other components read
// it and may flip the state of individual hosts.
package host

import (
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/google/uuid"
)

// State is the liveness state of a host.
type State int32

const (
	// StateUp means the host is believed reachable.
	StateUp State = iota
	// StateDown means the host failed and is being reconnected.
	StateDown
	// StateIgnored means the host is known but must never be queried.
	StateIgnored
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUp:
		return "UP"
	case StateDown:
		return "DOWN"
	case StateIgnored:
		return "IGNORED"
	}

	return fmt.Sprintf("State(%d)", int32(s))
}

// Info is the metadata of a host as read from system.local or system.peers.
type Info struct {
	ID             uuid.UUID
	Addr           netip.AddrPort
	Datacenter     string
	Rack           string
	ReleaseVersion string

	// Tokens are the partitioner tokens owned by the host, in string form.
	Tokens []string
}

// Host is one cluster node. Metadata never changes after creation; a refresh
// that sees different metadata publishes a new Host in a new Set.
type Host struct {
	info  Info
	state atomic.Int32
}

// New creates a host in the Up state.
//
// Parameters:
//   - info: Host metadata; the token slice is copied
//
// Returns:
//   - *Host: The new host
func New(info Info) *Host {
	info.Tokens = append([]string(nil), info.Tokens...)

	return &Host{info: info}
}

// ID returns the host id, or uuid.Nil for a contact point not yet refreshed.
func (h *Host) ID() uuid.UUID { return h.info.ID }

// Addr returns the native transport address.
func (h *Host) Addr() netip.AddrPort { return h.info.Addr }

// Datacenter returns the datacenter name.
func (h *Host) Datacenter() string { return h.info.Datacenter }

// Rack returns the rack name.
func (h *Host) Rack() string { return h.info.Rack }

// ReleaseVersion returns the Cassandra version reported by the host.
func (h *Host) ReleaseVersion() string { return h.info.ReleaseVersion }

// Tokens returns the tokens owned by the host. The slice must not be modified.
func (h *Host) Tokens() []string { return h.info.Tokens }

// Info returns a copy of the host metadata.
func (h *Host) Info() Info {
	info := h.info
	info.Tokens = append([]string(nil), h.info.Tokens...)

	return info
}

// State returns the current liveness state.
func (h *Host) State() State { return State(h.state.Load()) }

// IsUp reports whether the host is in the Up state.
func (h *Host) IsUp() bool { return h.State() == StateUp }

// SetState changes the liveness state.
//
// Parameters:
//   - s: New state
//
// Returns:
//   - bool: true if the state changed
func (h *Host) SetState(s State) bool {
	return State(h.state.Swap(int32(s))) != s
}

// SameMetadata reports whether h and other describe the same node with the
// same placement. State is not compared.
func (h *Host) SameMetadata(other *Host) bool {
	a, b := h.info, other.info
	if a.ID != b.ID || a.Addr != b.Addr || a.Datacenter != b.Datacenter ||
		a.Rack != b.Rack || a.ReleaseVersion != b.ReleaseVersion || len(a.Tokens) != len(b.Tokens) {
		return false
	}
	for i := range a.Tokens {
		if a.Tokens[i] != b.Tokens[i] {
			return false
		}
	}

	return true
}

// String returns the host address.
func (h *Host) String() string {
	return h.info.Addr.String()
}
