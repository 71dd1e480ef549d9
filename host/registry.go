package host

import (
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Set is an immutable snapshot of the known hosts. Hosts keep the order they
// were given in.
type Set struct {
	version uint64
	hosts   []*Host
	byAddr  map[netip.AddrPort]*Host
	byID    map[uuid.UUID]*Host
}

// NewSet builds a snapshot. Later hosts with a duplicate address are dropped.
//
// Parameters:
//   - version: Monotonic snapshot version
//   - hosts: Member hosts
//
// Returns:
//   - *Set: The snapshot
func NewSet(version uint64, hosts ...*Host) *Set {
	s := &Set{
		version: version,
		hosts:   make([]*Host, 0, len(hosts)),
		byAddr:  make(map[netip.AddrPort]*Host, len(hosts)),
		byID:    make(map[uuid.UUID]*Host, len(hosts)),
	}
	for _, h := range hosts {
		if _, dup := s.byAddr[h.Addr()]; dup {
			continue
		}
		s.hosts = append(s.hosts, h)
		s.byAddr[h.Addr()] = h
		if h.ID() != uuid.Nil {
			s.byID[h.ID()] = h
		}
	}

	return s
}

// Version returns the snapshot version.
func (s *Set) Version() uint64 { return s.version }

// Len returns the number of hosts.
func (s *Set) Len() int { return len(s.hosts) }

// All returns the hosts. The slice is shared and must not be modified.
func (s *Set) All() []*Host { return s.hosts }

// ByAddr looks a host up by native address.
func (s *Set) ByAddr(addr netip.AddrPort) (*Host, bool) {
	h, ok := s.byAddr[addr]
	return h, ok
}

// ByID looks a host up by host id.
func (s *Set) ByID(id uuid.UUID) (*Host, bool) {
	h, ok := s.byID[id]
	return h, ok
}

// ByIP looks a host up by IP address, ignoring the port. Events carry the
// broadcast address which may use a different port than the driver.
func (s *Set) ByIP(ip netip.Addr) (*Host, bool) {
	ip = ip.Unmap()
	for _, h := range s.hosts {
		if h.Addr().Addr().Unmap() == ip {
			return h, true
		}
	}

	return nil, false
}

// Datacenters returns the sorted distinct datacenter names.
func (s *Set) Datacenters() []string {
	var dcs []string
	for _, h := range s.hosts {
		if h.Datacenter() != "" && !slices.Contains(dcs, h.Datacenter()) {
			dcs = append(dcs, h.Datacenter())
		}
	}
	slices.Sort(dcs)

	return dcs
}

// Listener is called with the previous and the new snapshot after every
// replacement. It runs synchronously on the writer's goroutine, in
// publication order.
type Listener func(prev, next *Set)

// Registry publishes host Set snapshots. Reads are lock free; writes are
// serialized.
type Registry struct {
	current atomic.Pointer[Set]

	mu        sync.Mutex
	listeners map[int]Listener
	nextID    int
}

// NewRegistry creates a registry holding an empty set.
//
// Returns:
//   - *Registry: The registry
func NewRegistry() *Registry {
	r := &Registry{listeners: make(map[int]Listener)}
	r.current.Store(NewSet(0))

	return r
}

// Snapshot returns the current host set.
func (r *Registry) Snapshot() *Set {
	return r.current.Load()
}

// Replace publishes a new snapshot containing hosts and notifies listeners.
//
// Parameters:
//   - hosts: Complete new membership
//
// Returns:
//   - *Set: The published snapshot
func (r *Registry) Replace(hosts []*Host) *Set {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.current.Load()
	next := NewSet(prev.Version()+1, hosts...)
	r.current.Store(next)

	ids := make([]int, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		r.listeners[id](prev, next)
	}

	return next
}

// Subscribe registers fn for future replacements.
//
// Parameters:
//   - fn: Listener to add
//
// Returns:
//   - func(): Removes the listener
func (r *Registry) Subscribe(fn Listener) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}
