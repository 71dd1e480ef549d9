package host

import (
	"fmt"
	"net/netip"
	"sync"
)

// Distance tells how close a host is to the client. It drives pool sizing:
// Local hosts get the most connections, Ignored hosts get none.
type Distance int8

const (
	Local Distance = iota
	Remote
	Ignored
)

// String returns the distance name.
func (d Distance) String() string {
	switch d {
	case Local:
		return "LOCAL"
	case Remote:
		return "REMOTE"
	case Ignored:
		return "IGNORED"
	}

	return fmt.Sprintf("Distance(%d)", int8(d))
}

// Closest returns the nearer of two distances.
func Closest(a, b Distance) Distance {
	return min(a, b)
}

// DistanceCache memoizes a distance function per host set version. Entries
// are dropped whenever a different set version is queried or Invalidate is
// called.
type DistanceCache struct {
	mu      sync.Mutex
	version uint64
	values  map[netip.AddrPort]Distance
}

// Get returns the memoized distance of h within set, computing it with fn
// on a miss.
//
// Parameters:
//   - set: Snapshot h belongs to
//   - h: Host to classify
//   - fn: Pure distance function
//
// Returns:
//   - Distance: The memoized distance
func (c *DistanceCache) Get(set *Set, h *Host, fn func(*Host) Distance) Distance {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.values == nil || c.version != set.Version() {
		c.values = make(map[netip.AddrPort]Distance, set.Len())
		c.version = set.Version()
	}
	if d, ok := c.values[h.Addr()]; ok {
		return d
	}

	d := fn(h)
	c.values[h.Addr()] = d

	return d
}

// Invalidate drops every memoized distance.
func (c *DistanceCache) Invalidate() {
	c.mu.Lock()
	c.values = nil
	c.mu.Unlock()
}
