package cqlwire

import (
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/arloliu/cqlwire/types"
)

type preparedKey struct {
	keyspace string
	cql      string
}

func (k preparedKey) String() string {
	return k.keyspace + "\x00" + k.cql
}

func newPreparedKey(keyspace, cql string) preparedKey {
	return preparedKey{keyspace: keyspace, cql: strings.TrimSpace(cql)}
}

// preparedSnapshot is an immutable view of the cache. Writers copy it and
// publish the copy.
type preparedSnapshot struct {
	entries map[preparedKey]*PreparedStatement
	byID    map[string]*PreparedStatement
}

func (s *preparedSnapshot) clone() *preparedSnapshot {
	return &preparedSnapshot{
		entries: maps.Clone(s.entries),
		byID:    maps.Clone(s.byID),
	}
}

// preparedCache holds every statement prepared by a session. It grows
// without bound; each multiple of the warning threshold logs once.
type preparedCache struct {
	snap atomic.Pointer[preparedSnapshot]
	// serializes writers
	mu sync.Mutex

	group singleflight.Group

	warnThreshold int
	// highest threshold multiple already warned about
	warnedAt int

	logger  types.Logger
	metrics types.MetricsCollector
}

func newPreparedCache(warnThreshold int, logger types.Logger, metrics types.MetricsCollector) *preparedCache {
	c := &preparedCache{
		warnThreshold: warnThreshold,
		logger:        logger,
		metrics:       metrics,
	}
	c.snap.Store(&preparedSnapshot{
		entries: make(map[preparedKey]*PreparedStatement),
		byID:    make(map[string]*PreparedStatement),
	})

	return c
}

func (c *preparedCache) get(key preparedKey) (*PreparedStatement, bool) {
	p, ok := c.snap.Load().entries[key]

	return p, ok
}

func (c *preparedCache) byPreparedID(id []byte) (*PreparedStatement, bool) {
	p, ok := c.snap.Load().byID[string(id)]

	return p, ok
}

func (c *preparedCache) put(key preparedKey, p *PreparedStatement) {
	c.mu.Lock()
	next := c.snap.Load().clone()
	next.entries[key] = p
	next.byID[string(p.ID())] = p
	c.snap.Store(next)

	size := len(next.entries)
	warn := false
	if c.warnThreshold > 0 {
		// k is the number of threshold multiples the size has exceeded.
		if k := (size - 1) / c.warnThreshold; k > c.warnedAt {
			c.warnedAt = k
			warn = true
		}
	}
	c.mu.Unlock()

	c.metrics.SetPreparedCacheSize(size)
	if warn {
		c.logger.Warn("prepared statement cache is large; statements may be prepared with inlined values",
			"size", size, "threshold", c.warnThreshold)
	}
}

// reindex records a new server id of p after it was prepared again.
func (c *preparedCache) reindex(oldID []byte, p *PreparedStatement) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.snap.Load().clone()
	if next.byID[string(oldID)] == p {
		delete(next.byID, string(oldID))
	}
	next.byID[string(p.ID())] = p
	c.snap.Store(next)
}

func (c *preparedCache) all() []*PreparedStatement {
	return slices.Collect(maps.Values(c.snap.Load().entries))
}

func (c *preparedCache) len() int {
	return len(c.snap.Load().entries)
}
