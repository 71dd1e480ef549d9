package token

import (
	"slices"
	"sync"

	"github.com/arloliu/cqlwire/host"
)

type ringEntry struct {
	token Token
	host  *host.Host
}

type ring struct {
	entries   []ringEntry
	hostCount int
	dcHosts   map[string]int
	dcRacks   map[string]int
}

// primary returns the index of the first entry whose token is >= t,
// wrapping to 0.
func (r *ring) primary(t Token) int {
	i, _ := slices.BinarySearchFunc(r.entries, t, func(e ringEntry, t Token) int {
		switch {
		case e.token < t:
			return -1
		case e.token > t:
			return 1
		}
		return 0
	})
	if i >= len(r.entries) {
		return 0
	}

	return i
}

type replicaTable struct {
	once     sync.Once
	replicas [][]*host.Host
}

// Map is an immutable token ring plus keyspace replication. Replica lists
// are computed once per distinct strategy on first use.
type Map struct {
	partitioner Partitioner
	ring        ring
	keyspaces   map[string]Strategy
	tables      sync.Map // strategy key -> *replicaTable
}

// NewMap builds a token map. Hosts whose tokens fail to parse are left off
// the ring and reported in the error slice.
//
// Parameters:
//   - p: Partitioner of the cluster
//   - hosts: Hosts with their tokens
//   - keyspaces: Replication strategy per keyspace
//
// Returns:
//   - *Map: The token map
//   - []error: Token parse errors, one per offending host
func NewMap(p Partitioner, hosts []*host.Host, keyspaces map[string]Strategy) (*Map, []error) {
	m := &Map{
		partitioner: p,
		keyspaces:   keyspaces,
		ring: ring{
			dcHosts: make(map[string]int),
			dcRacks: make(map[string]int),
		},
	}

	var errs []error
	racks := make(map[[2]string]struct{})
	for _, h := range hosts {
		tokens := make([]ringEntry, 0, len(h.Tokens()))
		var parseErr error
		for _, s := range h.Tokens() {
			t, err := p.Parse(s)
			if err != nil {
				parseErr = err
				break
			}
			tokens = append(tokens, ringEntry{token: t, host: h})
		}
		if parseErr != nil {
			errs = append(errs, parseErr)
			continue
		}
		if len(tokens) == 0 {
			continue
		}

		m.ring.entries = append(m.ring.entries, tokens...)
		m.ring.hostCount++
		m.ring.dcHosts[h.Datacenter()]++
		rack := [2]string{h.Datacenter(), h.Rack()}
		if _, ok := racks[rack]; !ok {
			racks[rack] = struct{}{}
			m.ring.dcRacks[h.Datacenter()]++
		}
	}
	slices.SortStableFunc(m.ring.entries, func(a, b ringEntry) int {
		switch {
		case a.token < b.token:
			return -1
		case a.token > b.token:
			return 1
		}
		return 0
	})

	return m, errs
}

// Partitioner returns the partitioner of the map.
func (m *Map) Partitioner() Partitioner { return m.partitioner }

// Len returns the number of tokens on the ring.
func (m *Map) Len() int { return len(m.ring.entries) }

// Strategy returns the replication strategy of a keyspace.
func (m *Map) Strategy(keyspace string) (Strategy, bool) {
	s, ok := m.keyspaces[keyspace]
	return s, ok && s != nil
}

// Replicas returns the replicas of token t in keyspace, in strategy order.
// The result is shared and must not be modified. It is nil when the
// keyspace is unknown or the ring is empty.
//
// Parameters:
//   - keyspace: Keyspace whose replication applies
//   - t: Token to locate
//
// Returns:
//   - []*host.Host: Replica hosts
func (m *Map) Replicas(keyspace string, t Token) []*host.Host {
	strategy, ok := m.Strategy(keyspace)
	if !ok || len(m.ring.entries) == 0 {
		return nil
	}

	v, _ := m.tables.LoadOrStore(strategy.Key(), &replicaTable{})
	table := v.(*replicaTable)
	table.once.Do(func() {
		table.replicas = make([][]*host.Host, len(m.ring.entries))
		for i := range m.ring.entries {
			table.replicas[i] = strategy.replicas(&m.ring, i)
		}
	})

	return table.replicas[m.ring.primary(t)]
}

// ReplicasForKey hashes a routing key and returns its replicas.
//
// Parameters:
//   - keyspace: Keyspace whose replication applies
//   - routingKey: Serialized partition key, see RoutingKey
//
// Returns:
//   - []*host.Host: Replica hosts
func (m *Map) ReplicasForKey(keyspace string, routingKey []byte) []*host.Host {
	return m.Replicas(keyspace, m.partitioner.Hash(routingKey))
}
