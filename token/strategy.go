package token

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/arloliu/cqlwire/host"
)

// Replication strategy class names.
const (
	simpleStrategy     = "SimpleStrategy"
	networkTopology    = "NetworkTopologyStrategy"
	localStrategy      = "LocalStrategy"
	everywhereStrategy = "EverywhereStrategy"
	strategyPackage    = "org.apache.cassandra.locator."
)

// Strategy computes the replicas of a ring position.
type Strategy interface {
	// Key identifies equivalent strategies so replica tables can be shared
	// between keyspaces.
	Key() string

	replicas(r *ring, start int) []*host.Host
}

// SimpleStrategy places replicas on the next distinct hosts clockwise.
type SimpleStrategy struct {
	ReplicationFactor int
}

// Key implements Strategy.
func (s SimpleStrategy) Key() string {
	return fmt.Sprintf("%s:%d", simpleStrategy, s.ReplicationFactor)
}

func (s SimpleStrategy) replicas(r *ring, start int) []*host.Host {
	rf := min(s.ReplicationFactor, r.hostCount)
	out := make([]*host.Host, 0, rf)
	for i := 0; i < len(r.entries) && len(out) < rf; i++ {
		h := r.entries[(start+i)%len(r.entries)].host
		if !slices.Contains(out, h) {
			out = append(out, h)
		}
	}

	return out
}

// NetworkTopologyStrategy places ReplicationFactors[dc] replicas in every
// datacenter, spreading them over distinct racks first.
type NetworkTopologyStrategy struct {
	ReplicationFactors map[string]int
}

// Key implements Strategy.
func (s NetworkTopologyStrategy) Key() string {
	dcs := slices.Sorted(maps.Keys(s.ReplicationFactors))
	var b strings.Builder
	b.WriteString(networkTopology)
	for _, dc := range dcs {
		fmt.Fprintf(&b, ":%s=%d", dc, s.ReplicationFactors[dc])
	}

	return b.String()
}

type dcReplicas struct {
	want      int
	got       int
	racks     int
	seenRacks map[string]struct{}
	skipped   []*host.Host
}

func (s NetworkTopologyStrategy) replicas(r *ring, start int) []*host.Host {
	dcs := make(map[string]*dcReplicas, len(s.ReplicationFactors))
	total := 0
	for dc, rf := range s.ReplicationFactors {
		want := min(rf, r.dcHosts[dc])
		if want <= 0 {
			continue
		}
		dcs[dc] = &dcReplicas{want: want, racks: r.dcRacks[dc], seenRacks: make(map[string]struct{})}
		total += want
	}

	out := make([]*host.Host, 0, total)
	seen := make(map[*host.Host]struct{}, total)
	for i := 0; i < len(r.entries) && len(out) < total; i++ {
		h := r.entries[(start+i)%len(r.entries)].host
		if _, dup := seen[h]; dup {
			continue
		}
		dc, ok := dcs[h.Datacenter()]
		if !ok || dc.got >= dc.want {
			continue
		}
		seen[h] = struct{}{}

		if _, rackSeen := dc.seenRacks[h.Rack()]; !rackSeen {
			dc.seenRacks[h.Rack()] = struct{}{}
			out = append(out, h)
			dc.got++
			// Once every rack holds a replica, hosts skipped for sharing a
			// rack become eligible in ring order.
			if len(dc.seenRacks) == dc.racks {
				for len(dc.skipped) > 0 && dc.got < dc.want {
					out = append(out, dc.skipped[0])
					dc.skipped = dc.skipped[1:]
					dc.got++
				}
			}
			continue
		}

		if len(dc.seenRacks) == dc.racks {
			out = append(out, h)
			dc.got++
		} else {
			dc.skipped = append(dc.skipped, h)
		}
	}

	return out
}

// EverywhereStrategy replicates to every host.
type EverywhereStrategy struct{}

// Key implements Strategy.
func (EverywhereStrategy) Key() string { return everywhereStrategy }

func (EverywhereStrategy) replicas(r *ring, start int) []*host.Host {
	return SimpleStrategy{ReplicationFactor: r.hostCount}.replicas(r, start)
}

// LocalStrategy keeps data on the coordinator only, so there are no
// meaningful replicas to route to.
type LocalStrategy struct{}

// Key implements Strategy.
func (LocalStrategy) Key() string { return localStrategy }

func (LocalStrategy) replicas(*ring, int) []*host.Host { return nil }

var errNoClass = errors.New("cqlwire: replication map has no class")

// ParseStrategy parses the replication column of system_schema.keyspaces.
//
// Parameters:
//   - replication: Map with a "class" entry plus strategy options
//
// Returns:
//   - Strategy: The parsed strategy, nil for unknown classes
//   - error: Error if the map is malformed
func ParseStrategy(replication map[string]string) (Strategy, error) {
	class, ok := replication["class"]
	if !ok {
		return nil, errNoClass
	}

	switch strings.TrimPrefix(class, strategyPackage) {
	case simpleStrategy:
		rf, err := parseRF(replication["replication_factor"])
		if err != nil {
			return nil, err
		}
		return SimpleStrategy{ReplicationFactor: rf}, nil
	case networkTopology:
		factors := make(map[string]int, len(replication))
		for k, v := range replication {
			if k == "class" {
				continue
			}
			rf, err := parseRF(v)
			if err != nil {
				return nil, fmt.Errorf("cqlwire: datacenter %s: %w", k, err)
			}
			factors[k] = rf
		}
		return NetworkTopologyStrategy{ReplicationFactors: factors}, nil
	case localStrategy:
		return LocalStrategy{}, nil
	case everywhereStrategy:
		return EverywhereStrategy{}, nil
	}

	return nil, nil
}

// parseRF accepts plain factors and the "3/1" form that adds transient
// replicas; only full replicas count.
func parseRF(s string) (int, error) {
	full, _, _ := strings.Cut(s, "/")
	rf, err := strconv.Atoi(strings.TrimSpace(full))
	if err != nil || rf < 0 {
		return 0, fmt.Errorf("cqlwire: invalid replication factor %q", s)
	}

	return rf, nil
}
