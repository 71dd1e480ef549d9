package policy

import (
	"time"

	"github.com/arloliu/cqlwire/host"
	"github.com/arloliu/cqlwire/token"
)

// Statement is the view of a statement that policies need.
type Statement interface {
	// Keyspace returns the keyspace the statement targets, or "" for the
	// session keyspace.
	Keyspace() string

	// RoutingKey returns the serialized partition key, or nil if unknown.
	RoutingKey() []byte

	// IsIdempotent reports whether the statement may be applied twice.
	IsIdempotent() bool
}

// ClusterView is the read-only cluster state policies are initialized with.
type ClusterView interface {
	// Hosts returns the current host snapshot.
	Hosts() *host.Set

	// TokenMap returns the current token map, or nil when token awareness
	// is unavailable.
	TokenMap() *token.Map

	// LocalDatacenter returns the datacenter of the first host the driver
	// connected to.
	LocalDatacenter() string
}

// QueryPlan is a lazy sequence of hosts to try for one logical execution.
// A plan is consumed by a single execution but may be read from several
// goroutines when speculative attempts run; implementations are safe for
// concurrent use.
type QueryPlan interface {
	// Next returns the next host, or nil once the plan is exhausted.
	Next() *host.Host
}

// AttemptObserver is implemented by plans that learn from the outcome of
// the attempts they scheduled.
type AttemptObserver interface {
	ObserveAttempt(h *host.Host, latency time.Duration, err error)
}

// ObserveAttempt reports an attempt outcome to plan if it observes them.
//
// Parameters:
//   - plan: Plan that produced h
//   - h: Host the attempt ran on
//   - latency: Attempt duration
//   - err: Attempt error, nil on success
func ObserveAttempt(plan QueryPlan, h *host.Host, latency time.Duration, err error) {
	if o, ok := plan.(AttemptObserver); ok {
		o.ObserveAttempt(h, latency, err)
	}
}

// Drain collects the remaining hosts of a plan.
func Drain(plan QueryPlan) []*host.Host {
	var hosts []*host.Host
	for h := plan.Next(); h != nil; h = plan.Next() {
		hosts = append(hosts, h)
	}

	return hosts
}
