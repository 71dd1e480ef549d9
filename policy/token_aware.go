package policy

import (
	"math/rand/v2"
	"slices"
	"time"

	"github.com/arloliu/cqlwire/host"
)

// TokenAware routes statements with a routing key to their replicas first
// and defers to a child policy for everything else.
//
// Example:
//
//	lb := policy.NewTokenAware(policy.NewDCAwareRoundRobin(
//	    policy.WithLocalDatacenter("dc1"),
//	))
type TokenAware struct {
	child   LoadBalancingPolicy
	shuffle bool
	view    ClusterView
}

var _ LoadBalancingPolicy = (*TokenAware)(nil)

// TokenAwareOption configures a TokenAware policy.
type TokenAwareOption func(*TokenAware)

// WithShuffleReplicas randomizes the order of the replicas of a key, which
// spreads load on hot partitions at the cost of cache locality.
//
// Returns:
//   - TokenAwareOption: Configuration option
func WithShuffleReplicas() TokenAwareOption {
	return func(p *TokenAware) {
		p.shuffle = true
	}
}

// NewTokenAware wraps child with replica-first routing.
//
// Parameters:
//   - child: Policy used for distances and for non-replica hosts
//   - opts: Optional configuration options
//
// Returns:
//   - *TokenAware: A new policy
func NewTokenAware(child LoadBalancingPolicy, opts ...TokenAwareOption) *TokenAware {
	p := &TokenAware{child: child}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Init implements LoadBalancingPolicy.
func (p *TokenAware) Init(view ClusterView) {
	p.view = view
	p.child.Init(view)
}

// Distance delegates to the child policy.
func (p *TokenAware) Distance(h *host.Host) host.Distance {
	return p.child.Distance(h)
}

// NewQueryPlan yields the live local replicas of the routing key in replica
// order, then the child plan without the hosts already yielded.
func (p *TokenAware) NewQueryPlan(keyspace string, stmt Statement) QueryPlan {
	childPlan := p.child.NewQueryPlan(keyspace, stmt)
	if stmt == nil {
		return childPlan
	}
	routingKey := stmt.RoutingKey()
	if ks := stmt.Keyspace(); ks != "" {
		keyspace = ks
	}
	tm := p.view.TokenMap()
	if routingKey == nil || keyspace == "" || tm == nil {
		return childPlan
	}

	replicas := tm.ReplicasForKey(keyspace, routingKey)
	if len(replicas) == 0 {
		return childPlan
	}
	if p.shuffle {
		replicas = append([]*host.Host(nil), replicas...)
		rand.Shuffle(len(replicas), func(i, j int) {
			replicas[i], replicas[j] = replicas[j], replicas[i]
		})
	}

	plan := &tokenAwarePlan{child: childPlan}
	i := 0
	plan.lockedPlan = newPlan(func() *host.Host {
		for i < len(replicas) {
			h := replicas[i]
			i++
			if h.IsUp() && p.child.Distance(h) == host.Local {
				plan.yielded = append(plan.yielded, h)
				return h
			}
		}
		for h := childPlan.Next(); h != nil; h = childPlan.Next() {
			if !plan.wasYielded(h) {
				return h
			}
		}

		return nil
	})

	return plan
}

type tokenAwarePlan struct {
	*lockedPlan
	child   QueryPlan
	yielded []*host.Host
}

func (p *tokenAwarePlan) wasYielded(h *host.Host) bool {
	return slices.ContainsFunc(p.yielded, func(y *host.Host) bool { return y.Addr() == h.Addr() })
}

// ObserveAttempt forwards outcomes to the child plan.
func (p *tokenAwarePlan) ObserveAttempt(h *host.Host, latency time.Duration, err error) {
	ObserveAttempt(p.child, h, latency, err)
}
