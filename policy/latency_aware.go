package policy

import (
	"time"

	"github.com/arloliu/cqlwire/host"
)

// LatencyAware demotes hosts whose latency breaker is open to the end of
// the child's plans. Demoted hosts are still tried once every healthy host
// failed.
type LatencyAware struct {
	child   LoadBalancingPolicy
	breaker *LatencyCircuitBreaker
}

var _ LoadBalancingPolicy = (*LatencyAware)(nil)

// NewLatencyAware wraps child with latency based demotion.
//
// Parameters:
//   - child: Policy producing the base plan
//   - breaker: Breaker fed with attempt outcomes, nil for the defaults
//
// Returns:
//   - *LatencyAware: A new policy
func NewLatencyAware(child LoadBalancingPolicy, breaker *LatencyCircuitBreaker) *LatencyAware {
	if breaker == nil {
		breaker = NewLatencyCircuitBreaker()
	}

	return &LatencyAware{child: child, breaker: breaker}
}

// Breaker returns the breaker the policy feeds.
func (p *LatencyAware) Breaker() *LatencyCircuitBreaker { return p.breaker }

// Init implements LoadBalancingPolicy.
func (p *LatencyAware) Init(view ClusterView) { p.child.Init(view) }

// Distance delegates to the child policy.
func (p *LatencyAware) Distance(h *host.Host) host.Distance { return p.child.Distance(h) }

// NewQueryPlan yields the child plan with open-breaker hosts moved last.
func (p *LatencyAware) NewQueryPlan(keyspace string, stmt Statement) QueryPlan {
	childPlan := p.child.NewQueryPlan(keyspace, stmt)
	var demoted []*host.Host
	exhausted := false

	plan := &latencyAwarePlan{child: childPlan, breaker: p.breaker}
	plan.lockedPlan = newPlan(func() *host.Host {
		for !exhausted {
			h := childPlan.Next()
			if h == nil {
				exhausted = true
				break
			}
			if p.breaker.IsOpen(h.Addr().String()) {
				demoted = append(demoted, h)
				continue
			}

			return h
		}
		if len(demoted) == 0 {
			return nil
		}
		h := demoted[0]
		demoted = demoted[1:]

		return h
	})

	return plan
}

type latencyAwarePlan struct {
	*lockedPlan
	child   QueryPlan
	breaker *LatencyCircuitBreaker
}

// ObserveAttempt feeds the breaker and forwards to the child plan.
func (p *latencyAwarePlan) ObserveAttempt(h *host.Host, latency time.Duration, err error) {
	p.breaker.RecordAttempt(h.Addr().String(), latency, err)
	ObserveAttempt(p.child, h, latency, err)
}
