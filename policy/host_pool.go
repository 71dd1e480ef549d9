package policy

import (
	"slices"
	"sync"
	"time"

	"github.com/hailocab/go-hostpool"

	"github.com/arloliu/cqlwire/host"
)

// HostPool picks the first host of every plan with an epsilon-greedy
// selector that favours hosts with the lowest recent latency, then falls
// back to the remaining live hosts.
//
// Attempt outcomes must be reported through the plan (see AttemptObserver)
// for the selector to learn; the request handler does this automatically.
type HostPool struct {
	decay time.Duration

	view ClusterView

	mu      sync.Mutex
	pool    hostpool.HostPool
	version uint64
	hosts   map[string]*host.Host
}

var _ LoadBalancingPolicy = (*HostPool)(nil)

// HostPoolOption configures a HostPool policy.
type HostPoolOption func(*HostPool)

// WithDecayDuration sets the window over which response times are weighted.
//
// Default: 5m
//
// Parameters:
//   - d: Decay duration
//
// Returns:
//   - HostPoolOption: Configuration option
func WithDecayDuration(d time.Duration) HostPoolOption {
	return func(p *HostPool) {
		p.decay = d
	}
}

// NewHostPool creates an epsilon-greedy host pool policy.
//
// Parameters:
//   - opts: Optional configuration options
//
// Returns:
//   - *HostPool: A new policy
func NewHostPool(opts ...HostPoolOption) *HostPool {
	p := &HostPool{decay: 5 * time.Minute}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Init implements LoadBalancingPolicy.
func (p *HostPool) Init(view ClusterView) {
	p.view = view
}

// Distance returns Local for every host.
func (p *HostPool) Distance(*host.Host) host.Distance { return host.Local }

// sync rebuilds the selector when the host set changed. The caller holds mu.
func (p *HostPool) sync(set *host.Set) {
	if p.pool != nil && p.version == set.Version() {
		return
	}

	p.hosts = make(map[string]*host.Host, set.Len())
	names := make([]string, 0, set.Len())
	for _, h := range set.All() {
		name := h.Addr().String()
		p.hosts[name] = h
		names = append(names, name)
	}
	slices.Sort(names)

	if p.pool == nil {
		p.pool = hostpool.NewEpsilonGreedy(names, p.decay, &hostpool.LinearEpsilonValueCalculator{})
	} else {
		p.pool.SetHosts(names)
	}
	p.version = set.Version()
}

// NewQueryPlan implements LoadBalancingPolicy.
func (p *HostPool) NewQueryPlan(string, Statement) QueryPlan {
	set := p.view.Hosts()

	p.mu.Lock()
	p.sync(set)
	var first *host.Host
	var resp hostpool.HostPoolResponse
	if set.Len() > 0 {
		resp = p.pool.Get()
		first = p.hosts[resp.Host()]
	}
	p.mu.Unlock()

	plan := &hostPoolPlan{first: first, resp: resp}
	rest := sliceGenerator(set.All(), 0, func(h *host.Host) bool { return h != first && h.IsUp() })
	yieldedFirst := false
	plan.lockedPlan = newPlan(func() *host.Host {
		if !yieldedFirst {
			yieldedFirst = true
			if first != nil && first.IsUp() {
				return first
			}
		}

		return rest()
	})

	return plan
}

type hostPoolPlan struct {
	*lockedPlan
	first *host.Host

	markOnce sync.Once
	resp     hostpool.HostPoolResponse
}

// ObserveAttempt marks the selected host with the attempt outcome.
func (p *hostPoolPlan) ObserveAttempt(h *host.Host, _ time.Duration, err error) {
	if p.resp == nil || h != p.first {
		return
	}
	p.markOnce.Do(func() { p.resp.Mark(err) })
}
