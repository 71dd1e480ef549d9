package policy

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/arloliu/cqlwire/host"
)

// LoadBalancingPolicy decides which hosts a request may use and in which
// order.
type LoadBalancingPolicy interface {
	// Init binds the policy to the cluster. It is called once before any
	// other method.
	Init(view ClusterView)

	// Distance classifies a host. It must be a pure function of the
	// current host set so callers can memoize it per snapshot.
	Distance(h *host.Host) host.Distance

	// NewQueryPlan returns the hosts to try for one execution. stmt may be
	// nil for internal requests.
	NewQueryPlan(keyspace string, stmt Statement) QueryPlan
}

// lockedPlan serializes a generator so the plan can be shared by the
// speculative attempts of one execution.
type lockedPlan struct {
	mu   sync.Mutex
	next func() *host.Host
	done bool
}

func newPlan(next func() *host.Host) *lockedPlan {
	return &lockedPlan{next: next}
}

func (p *lockedPlan) Next() *host.Host {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done {
		return nil
	}
	h := p.next()
	if h == nil {
		p.done = true
	}

	return h
}

// sliceGenerator yields hosts[offset:] then hosts[:offset], skipping hosts
// that keep returns false for.
func sliceGenerator(hosts []*host.Host, offset int, keep func(*host.Host) bool) func() *host.Host {
	i := 0
	return func() *host.Host {
		for i < len(hosts) {
			h := hosts[(offset+i)%len(hosts)]
			i++
			if keep(h) {
				return h
			}
		}

		return nil
	}
}

// SlicePlan returns a plan over a fixed host list.
//
// Parameters:
//   - hosts: Hosts in plan order
//
// Returns:
//   - QueryPlan: A plan yielding hosts once each
func SlicePlan(hosts ...*host.Host) QueryPlan {
	return newPlan(sliceGenerator(hosts, 0, func(*host.Host) bool { return true }))
}

// RoundRobin spreads requests evenly over every host, regardless of
// datacenter.
type RoundRobin struct {
	view    ClusterView
	counter atomic.Uint64
}

var _ LoadBalancingPolicy = (*RoundRobin)(nil)

// NewRoundRobin creates a round-robin policy.
//
// Returns:
//   - *RoundRobin: A new policy
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Init implements LoadBalancingPolicy.
func (p *RoundRobin) Init(view ClusterView) { p.view = view }

// Distance returns Local for every host.
func (p *RoundRobin) Distance(*host.Host) host.Distance { return host.Local }

// NewQueryPlan implements LoadBalancingPolicy.
func (p *RoundRobin) NewQueryPlan(string, Statement) QueryPlan {
	hosts := p.view.Hosts().All()
	if len(hosts) == 0 {
		return SlicePlan()
	}
	offset := int(p.counter.Add(1) % uint64(len(hosts)))

	return newPlan(sliceGenerator(hosts, offset, (*host.Host).IsUp))
}

// DCAwareRoundRobin prefers hosts of the local datacenter and falls back to
// a bounded number of hosts per remote datacenter.
type DCAwareRoundRobin struct {
	localDC        string
	remoteHostsPer int

	view      ClusterView
	counter   atomic.Uint64
	distances host.DistanceCache
}

var _ LoadBalancingPolicy = (*DCAwareRoundRobin)(nil)

// DCAwareOption configures a DCAwareRoundRobin policy.
type DCAwareOption func(*DCAwareRoundRobin)

// WithLocalDatacenter sets the local datacenter. When unset the datacenter
// of the first connected host is used.
//
// Parameters:
//   - dc: Datacenter name
//
// Returns:
//   - DCAwareOption: Configuration option
func WithLocalDatacenter(dc string) DCAwareOption {
	return func(p *DCAwareRoundRobin) {
		p.localDC = dc
	}
}

// WithUsedHostsPerRemoteDC sets how many hosts of each remote datacenter
// may be used once local hosts are exhausted.
//
// Default: 0 (remote datacenters are ignored)
//
// Parameters:
//   - n: Hosts per remote datacenter
//
// Returns:
//   - DCAwareOption: Configuration option
func WithUsedHostsPerRemoteDC(n int) DCAwareOption {
	return func(p *DCAwareRoundRobin) {
		p.remoteHostsPer = max(n, 0)
	}
}

// NewDCAwareRoundRobin creates a datacenter-aware round-robin policy.
//
// Parameters:
//   - opts: Optional configuration options
//
// Returns:
//   - *DCAwareRoundRobin: A new policy
func NewDCAwareRoundRobin(opts ...DCAwareOption) *DCAwareRoundRobin {
	p := &DCAwareRoundRobin{}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Init implements LoadBalancingPolicy.
func (p *DCAwareRoundRobin) Init(view ClusterView) {
	p.view = view
	if p.localDC == "" {
		p.localDC = view.LocalDatacenter()
	}
}

// LocalDatacenter returns the datacenter treated as local.
func (p *DCAwareRoundRobin) LocalDatacenter() string { return p.localDC }

// Distance returns Local for local hosts, Remote for the first
// WithUsedHostsPerRemoteDC hosts (by address) of each remote datacenter
// and Ignored for the rest.
func (p *DCAwareRoundRobin) Distance(h *host.Host) host.Distance {
	set := p.view.Hosts()

	return p.distances.Get(set, h, func(h *host.Host) host.Distance {
		if h.Datacenter() == p.localDC {
			return host.Local
		}
		if p.remoteHostsPer == 0 {
			return host.Ignored
		}
		if slices.Contains(p.remoteCandidates(set, h.Datacenter()), h) {
			return host.Remote
		}

		return host.Ignored
	})
}

func (p *DCAwareRoundRobin) remoteCandidates(set *host.Set, dc string) []*host.Host {
	var hosts []*host.Host
	for _, h := range set.All() {
		if h.Datacenter() == dc {
			hosts = append(hosts, h)
		}
	}
	slices.SortFunc(hosts, func(a, b *host.Host) int { return a.Addr().Compare(b.Addr()) })

	return hosts[:min(len(hosts), p.remoteHostsPer)]
}

// NewQueryPlan yields the local hosts round-robin, then the allowed remote
// hosts.
func (p *DCAwareRoundRobin) NewQueryPlan(string, Statement) QueryPlan {
	set := p.view.Hosts()
	var local, remote []*host.Host
	for _, h := range set.All() {
		switch p.Distance(h) {
		case host.Local:
			local = append(local, h)
		case host.Remote:
			remote = append(remote, h)
		}
	}

	n := p.counter.Add(1)
	var localGen, remoteGen func() *host.Host
	if len(local) > 0 {
		localGen = sliceGenerator(local, int(n%uint64(len(local))), (*host.Host).IsUp)
	}
	if len(remote) > 0 {
		remoteGen = sliceGenerator(remote, int(n%uint64(len(remote))), (*host.Host).IsUp)
	}

	return newPlan(func() *host.Host {
		if localGen != nil {
			if h := localGen(); h != nil {
				return h
			}
			localGen = nil
		}
		if remoteGen != nil {
			return remoteGen()
		}

		return nil
	})
}
