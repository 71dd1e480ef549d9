package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arloliu/cqlwire/host"
	"github.com/arloliu/cqlwire/internal/logging"
	"github.com/arloliu/cqlwire/internal/metrics"
	"github.com/arloliu/cqlwire/policy"
	"github.com/arloliu/cqlwire/types"
)

// drainTimeout bounds how long a connection removed by a shrink waits for
// its in-flight requests before it is closed.
const drainTimeout = 10 * time.Second

// DialFunc opens one connection to addr.
type DialFunc func(ctx context.Context, addr string) (*Conn, error)

// PoolConfig sizes a Pool and controls its reconnection.
type PoolConfig struct {
	LocalCore  int
	LocalMax   int
	RemoteCore int
	RemoteMax  int

	// Reconnection schedules the attempts to replace lost connections.
	Reconnection policy.ReconnectionPolicy

	// OnHostUp is called when the pool opens a connection after having none.
	OnHostUp func(h *host.Host)
	// OnHostDown is called when the last connection of the pool is lost.
	OnHostDown func(h *host.Host, err error)

	Logger  types.Logger
	Metrics types.MetricsCollector
}

// DefaultPoolConfig returns two core connections per local host and one per
// remote host, growing to eight and two.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		LocalCore:    2,
		LocalMax:     8,
		RemoteCore:   1,
		RemoteMax:    2,
		Reconnection: policy.NewExponentialReconnection(time.Second, time.Minute),
	}
}

func (c *PoolConfig) normalize() {
	if c.LocalCore < 1 {
		c.LocalCore = 1
	}
	if c.LocalMax < c.LocalCore {
		c.LocalMax = c.LocalCore
	}
	if c.RemoteCore < 1 {
		c.RemoteCore = 1
	}
	if c.RemoteMax < c.RemoteCore {
		c.RemoteMax = c.RemoteCore
	}
	if c.Reconnection == nil {
		c.Reconnection = policy.NewExponentialReconnection(time.Second, time.Minute)
	}
	c.Logger = logging.OrNop(c.Logger)
	c.Metrics = metrics.OrNop(c.Metrics)
}

// Pool holds the connections to one host. The number of connections follows
// the distance of the host: Ignored hosts have none.
type Pool struct {
	host *host.Host
	addr string
	cfg  PoolConfig
	dial DialFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.RWMutex
	conns        []*Conn
	distance     host.Distance
	opening      int
	reconnecting bool
	closed       bool
	reported     host.State // last state reported to callbacks, or -1
}

// NewPool creates an empty pool. Call Fill to open the core connections.
//
// Parameters:
//   - h: Host the pool connects to
//   - distance: Initial distance of the host
//   - cfg: Pool sizing and callbacks
//   - dial: Opens a single connection
//
// Returns:
//   - *Pool: The pool
func NewPool(h *host.Host, distance host.Distance, cfg PoolConfig, dial DialFunc) *Pool {
	cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		host:     h,
		addr:     h.Addr().String(),
		cfg:      cfg,
		dial:     dial,
		ctx:      ctx,
		cancel:   cancel,
		distance: distance,
		reported: -1,
	}
}

// Host returns the host of the pool.
func (p *Pool) Host() *host.Host { return p.host }

// Distance returns the current distance.
func (p *Pool) Distance() host.Distance {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.distance
}

// Size returns the number of open connections.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.conns)
}

// InFlight returns the requests in flight over all connections.
func (p *Pool) InFlight() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := 0
	for _, c := range p.conns {
		n += c.InFlight()
	}

	return n
}

func (p *Pool) coreMax(d host.Distance) (int, int) {
	switch d {
	case host.Local:
		return p.cfg.LocalCore, p.cfg.LocalMax
	case host.Remote:
		return p.cfg.RemoteCore, p.cfg.RemoteMax
	}

	return 0, 0
}

// Fill opens connections concurrently until the pool holds its core size.
// When none can be opened the host is reported down and reconnection starts
// in the background.
//
// Parameters:
//   - ctx: Bounds the dials
//
// Returns:
//   - error: nil if the pool holds at least one connection, otherwise the
//     joined dial errors
func (p *Pool) Fill(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return types.ErrConnectionClosed
	}
	core, _ := p.coreMax(p.distance)
	missing := core - len(p.conns) - p.opening
	if missing <= 0 {
		p.mu.Unlock()
		return nil
	}
	p.opening += missing
	p.mu.Unlock()

	var (
		errMu sync.Mutex
		errs  []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for range missing {
		g.Go(func() error {
			c, err := p.dial(gctx, p.addr)
			if err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
			p.opened(c)

			// A failed dial must not cancel its siblings.
			return nil
		})
	}
	_ = g.Wait()

	if p.Size() > 0 {
		return nil
	}
	err := errors.Join(errs...)
	if err == nil {
		return types.ErrNoConnections
	}
	p.markDown(err)
	p.startReconnect()

	return err
}

// opened finishes a dial started under p.opening; c is nil on failure.
func (p *Pool) opened(c *Conn) {
	p.mu.Lock()
	p.opening--
	if c == nil {
		p.mu.Unlock()
		return
	}
	_, maxConns := p.coreMax(p.distance)
	if p.closed || len(p.conns) >= maxConns {
		p.mu.Unlock()
		_ = c.Close()
		return
	}
	wasEmpty := len(p.conns) == 0
	p.conns = append(p.conns, c)
	p.wg.Add(1)
	p.mu.Unlock()

	go p.watch(c)

	if wasEmpty {
		p.markUp()
	}
}

// Borrow returns the least busy connection. When every connection is
// saturated and the pool is below its maximum size, one more connection is
// opened in the background.
//
// Returns:
//   - *Conn: A connection; sending on it may wait for a free stream
//   - error: types.ErrHostIgnored for Ignored hosts, types.ErrNoConnections
//     when the pool is empty
func (p *Pool) Borrow() (*Conn, error) {
	p.mu.RLock()
	if p.distance == host.Ignored {
		p.mu.RUnlock()
		return nil, types.ErrHostIgnored
	}
	var (
		best     *Conn
		bestLoad = -1
	)
	for _, c := range p.conns {
		if c.Closed() {
			continue
		}
		if load := c.InFlight(); best == nil || load < bestLoad {
			best, bestLoad = c, load
		}
	}
	size := len(p.conns) + p.opening
	_, maxConns := p.coreMax(p.distance)
	p.mu.RUnlock()

	if best == nil {
		p.startReconnect()
		return nil, types.ErrNoConnections
	}
	if bestLoad >= best.StreamLimit() && size < maxConns {
		p.grow()
	}

	return best, nil
}

// grow opens one connection in the background.
func (p *Pool) grow() {
	p.mu.Lock()
	_, maxConns := p.coreMax(p.distance)
	if p.closed || len(p.conns)+p.opening >= maxConns {
		p.mu.Unlock()
		return
	}
	p.opening++
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()

		c, err := p.dial(p.ctx, p.addr)
		if err != nil {
			p.cfg.Logger.Debug("failed to grow connection pool", "host", p.addr, "error", err)
		}
		p.opened(c)
	}()
}

// watch removes c from the pool when it closes and replaces it.
func (p *Pool) watch(c *Conn) {
	defer p.wg.Done()

	select {
	case <-c.Done():
	case <-p.ctx.Done():
		return
	}

	p.mu.Lock()
	idx := -1
	for i, pc := range p.conns {
		if pc == c {
			idx = i
			break
		}
	}
	if idx < 0 || p.closed {
		p.mu.Unlock()
		return
	}
	p.conns = append(p.conns[:idx], p.conns[idx+1:]...)
	empty := len(p.conns) == 0
	p.mu.Unlock()

	if empty {
		p.markDown(c.Err())
	}
	p.startReconnect()
}

// startReconnect runs a reconnection episode unless one is running. The
// episode ends once the pool is back at its core size.
func (p *Pool) startReconnect() {
	p.mu.Lock()
	core, _ := p.coreMax(p.distance)
	if p.closed || p.reconnecting || len(p.conns)+p.opening >= core {
		p.mu.Unlock()
		return
	}
	p.reconnecting = true
	p.wg.Add(1)
	p.mu.Unlock()

	go p.reconnect()
}

func (p *Pool) reconnect() {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		p.reconnecting = false
		p.mu.Unlock()
	}()

	schedule := p.cfg.Reconnection.NewSchedule()
	for {
		delay := schedule.NextDelay()
		timer := time.NewTimer(delay)
		select {
		case <-p.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		p.mu.RLock()
		core, _ := p.coreMax(p.distance)
		done := p.closed || len(p.conns) >= core
		p.mu.RUnlock()
		if done {
			return
		}

		err := p.Fill(p.ctx)
		if err == nil && p.Size() >= core {
			return
		}
		if err != nil && !errors.Is(err, types.ErrConnectionClosed) {
			p.cfg.Logger.Debug("reconnection attempt failed", "host", p.addr, "next_delay", delay, "error", err)
		}
	}
}

func (p *Pool) markUp() {
	if !p.report(host.StateUp) {
		return
	}
	if p.host.State() == host.StateDown {
		p.host.SetState(host.StateUp)
	}
	p.cfg.Metrics.SetHostUp(p.addr, true)
	p.cfg.Logger.Info("host is up", "host", p.addr)
	if p.cfg.OnHostUp != nil {
		p.cfg.OnHostUp(p.host)
	}
}

func (p *Pool) markDown(err error) {
	if !p.report(host.StateDown) {
		return
	}
	if p.host.State() == host.StateUp {
		p.host.SetState(host.StateDown)
	}
	p.cfg.Metrics.SetHostUp(p.addr, false)
	p.cfg.Logger.Warn("host is down", "host", p.addr, "error", err)
	if p.cfg.OnHostDown != nil {
		p.cfg.OnHostDown(p.host, err)
	}
}

// report records s as the reported state and tells whether it changed.
// Nothing is reported once the pool is closed.
func (p *Pool) report(s host.State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.reported == s {
		return false
	}
	p.reported = s

	return true
}

// SetDistance resizes the pool for a new distance. Ignored closes every
// connection; a smaller size closes the surplus once it is idle; a larger
// size fills in the background.
//
// Parameters:
//   - d: New distance
func (p *Pool) SetDistance(d host.Distance) {
	p.mu.Lock()
	if p.closed || p.distance == d {
		p.mu.Unlock()
		return
	}
	p.distance = d
	_, maxConns := p.coreMax(d)
	var surplus []*Conn
	if len(p.conns) > maxConns {
		surplus = append(surplus, p.conns[maxConns:]...)
		p.conns = p.conns[:maxConns:maxConns]
	}
	if d != host.Ignored {
		p.wg.Add(len(surplus))
	}
	p.mu.Unlock()

	if d == host.Ignored {
		for _, c := range surplus {
			_ = c.Close()
		}
		return
	}
	for _, c := range surplus {
		go p.drainAndClose(c)
	}
	p.startReconnect()
}

func (p *Pool) drainAndClose(c *Conn) {
	defer p.wg.Done()
	defer c.Close()

	deadline := time.NewTimer(drainTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for c.InFlight() > 0 {
		select {
		case <-deadline.C:
			return
		case <-p.ctx.Done():
			return
		case <-tick.C:
		}
	}
}

// Close closes every connection and stops reconnection.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	p.cancel()
	for _, c := range conns {
		_ = c.Close()
	}
	p.wg.Wait()

	return nil
}
