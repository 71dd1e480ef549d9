package cqlwire

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/arloliu/cqlwire/conn"
	"github.com/arloliu/cqlwire/frame"
	"github.com/arloliu/cqlwire/host"
	"github.com/arloliu/cqlwire/policy"
	"github.com/arloliu/cqlwire/topology"
	"github.com/arloliu/cqlwire/types"
)

// ErrUseStatement is returned when a USE statement is executed. The keyspace
// of every pooled connection is fixed by WithKeyspace.
var ErrUseStatement = errors.New("cqlwire: USE statements are not supported, set the keyspace with WithKeyspace")

// maxConcurrentPrepares bounds the hosts a statement is prepared on at once.
const maxConcurrentPrepares = 8

// Session executes statements against a cluster. It keeps a control
// connection for discovery and one connection pool per usable host.
//
// A Session is safe for concurrent use. Close it when done.
type Session struct {
	cfg     *ClusterConfig
	control *topology.ControlConnection

	defaultProfile ExecutionProfile
	profiles       map[string]ExecutionProfile
	balancers      []policy.LoadBalancingPolicy

	tracker  RequestTracker
	prepared *preparedCache

	connCfg   conn.Config
	distances host.DistanceCache
	drain     atomic.Pointer[topology.DrainConfig]

	poolsMu sync.RWMutex
	pools   map[netip.AddrPort]*conn.Pool

	closed      atomic.Bool
	unsubscribe []func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession connects to the cluster.
//
// Parameters:
//   - ctx: Bounds the initial connection and pool fill
//   - contactPoints: "host" or "host:port" addresses of some nodes
//   - opts: Configuration options
//
// Returns:
//   - *Session: A connected session
//   - error: types.ErrNoContactPoints, *types.NoHostAvailableError or
//     *types.AuthenticationError
//
// Example:
//
//	session, err := cqlwire.NewSession(ctx, []string{"10.0.0.1", "10.0.0.2"},
//	    cqlwire.WithKeyspace("app"),
//	    cqlwire.WithLocalDatacenter("dc1"),
//	    cqlwire.WithConsistency(types.LocalQuorum),
//	)
//	if err != nil {
//	    return err
//	}
//	defer session.Close()
func NewSession(ctx context.Context, contactPoints []string, opts ...Option) (*Session, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	return newSession(ctx, contactPoints, cfg)
}

func newSession(ctx context.Context, contactPoints []string, cfg *ClusterConfig) (*Session, error) {
	if len(contactPoints) == 0 {
		return nil, types.ErrNoContactPoints
	}
	cfg.normalize()

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:            cfg,
		defaultProfile: cfg.DefaultProfile,
		profiles:       make(map[string]ExecutionProfile, len(cfg.Profiles)),
		tracker:        newTracker(cfg.Metrics, cfg.Trackers),
		prepared:       newPreparedCache(cfg.PreparedCacheWarnThreshold, cfg.Logger, cfg.Metrics),
		pools:          make(map[netip.AddrPort]*conn.Pool),
		ctx:            sctx,
		cancel:         cancel,
	}
	s.balancers = append(s.balancers, s.defaultProfile.LoadBalancing)
	for name, p := range cfg.Profiles {
		p = p.inherit(s.defaultProfile)
		s.profiles[name] = p
		if !containsPolicy(s.balancers, p.LoadBalancing) {
			s.balancers = append(s.balancers, p.LoadBalancing)
		}
	}

	control, err := topology.NewControlConnection(topology.ControlConfig{
		ContactPoints:   contactPoints,
		Port:            cfg.Port,
		Conn:            cfg.connConfig(),
		Reconnection:    cfg.Reconnection,
		RefreshDebounce: cfg.RefreshDebounce,
		Policy:          s.defaultProfile.LoadBalancing,
		LocalDatacenter: cfg.LocalDatacenter,
		Logger:          cfg.Logger,
		Metrics:         cfg.Metrics,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	s.control = control
	for _, l := range cfg.EventListeners {
		s.unsubscribe = append(s.unsubscribe, control.Subscribe(l))
	}

	if err := control.Connect(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	// the default policy was initialized by the control connection
	for _, lb := range s.balancers[1:] {
		lb.Init(control)
	}

	s.connCfg = cfg.connConfig()
	s.connCfg.ProtoVersion = control.ProtoVersion()
	s.connCfg.Keyspace = cfg.Keyspace

	if cfg.DrainWatcher != nil {
		current := cfg.DrainWatcher.Drain()
		s.drain.Store(&current)
		s.applyDrainStates(topology.DrainConfig{}, current)
	}

	s.unsubscribe = append(s.unsubscribe,
		control.Registry().Subscribe(func(_, next *host.Set) { s.fillAsync(s.syncPools(next)) }),
		control.Subscribe(s.onClusterEvent),
	)
	if err := s.fillPools(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	if cfg.DrainWatcher != nil {
		s.wg.Add(1)
		go s.watchDrain(cfg.DrainWatcher.Watch(s.ctx))
	}
	cfg.Logger.Info("session connected",
		"hosts", control.Hosts().Len(),
		"local_dc", control.LocalDatacenter(),
		"protocol", s.connCfg.ProtoVersion.String())

	return s, nil
}

func containsPolicy(list []policy.LoadBalancingPolicy, p policy.LoadBalancingPolicy) bool {
	for _, q := range list {
		if q == p {
			return true
		}
	}

	return false
}

// fillPools opens the pools of the current hosts and waits for their core
// connections. It fails only when no pool could open a connection.
func (s *Session) fillPools(ctx context.Context) error {
	pools := s.syncPools(s.control.Hosts())

	var (
		mu   sync.Mutex
		errs = make(map[string]error)
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range pools {
		g.Go(func() error {
			if err := p.Fill(gctx); err != nil {
				mu.Lock()
				errs[p.Host().Addr().String()] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, p := range pools {
		if p.Size() > 0 {
			return nil
		}
	}
	if len(pools) == 0 {
		return &types.NoHostAvailableError{Errors: errs}
	}

	var authErr *types.AuthenticationError
	for _, err := range errs {
		if errors.As(err, &authErr) {
			return err
		}
	}

	return &types.NoHostAvailableError{Errors: errs}
}

// distance is the closest distance any profile assigns to h, or Ignored
// while h is drained.
func (s *Session) distance(set *host.Set, h *host.Host) host.Distance {
	return s.distances.Get(set, h, func(h *host.Host) host.Distance {
		if d := s.drain.Load(); d != nil && d.Drains(h) {
			return host.Ignored
		}
		d := host.Ignored
		for _, lb := range s.balancers {
			d = host.Closest(d, lb.Distance(h))
		}

		return d
	})
}

// syncPools creates, resizes and closes pools to match set. It returns the
// created pools, which are still empty.
func (s *Session) syncPools(set *host.Set) []*conn.Pool {
	if s.closed.Load() {
		return nil
	}

	var created []*conn.Pool
	var toClose []*conn.Pool
	s.poolsMu.Lock()
	seen := make(map[netip.AddrPort]bool, set.Len())
	for _, h := range set.All() {
		addr := h.Addr()
		seen[addr] = true
		d := s.distance(set, h)

		p, ok := s.pools[addr]
		if ok && p.Host() != h {
			toClose = append(toClose, p)
			delete(s.pools, addr)
			ok = false
		}
		if ok {
			p.SetDistance(d)
			continue
		}
		if d == host.Ignored {
			continue
		}
		p = conn.NewPool(h, d, s.poolConfig(), s.dial)
		s.pools[addr] = p
		created = append(created, p)
	}
	for addr, p := range s.pools {
		if !seen[addr] {
			toClose = append(toClose, p)
			delete(s.pools, addr)
		}
	}
	s.poolsMu.Unlock()

	for _, p := range toClose {
		s.cfg.Logger.Info("closing pool", "host", p.Host().Addr().String())
		_ = p.Close()
	}

	return created
}

func (s *Session) fillAsync(pools []*conn.Pool) {
	for _, p := range pools {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = p.Fill(s.ctx)
		}()
	}
}

func (s *Session) poolConfig() conn.PoolConfig {
	cfg := s.cfg.Pool
	cfg.Logger = s.cfg.Logger
	cfg.Metrics = s.cfg.Metrics
	if cfg.Reconnection == nil {
		cfg.Reconnection = s.cfg.Reconnection
	}
	cfg.OnHostUp = s.onHostUp

	return cfg
}

func (s *Session) dial(ctx context.Context, addr string) (*conn.Conn, error) {
	return conn.Dial(ctx, addr, s.connCfg)
}

func (s *Session) pool(addr netip.AddrPort) *conn.Pool {
	s.poolsMu.RLock()
	defer s.poolsMu.RUnlock()

	return s.pools[addr]
}

// onHostUp prepares the cached statements on a host that came back.
func (s *Session) onHostUp(h *host.Host) {
	statements := s.prepared.all()
	if len(statements) == 0 || s.closed.Load() {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		p := s.pool(h.Addr())
		if p == nil {
			return
		}
		c, err := p.Borrow()
		if err != nil {
			return
		}
		for _, stmt := range statements {
			if err := s.reprepare(s.ctx, c, stmt); err != nil {
				s.cfg.Logger.Debug("failed to prepare statement on host",
					"host", h.Addr().String(), "cql", stmt.CQL(), "error", err)
			}
		}
	}()
}

func (s *Session) onClusterEvent(ev topology.ClusterEvent) {
	if ev.Kind != topology.EventHostUp {
		return
	}
	addr, err := netip.ParseAddrPort(ev.Addr)
	if err != nil {
		return
	}
	p := s.pool(addr)
	if p == nil || p.Size() > 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = p.Fill(s.ctx)
	}()
}

func (s *Session) watchDrain(updates <-chan topology.DrainConfig) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			s.setDrain(cfg)
		}
	}
}

func (s *Session) setDrain(cfg topology.DrainConfig) {
	prev := s.drain.Swap(&cfg)
	var old topology.DrainConfig
	if prev != nil {
		old = *prev
	}
	if old.Equal(cfg) {
		return
	}

	s.cfg.Logger.Info("drain configuration changed",
		"datacenters", cfg.Datacenters, "hosts", cfg.Hosts, "reason", cfg.Reason)
	s.applyDrainStates(old, cfg)
	s.distances.Invalidate()
	s.fillAsync(s.syncPools(s.control.Hosts()))
}

// applyDrainStates marks drained hosts Ignored and restores the hosts
// leaving the drain.
func (s *Session) applyDrainStates(old, cfg topology.DrainConfig) {
	for _, h := range s.control.Hosts().All() {
		switch {
		case cfg.Drains(h):
			h.SetState(host.StateIgnored)
		case old.Drains(h) && h.State() == host.StateIgnored:
			h.SetState(host.StateUp)
		}
	}
}

// Prepare prepares cql, or returns the statement prepared earlier with the
// same text. Concurrent calls for one statement share a single round trip.
//
// Parameters:
//   - ctx: Bounds the preparation
//   - cql: Statement text with ? placeholders
//
// Returns:
//   - *PreparedStatement: The prepared statement
//   - error: The server error, or *types.NoHostAvailableError
func (s *Session) Prepare(ctx context.Context, cql string) (*PreparedStatement, error) {
	if s.closed.Load() {
		return nil, types.ErrSessionClosed
	}

	key := newPreparedKey(s.cfg.Keyspace, cql)
	if p, ok := s.prepared.get(key); ok {
		return p, nil
	}

	v, err, _ := s.prepared.group.Do(key.String(), func() (any, error) {
		if p, ok := s.prepared.get(key); ok {
			return p, nil
		}
		p, err := s.prepareOnCluster(ctx, key.cql)
		if err != nil {
			return nil, err
		}
		s.prepared.put(key, p)

		return p, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*PreparedStatement), nil
}

// prepareOnCluster prepares cql on the first host of the default plan that
// accepts it, then on every other host with a pool.
func (s *Session) prepareOnCluster(ctx context.Context, cql string) (*PreparedStatement, error) {
	plan := s.defaultProfile.LoadBalancing.NewQueryPlan(s.cfg.Keyspace, nil)
	errs := make(map[string]error)

	for h := plan.Next(); h != nil; h = plan.Next() {
		addr := h.Addr().String()
		p := s.pool(h.Addr())
		if p == nil {
			errs[addr] = types.ErrNoConnections
			continue
		}
		c, err := p.Borrow()
		if err != nil {
			errs[addr] = err
			continue
		}

		res, err := s.sendPrepare(ctx, c, cql)
		if err == nil {
			stmt := newPreparedStatement(cql, s.cfg.Keyspace, res, s.cfg.Types)
			s.prepareOnOthers(ctx, h, cql)

			return stmt, nil
		}
		if types.IsFatal(err) || ctx.Err() != nil {
			return nil, err
		}
		errs[addr] = err
	}

	return nil, &types.NoHostAvailableError{Errors: errs}
}

func (s *Session) prepareOnOthers(ctx context.Context, done *host.Host, cql string) {
	s.poolsMu.RLock()
	pools := make([]*conn.Pool, 0, len(s.pools))
	for addr, p := range s.pools {
		if addr != done.Addr() {
			pools = append(pools, p)
		}
	}
	s.poolsMu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentPrepares)
	for _, p := range pools {
		g.Go(func() error {
			c, err := p.Borrow()
			if err != nil {
				return nil
			}
			if _, err := s.sendPrepare(gctx, c, cql); err != nil {
				s.cfg.Logger.Debug("failed to prepare statement on host",
					"host", c.Addr(), "cql", cql, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Session) sendPrepare(ctx context.Context, c *conn.Conn, cql string) (*frame.PreparedResult, error) {
	req := &frame.Prepare{Statement: cql}
	if c.Version() >= frame.Version5 {
		req.Keyspace = s.cfg.Keyspace
	}
	res, err := c.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	prepared, ok := res.Message.(*frame.PreparedResult)
	if !ok {
		return nil, types.NewProtocolError("unexpected %s response to PREPARE", res.Header.Op)
	}

	return prepared, nil
}

// reprepare prepares p again on c after the host reported it unknown.
func (s *Session) reprepare(ctx context.Context, c *conn.Conn, p *PreparedStatement) error {
	res, err := s.sendPrepare(ctx, c, p.cql)
	if err != nil {
		return err
	}
	old := p.ID()
	if string(old) != string(res.ID) {
		s.cfg.Logger.Warn("prepared statement id changed",
			"host", c.Addr(), "cql", p.cql)
		p.updateIDs(res)
		s.prepared.reindex(old, p)
	}

	return nil
}

// Execute runs stmt and returns its first page.
//
// Parameters:
//   - ctx: Bounds the execution together with the profile request timeout
//   - stmt: Statement to run
//
// Returns:
//   - *RowSet: The result
//   - error: types.ErrSessionClosed, *types.NoHostAvailableError,
//     *types.OperationTimedOutError, ctx.Err() on cancellation, or
//     *types.ExecutionError wrapping the server error
func (s *Session) Execute(ctx context.Context, stmt Statement) (*RowSet, error) {
	if s.closed.Load() {
		return nil, types.ErrSessionClosed
	}
	if stmt == nil {
		return nil, types.ErrNilStatement
	}
	if simple, ok := stmt.(SimpleStatement); ok && isUse(simple.cql) {
		return nil, ErrUseStatement
	}
	profile, err := s.profile(stmt.Profile())
	if err != nil {
		return nil, err
	}

	return newRequestHandler(s, stmt, profile).execute(ctx)
}

func isUse(cql string) bool {
	fields := strings.Fields(cql)
	return len(fields) > 0 && strings.EqualFold(fields[0], "use")
}

func (s *Session) profile(name string) (ExecutionProfile, error) {
	if name == "" {
		return s.defaultProfile, nil
	}
	p, ok := s.profiles[name]
	if !ok {
		return ExecutionProfile{}, fmt.Errorf("cqlwire: unknown execution profile %q", name)
	}

	return p, nil
}

// ExecuteAsync runs stmt in the background.
//
// Parameters:
//   - ctx: Bounds the execution
//   - stmt: Statement to run
//
// Returns:
//   - *Future: Resolves to the result of Execute
func (s *Session) ExecuteAsync(ctx context.Context, stmt Statement) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.rs, f.err = s.Execute(ctx, stmt)
	}()

	return f
}

// Hosts returns the current host snapshot.
func (s *Session) Hosts() *host.Set { return s.control.Hosts() }

// Keyspace returns the session keyspace.
func (s *Session) Keyspace() string { return s.cfg.Keyspace }

// Control returns the control connection, for event subscriptions and
// cluster state inspection.
func (s *Session) Control() *topology.ControlConnection { return s.control }

// Close closes every pool and the control connection. Later calls return
// nil; executions fail with types.ErrSessionClosed.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()

	for _, unsubscribe := range s.unsubscribe {
		unsubscribe()
	}

	s.poolsMu.Lock()
	pools := s.pools
	s.pools = make(map[netip.AddrPort]*conn.Pool)
	s.poolsMu.Unlock()
	for _, p := range pools {
		_ = p.Close()
	}

	var err error
	if s.control != nil {
		err = s.control.Close()
	}
	s.wg.Wait()
	s.cfg.Logger.Info("session closed")

	return err
}

// Future is the pending result of ExecuteAsync.
type Future struct {
	done chan struct{}
	rs   *RowSet
	err  error
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Get waits for the result.
//
// Parameters:
//   - ctx: Bounds the wait only; the execution keeps its own context
//
// Returns:
//   - *RowSet: The result
//   - error: The execution error, or ctx.Err()
func (f *Future) Get(ctx context.Context) (*RowSet, error) {
	select {
	case <-f.done:
		return f.rs, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
