package topology

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/arloliu/cqlwire/conn"
	"github.com/arloliu/cqlwire/frame"
	"github.com/arloliu/cqlwire/host"
	"github.com/arloliu/cqlwire/internal/logging"
	"github.com/arloliu/cqlwire/internal/metrics"
	"github.com/arloliu/cqlwire/marshal"
	"github.com/arloliu/cqlwire/policy"
	"github.com/arloliu/cqlwire/token"
	"github.com/arloliu/cqlwire/types"
)

const (
	// DefaultPort is the native protocol port.
	DefaultPort = 9042

	// DefaultRefreshDebounce is the quiet period before an event driven
	// topology refresh runs.
	DefaultRefreshDebounce = time.Second

	// MinProtoVersion is the lowest version the control connection
	// downgrades to; older versions cannot read system_schema.
	MinProtoVersion = frame.Version3

	eventQueueSize = 128
)

const (
	localQuery     = "SELECT * FROM system.local WHERE key='local'"
	peersV2Query   = "SELECT * FROM system.peers_v2"
	peersQuery     = "SELECT * FROM system.peers"
	keyspacesQuery = "SELECT keyspace_name, replication FROM system_schema.keyspaces"
)

// State is the state of the control connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateRefreshing
	StateReady
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRefreshing:
		return "refreshing"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}

	return "State(" + strconv.Itoa(int(s)) + ")"
}

// ControlConfig configures a ControlConnection.
type ControlConfig struct {
	// ContactPoints are "host" or "host:port" addresses used for the first
	// connection and as a last resort when every known host fails.
	ContactPoints []string

	// Port is used for contact points without a port and for peers that
	// do not report their native port.
	Port int

	// Conn holds the connection settings. ProtoVersion is the version tried
	// first; the event and close callbacks are replaced.
	Conn conn.Config

	// Reconnection paces reconnection attempts after the connection is lost.
	Reconnection policy.ReconnectionPolicy

	// RefreshDebounce coalesces topology and schema events.
	RefreshDebounce time.Duration

	// Policy orders the known hosts tried when reconnecting. It is
	// initialized once the first connection has discovered the cluster.
	// Default: RoundRobin
	Policy policy.LoadBalancingPolicy

	// LocalDatacenter overrides the datacenter of the first connected host.
	LocalDatacenter string

	Logger  types.Logger
	Metrics types.MetricsCollector
}

// DefaultControlConfig returns a ControlConfig with sensible defaults.
//
// Returns:
//   - ControlConfig: Port 9042, 1s debounce, exponential reconnection 1s to 1m
func DefaultControlConfig() ControlConfig {
	return ControlConfig{
		Port:            DefaultPort,
		Conn:            conn.DefaultConfig(),
		Reconnection:    policy.NewExponentialReconnection(time.Second, time.Minute),
		RefreshDebounce: DefaultRefreshDebounce,
	}
}

func (c *ControlConfig) normalize() {
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if !c.Conn.ProtoVersion.Valid() {
		c.Conn.ProtoVersion = frame.Version4
	}
	if c.Reconnection == nil {
		c.Reconnection = policy.NewExponentialReconnection(time.Second, time.Minute)
	}
	if c.RefreshDebounce <= 0 {
		c.RefreshDebounce = DefaultRefreshDebounce
	}
	if c.Policy == nil {
		c.Policy = policy.NewRoundRobin()
	}
	c.Logger = logging.OrNop(c.Logger)
	c.Metrics = metrics.OrNop(c.Metrics)
	if c.Conn.Logger == nil {
		c.Conn.Logger = c.Logger
	}
	if c.Conn.Metrics == nil {
		c.Conn.Metrics = c.Metrics
	}
}

// ControlConnection keeps one connection to some node of the cluster to
// discover hosts, token ownership and replication, and to receive pushed
// events. It is the only writer of its host Registry and implements
// policy.ClusterView.
type ControlConnection struct {
	cfg      ControlConfig
	registry *host.Registry

	tokenMap   atomic.Pointer[token.Map]
	localDC    atomic.Pointer[string]
	version    atomic.Uint32
	negotiated atomic.Bool
	peersV1    atomic.Bool
	state      atomic.Int32

	mu           sync.Mutex
	conn         *conn.Conn
	closed       bool
	reconnecting bool
	listeners    map[int]Listener
	nextListener int

	// refreshMu serializes refreshes so snapshots are published in order.
	refreshMu sync.Mutex

	policyInit sync.Once

	events    chan frame.Event
	refresher *debouncer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ policy.ClusterView = (*ControlConnection)(nil)

// NewControlConnection creates a disconnected control connection.
//
// Parameters:
//   - cfg: Configuration; at least one contact point is required
//
// Returns:
//   - *ControlConnection: The control connection, not yet connected
//   - error: types.ErrNoContactPoints
func NewControlConnection(cfg ControlConfig) (*ControlConnection, error) {
	if len(cfg.ContactPoints) == 0 {
		return nil, types.ErrNoContactPoints
	}
	cfg.ContactPoints = slices.Clone(cfg.ContactPoints)
	cfg.normalize()

	ctx, cancel := context.WithCancel(context.Background())
	c := &ControlConnection{
		cfg:       cfg,
		registry:  host.NewRegistry(),
		listeners: make(map[int]Listener),
		events:    make(chan frame.Event, eventQueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.version.Store(uint32(cfg.Conn.ProtoVersion))
	if cfg.LocalDatacenter != "" {
		dc := cfg.LocalDatacenter
		c.localDC.Store(&dc)
	}
	c.refresher = newDebouncer(cfg.RefreshDebounce, c.refreshCurrent)

	c.wg.Add(1)
	go c.eventLoop()

	return c, nil
}

// Hosts returns the current host snapshot.
func (c *ControlConnection) Hosts() *host.Set { return c.registry.Snapshot() }

// Registry returns the registry the control connection publishes to.
func (c *ControlConnection) Registry() *host.Registry { return c.registry }

// TokenMap returns the current token map, nil before the first refresh or
// when the partitioner is unsupported.
func (c *ControlConnection) TokenMap() *token.Map { return c.tokenMap.Load() }

// LocalDatacenter returns the configured datacenter or the datacenter of
// the first host connected to.
func (c *ControlConnection) LocalDatacenter() string {
	if dc := c.localDC.Load(); dc != nil {
		return *dc
	}

	return ""
}

// ProtoVersion returns the protocol version in use. It is final once
// Connect succeeds.
func (c *ControlConnection) ProtoVersion() frame.ProtoVersion {
	return frame.ProtoVersion(c.version.Load())
}

// State returns the current state.
func (c *ControlConnection) State() State { return State(c.state.Load()) }

func (c *ControlConnection) setState(s State) {
	for {
		cur := c.state.Load()
		if State(cur) == StateClosed {
			return
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// Subscribe registers l for future cluster events. Listeners are called
// in registration order from the goroutine that observed the change.
//
// Returns:
//   - func(): Removes the listener
func (c *ControlConnection) Subscribe(l Listener) func() {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = l
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *ControlConnection) emit(ev ClusterEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	c.mu.Lock()
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, c.listeners[id])
	}
	c.mu.Unlock()

	for _, l := range ls {
		l(ev)
	}
}

func hostEvent(kind EventKind, h *host.Host) ClusterEvent {
	return ClusterEvent{Kind: kind, HostID: h.ID(), Addr: h.Addr().String(), Datacenter: h.Datacenter()}
}

// Connect opens the control connection on the first reachable contact
// point, in random order, and runs the initial refresh. The protocol
// version is lowered while servers reject it, down to MinProtoVersion.
//
// Parameters:
//   - ctx: Bounds the whole attempt
//
// Returns:
//   - error: *types.NoHostAvailableError when no contact point worked,
//     *types.AuthenticationError on bad credentials
func (c *ControlConnection) Connect(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return types.ErrConnectionClosed
	}

	addrs := c.contactAddrs()
	rand.Shuffle(len(addrs), func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })

	return c.connectTo(ctx, addrs)
}

func (c *ControlConnection) contactAddrs() []string {
	addrs := make([]string, 0, len(c.cfg.ContactPoints))
	for _, cp := range c.cfg.ContactPoints {
		if _, _, err := net.SplitHostPort(cp); err == nil {
			addrs = append(addrs, cp)
			continue
		}
		addrs = append(addrs, net.JoinHostPort(cp, strconv.Itoa(c.cfg.Port)))
	}

	return addrs
}

// failoverAddrs lists the hosts to try after losing the connection: the
// policy's plan, then every other known host, then the contact points.
func (c *ControlConnection) failoverAddrs() []string {
	seen := make(map[string]bool)
	var addrs []string
	add := func(addr string) {
		if !seen[addr] {
			seen[addr] = true
			addrs = append(addrs, addr)
		}
	}

	for _, h := range policy.Drain(c.cfg.Policy.NewQueryPlan("", nil)) {
		add(h.Addr().String())
	}
	for _, h := range c.registry.Snapshot().All() {
		if h.State() != host.StateIgnored {
			add(h.Addr().String())
		}
	}
	contacts := c.contactAddrs()
	rand.Shuffle(len(contacts), func(i, j int) { contacts[i], contacts[j] = contacts[j], contacts[i] })
	for _, addr := range contacts {
		add(addr)
	}

	return addrs
}

func (c *ControlConnection) connectTo(ctx context.Context, addrs []string) error {
	c.setState(StateConnecting)

	errs := make(map[string]error)
	for _, addr := range addrs {
		if err := ctx.Err(); err != nil {
			errs[addr] = err
			break
		}

		cn, err := c.dial(ctx, addr)
		if err == nil {
			err = c.setup(ctx, cn)
			if err != nil {
				_ = cn.Close()
			}
		}
		if err == nil {
			return nil
		}

		var authErr *types.AuthenticationError
		if errors.As(err, &authErr) || errors.Is(err, types.ErrConnectionClosed) && c.isClosed() {
			c.setState(StateDisconnected)
			return err
		}
		c.cfg.Logger.Warn("control connection attempt failed", "addr", addr, "error", err)
		errs[addr] = err
	}

	c.setState(StateDisconnected)

	return &types.NoHostAvailableError{Errors: errs}
}

func (c *ControlConnection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

func (c *ControlConnection) dial(ctx context.Context, addr string) (*conn.Conn, error) {
	v := c.ProtoVersion()
	for {
		cfg := c.cfg.Conn
		cfg.ProtoVersion = v
		cfg.OnEvent = c.onEvent
		cfg.OnClose = c.onClose

		cn, err := conn.Dial(ctx, addr, cfg)
		var verErr *conn.VersionError
		if errors.As(err, &verErr) && !c.negotiated.Load() && v > MinProtoVersion {
			c.cfg.Logger.Info("protocol version rejected, downgrading",
				"addr", addr, "from", v.String(), "to", (v - 1).String())
			v--
			continue
		}
		if err != nil {
			return nil, err
		}
		if !c.negotiated.Load() {
			c.version.Store(uint32(v))
		}

		return cn, nil
	}
}

// setup registers for events and refreshes; cn becomes the current
// connection on success.
func (c *ControlConnection) setup(ctx context.Context, cn *conn.Conn) error {
	res, err := cn.Send(ctx, &frame.Register{EventTypes: []string{
		frame.EventTopologyChange, frame.EventStatusChange, frame.EventSchemaChange,
	}})
	if err != nil {
		return fmt.Errorf("cqlwire: register for events: %w", err)
	}
	if _, ok := res.Message.(*frame.Ready); !ok {
		return types.NewProtocolError("unexpected %s response to REGISTER", res.Header.Op)
	}

	c.setState(StateRefreshing)
	if err := c.refresh(ctx, cn); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return types.ErrConnectionClosed
	}
	c.conn = cn
	c.mu.Unlock()

	c.negotiated.Store(true)
	c.policyInit.Do(func() { c.cfg.Policy.Init(c) })
	c.setState(StateReady)
	c.cfg.Logger.Info("control connection ready",
		"addr", cn.Addr(), "version", cn.Version().String(), "hosts", c.registry.Snapshot().Len())

	return nil
}

// Refresh re-reads the system tables now instead of waiting for the
// debounce period.
//
// Parameters:
//   - ctx: Bounds the wait
//
// Returns:
//   - error: Query errors, types.ErrNoConnections while disconnected
func (c *ControlConnection) Refresh(ctx context.Context) error {
	select {
	case err, ok := <-c.refresher.now():
		if !ok {
			return types.ErrConnectionClosed
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *ControlConnection) refreshCurrent() error {
	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()
	if cn == nil {
		return types.ErrNoConnections
	}

	timeout := c.cfg.Conn.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()

	c.setState(StateRefreshing)
	err := c.refresh(ctx, cn)
	c.mu.Lock()
	current := c.conn == cn
	c.mu.Unlock()
	if current {
		c.setState(StateReady)
	}
	if err != nil {
		c.cfg.Logger.Warn("topology refresh failed", "addr", cn.Addr(), "error", err)
	}

	return err
}

func (c *ControlConnection) refresh(ctx context.Context, cn *conn.Conn) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	local, err := queryRows(ctx, cn, localQuery)
	if err != nil {
		return fmt.Errorf("cqlwire: query system.local: %w", err)
	}
	if len(local) == 0 {
		return types.NewProtocolError("system.local returned no rows")
	}
	peers, err := c.queryPeers(ctx, cn)
	if err != nil {
		return err
	}

	localInfo, err := c.localInfo(local[0], cn.RemoteAddr())
	if err != nil {
		return err
	}
	infos := []host.Info{localInfo}
	for _, row := range peers {
		info, err := c.peerInfo(row)
		if err != nil {
			c.cfg.Logger.Warn("skipping invalid peer row", "error", err)
			continue
		}
		infos = append(infos, info)
	}

	if c.localDC.Load() == nil {
		dc := localInfo.Datacenter
		c.localDC.CompareAndSwap(nil, &dc)
	}

	hosts := c.publish(infos)

	partitioner, _ := local[0]["partitioner"].(string)
	var keyspaces []map[string]any
	if krows, err := queryRows(ctx, cn, keyspacesQuery); err != nil {
		c.cfg.Logger.Warn("cannot read keyspace replication, token awareness limited", "error", err)
	} else {
		keyspaces = krows
	}
	c.buildTokenMap(partitioner, hosts.All(), keyspaces)

	return nil
}

func (c *ControlConnection) queryPeers(ctx context.Context, cn *conn.Conn) ([]map[string]any, error) {
	if !c.peersV1.Load() {
		rows, err := queryRows(ctx, cn, peersV2Query)
		if err == nil {
			return rows, nil
		}
		var invalid *types.QueryValidationError
		if !errors.As(err, &invalid) {
			return nil, fmt.Errorf("cqlwire: query system.peers_v2: %w", err)
		}
		c.cfg.Logger.Debug("system.peers_v2 unavailable, using system.peers", "addr", cn.Addr())
		c.peersV1.Store(true)
	}

	rows, err := queryRows(ctx, cn, peersQuery)
	if err != nil {
		return nil, fmt.Errorf("cqlwire: query system.peers: %w", err)
	}

	return rows, nil
}

// publish replaces the registry snapshot if membership or metadata
// changed. Hosts whose metadata is unchanged are carried over so their
// state survives.
func (c *ControlConnection) publish(infos []host.Info) *host.Set {
	prev := c.registry.Snapshot()

	next := make([]*host.Host, 0, len(infos))
	seen := make(map[netip.AddrPort]bool, len(infos))
	var added []*host.Host
	changed := false
	for _, info := range infos {
		if seen[info.Addr] {
			continue
		}
		seen[info.Addr] = true

		h := host.New(info)
		old, ok := prev.ByAddr(info.Addr)
		switch {
		case ok && old.SameMetadata(h):
			next = append(next, old)
			continue
		case ok:
			h.SetState(old.State())
		default:
			added = append(added, h)
		}
		changed = true
		next = append(next, h)
	}

	var removed []*host.Host
	for _, h := range prev.All() {
		if !seen[h.Addr()] {
			removed = append(removed, h)
		}
	}
	if !changed && len(removed) == 0 {
		return prev
	}

	set := c.registry.Replace(next)
	c.cfg.Logger.Info("host set updated",
		"version", set.Version(), "hosts", set.Len(), "added", len(added), "removed", len(removed))
	for _, h := range added {
		c.emit(hostEvent(EventHostAdded, h))
	}
	for _, h := range removed {
		c.emit(hostEvent(EventHostRemoved, h))
	}

	return set
}

func (c *ControlConnection) buildTokenMap(partitioner string, hosts []*host.Host, keyspaces []map[string]any) {
	p, ok := token.PartitionerFor(partitioner)
	if !ok {
		if c.tokenMap.Swap(nil) != nil || partitioner != "" {
			c.cfg.Logger.Debug("unsupported partitioner, token awareness disabled", "partitioner", partitioner)
		}
		return
	}

	strategies := make(map[string]token.Strategy, len(keyspaces))
	for _, row := range keyspaces {
		name, _ := row["keyspace_name"].(string)
		replication := stringMap(row["replication"])
		if name == "" || replication == nil {
			continue
		}
		s, err := token.ParseStrategy(replication)
		if err != nil || s == nil {
			c.cfg.Logger.Debug("unsupported replication strategy", "keyspace", name, "class", replication["class"], "error", err)
			continue
		}
		strategies[name] = s
	}

	m, errs := token.NewMap(p, hosts, strategies)
	for _, err := range errs {
		c.cfg.Logger.Warn("token map", "error", err)
	}
	c.tokenMap.Store(m)
}

func (c *ControlConnection) localInfo(row map[string]any, connected netip.AddrPort) (host.Info, error) {
	info := rowInfo(row)
	switch {
	case connected.IsValid():
		info.Addr = connected
	default:
		addr, ok := ipColumn(row, "rpc_address", "broadcast_address")
		if !ok {
			return info, types.NewProtocolError("system.local has no usable address")
		}
		info.Addr = netip.AddrPortFrom(addr, c.portColumn(row, "native_port", "rpc_port"))
	}

	return info, nil
}

func (c *ControlConnection) peerInfo(row map[string]any) (host.Info, error) {
	info := rowInfo(row)
	if info.ID == uuid.Nil {
		return info, errors.New("missing host_id")
	}
	addr, ok := ipColumn(row, "native_address", "rpc_address", "peer")
	if !ok {
		return info, fmt.Errorf("host %s has no usable address", info.ID)
	}
	info.Addr = netip.AddrPortFrom(addr, c.portColumn(row, "native_port"))

	return info, nil
}

func (c *ControlConnection) portColumn(row map[string]any, names ...string) uint16 {
	for _, name := range names {
		if p, ok := row[name].(int32); ok && p > 0 && p <= 65535 {
			return uint16(p)
		}
	}

	return uint16(c.cfg.Port)
}

func rowInfo(row map[string]any) host.Info {
	info := host.Info{}
	info.ID, _ = row["host_id"].(uuid.UUID)
	info.Datacenter, _ = row["data_center"].(string)
	info.Rack, _ = row["rack"].(string)
	info.ReleaseVersion, _ = row["release_version"].(string)
	if tokens, ok := row["tokens"].([]any); ok {
		for _, t := range tokens {
			if s, ok := t.(string); ok {
				info.Tokens = append(info.Tokens, s)
			}
		}
		slices.Sort(info.Tokens)
	}

	return info
}

// ipColumn returns the first set, specified address among columns.
func ipColumn(row map[string]any, names ...string) (netip.Addr, bool) {
	for _, name := range names {
		ip, ok := row[name].(net.IP)
		if !ok || ip == nil {
			continue
		}
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.IsUnspecified() {
			continue
		}

		return addr, true
	}

	return netip.Addr{}, false
}

func stringMap(v any) map[string]string {
	m, ok := v.(map[any]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		ks, ok1 := k.(string)
		vs, ok2 := val.(string)
		if ok1 && ok2 {
			out[ks] = vs
		}
	}

	return out
}

// queryRows runs a single page query at ONE and decodes every row by
// column name.
func queryRows(ctx context.Context, cn *conn.Conn, stmt string) ([]map[string]any, error) {
	res, err := cn.Send(ctx, &frame.Query{Statement: stmt, Params: frame.QueryParams{Consistency: types.One}})
	if err != nil {
		return nil, err
	}
	result, ok := res.Message.(*frame.RowsResult)
	if !ok {
		return nil, types.NewProtocolError("unexpected %s response to %q", res.Header.Op, stmt)
	}
	if result.Rows == nil {
		return nil, nil
	}

	cols := result.Metadata.Columns
	out := make([]map[string]any, 0, result.Rows.Count())
	for {
		raw, err := result.Rows.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if i >= len(raw) {
				break
			}
			v, err := marshal.Unmarshal(col.Type, raw[i])
			if err != nil {
				return nil, fmt.Errorf("cqlwire: decode %s.%s: %w", col.Table, col.Name, err)
			}
			row[col.Name] = v
		}
		out = append(out, row)
	}
}

func (c *ControlConnection) onEvent(ev frame.Event) {
	select {
	case c.events <- ev:
	default:
		c.cfg.Logger.Warn("control connection event queue full, scheduling refresh", "event", ev.EventType())
		c.refresher.trigger()
	}
}

func (c *ControlConnection) eventLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.events:
			c.handleEvent(ev)
		}
	}
}

func (c *ControlConnection) lookup(addr netip.AddrPort) (*host.Host, bool) {
	set := c.registry.Snapshot()
	if h, ok := set.ByAddr(addr); ok {
		return h, true
	}

	return set.ByIP(addr.Addr())
}

func (c *ControlConnection) handleEvent(ev frame.Event) {
	switch e := ev.(type) {
	case *frame.StatusChangeEvent:
		h, ok := c.lookup(e.Addr)
		if !ok {
			c.cfg.Logger.Debug("status change for unknown host", "addr", e.Addr.String(), "change", e.Change)
			c.refresher.trigger()
			return
		}
		switch e.Change {
		case "UP":
			if h.State() == host.StateDown && h.SetState(host.StateUp) {
				c.cfg.Metrics.SetHostUp(h.Addr().String(), true)
				c.cfg.Logger.Info("host reported up", "addr", h.Addr().String())
				c.emit(hostEvent(EventHostUp, h))
			}
		case "DOWN":
			if h.State() == host.StateUp && h.SetState(host.StateDown) {
				c.cfg.Metrics.SetHostUp(h.Addr().String(), false)
				c.cfg.Logger.Warn("host reported down", "addr", h.Addr().String())
				c.emit(hostEvent(EventHostDown, h))
			}
		}
	case *frame.TopologyChangeEvent:
		c.cfg.Logger.Debug("topology change", "addr", e.Addr.String(), "change", e.Change)
		c.refresher.trigger()
	case *frame.SchemaChangeEvent:
		c.emit(ClusterEvent{
			Kind:     EventSchemaChanged,
			Change:   e.Change,
			Target:   e.Target,
			Keyspace: e.Keyspace,
			Name:     e.Name,
		})
		c.refresher.trigger()
	}
}

func (c *ControlConnection) onClose(cn *conn.Conn, err error) {
	c.mu.Lock()
	if c.closed || c.conn != cn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	c.setState(StateDisconnected)
	c.cfg.Logger.Warn("control connection lost", "addr", cn.Addr(), "error", err)
	c.startReconnect()
}

func (c *ControlConnection) startReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.reconnecting {
		return
	}
	c.reconnecting = true
	c.wg.Add(1)
	go c.reconnect()
}

func (c *ControlConnection) reconnect() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
		c.wg.Done()
	}()

	schedule := c.cfg.Reconnection.NewSchedule()
	for {
		if c.ctx.Err() != nil {
			return
		}

		c.cfg.Metrics.IncControlReconnect()
		err := c.connectTo(c.ctx, c.failoverAddrs())
		if err == nil {
			return
		}

		delay := schedule.NextDelay()
		c.cfg.Logger.Warn("control connection reconnect failed", "error", err, "retry_in", delay)
		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Close closes the connection and stops background work. It is safe to
// call more than once.
func (c *ControlConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.state.Store(int32(StateClosed))
	c.cancel()
	c.refresher.stop()
	if cn != nil {
		_ = cn.Close()
	}
	c.wg.Wait()

	return nil
}
