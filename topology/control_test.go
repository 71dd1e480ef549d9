package topology_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/cqlwire/conn"
	"github.com/arloliu/cqlwire/frame"
	"github.com/arloliu/cqlwire/host"
	"github.com/arloliu/cqlwire/internal/metrics"
	"github.com/arloliu/cqlwire/policy"
	"github.com/arloliu/cqlwire/test/testutil"
	"github.com/arloliu/cqlwire/topology"
	"github.com/arloliu/cqlwire/types"
)

// eventRecorder collects cluster events delivered to a listener.
type eventRecorder struct {
	mu     sync.Mutex
	events []topology.ClusterEvent
}

func (r *eventRecorder) listen(ev topology.ClusterEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) has(kind topology.EventKind, addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ev := range r.events {
		if ev.Kind == kind && (addr == "" || ev.Addr == addr) {
			return true
		}
	}

	return false
}

func (r *eventRecorder) find(kind topology.EventKind) (topology.ClusterEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ev := range r.events {
		if ev.Kind == kind {
			return ev, true
		}
	}

	return topology.ClusterEvent{}, false
}

// countingMetrics counts control connection reconnects.
type countingMetrics struct {
	metrics.NopMetrics

	reconnects atomic.Int64
}

func (m *countingMetrics) IncControlReconnect() { m.reconnects.Add(1) }

func (m *countingMetrics) controlReconnects() int { return int(m.reconnects.Load()) }

func controlConfig(contactPoints ...string) topology.ControlConfig {
	cfg := topology.DefaultControlConfig()
	cfg.ContactPoints = contactPoints
	cfg.Conn = conn.NewConfig(conn.WithConnectTimeout(time.Second), conn.WithHeartbeat(0, 0))
	cfg.Reconnection = policy.NewConstantReconnection(20 * time.Millisecond)
	cfg.RefreshDebounce = 10 * time.Millisecond

	return cfg
}

func connectControl(t *testing.T, cfg topology.ControlConfig) *topology.ControlConnection {
	t.Helper()

	control, err := topology.NewControlConnection(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = control.Close() })

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, control.Connect(ctx))

	return control
}

func TestNewControlConnectionRequiresContactPoints(t *testing.T) {
	_, err := topology.NewControlConnection(topology.ControlConfig{})
	require.ErrorIs(t, err, types.ErrNoContactPoints)
}

func TestControlConnectDiscoversCluster(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 3)
	cluster.SetKeyspace("app", map[string]string{
		"class":              "org.apache.cassandra.locator.SimpleStrategy",
		"replication_factor": "2",
	})

	control := connectControl(t, controlConfig(cluster.Nodes[0].Address()))

	assert.Equal(t, topology.StateReady, control.State())
	assert.Equal(t, frame.Version4, control.ProtoVersion())
	assert.Equal(t, "dc1", control.LocalDatacenter())

	hosts := control.Hosts()
	require.Equal(t, 3, hosts.Len())
	for _, node := range cluster.Nodes {
		h, ok := hosts.ByAddr(node.Addr())
		require.True(t, ok, "host %s not discovered", node.Address())
		assert.Equal(t, node.Info().HostID, h.ID())
		assert.Equal(t, node.Info().Tokens, h.Tokens())
		assert.True(t, h.IsUp())
	}

	tm := control.TokenMap()
	require.NotNil(t, tm)
	assert.Equal(t, 3, tm.Len())
	_, ok := tm.Strategy("app")
	assert.True(t, ok)
	assert.Len(t, tm.ReplicasForKey("app", []byte("user-1")), 2)

	// peers_v2 is preferred when present
	assert.Contains(t, cluster.Nodes[0].Statements(), "SELECT * FROM system.peers_v2")
}

func TestControlConnectUsesConfiguredDatacenter(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 1)

	cfg := controlConfig(cluster.Nodes[0].Address())
	cfg.LocalDatacenter = "dc9"
	control := connectControl(t, cfg)

	assert.Equal(t, "dc9", control.LocalDatacenter())
}

func TestControlConnectDowngradesProtocolVersion(t *testing.T) {
	node := testutil.StartFakeNode(t, testutil.WithMaxVersion(frame.Version3))

	control := connectControl(t, controlConfig(node.Address()))

	assert.Equal(t, frame.Version3, control.ProtoVersion())
	assert.Equal(t, 1, control.Hosts().Len())
}

func TestControlConnectNoHostAvailable(t *testing.T) {
	node := testutil.StartFakeNode(t)
	addr := node.Address()
	node.Stop()

	control, err := topology.NewControlConnection(controlConfig(addr))
	require.NoError(t, err)
	defer control.Close()

	err = control.Connect(t.Context())
	require.ErrorIs(t, err, types.ErrNoHosts)

	var nhe *types.NoHostAvailableError
	require.ErrorAs(t, err, &nhe)
	assert.Contains(t, nhe.Errors, addr)
	assert.Equal(t, topology.StateDisconnected, control.State())
}

func TestControlConnectFailsFastOnBadCredentials(t *testing.T) {
	node := testutil.StartFakeNode(t, testutil.WithCredentials("cassandra", "secret"))

	cfg := controlConfig(node.Address())
	cfg.Conn.Authenticator = conn.PasswordAuthenticator{Username: "cassandra", Password: "wrong"}

	control, err := topology.NewControlConnection(cfg)
	require.NoError(t, err)
	defer control.Close()

	err = control.Connect(t.Context())
	var authErr *types.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.NotErrorIs(t, err, types.ErrNoHosts)
}

func TestControlFallsBackToSystemPeers(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 2)
	cluster.SetHandler(func(req *frame.Frame) *testutil.Reply {
		if q, ok := req.Message.(*frame.Query); ok && strings.Contains(q.Statement, "system.peers_v2") {
			return &testutil.Reply{Message: &frame.ErrorResponse{
				Code:    types.CodeInvalid,
				Message: "unconfigured table peers_v2",
			}}
		}
		return nil
	})

	control := connectControl(t, controlConfig(cluster.Nodes[0].Address()))

	hosts := control.Hosts()
	require.Equal(t, 2, hosts.Len())
	_, ok := hosts.ByAddr(cluster.Nodes[1].Addr())
	assert.True(t, ok)

	// later refreshes go straight to system.peers
	before := countStatements(cluster.Nodes[0], "SELECT * FROM system.peers_v2")
	require.NoError(t, control.Refresh(t.Context()))
	assert.Equal(t, before, countStatements(cluster.Nodes[0], "SELECT * FROM system.peers_v2"))
}

func countStatements(node *testutil.FakeNode, stmt string) int {
	n := 0
	for _, s := range node.Statements() {
		if s == stmt {
			n++
		}
	}

	return n
}

func TestControlStatusChangeEvents(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 2)
	control := connectControl(t, controlConfig(cluster.Nodes[0].Address()))

	var rec eventRecorder
	unsubscribe := control.Subscribe(rec.listen)
	defer unsubscribe()

	peer := cluster.Nodes[1]
	h, ok := control.Hosts().ByAddr(peer.Addr())
	require.True(t, ok)

	cluster.Nodes[0].PushEvent(&frame.StatusChangeEvent{Change: "DOWN", Addr: peer.Addr()})
	require.Eventually(t, func() bool { return h.State() == host.StateDown }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return rec.has(topology.EventHostDown, peer.Address()) }, time.Second, 5*time.Millisecond)

	cluster.Nodes[0].PushEvent(&frame.StatusChangeEvent{Change: "UP", Addr: peer.Addr()})
	require.Eventually(t, func() bool { return h.IsUp() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return rec.has(topology.EventHostUp, peer.Address()) }, time.Second, 5*time.Millisecond)
}

func TestControlTopologyChangeTriggersRefresh(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 2)
	control := connectControl(t, controlConfig(cluster.Nodes[0].Address()))
	require.Equal(t, 2, control.Hosts().Len())

	var rec eventRecorder
	control.Subscribe(rec.listen)
	prevVersion := control.Hosts().Version()

	joining := testutil.StartFakeNode(t)
	cluster.Nodes[0].SetPeers(cluster.Nodes[0], cluster.Nodes[1], joining)
	cluster.Nodes[0].PushEvent(&frame.TopologyChangeEvent{Change: "NEW_NODE", Addr: joining.Addr()})

	require.Eventually(t, func() bool { return control.Hosts().Len() == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Greater(t, control.Hosts().Version(), prevVersion)
	assert.True(t, rec.has(topology.EventHostAdded, joining.Address()))

	// existing hosts keep their identity so their state survives
	cluster.Nodes[0].SetPeers(cluster.Nodes[0], cluster.Nodes[1])
	cluster.Nodes[0].PushEvent(&frame.TopologyChangeEvent{Change: "REMOVED_NODE", Addr: joining.Addr()})
	require.Eventually(t, func() bool { return control.Hosts().Len() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, rec.has(topology.EventHostRemoved, joining.Address()))
}

func TestControlRefreshKeepsUnchangedHosts(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 2)
	control := connectControl(t, controlConfig(cluster.Nodes[0].Address()))

	before := control.Hosts()
	h, ok := before.ByAddr(cluster.Nodes[1].Addr())
	require.True(t, ok)
	h.SetState(host.StateDown)

	require.NoError(t, control.Refresh(t.Context()))

	after := control.Hosts()
	assert.Same(t, before, after, "unchanged topology publishes no new snapshot")
	assert.Equal(t, host.StateDown, h.State())
}

func TestControlSchemaChangeEvent(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 1)
	control := connectControl(t, controlConfig(cluster.Nodes[0].Address()))

	var rec eventRecorder
	control.Subscribe(rec.listen)

	cluster.SetKeyspace("orders", map[string]string{
		"class": "NetworkTopologyStrategy",
		"dc1":   "1",
	})
	cluster.Nodes[0].PushEvent(&frame.SchemaChangeEvent{SchemaChange: frame.SchemaChange{
		Change:   "CREATED",
		Target:   "KEYSPACE",
		Keyspace: "orders",
	}})

	require.Eventually(t, func() bool {
		_, ok := rec.find(topology.EventSchemaChanged)
		return ok
	}, time.Second, 5*time.Millisecond)
	ev, _ := rec.find(topology.EventSchemaChanged)
	assert.Equal(t, "orders", ev.Keyspace)
	assert.Equal(t, "CREATED", ev.Change)

	require.Eventually(t, func() bool {
		tm := control.TokenMap()
		if tm == nil {
			return false
		}
		_, ok := tm.Strategy("orders")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestControlFailsOverToAnotherHost(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 2)

	var reconnects countingMetrics
	cfg := controlConfig(cluster.Nodes[0].Address())
	cfg.Metrics = &reconnects
	control := connectControl(t, cfg)
	require.Equal(t, 1, cluster.Nodes[0].ConnectionCount())

	cluster.Nodes[0].Stop()

	require.Eventually(t, func() bool {
		return control.State() == topology.StateReady && cluster.Nodes[1].ConnectionCount() == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, reconnects.controlReconnects(), 1)

	// the new connection receives events
	h, ok := control.Hosts().ByAddr(cluster.Nodes[0].Addr())
	require.True(t, ok)
	cluster.Nodes[1].PushEvent(&frame.StatusChangeEvent{Change: "DOWN", Addr: cluster.Nodes[0].Addr()})
	require.Eventually(t, func() bool { return h.State() == host.StateDown }, time.Second, 5*time.Millisecond)
}

func TestControlClose(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 1)
	control := connectControl(t, controlConfig(cluster.Nodes[0].Address()))

	require.NoError(t, control.Close())
	require.NoError(t, control.Close())
	assert.Equal(t, topology.StateClosed, control.State())
	require.Eventually(t, func() bool { return cluster.Nodes[0].ConnectionCount() == 0 }, time.Second, 10*time.Millisecond)

	require.ErrorIs(t, control.Connect(t.Context()), types.ErrConnectionClosed)
	require.ErrorIs(t, control.Refresh(t.Context()), types.ErrConnectionClosed)
}
