package conn

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/cqlwire/frame"
	"github.com/arloliu/cqlwire/host"
	"github.com/arloliu/cqlwire/policy"
	"github.com/arloliu/cqlwire/test/testutil"
	"github.com/arloliu/cqlwire/types"
)

func testPoolConfig() PoolConfig {
	return PoolConfig{
		LocalCore:    2,
		LocalMax:     3,
		RemoteCore:   1,
		RemoteMax:    1,
		Reconnection: policy.NewConstantReconnection(20 * time.Millisecond),
	}
}

func nodeDialer(opts ...Option) DialFunc {
	return func(ctx context.Context, addr string) (*Conn, error) {
		return Dial(ctx, addr, NewConfig(opts...))
	}
}

func newTestPool(t *testing.T, node *testutil.FakeNode, cfg PoolConfig, dial DialFunc) *Pool {
	t.Helper()

	h := host.New(host.Info{Addr: node.Addr(), Datacenter: "dc1"})
	p := NewPool(h, host.Local, cfg, dial)
	t.Cleanup(func() { _ = p.Close() })

	return p
}

func TestPoolFillOpensCoreConnections(t *testing.T) {
	node := testutil.StartFakeNode(t)

	var ups atomic.Int32
	cfg := testPoolConfig()
	cfg.OnHostUp = func(*host.Host) { ups.Add(1) }
	p := newTestPool(t, node, cfg, nodeDialer())

	require.NoError(t, p.Fill(context.Background()))
	assert.Equal(t, 2, p.Size())
	assert.Equal(t, 2, node.ConnectionCount())
	assert.Equal(t, int32(1), ups.Load())
	assert.True(t, p.Host().IsUp())

	// Filling a full pool is a no-op.
	require.NoError(t, p.Fill(context.Background()))
	assert.Equal(t, 2, p.Size())
}

func TestPoolBorrowReturnsLeastBusy(t *testing.T) {
	node := testutil.StartFakeNode(t)
	node.SetHandler(func(req *frame.Frame) *testutil.Reply {
		if q, ok := req.Message.(*frame.Query); ok && q.Statement == "SELECT never" {
			return &testutil.Reply{Drop: true}
		}
		return nil
	})
	p := newTestPool(t, node, testPoolConfig(), nodeDialer())
	require.NoError(t, p.Fill(context.Background()))

	busy, err := p.Borrow()
	require.NoError(t, err)
	go func() {
		_, _ = busy.Send(context.Background(), &frame.Query{Statement: "SELECT never"})
	}()
	require.Eventually(t, func() bool { return busy.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	for range 5 {
		c, err := p.Borrow()
		require.NoError(t, err)
		assert.NotSame(t, busy, c)
	}
	assert.Equal(t, 1, p.InFlight())
}

func TestPoolGrowsWhenSaturated(t *testing.T) {
	node := testutil.StartFakeNode(t)
	node.SetHandler(func(req *frame.Frame) *testutil.Reply {
		if q, ok := req.Message.(*frame.Query); ok && q.Statement == "SELECT never" {
			return &testutil.Reply{Drop: true}
		}
		return nil
	})
	cfg := testPoolConfig()
	cfg.LocalCore = 1
	cfg.LocalMax = 2
	p := newTestPool(t, node, cfg, nodeDialer(WithMaxRequests(1)))
	require.NoError(t, p.Fill(context.Background()))
	require.Equal(t, 1, p.Size())

	c, err := p.Borrow()
	require.NoError(t, err)
	go func() {
		_, _ = c.Send(context.Background(), &frame.Query{Statement: "SELECT never"})
	}()
	require.Eventually(t, func() bool { return c.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	// Every connection is saturated: the borrow still succeeds and the pool
	// grows in the background, up to its maximum.
	saturated, err := p.Borrow()
	require.NoError(t, err)
	assert.Same(t, c, saturated)
	require.Eventually(t, func() bool { return p.Size() == 2 }, time.Second, 5*time.Millisecond)

	fresh, err := p.Borrow()
	require.NoError(t, err)
	assert.NotSame(t, c, fresh)
}

func TestPoolReplacesClosedConnections(t *testing.T) {
	node := testutil.StartFakeNode(t)

	var downs, ups atomic.Int32
	cfg := testPoolConfig()
	cfg.OnHostDown = func(*host.Host, error) { downs.Add(1) }
	cfg.OnHostUp = func(*host.Host) { ups.Add(1) }
	p := newTestPool(t, node, cfg, nodeDialer())
	require.NoError(t, p.Fill(context.Background()))

	node.DropConnections()

	require.Eventually(t, func() bool {
		return p.Size() == 2 && node.ConnectionCount() == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, p.Host().IsUp())
	assert.GreaterOrEqual(t, ups.Load(), int32(1))
	assert.Equal(t, downs.Load()+1, ups.Load(), "every down is followed by an up")

	c, err := p.Borrow()
	require.NoError(t, err)
	_, err = c.Send(context.Background(), &frame.Query{Statement: "SELECT 1"})
	require.NoError(t, err)
}

func TestPoolReportsHostDownAndReconnects(t *testing.T) {
	node := testutil.StartFakeNode(t)

	var (
		failing  atomic.Bool
		attempts atomic.Int32
		downErr  atomic.Value
	)
	failing.Store(true)
	dial := func(ctx context.Context, addr string) (*Conn, error) {
		attempts.Add(1)
		if failing.Load() {
			return nil, errors.New("connection refused")
		}
		return Dial(ctx, addr, NewConfig())
	}

	cfg := testPoolConfig()
	cfg.OnHostDown = func(_ *host.Host, err error) { downErr.Store(err) }
	p := newTestPool(t, node, cfg, dial)

	err := p.Fill(context.Background())
	require.ErrorContains(t, err, "connection refused")
	assert.Equal(t, host.StateDown, p.Host().State())
	assert.NotNil(t, downErr.Load())

	_, err = p.Borrow()
	require.ErrorIs(t, err, types.ErrNoConnections)

	// Reconnection keeps trying on the schedule.
	require.Eventually(t, func() bool { return attempts.Load() > 4 }, time.Second, 5*time.Millisecond)

	failing.Store(false)
	require.Eventually(t, func() bool { return p.Size() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, p.Host().IsUp())
}

func TestPoolSetDistance(t *testing.T) {
	node := testutil.StartFakeNode(t)
	p := newTestPool(t, node, testPoolConfig(), nodeDialer())
	require.NoError(t, p.Fill(context.Background()))
	require.Equal(t, 2, p.Size())

	p.SetDistance(host.Remote)
	assert.Equal(t, host.Remote, p.Distance())
	assert.Equal(t, 1, p.Size())
	require.Eventually(t, func() bool { return node.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	p.SetDistance(host.Ignored)
	assert.Equal(t, 0, p.Size())
	_, err := p.Borrow()
	require.ErrorIs(t, err, types.ErrHostIgnored)
	require.Eventually(t, func() bool { return node.ConnectionCount() == 0 }, time.Second, 10*time.Millisecond)

	p.SetDistance(host.Local)
	require.Eventually(t, func() bool { return p.Size() == 2 }, time.Second, 10*time.Millisecond)
}

func TestPoolClose(t *testing.T) {
	node := testutil.StartFakeNode(t)
	p := newTestPool(t, node, testPoolConfig(), nodeDialer())
	require.NoError(t, p.Fill(context.Background()))

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 0, p.Size())
	require.Eventually(t, func() bool { return node.ConnectionCount() == 0 }, time.Second, 10*time.Millisecond)

	require.ErrorIs(t, p.Fill(context.Background()), types.ErrConnectionClosed)
}
