package conn_test

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/cqlwire/compress"
	"github.com/arloliu/cqlwire/conn"
	"github.com/arloliu/cqlwire/frame"
	"github.com/arloliu/cqlwire/test/testutil"
	"github.com/arloliu/cqlwire/types"
)

func dial(t *testing.T, node *testutil.FakeNode, opts ...conn.Option) *conn.Conn {
	t.Helper()

	c, err := conn.Dial(context.Background(), node.Address(), conn.NewConfig(opts...))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return c
}

func query(stmt string) *frame.Query {
	return &frame.Query{Statement: stmt, Params: frame.QueryParams{Consistency: types.One}}
}

// statementIs matches QUERY requests with the given text.
func statementIs(f *frame.Frame, stmt string) bool {
	q, ok := f.Message.(*frame.Query)
	return ok && q.Statement == stmt
}

func TestDialHandshake(t *testing.T) {
	node := testutil.StartFakeNode(t)
	c := dial(t, node)

	assert.Equal(t, frame.Version4, c.Version())
	assert.Equal(t, node.Address(), c.Addr())
	assert.Equal(t, 1, node.Requests(frame.OpOptions))
	assert.Equal(t, 1, node.Requests(frame.OpStartup))

	res, err := c.Send(context.Background(), query("INSERT INTO t (k) VALUES (1)"))
	require.NoError(t, err)
	assert.IsType(t, &frame.VoidResult{}, res.Message)
}

func TestDialByHostname(t *testing.T) {
	node := testutil.StartFakeNode(t)
	addr := net.JoinHostPort("localhost", strconv.Itoa(int(node.Addr().Port())))

	c, err := conn.Dial(context.Background(), addr, conn.NewConfig())
	if err != nil {
		t.Skipf("localhost does not resolve to the fake node: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	assert.Equal(t, addr, c.Addr())
	assert.Equal(t, node.Addr(), c.RemoteAddr())
}

func TestDialCompression(t *testing.T) {
	for _, comp := range []frame.Compressor{compress.LZ4{}, compress.Snappy{}} {
		t.Run(comp.Name(), func(t *testing.T) {
			node := testutil.StartFakeNode(t, testutil.WithCompression(comp))
			node.SetHandler(func(req *frame.Frame) *testutil.Reply {
				if !statementIs(req, "SELECT warnings") {
					return nil
				}
				return &testutil.Reply{Message: &frame.VoidResult{}, Warnings: []string{"aggregation without partition key"}}
			})
			c := dial(t, node, conn.WithCompressor(comp))

			res, err := c.Send(context.Background(), query("SELECT warnings"))
			require.NoError(t, err)
			assert.True(t, res.Header.Flags.Has(frame.FlagCompress))
			assert.Equal(t, []string{"aggregation without partition key"}, res.Warnings)
		})
	}
}

func TestDialCompressionNotSupportedByServer(t *testing.T) {
	node := testutil.StartFakeNode(t)
	c := dial(t, node, conn.WithCompressor(compress.LZ4{}))

	res, err := c.Send(context.Background(), query("SELECT 1"))
	require.NoError(t, err)
	assert.False(t, res.Header.Flags.Has(frame.FlagCompress))
}

func TestDialAuthentication(t *testing.T) {
	node := testutil.StartFakeNode(t, testutil.WithCredentials("cassandra", "secret"))

	t.Run("success", func(t *testing.T) {
		c := dial(t, node, conn.WithAuthenticator(conn.PasswordAuthenticator{
			Username:              "cassandra",
			Password:              "secret",
			AllowedAuthenticators: []string{testutil.PasswordAuthenticatorClass},
		}))
		assert.False(t, c.Closed())
	})

	t.Run("bad credentials", func(t *testing.T) {
		_, err := conn.Dial(context.Background(), node.Address(), conn.NewConfig(
			conn.WithAuthenticator(conn.PasswordAuthenticator{Username: "cassandra", Password: "wrong"})))

		var authErr *types.AuthenticationError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, node.Address(), authErr.Host)
		assert.True(t, types.IsFatal(err))
	})

	t.Run("no authenticator", func(t *testing.T) {
		_, err := conn.Dial(context.Background(), node.Address(), conn.NewConfig())

		var authErr *types.AuthenticationError
		require.ErrorAs(t, err, &authErr)
		assert.Contains(t, authErr.Error(), testutil.PasswordAuthenticatorClass)
	})

	t.Run("disallowed authenticator", func(t *testing.T) {
		_, err := conn.Dial(context.Background(), node.Address(), conn.NewConfig(
			conn.WithAuthenticator(conn.PasswordAuthenticator{
				Username:              "cassandra",
				Password:              "secret",
				AllowedAuthenticators: []string{"com.example.OtherAuthenticator"},
			})))

		var authErr *types.AuthenticationError
		require.ErrorAs(t, err, &authErr)
	})
}

func TestDialVersionRejected(t *testing.T) {
	node := testutil.StartFakeNode(t, testutil.WithMaxVersion(frame.Version3))

	_, err := conn.Dial(context.Background(), node.Address(), conn.NewConfig(conn.WithProtoVersion(frame.Version4)))
	var versionErr *conn.VersionError
	require.ErrorAs(t, err, &versionErr)
	assert.Equal(t, frame.Version4, versionErr.Requested)

	c := dial(t, node, conn.WithProtoVersion(frame.Version3))
	assert.Equal(t, frame.Version3, c.Version())
}

func TestDialKeyspace(t *testing.T) {
	node := testutil.StartFakeNode(t)
	c := dial(t, node, conn.WithKeyspace("inventory"))
	assert.Equal(t, "inventory", c.Keyspace())

	require.NoError(t, c.UseKeyspace(context.Background(), "orders"))
	assert.Equal(t, "orders", c.Keyspace())

	// Selecting the current keyspace again does not hit the server.
	before := len(node.Statements())
	require.NoError(t, c.UseKeyspace(context.Background(), "orders"))
	assert.Len(t, node.Statements(), before)
}

func TestDialRefused(t *testing.T) {
	node := testutil.StartFakeNode(t)
	addr := node.Address()
	node.Stop()

	_, err := conn.Dial(context.Background(), addr, conn.NewConfig(conn.WithConnectTimeout(time.Second)))
	require.Error(t, err)
}

func TestConcurrentRequestsUseDistinctStreams(t *testing.T) {
	node := testutil.StartFakeNode(t)

	var (
		mu          sync.Mutex
		active      = make(map[int16]bool)
		duplicate   atomic.Bool
		maxInFlight int
	)
	node.SetHandler(func(req *frame.Frame) *testutil.Reply {
		if !statementIs(req, "SELECT slow") {
			return nil
		}
		id := req.Header.Stream
		mu.Lock()
		if active[id] {
			duplicate.Store(true)
		}
		active[id] = true
		maxInFlight = max(maxInFlight, len(active))
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		delete(active, id)
		mu.Unlock()

		return &testutil.Reply{Message: &frame.VoidResult{}}
	})

	c := dial(t, node, conn.WithMaxRequests(4))
	assert.Equal(t, 4, c.StreamLimit())

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Send(context.Background(), query("SELECT slow"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.False(t, duplicate.Load(), "a stream id was reused while in flight")
	assert.LessOrEqual(t, maxInFlight, 4)
	assert.Equal(t, 0, c.InFlight())
}

func TestSendWaitsForFreeStream(t *testing.T) {
	node := testutil.StartFakeNode(t)
	node.SetHandler(func(req *frame.Frame) *testutil.Reply {
		if statementIs(req, "SELECT slow") {
			return &testutil.Reply{Message: &frame.VoidResult{}, Delay: 200 * time.Millisecond}
		}
		return nil
	})
	c := dial(t, node, conn.WithMaxRequests(2))

	for range 2 {
		go func() { _, _ = c.Send(context.Background(), query("SELECT slow")) }()
	}
	require.Eventually(t, func() bool { return c.InFlight() == 2 }, time.Second, 5*time.Millisecond)

	// The third request cannot get a stream before the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Send(ctx, query("SELECT fast"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Without a deadline it proceeds once a slow request completes.
	start := time.Now()
	_, err = c.Send(context.Background(), query("SELECT fast"))
	require.NoError(t, err)
	assert.Greater(t, time.Since(start), 50*time.Millisecond)
}

func TestAbandonedRequestReleasesStreamOnLateResponse(t *testing.T) {
	node := testutil.StartFakeNode(t)
	node.SetHandler(func(req *frame.Frame) *testutil.Reply {
		if statementIs(req, "SELECT slow") {
			return &testutil.Reply{Message: &frame.VoidResult{}, Delay: 100 * time.Millisecond}
		}
		return nil
	})
	c := dial(t, node, conn.WithMaxRequests(1))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Send(ctx, query("SELECT slow"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, c.InFlight(), "abandoned stream stays reserved")

	require.Eventually(t, func() bool { return c.InFlight() == 0 }, time.Second, 5*time.Millisecond)

	_, err = c.Send(context.Background(), query("SELECT fast"))
	require.NoError(t, err)
	assert.False(t, c.Closed())
}

func TestPendingRequestsFailWhenSocketCloses(t *testing.T) {
	node := testutil.StartFakeNode(t)
	node.SetHandler(func(req *frame.Frame) *testutil.Reply {
		if statementIs(req, "SELECT never") {
			return &testutil.Reply{Drop: true}
		}
		return nil
	})

	var closes atomic.Int32
	c := dial(t, node, conn.WithCloseHandler(func(*conn.Conn, error) { closes.Add(1) }))

	const pending = 5
	errs := make(chan error, pending)
	for range pending {
		go func() {
			_, err := c.Send(context.Background(), query("SELECT never"))
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return c.InFlight() == pending }, time.Second, 5*time.Millisecond)

	node.DropConnections()

	for range pending {
		select {
		case err := <-errs:
			var closedErr *types.ConnectionClosedError
			require.ErrorAs(t, err, &closedErr)
			assert.ErrorIs(t, err, types.ErrConnectionClosed)
			assert.Equal(t, node.Address(), closedErr.Host)
		case <-time.After(2 * time.Second):
			t.Fatal("pending request did not fail")
		}
	}

	<-c.Done()
	assert.True(t, c.Closed())
	assert.Error(t, c.Err())
	assert.Equal(t, 0, c.InFlight())

	// A closed connection is never reused.
	_, err := c.Send(context.Background(), query("SELECT 1"))
	assert.ErrorIs(t, err, types.ErrConnectionClosed)

	_ = c.Close()
	assert.Equal(t, int32(1), closes.Load())
}

func TestServerErrorsAreTyped(t *testing.T) {
	node := testutil.StartFakeNode(t)
	node.SetHandler(func(req *frame.Frame) *testutil.Reply {
		if statementIs(req, "SELECT unavailable") {
			return &testutil.Reply{Message: frame.NewErrorResponse(&types.UnavailableError{
				Message: "Cannot achieve consistency level QUORUM", Consistency: types.Quorum, Required: 2, Alive: 1,
			})}
		}
		return nil
	})
	c := dial(t, node)

	_, err := c.Send(context.Background(), query("SELECT unavailable"))
	var unavailable *types.UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, types.Quorum, unavailable.Consistency)
	assert.Equal(t, 2, unavailable.Required)
	assert.Equal(t, 1, unavailable.Alive)

	// Server errors leave the connection usable.
	assert.False(t, c.Closed())
	_, err = c.Send(context.Background(), query("SELECT 1"))
	require.NoError(t, err)
}

func TestEventsAreDelivered(t *testing.T) {
	node := testutil.StartFakeNode(t)

	events := make(chan frame.Event, 4)
	c := dial(t, node, conn.WithEventHandler(func(ev frame.Event) { events <- ev }))

	res, err := c.Send(context.Background(), &frame.Register{EventTypes: []string{frame.EventStatusChange, frame.EventTopologyChange}})
	require.NoError(t, err)
	require.IsType(t, &frame.Ready{}, res.Message)

	peer := netip.MustParseAddrPort("10.0.0.7:9042")
	node.PushEvent(&frame.StatusChangeEvent{Change: "DOWN", Addr: peer})
	node.PushEvent(&frame.SchemaChangeEvent{})

	select {
	case ev := <-events:
		status, ok := ev.(*frame.StatusChangeEvent)
		require.True(t, ok)
		assert.Equal(t, "DOWN", status.Change)
		assert.Equal(t, peer, status.Addr)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	// Schema changes were not registered for.
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %s", ev.EventType())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHeartbeatFailureClosesConnection(t *testing.T) {
	node := testutil.StartFakeNode(t)
	c := dial(t, node, conn.WithHeartbeat(30*time.Millisecond, 30*time.Millisecond))

	// Heartbeats succeed while the node answers OPTIONS.
	require.Eventually(t, func() bool { return node.Requests(frame.OpOptions) >= 2 }, time.Second, 5*time.Millisecond)
	assert.False(t, c.Closed())

	node.SetHandler(func(req *frame.Frame) *testutil.Reply {
		if _, ok := req.Message.(*frame.Options); ok {
			return &testutil.Reply{Drop: true}
		}
		return nil
	})

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed after heartbeat failure")
	}
	assert.ErrorContains(t, c.Err(), "heartbeat")
}

func TestCloseIsIdempotent(t *testing.T) {
	node := testutil.StartFakeNode(t)
	c := dial(t, node)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, c.Closed())
	assert.NoError(t, c.Err())

	_, err := c.Send(context.Background(), query("SELECT 1"))
	assert.True(t, errors.Is(err, types.ErrConnectionClosed))
}
