package cqlwire

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/cqlwire/compress"
	"github.com/arloliu/cqlwire/frame"
	"github.com/arloliu/cqlwire/host"
	"github.com/arloliu/cqlwire/marshal"
	"github.com/arloliu/cqlwire/policy"
	"github.com/arloliu/cqlwire/test/testutil"
	"github.com/arloliu/cqlwire/topology"
	"github.com/arloliu/cqlwire/types"
)

const (
	selectUsers = "SELECT id, name, score FROM app.users"
	insertUser  = "INSERT INTO app.users (id, name) VALUES (?, ?)"
)

var insertColumns = []frame.ColumnSpec{
	{Keyspace: "app", Table: "users", Name: "id", Type: marshal.Native(marshal.TypeInt)},
	{Keyspace: "app", Table: "users", Name: "name", Type: marshal.Native(marshal.TypeVarchar)},
}

func newTestSession(t *testing.T, cluster *testutil.FakeCluster, opts ...Option) *Session {
	t.Helper()

	base := []Option{
		WithConnectTimeout(time.Second),
		WithHeartbeat(0, 0),
		WithReconnection(policy.NewConstantReconnection(20 * time.Millisecond)),
		WithRefreshDebounce(10 * time.Millisecond),
		WithPoolSize(1, 1, 1, 1),
	}
	s, err := NewSession(t.Context(), cluster.ContactPoints(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

// onQuery answers QUERY requests for cql with fn and leaves every other
// request to the node.
func onQuery(cql string, fn func(q *frame.Query) *testutil.Reply) testutil.Handler {
	return func(req *frame.Frame) *testutil.Reply {
		q, ok := req.Message.(*frame.Query)
		if !ok || q.Statement != cql {
			return nil
		}

		return fn(q)
	}
}

func userRows(t *testing.T, n int) *testutil.Reply {
	rows := make([][]any, 0, n)
	for i := range n {
		rows = append(rows, []any{int32(i), "user", float64(i)})
	}

	return testutil.RowsReply(t, userColumns, rows...)
}

func errorReply(err error) *testutil.Reply {
	return &testutil.Reply{Message: frame.NewErrorResponse(err)}
}

func TestSessionExecute(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 3)
	var got atomic.Value
	cluster.SetHandler(onQuery(selectUsers, func(q *frame.Query) *testutil.Reply {
		got.Store(q.Params)
		return userRows(t, 2)
	}))

	m := newCountingMetrics()
	rec := &recordingTracker{}
	s := newTestSession(t, cluster, WithMetrics(m), WithRequestTracker(rec), WithPageSize(50))
	require.Equal(t, 3, s.Hosts().Len())

	rs, err := s.Execute(t.Context(), NewStatement(selectUsers))
	require.NoError(t, err)
	require.NotNil(t, rs.Host())

	rows, err := rs.All()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	name, err := Get[string](rows[1], "name")
	require.NoError(t, err)
	require.Equal(t, "user", name)

	params := got.Load().(frame.QueryParams)
	require.Equal(t, types.LocalOne, params.Consistency)
	require.Equal(t, int32(50), params.PageSize)
	require.True(t, params.HasDefaultTimestamp)

	snap := m.snapshot()
	require.Equal(t, 1, snap.requests)
	require.Equal(t, 1, snap.durations)
	require.Empty(t, snap.errors)
	require.Equal(t, 1, rec.starts)
	require.Equal(t, 1, rec.successes)
}

func TestSessionRetryUnavailableOnSameHost(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 3)

	var (
		mu         sync.Mutex
		quorum     []int
		one        []int
		timestamps []int64
	)
	for i, node := range cluster.Nodes {
		node.SetHandler(onQuery(selectUsers, func(q *frame.Query) *testutil.Reply {
			mu.Lock()
			defer mu.Unlock()

			timestamps = append(timestamps, q.Params.DefaultTimestamp)
			if q.Params.Consistency == types.Quorum {
				quorum = append(quorum, i)
				return errorReply(&types.UnavailableError{Consistency: types.Quorum, Required: 2, Alive: 1})
			}
			one = append(one, i)

			return userRows(t, 3)
		}))
	}

	m := newCountingMetrics()
	rec := &recordingTracker{}
	s := newTestSession(t, cluster,
		WithRetryPolicy(policy.NewAlwaysRetry()),
		WithMetrics(m),
		WithRequestTracker(rec),
		WithTimestampProvider(func() int64 { return 1234 }),
	)

	rs, err := s.Execute(t.Context(), NewStatement(selectUsers).WithConsistency(types.Quorum))
	require.NoError(t, err)
	require.Equal(t, 3, rs.Len())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, quorum, 1)
	require.Len(t, one, 1)
	require.Equal(t, quorum[0], one[0], "the retry goes to the same host")
	require.Equal(t, []int64{1234, 1234}, timestamps)

	require.Equal(t, map[string]int{"unavailable": 1}, m.snapshot().retries)
	require.Equal(t, 1, rec.attemptCount())
	require.Equal(t, types.Quorum, rec.attempts[0].Consistency)
	require.False(t, rec.attempts[0].Speculative)
}

func TestSessionSpeculativeExecution(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 2)
	var (
		mu    sync.Mutex
		nodes []int
	)
	for i, node := range cluster.Nodes {
		node.SetHandler(onQuery(selectUsers, func(*frame.Query) *testutil.Reply {
			mu.Lock()
			defer mu.Unlock()

			nodes = append(nodes, i)
			if len(nodes) == 1 {
				return &testutil.Reply{Drop: true}
			}
			return userRows(t, 1)
		}))
	}

	m := newCountingMetrics()
	s := newTestSession(t, cluster,
		WithSpeculativeExecution(policy.NewConstantSpeculativeExecution(50*time.Millisecond, 1)),
		WithMetrics(m),
	)

	start := time.Now()
	rs, err := s.Execute(t.Context(), NewStatement(selectUsers).WithIdempotent(true))
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, 1, rs.Len())
	require.Equal(t, 1, m.snapshot().speculative)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, nodes, 2)
	require.NotEqual(t, nodes[0], nodes[1], "the speculative attempt goes to another host")
	require.Equal(t, cluster.Nodes[nodes[1]].Addr().String(), rs.Host().Addr().String())
}

func TestSessionSpeculativeTimerReleased(t *testing.T) {
	h := &requestHandler{
		speculative: policy.NewConstantSpeculativeExecution(time.Hour, 1).NewPlan("", NewStatement(selectUsers)),
	}

	timer, ch := h.nextSpeculative(nil)
	require.NotNil(t, timer)
	require.NotNil(t, ch)
	require.True(t, timer.Stop(), "a pending wait can be stopped")

	timer, ch = h.nextSpeculative(nil)
	require.Nil(t, timer, "the plan is exhausted")
	require.Nil(t, ch)

	cluster := testutil.StartFakeCluster(t, 2)
	cluster.SetHandler(onQuery(selectUsers, func(*frame.Query) *testutil.Reply {
		return userRows(t, 1)
	}))
	m := newCountingMetrics()
	s := newTestSession(t, cluster,
		WithSpeculativeExecution(policy.NewConstantSpeculativeExecution(time.Hour, 3)),
		WithMetrics(m),
	)

	for range 20 {
		rs, err := s.Execute(t.Context(), NewStatement(selectUsers).WithIdempotent(true))
		require.NoError(t, err)
		require.Equal(t, 1, rs.Len())
	}
	require.Zero(t, m.snapshot().speculative)
}

func TestSessionSpeculativeExecutionSkipsNonIdempotent(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 2)
	var calls atomic.Int32
	cluster.SetHandler(onQuery(selectUsers, func(*frame.Query) *testutil.Reply {
		calls.Add(1)
		reply := userRows(t, 1)
		reply.Delay = 150 * time.Millisecond
		return reply
	}))

	m := newCountingMetrics()
	s := newTestSession(t, cluster,
		WithSpeculativeExecution(policy.NewConstantSpeculativeExecution(20*time.Millisecond, 3)),
		WithMetrics(m),
	)

	_, err := s.Execute(t.Context(), NewStatement(selectUsers))
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())
	require.Zero(t, m.snapshot().speculative)
}

func TestSessionNoHostAvailable(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 3)
	cluster.SetHandler(onQuery(selectUsers, func(*frame.Query) *testutil.Reply {
		return errorReply(&types.ServerError{ErrCode: types.CodeOverloaded, Message: "overloaded"})
	}))

	m := newCountingMetrics()
	s := newTestSession(t, cluster, WithMetrics(m))

	_, err := s.Execute(t.Context(), NewStatement(selectUsers))
	require.ErrorIs(t, err, types.ErrNoHosts)

	var noHost *types.NoHostAvailableError
	require.ErrorAs(t, err, &noHost)
	require.Len(t, noHost.Errors, 3)
	for _, node := range cluster.Nodes {
		var serverErr *types.ServerError
		require.ErrorAs(t, noHost.Errors[node.Address()], &serverErr)
		require.Equal(t, types.CodeOverloaded, serverErr.ErrCode)
	}
	require.Equal(t, map[string]int{"no_host_available": 1}, m.snapshot().errors)
}

func TestSessionRethrowReturnsExecutionError(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 2)
	cluster.SetHandler(onQuery(selectUsers, func(*frame.Query) *testutil.Reply {
		return errorReply(&types.QueryValidationError{ErrCode: types.CodeInvalid, Message: "unconfigured table users"})
	}))

	s := newTestSession(t, cluster, WithRetryPolicy(policy.NewAlwaysRetry()))

	_, err := s.Execute(t.Context(), NewStatement(selectUsers))
	var execErr *types.ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, 1, execErr.Attempts, "validation errors are never retried")
	require.Equal(t, types.LocalOne, execErr.Consistency)

	var validation *types.QueryValidationError
	require.ErrorAs(t, err, &validation)
}

func TestSessionRequestTimeout(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 1)
	cluster.SetHandler(onQuery(selectUsers, func(*frame.Query) *testutil.Reply {
		return &testutil.Reply{Drop: true}
	}))

	m := newCountingMetrics()
	s := newTestSession(t, cluster, WithRequestTimeout(100*time.Millisecond), WithMetrics(m))

	start := time.Now()
	_, err := s.Execute(t.Context(), NewStatement(selectUsers))
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	var timedOut *types.OperationTimedOutError
	require.ErrorAs(t, err, &timedOut)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, map[string]int{"client_timeout": 1}, m.snapshot().errors)
}

func TestSessionCallerCancel(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 1)
	cluster.SetHandler(onQuery(selectUsers, func(*frame.Query) *testutil.Reply {
		return &testutil.Reply{Drop: true}
	}))

	s := newTestSession(t, cluster)

	ctx, cancel := context.WithCancel(t.Context())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := s.Execute(ctx, NewStatement(selectUsers))
	require.ErrorIs(t, err, context.Canceled)

	var timedOut *types.OperationTimedOutError
	require.False(t, errors.As(err, &timedOut))
}

func TestSessionIgnoreDecision(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 1)
	cluster.SetHandler(onQuery(selectUsers, func(*frame.Query) *testutil.Reply {
		return errorReply(&types.ReadTimeoutError{Consistency: types.LocalOne, BlockFor: 1})
	}))

	m := newCountingMetrics()
	s := newTestSession(t, cluster, WithRetryPolicy(ignoreReadTimeouts{}), WithMetrics(m))

	rs, err := s.Execute(t.Context(), NewStatement(selectUsers))
	require.NoError(t, err)
	require.False(t, rs.Next())
	require.Nil(t, rs.Host())
	require.Equal(t, 1, m.snapshot().ignores)
}

type ignoreReadTimeouts struct {
	policy.FallthroughRetry
}

func (ignoreReadTimeouts) OnReadTimeout(policy.Statement, *types.ReadTimeoutError, int) policy.RetryDecision {
	return policy.IgnoreDecision()
}

func TestSessionIdempotenceAwareRetry(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 2)
	var calls atomic.Int32
	cluster.SetHandler(onQuery("UPDATE app.counters SET n = n + 1 WHERE k = 1", func(*frame.Query) *testutil.Reply {
		calls.Add(1)
		return errorReply(&types.WriteTimeoutError{
			Consistency: types.LocalOne, BlockFor: 1, WriteType: types.WriteTypeCounter,
		})
	}))

	s := newTestSession(t, cluster,
		WithRetryPolicy(policy.NewIdempotenceAwareRetry(policy.NewAlwaysRetry(policy.WithMaxRetries(2)))))
	stmt := NewStatement("UPDATE app.counters SET n = n + 1 WHERE k = 1")

	_, err := s.Execute(t.Context(), stmt)
	var execErr *types.ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, 1, execErr.Attempts)
	require.Equal(t, int32(1), calls.Load())

	calls.Store(0)
	_, err = s.Execute(t.Context(), stmt.WithIdempotent(true))
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, 3, execErr.Attempts)
	require.Equal(t, types.One, execErr.Consistency, "retries run at ONE")
	require.Equal(t, int32(3), calls.Load())
}

func TestSessionExecutionProfiles(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 1)
	var got atomic.Value
	cluster.SetHandler(onQuery(selectUsers, func(q *frame.Query) *testutil.Reply {
		got.Store(q.Params.Consistency)
		return userRows(t, 0)
	}))

	s := newTestSession(t, cluster,
		WithConsistency(types.LocalQuorum),
		WithExecutionProfile("strong", ExecutionProfile{Consistency: types.All}),
	)

	_, err := s.Execute(t.Context(), NewStatement(selectUsers))
	require.NoError(t, err)
	require.Equal(t, types.LocalQuorum, got.Load())

	_, err = s.Execute(t.Context(), NewStatement(selectUsers).WithProfile("strong"))
	require.NoError(t, err)
	require.Equal(t, types.All, got.Load())

	_, err = s.Execute(t.Context(), NewStatement(selectUsers).WithProfile("strong").WithConsistency(types.Two))
	require.NoError(t, err)
	require.Equal(t, types.Two, got.Load(), "statement consistency wins over the profile")

	_, err = s.Execute(t.Context(), NewStatement(selectUsers).WithProfile("missing"))
	require.ErrorContains(t, err, `unknown execution profile "missing"`)
}

func TestSessionPrepareAndExecute(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 2)
	var id atomic.Value
	id.Store([]byte("insert-1"))
	cluster.SetHandler(func(req *frame.Frame) *testutil.Reply {
		if p, ok := req.Message.(*frame.Prepare); ok && p.Statement == insertUser {
			return &testutil.Reply{Message: &frame.PreparedResult{
				ID:     id.Load().([]byte),
				Params: frame.PreparedMetadata{PKIndexes: []uint16{0}, Columns: insertColumns},
			}}
		}
		return nil
	})

	m := newCountingMetrics()
	s := newTestSession(t, cluster, WithMetrics(m))

	p, err := s.Prepare(t.Context(), insertUser)
	require.NoError(t, err)
	require.Equal(t, []byte("insert-1"), p.ID())
	require.Equal(t, "app", p.Keyspace())
	require.Len(t, p.Params(), 2)
	require.Equal(t, 1, m.snapshot().cacheSize)

	prepares := func() int {
		n := 0
		for _, node := range cluster.Nodes {
			n += node.Requests(frame.OpPrepare)
		}
		return n
	}
	require.Equal(t, 2, prepares(), "prepared on every host")

	again, err := s.Prepare(t.Context(), "  "+insertUser+"\n")
	require.NoError(t, err)
	require.Same(t, p, again)
	require.Equal(t, 2, prepares())

	_, err = s.Execute(t.Context(), p.Bind(int32(1), "alice"))
	require.NoError(t, err)

	// the nodes restart and lose their prepared statements
	for _, node := range cluster.Nodes {
		node.ForgetPrepared()
	}
	id.Store([]byte("insert-2"))

	_, err = s.Execute(t.Context(), p.Bind(int32(2), "bob"))
	require.NoError(t, err)
	require.Equal(t, 3, prepares())
	require.Equal(t, []byte("insert-2"), p.ID())

	cached, ok := s.prepared.byPreparedID([]byte("insert-2"))
	require.True(t, ok)
	require.Same(t, p, cached)
}

func TestSessionPrepareSingleflight(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 2)
	cluster.SetHandler(func(req *frame.Frame) *testutil.Reply {
		if p, ok := req.Message.(*frame.Prepare); ok && p.Statement == selectUsers {
			return &testutil.Reply{
				Message: &frame.PreparedResult{ID: []byte("select-users")},
				Delay:   50 * time.Millisecond,
			}
		}
		return nil
	})

	s := newTestSession(t, cluster)

	const callers = 10
	results := make([]*PreparedStatement, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.Prepare(t.Context(), selectUsers)
			assert.NoError(t, err)
			results[i] = p
		}()
	}
	wg.Wait()

	for _, p := range results {
		require.Same(t, results[0], p)
	}
	for _, node := range cluster.Nodes {
		require.Equal(t, 1, node.Requests(frame.OpPrepare))
	}
}

func TestSessionBatch(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 1)
	var got atomic.Pointer[frame.Batch]
	cluster.SetHandler(func(req *frame.Frame) *testutil.Reply {
		if b, ok := req.Message.(*frame.Batch); ok {
			got.Store(b)
		}
		return nil
	})

	s := newTestSession(t, cluster)
	p, err := s.Prepare(t.Context(), insertUser)
	require.NoError(t, err)

	batch := NewBatch(types.LoggedBatch).
		Add("DELETE FROM app.users WHERE id = ?", int32(1)).
		AddBound(p.Bind()).
		WithConsistency(types.Quorum)
	_, err = s.Execute(t.Context(), batch)
	require.NoError(t, err)

	b := got.Load()
	require.NotNil(t, b)
	require.Equal(t, types.Quorum, b.Consistency)
	require.Len(t, b.Entries, 2)
	require.Equal(t, p.ID(), b.Entries[1].ID)
}

func TestSessionPaging(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 1)
	cluster.SetHandler(onQuery(selectUsers, func(q *frame.Query) *testutil.Reply {
		if len(q.Params.PagingState) == 0 {
			reply := userRows(t, 2)
			reply.Message.(*frame.RowsResult).Metadata.PagingState = []byte("page-2")
			return reply
		}
		return userRows(t, 1)
	}))

	s := newTestSession(t, cluster)

	rs, err := s.Execute(t.Context(), NewStatement(selectUsers).WithPageSize(2))
	require.NoError(t, err)
	require.Equal(t, 2, rs.Len())
	require.True(t, rs.HasMorePages())

	next, err := rs.NextPage(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, next.Len())
	require.False(t, next.HasMorePages())

	_, err = next.NextPage(t.Context())
	require.ErrorIs(t, err, io.EOF)
}

func TestSessionExecuteAsync(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 1)
	cluster.SetHandler(onQuery(selectUsers, func(*frame.Query) *testutil.Reply {
		return userRows(t, 4)
	}))

	s := newTestSession(t, cluster)

	future := s.ExecuteAsync(t.Context(), NewStatement(selectUsers))
	rs, err := future.Get(t.Context())
	require.NoError(t, err)
	require.Equal(t, 4, rs.Len())

	select {
	case <-future.Done():
	default:
		t.Fatal("future is not done after Get returned")
	}
}

func TestSessionRejectsStatements(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 1)
	s := newTestSession(t, cluster)

	_, err := s.Execute(t.Context(), NewStatement("  use other"))
	require.ErrorIs(t, err, ErrUseStatement)

	_, err = s.Execute(t.Context(), nil)
	require.ErrorIs(t, err, types.ErrNilStatement)
}

func TestSessionClose(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 2)
	s := newTestSession(t, cluster)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Execute(t.Context(), NewStatement(selectUsers))
	require.ErrorIs(t, err, types.ErrSessionClosed)
	_, err = s.Prepare(t.Context(), selectUsers)
	require.ErrorIs(t, err, types.ErrSessionClosed)

	require.Eventually(t, func() bool {
		for _, node := range cluster.Nodes {
			if node.ConnectionCount() > 0 {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)
}

func TestSessionDrainWatcher(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 3)
	counts := make([]atomic.Int32, len(cluster.Nodes))
	for i, node := range cluster.Nodes {
		node.SetHandler(onQuery(selectUsers, func(*frame.Query) *testutil.Reply {
			counts[i].Add(1)
			return userRows(t, 1)
		}))
	}

	watcher := topology.NewLocal()
	t.Cleanup(func() { _ = watcher.Close() })
	s := newTestSession(t, cluster, WithDrainWatcher(watcher))

	drained := cluster.Nodes[0]
	h, ok := s.Hosts().ByAddr(drained.Addr())
	require.True(t, ok)

	require.NoError(t, watcher.SetDrain(t.Context(), topology.DrainConfig{
		Hosts:  []string{drained.Address()},
		Reason: "OS Patching",
	}))
	require.Eventually(t, func() bool { return h.State() == host.StateIgnored }, time.Second, 5*time.Millisecond)

	for i := range counts {
		counts[i].Store(0)
	}
	for range 12 {
		_, err := s.Execute(t.Context(), NewStatement(selectUsers))
		require.NoError(t, err)
	}
	require.Zero(t, counts[0].Load())
	require.Equal(t, int32(12), counts[1].Load()+counts[2].Load())

	require.NoError(t, watcher.Clear(t.Context()))
	require.Eventually(t, func() bool { return h.State() == host.StateUp }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := s.Execute(t.Context(), NewStatement(selectUsers))
		return err == nil && counts[0].Load() > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionInitialDrain(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 2)
	watcher := topology.NewLocal()
	t.Cleanup(func() { _ = watcher.Close() })
	require.NoError(t, watcher.SetDrain(t.Context(), topology.DrainConfig{Hosts: []string{cluster.Nodes[1].Address()}}))

	s := newTestSession(t, cluster, WithDrainWatcher(watcher))

	h, ok := s.Hosts().ByAddr(cluster.Nodes[1].Addr())
	require.True(t, ok)
	require.Equal(t, host.StateIgnored, h.State())
	require.Nil(t, s.pool(h.Addr()), "no pool is opened for a drained host")
}

func TestSessionEventListener(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 2)

	events := make(chan topology.ClusterEvent, 16)
	s := newTestSession(t, cluster, WithEventListener(func(ev topology.ClusterEvent) {
		select {
		case events <- ev:
		default:
		}
	}))
	require.NotNil(t, s.Control())

	peer := cluster.Nodes[1]
	for _, node := range cluster.Nodes {
		node.PushEvent(&frame.StatusChangeEvent{Change: "DOWN", Addr: peer.Addr()})
	}

	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				if ev.Kind == topology.EventHostDown && ev.Addr == peer.Address() {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 10*time.Millisecond)
}

func TestSessionCompressionAndAuth(t *testing.T) {
	cluster := testutil.StartFakeCluster(t, 1,
		testutil.WithCompression(compress.LZ4{}),
		testutil.WithCredentials("app", "secret"),
	)
	cluster.SetHandler(onQuery(selectUsers, func(*frame.Query) *testutil.Reply {
		return userRows(t, 3)
	}))

	s := newTestSession(t, cluster, WithCompressor(compress.LZ4{}), WithCredentials("app", "secret"))

	rs, err := s.Execute(t.Context(), NewStatement(selectUsers))
	require.NoError(t, err)
	require.Equal(t, 3, rs.Len())
}

func TestNewSessionErrors(t *testing.T) {
	_, err := NewSession(t.Context(), nil)
	require.ErrorIs(t, err, types.ErrNoContactPoints)

	cluster := testutil.StartFakeCluster(t, 1, testutil.WithCredentials("app", "secret"))
	_, err = NewSession(t.Context(), cluster.ContactPoints(),
		WithConnectTimeout(time.Second),
		WithCredentials("app", "wrong"),
	)
	var authErr *types.AuthenticationError
	require.ErrorAs(t, err, &authErr)

	stopped := testutil.StartFakeNode(t)
	addr := stopped.Address()
	stopped.Stop()
	_, err = NewSession(t.Context(), []string{addr}, WithConnectTimeout(200*time.Millisecond))
	require.Error(t, err)
}
