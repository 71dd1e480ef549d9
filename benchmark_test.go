package cqlwire_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/cqlwire"
	"github.com/arloliu/cqlwire/frame"
	"github.com/arloliu/cqlwire/marshal"
	"github.com/arloliu/cqlwire/policy"
	"github.com/arloliu/cqlwire/test/testutil"
	"github.com/arloliu/cqlwire/types"
)

// =============================================================================
// Benchmark Infrastructure
// =============================================================================

const (
	benchSelect = "SELECT id, name FROM app.users WHERE id = ?"
	benchInsert = "INSERT INTO app.users (id, name) VALUES (?, ?)"
)

var benchColumns = []frame.ColumnSpec{
	{Keyspace: "app", Table: "users", Name: "id", Type: marshal.Native(marshal.TypeInt)},
	{Keyspace: "app", Table: "users", Name: "name", Type: marshal.Native(marshal.TypeVarchar)},
}

// benchSession connects to a fake cluster answering benchSelect with rows
// rows. The fake node runs in process, so results measure the driver and
// the loopback round trip.
func benchSession(b *testing.B, nodes, rows int, opts ...cqlwire.Option) *cqlwire.Session {
	b.Helper()

	data := make([][]any, 0, rows)
	for i := range rows {
		data = append(data, []any{int32(i), "user"})
	}

	cluster := testutil.StartFakeCluster(b, nodes)
	cluster.SetHandler(func(req *frame.Frame) *testutil.Reply {
		switch m := req.Message.(type) {
		case *frame.Query:
			if m.Statement == benchSelect {
				return testutil.RowsReply(b, benchColumns, data...)
			}
		case *frame.Prepare:
			if m.Statement == benchInsert {
				return &testutil.Reply{Message: &frame.PreparedResult{
					ID:     []byte("bench-insert"),
					Params: frame.PreparedMetadata{PKIndexes: []uint16{0}, Columns: benchColumns},
				}}
			}
		}
		return nil
	})

	base := []cqlwire.Option{
		cqlwire.WithConnectTimeout(time.Second),
		cqlwire.WithHeartbeat(0, 0),
		cqlwire.WithReconnection(policy.NewConstantReconnection(50 * time.Millisecond)),
	}
	s, err := cqlwire.NewSession(b.Context(), cluster.ContactPoints(), append(base, opts...)...)
	require.NoError(b, err)
	b.Cleanup(func() { _ = s.Close() })

	return s
}

// =============================================================================
// Session Benchmarks
// =============================================================================

func BenchmarkSessionExecuteSimple(b *testing.B) {
	s := benchSession(b, 1, 1)
	stmt := cqlwire.NewStatement(benchSelect, int32(1))
	ctx := b.Context()

	b.ResetTimer()
	b.ReportAllocs()

	for b.Loop() {
		rs, err := s.Execute(ctx, stmt)
		if err != nil {
			b.Fatal(err)
		}
		_ = rs.Close()
	}
}

func BenchmarkSessionExecuteBound(b *testing.B) {
	s := benchSession(b, 1, 0)
	ctx := b.Context()
	p, err := s.Prepare(ctx, benchInsert)
	require.NoError(b, err)

	b.ResetTimer()
	b.ReportAllocs()

	for b.Loop() {
		if _, err := s.Execute(ctx, p.Bind(int32(1), "alice").WithIdempotent(true)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSessionExecuteParallel(b *testing.B) {
	s := benchSession(b, 3, 1, cqlwire.WithPoolSize(2, 4, 1, 2))
	stmt := cqlwire.NewStatement(benchSelect, int32(1)).WithConsistency(types.LocalQuorum)
	ctx := b.Context()

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			rs, err := s.Execute(ctx, stmt)
			if err != nil {
				b.Error(err)
				return
			}
			_ = rs.Close()
		}
	})
}

func BenchmarkSessionExecuteSpeculative(b *testing.B) {
	s := benchSession(b, 3, 1,
		cqlwire.WithSpeculativeExecution(policy.NewConstantSpeculativeExecution(time.Second, 2)))
	stmt := cqlwire.NewStatement(benchSelect, int32(1)).WithIdempotent(true)
	ctx := b.Context()

	b.ResetTimer()
	b.ReportAllocs()

	for b.Loop() {
		rs, err := s.Execute(ctx, stmt)
		if err != nil {
			b.Fatal(err)
		}
		_ = rs.Close()
	}
}

// =============================================================================
// Row Decoding Benchmarks
// =============================================================================

func BenchmarkRowSetIterate(b *testing.B) {
	s := benchSession(b, 1, 100)
	stmt := cqlwire.NewStatement(benchSelect, int32(1))
	ctx := b.Context()

	b.ResetTimer()
	b.ReportAllocs()

	for b.Loop() {
		rs, err := s.Execute(ctx, stmt)
		if err != nil {
			b.Fatal(err)
		}
		for rs.Next() {
			if _, err := cqlwire.Get[string](rs.Row(), "name"); err != nil {
				b.Fatal(err)
			}
		}
		if err := rs.Err(); err != nil {
			b.Fatal(err)
		}
	}
}
