// Package cqlwire is a client for Apache Cassandra and compatible databases
// speaking the CQL native protocol (v3 to v5).
//
// A [Session] discovers the cluster through a control connection, keeps a
// pool of multiplexed connections per usable host and routes every request
// along a query plan built by its load balancing policy.
//
// # Key Features
//
//   - Token aware, datacenter aware routing with per-host connection pools
//   - Retry, speculative execution and reconnection policies
//   - Named execution profiles selected per statement
//   - Prepared statement cache with transparent re-preparation
//   - LZ4 and Snappy frame compression
//   - Host draining through NATS KV, cluster events to NATS JetStream
//   - Pluggable logging (zap, go-kit) and metrics (VictoriaMetrics, Prometheus)
//
// # Basic Usage
//
//	session, err := cqlwire.NewSession(ctx, []string{"10.0.0.1", "10.0.0.2"},
//	    cqlwire.WithKeyspace("app"),
//	    cqlwire.WithConsistency(types.LocalQuorum),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Close()
//
//	insert, err := session.Prepare(ctx, "INSERT INTO users (id, name) VALUES (?, ?)")
//	if err != nil {
//	    return err
//	}
//	_, err = session.Execute(ctx, insert.Bind(id, "alice").WithIdempotent(true))
//
//	rs, err := session.Execute(ctx, cqlwire.NewStatement("SELECT name FROM users WHERE id = ?", id))
//	if err != nil {
//	    return err
//	}
//	for rs.Next() {
//	    name, err := cqlwire.Get[string](rs.Row(), "name")
//	    ...
//	}
//
// # Statements
//
// [SimpleStatement], [BoundStatement] and [BatchStatement] are immutable
// values; every With method returns a copy. Simple statement values are
// serialized with CQL types inferred from their Go types; wrap a value in
// marshal.Typed to choose the type. Bound statement values use the types
// reported by the server when the statement was prepared.
//
// Only idempotent statements are executed speculatively, and the
// IdempotenceAware retry policy only retries those.
//
// # Error Handling
//
// Failed executions return one of:
//
//   - *types.NoHostAvailableError: every host of the plan failed; Errors
//     holds the last error per host
//   - *types.OperationTimedOutError: the profile request timeout elapsed
//   - ctx.Err(): the caller canceled the context
//   - *types.ExecutionError: the error the retry policy gave up on, with
//     the host, consistency and attempt count
//
// Server errors are typed (types.UnavailableError, types.ReadTimeoutError,
// types.QueryValidationError, ...) and reachable with errors.As:
//
//	_, err := session.Execute(ctx, stmt)
//	var unavailable *types.UnavailableError
//	if errors.As(err, &unavailable) {
//	    log.Printf("only %d of %d replicas alive", unavailable.Alive, unavailable.Required)
//	}
//
// # Sentinel Errors
//
//   - types.ErrSessionClosed: Operation attempted on a closed session
//   - types.ErrNoHosts: Matched by every *types.NoHostAvailableError
//   - types.ErrNoContactPoints: NewSession called without contact points
//   - ErrUseStatement: USE executed as a statement
//
// # Configuration Files
//
// [LoadConfigFile] reads the YAML form described by [FileConfig];
// [NewSessionFromFile] connects with it.
package cqlwire
