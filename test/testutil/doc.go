// Package testutil provides test helpers for cqlwire.
//
// # Fake Nodes
//
// [FakeNode] is an in-process server speaking the native protocol through
// the frame codec. It answers the handshake, the system table queries issued
// by the control connection, OPTIONS heartbeats and REGISTER, and hands every
// other request to a [Handler]:
//
//	cluster := testutil.StartFakeCluster(t, 3)
//	cluster.SetHandler(func(req *frame.Frame) *testutil.Reply {
//	    if q, ok := req.Message.(*frame.Query); ok && q.Statement == "SELECT ..." {
//	        return testutil.RowsReply(t, columns, rows...)
//	    }
//	    return nil
//	})
//	session, _ := cqlwire.NewSession(ctx, cluster.ContactPoints())
//
// # Metrics
//
// [TestMetricsCollector] records every driver metric for assertions.
//
// # Integration Test Helpers
//
// For integration tests, helper functions are provided:
//
//   - StartEmbeddedNATS: Starts an embedded NATS server for drain watcher and publisher tests
//   - StartCassandra: Starts a Cassandra test container (requires Docker)
package testutil
