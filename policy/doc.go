// Package policy provides the load balancing, retry, speculative execution
// and reconnection policies of the cqlwire driver.
//
// # Load Balancing
//
// A [LoadBalancingPolicy] classifies hosts by [host.Distance] and builds a
// [QueryPlan], a lazy sequence of hosts, for every execution:
//
//   - [RoundRobin]: every host in turn
//   - [DCAwareRoundRobin]: local datacenter first, a few remote hosts after
//   - [TokenAware]: replicas of the routing key first, then a child policy
//   - [HostPool]: epsilon-greedy selection on observed latency
//   - [LatencyAware]: moves hosts with an open [LatencyCircuitBreaker] last
//
// Policies compose:
//
//	lb := policy.NewTokenAware(
//	    policy.NewLatencyAware(policy.NewDCAwareRoundRobin(), nil),
//	)
//
// # Retry
//
// A [RetryPolicy] turns a failed attempt into a [RetryDecision]:
//
//   - [DefaultRetry]: retry once when likely to succeed
//   - [DowngradingConsistencyRetry]: retry at a level the live replicas satisfy
//   - [AlwaysRetry]: retry on the same host at ONE
//   - [FallthroughRetry]: never retry
//   - [IdempotenceAwareRetry]: never lets a non-idempotent write be retried
//
// # Speculative Execution
//
// A [SpeculativeExecutionPolicy] starts extra attempts for slow idempotent
// statements; the first attempt to succeed wins.
//
//	spec := policy.NewConstantSpeculativeExecution(50*time.Millisecond, 2)
//
// # Reconnection
//
// A [ReconnectionPolicy] spaces out reconnection attempts of pools and of
// the control connection:
//
//	reconnect := policy.NewExponentialReconnection(time.Second, time.Minute)
package policy
