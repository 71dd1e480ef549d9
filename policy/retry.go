package policy

import (
	"errors"
	"fmt"

	"github.com/arloliu/cqlwire/types"
)

// RetryAction is what a RetryPolicy asks the request handler to do.
type RetryAction uint8

const (
	// Rethrow surfaces the error to the caller.
	Rethrow RetryAction = iota
	// Retry sends the request again.
	Retry
	// Ignore resolves the execution as a success with an empty result.
	Ignore
)

// String returns the action name.
func (a RetryAction) String() string {
	switch a {
	case Rethrow:
		return "RETHROW"
	case Retry:
		return "RETRY"
	case Ignore:
		return "IGNORE"
	}

	return fmt.Sprintf("RetryAction(%d)", uint8(a))
}

// RetryDecision is the outcome of a RetryPolicy method.
type RetryDecision struct {
	Action RetryAction

	// Consistency is the level of the retry.
	Consistency types.Consistency

	// SameHost retries on the host that failed instead of the next host of
	// the query plan.
	SameHost bool
}

// RethrowDecision returns a decision surfacing the error.
func RethrowDecision() RetryDecision { return RetryDecision{Action: Rethrow} }

// IgnoreDecision returns a decision swallowing the error.
func IgnoreDecision() RetryDecision { return RetryDecision{Action: Ignore} }

// RetrySameHost returns a decision retrying on the failed host at cl.
func RetrySameHost(cl types.Consistency) RetryDecision {
	return RetryDecision{Action: Retry, Consistency: cl, SameHost: true}
}

// RetryNextHost returns a decision retrying on the next plan host at cl.
func RetryNextHost(cl types.Consistency) RetryDecision {
	return RetryDecision{Action: Retry, Consistency: cl}
}

// RetryPolicy decides what to do when an attempt fails. retries is the
// number of retries already made for the execution.
type RetryPolicy interface {
	// OnReadTimeout handles a server read timeout.
	OnReadTimeout(stmt Statement, err *types.ReadTimeoutError, retries int) RetryDecision

	// OnWriteTimeout handles a server write timeout.
	OnWriteTimeout(stmt Statement, err *types.WriteTimeoutError, retries int) RetryDecision

	// OnUnavailable handles a coordinator that knows too few live replicas.
	OnUnavailable(stmt Statement, err *types.UnavailableError, retries int) RetryDecision

	// OnRequestError handles every other retryable failure: closed
	// connections, overloaded or bootstrapping coordinators, replica
	// failures and server errors.
	OnRequestError(stmt Statement, cl types.Consistency, err error, retries int) RetryDecision
}

// DefaultRetry retries conservatively: at most once, and only when the
// retry is likely to succeed.
type DefaultRetry struct{}

var _ RetryPolicy = DefaultRetry{}

// NewDefaultRetry creates the default retry policy.
func NewDefaultRetry() DefaultRetry { return DefaultRetry{} }

// OnReadTimeout retries once on the same host when enough replicas answered
// but the data replica did not.
func (DefaultRetry) OnReadTimeout(_ Statement, err *types.ReadTimeoutError, retries int) RetryDecision {
	if retries == 0 && err.Received >= err.BlockFor && !err.DataPresent {
		return RetrySameHost(err.Consistency)
	}

	return RethrowDecision()
}

// OnWriteTimeout retries once on the same host when the batch log write
// timed out; the batch itself was never applied.
func (DefaultRetry) OnWriteTimeout(_ Statement, err *types.WriteTimeoutError, retries int) RetryDecision {
	if retries == 0 && err.WriteType == types.WriteTypeBatchLog {
		return RetrySameHost(err.Consistency)
	}

	return RethrowDecision()
}

// OnUnavailable retries once on the next host, whose view of the cluster
// may differ.
func (DefaultRetry) OnUnavailable(_ Statement, err *types.UnavailableError, retries int) RetryDecision {
	if retries == 0 {
		return RetryNextHost(err.Consistency)
	}

	return RethrowDecision()
}

// OnRequestError tries the next host unless the replicas themselves failed.
func (DefaultRetry) OnRequestError(_ Statement, cl types.Consistency, err error, _ int) RetryDecision {
	if isReplicaFailure(err) {
		return RethrowDecision()
	}

	return RetryNextHost(cl)
}

func isReplicaFailure(err error) bool {
	var readFailure *types.ReadFailureError
	var writeFailure *types.WriteFailureError
	var serverErr *types.ServerError
	if errors.As(err, &readFailure) || errors.As(err, &writeFailure) {
		return true
	}
	if errors.As(err, &serverErr) {
		return serverErr.ErrCode == types.CodeFunctionFailure || serverErr.ErrCode == types.CodeTruncateError
	}

	return false
}

// DowngradingConsistencyRetry retries at a lower consistency level that
// the reported number of live replicas can satisfy.
//
// WARNING: reads and writes may succeed at a weaker consistency than
// requested.
type DowngradingConsistencyRetry struct{}

var _ RetryPolicy = DowngradingConsistencyRetry{}

// NewDowngradingConsistencyRetry creates a downgrading retry policy.
func NewDowngradingConsistencyRetry() DowngradingConsistencyRetry {
	return DowngradingConsistencyRetry{}
}

func maxLikelyToWork(n int) RetryDecision {
	switch {
	case n >= 3:
		return RetrySameHost(types.Three)
	case n == 2:
		return RetrySameHost(types.Two)
	case n == 1:
		return RetrySameHost(types.One)
	}

	return RethrowDecision()
}

// OnReadTimeout implements RetryPolicy.
func (DowngradingConsistencyRetry) OnReadTimeout(_ Statement, err *types.ReadTimeoutError, retries int) RetryDecision {
	if retries != 0 || err.Consistency.IsSerial() {
		return RethrowDecision()
	}
	if err.Received < err.BlockFor {
		return maxLikelyToWork(err.Received)
	}
	if !err.DataPresent {
		return RetrySameHost(err.Consistency)
	}

	return RethrowDecision()
}

// OnWriteTimeout implements RetryPolicy.
func (DowngradingConsistencyRetry) OnWriteTimeout(_ Statement, err *types.WriteTimeoutError, retries int) RetryDecision {
	if retries != 0 {
		return RethrowDecision()
	}

	switch err.WriteType {
	case types.WriteTypeSimple, types.WriteTypeBatch:
		// At least one replica has the write; hinted handoff does the rest.
		if err.Received > 0 {
			return IgnoreDecision()
		}
		return RethrowDecision()
	case types.WriteTypeUnloggedBatch:
		return maxLikelyToWork(err.Received)
	case types.WriteTypeBatchLog:
		return RetrySameHost(err.Consistency)
	}

	return RethrowDecision()
}

// OnUnavailable implements RetryPolicy.
func (DowngradingConsistencyRetry) OnUnavailable(_ Statement, err *types.UnavailableError, retries int) RetryDecision {
	if retries != 0 {
		return RethrowDecision()
	}
	if err.Consistency.IsSerial() {
		return RetryNextHost(err.Consistency)
	}

	return maxLikelyToWork(err.Alive)
}

// OnRequestError implements RetryPolicy.
func (DowngradingConsistencyRetry) OnRequestError(stmt Statement, cl types.Consistency, err error, retries int) RetryDecision {
	return DefaultRetry{}.OnRequestError(stmt, cl, err, retries)
}

// AlwaysRetry retries every failure on the same host at consistency ONE,
// up to a maximum number of retries.
type AlwaysRetry struct {
	maxRetries int
}

var _ RetryPolicy = (*AlwaysRetry)(nil)

// AlwaysRetryOption configures an AlwaysRetry policy.
type AlwaysRetryOption func(*AlwaysRetry)

// WithMaxRetries caps the retries of one execution.
//
// Default: 3
//
// Parameters:
//   - n: Maximum retries
//
// Returns:
//   - AlwaysRetryOption: Configuration option
func WithMaxRetries(n int) AlwaysRetryOption {
	return func(p *AlwaysRetry) {
		p.maxRetries = n
	}
}

// NewAlwaysRetry creates an AlwaysRetry policy.
//
// Parameters:
//   - opts: Optional configuration options
//
// Returns:
//   - *AlwaysRetry: A new policy
func NewAlwaysRetry(opts ...AlwaysRetryOption) *AlwaysRetry {
	p := &AlwaysRetry{maxRetries: 3}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (p *AlwaysRetry) decide(retries int) RetryDecision {
	if retries >= p.maxRetries {
		return RethrowDecision()
	}

	return RetrySameHost(types.One)
}

// OnReadTimeout implements RetryPolicy.
func (p *AlwaysRetry) OnReadTimeout(_ Statement, _ *types.ReadTimeoutError, retries int) RetryDecision {
	return p.decide(retries)
}

// OnWriteTimeout implements RetryPolicy.
func (p *AlwaysRetry) OnWriteTimeout(_ Statement, _ *types.WriteTimeoutError, retries int) RetryDecision {
	return p.decide(retries)
}

// OnUnavailable implements RetryPolicy.
func (p *AlwaysRetry) OnUnavailable(_ Statement, _ *types.UnavailableError, retries int) RetryDecision {
	return p.decide(retries)
}

// OnRequestError implements RetryPolicy.
func (p *AlwaysRetry) OnRequestError(_ Statement, _ types.Consistency, _ error, retries int) RetryDecision {
	return p.decide(retries)
}

// FallthroughRetry never retries.
type FallthroughRetry struct{}

var _ RetryPolicy = FallthroughRetry{}

// NewFallthroughRetry creates a policy that rethrows every error.
func NewFallthroughRetry() FallthroughRetry { return FallthroughRetry{} }

// OnReadTimeout implements RetryPolicy.
func (FallthroughRetry) OnReadTimeout(Statement, *types.ReadTimeoutError, int) RetryDecision {
	return RethrowDecision()
}

// OnWriteTimeout implements RetryPolicy.
func (FallthroughRetry) OnWriteTimeout(Statement, *types.WriteTimeoutError, int) RetryDecision {
	return RethrowDecision()
}

// OnUnavailable implements RetryPolicy.
func (FallthroughRetry) OnUnavailable(Statement, *types.UnavailableError, int) RetryDecision {
	return RethrowDecision()
}

// OnRequestError implements RetryPolicy.
func (FallthroughRetry) OnRequestError(Statement, types.Consistency, error, int) RetryDecision {
	return RethrowDecision()
}

// IdempotenceAwareRetry only lets its child retry writes and request errors
// of idempotent statements. A non-idempotent statement that may have been
// applied is rethrown without consulting the child.
type IdempotenceAwareRetry struct {
	child RetryPolicy
}

var _ RetryPolicy = (*IdempotenceAwareRetry)(nil)

// NewIdempotenceAwareRetry wraps child.
//
// Parameters:
//   - child: Policy consulted for idempotent statements
//
// Returns:
//   - *IdempotenceAwareRetry: A new policy
func NewIdempotenceAwareRetry(child RetryPolicy) *IdempotenceAwareRetry {
	return &IdempotenceAwareRetry{child: child}
}

func idempotent(stmt Statement) bool {
	return stmt != nil && stmt.IsIdempotent()
}

// OnReadTimeout delegates to the child.
func (p *IdempotenceAwareRetry) OnReadTimeout(stmt Statement, err *types.ReadTimeoutError, retries int) RetryDecision {
	return p.child.OnReadTimeout(stmt, err, retries)
}

// OnWriteTimeout delegates only for idempotent statements.
func (p *IdempotenceAwareRetry) OnWriteTimeout(stmt Statement, err *types.WriteTimeoutError, retries int) RetryDecision {
	if !idempotent(stmt) {
		return RethrowDecision()
	}

	return p.child.OnWriteTimeout(stmt, err, retries)
}

// OnUnavailable delegates to the child; an unavailable coordinator never
// started the write.
func (p *IdempotenceAwareRetry) OnUnavailable(stmt Statement, err *types.UnavailableError, retries int) RetryDecision {
	return p.child.OnUnavailable(stmt, err, retries)
}

// OnRequestError delegates only for idempotent statements.
func (p *IdempotenceAwareRetry) OnRequestError(stmt Statement, cl types.Consistency, err error, retries int) RetryDecision {
	if !idempotent(stmt) {
		return RethrowDecision()
	}

	return p.child.OnRequestError(stmt, cl, err, retries)
}
