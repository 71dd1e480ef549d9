package cqlwire

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/cqlwire/conn"
	"github.com/arloliu/cqlwire/frame"
	"github.com/arloliu/cqlwire/host"
	"github.com/arloliu/cqlwire/policy"
	"github.com/arloliu/cqlwire/types"
)

// buildError marks failures to serialize a request. They fail the same way
// on every host and are never retried.
type buildError struct {
	err error
}

func (e *buildError) Error() string { return e.err.Error() }
func (e *buildError) Unwrap() error { return e.err }

// attemptResult is what an attempt chain reports to the handler.
type attemptResult struct {
	res         *frame.Frame
	host        *host.Host
	consistency types.Consistency

	err     error
	ignored bool

	// exhausted is set when the chain ran out of hosts.
	exhausted bool
}

// requestHandler drives one logical execution: it walks the query plan,
// applies the retry policy to failed attempts and starts speculative
// attempts for idempotent statements. The first successful attempt wins.
type requestHandler struct {
	s       *Session
	stmt    Statement
	opts    *queryOptions
	profile ExecutionProfile
	info    *RequestInfo

	plan        policy.QueryPlan
	speculative policy.SpeculativePlan

	consistency  types.Consistency
	serial       types.Consistency
	pageSize     int32
	timestamp    int64
	hasTimestamp bool

	attempts atomic.Int32

	mu       sync.Mutex
	errs     map[string]error
	lastHost string
}

func newRequestHandler(s *Session, stmt Statement, profile ExecutionProfile) *requestHandler {
	opts := stmt.options()
	keyspace := opts.keyspace
	if keyspace == "" {
		keyspace = s.cfg.Keyspace
	}

	h := &requestHandler{
		s:           s,
		stmt:        stmt,
		opts:        opts,
		profile:     profile,
		plan:        profile.LoadBalancing.NewQueryPlan(keyspace, stmt),
		speculative: profile.Speculative.NewPlan(keyspace, stmt),
		consistency: profile.Consistency,
		serial:      profile.SerialConsistency,
		pageSize:    s.cfg.PageSize,
		errs:        make(map[string]error),
		info: &RequestInfo{
			Statement: stmt,
			Keyspace:  keyspace,
			Profile:   opts.profile,
			Start:     time.Now(),
		},
	}
	if cl, ok := opts.Consistency(); ok {
		h.consistency = cl
	}
	if cl, ok := opts.SerialConsistency(); ok {
		h.serial = cl
	}
	if opts.hasPageSize {
		h.pageSize = opts.pageSize
	}
	// one timestamp for every attempt, so retried writes stay idempotent
	switch {
	case opts.hasTimestamp:
		h.timestamp, h.hasTimestamp = opts.timestamp, true
	case s.cfg.TimestampProvider != nil:
		h.timestamp, h.hasTimestamp = s.cfg.TimestampProvider(), true
	}

	return h
}

// execute runs the execution to completion.
//
// Parameters:
//   - ctx: Caller context; the profile request timeout is applied on top
//
// Returns:
//   - *RowSet: The result of the winning attempt
//   - error: *types.NoHostAvailableError, *types.OperationTimedOutError,
//     the caller's ctx error, or *types.ExecutionError
func (h *requestHandler) execute(ctx context.Context) (*RowSet, error) {
	tracker := h.s.tracker
	tracker.OnStart(h.info)

	rs, err := h.run(ctx)
	latency := time.Since(h.info.Start)
	if err != nil {
		tracker.OnError(h.info, latency, err)
		return nil, err
	}
	tracker.OnSuccess(h.info, latency, rs.host)

	return rs, nil
}

func (h *requestHandler) run(parent context.Context) (*RowSet, error) {
	ctx := parent
	if h.profile.RequestTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, h.profile.RequestTimeout)
		defer cancelTimeout()
	}
	// cancel abandons the attempts still running once a winner is known
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	first := h.plan.Next()
	if first == nil {
		return nil, &types.NoHostAvailableError{Errors: map[string]error{}}
	}

	results := make(chan attemptResult)
	running := 1
	go h.chain(ctx, first, false, results)

	// At most one speculative timer is pending; it is stopped on return.
	var spec *time.Timer
	defer func() {
		if spec != nil {
			spec.Stop()
		}
	}()
	var timer <-chan time.Time
	if h.stmt.IsIdempotent() {
		spec, timer = h.nextSpeculative(first)
	}

	for {
		select {
		case r := <-results:
			running--
			switch {
			case r.ignored:
				return emptyRowSet(h.s, h.stmt), nil
			case r.err == nil && !r.exhausted:
				return newRowSet(h.s, h.stmt, r.res, r.host), nil
			case r.err != nil:
				return nil, h.finalError(r)
			}
			if running == 0 {
				return nil, h.noHostAvailable()
			}

		case <-timer:
			next := h.plan.Next()
			if next == nil {
				timer = nil
				continue
			}
			h.s.cfg.Metrics.IncSpeculativeExecution()
			running++
			go h.chain(ctx, next, true, results)
			spec, timer = h.nextSpeculative(next)

		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, h.timedOut()
			}

			return nil, ctx.Err()
		}
	}
}

func (h *requestHandler) nextSpeculative(last *host.Host) (*time.Timer, <-chan time.Time) {
	d := h.speculative.NextExecution(last)
	if d < 0 {
		return nil, nil
	}
	t := time.NewTimer(d)

	return t, t.C
}

// chain runs attempts starting on first until one succeeds, the retry
// policy gives up or the plan is exhausted.
func (h *requestHandler) chain(ctx context.Context, first *host.Host, speculative bool, results chan<- attemptResult) {
	report := func(r attemptResult) {
		select {
		case results <- r:
		case <-ctx.Done():
		}
	}

	cl := h.consistency
	retries := 0
	for current := first; current != nil; {
		start := time.Now()
		res, err := h.attempt(ctx, current, cl)
		latency := time.Since(start)
		if !unusable(err) {
			h.attempts.Add(1)
			policy.ObserveAttempt(h.plan, current, latency, err)
		}

		if err == nil {
			report(attemptResult{res: res, host: current, consistency: cl})
			return
		}
		h.recordError(current, err)
		if ctx.Err() != nil {
			return
		}
		h.s.tracker.OnAttemptError(h.info, &AttemptInfo{
			Host:        current,
			Start:       start,
			Latency:     latency,
			Retries:     retries,
			Speculative: speculative,
			Consistency: cl,
			Err:         err,
		})

		decision, skip := h.decide(err, cl, retries)
		if skip {
			current = h.plan.Next()
			continue
		}

		switch decision.Action {
		case policy.Ignore:
			h.s.cfg.Metrics.IncIgnore(errorKind(err))
			report(attemptResult{ignored: true, host: current})
			return
		case policy.Retry:
			h.s.cfg.Metrics.IncRetry(errorKind(err))
			h.s.cfg.Logger.Debug("retrying request",
				"host", current.Addr().String(),
				"consistency", decision.Consistency.String(),
				"same_host", decision.SameHost,
				"error", err)
			retries++
			cl = decision.Consistency
			if !decision.SameHost {
				current = h.plan.Next()
			}
		default:
			report(attemptResult{err: err, host: current, consistency: cl})
			return
		}
	}

	report(attemptResult{exhausted: true})
}

// decide classifies err. skip is set for hosts that could not be used at
// all; moving past them is not a retry.
func (h *requestHandler) decide(err error, cl types.Consistency, retries int) (policy.RetryDecision, bool) {
	var (
		build        *buildError
		readTimeout  *types.ReadTimeoutError
		writeTimeout *types.WriteTimeoutError
		unavailable  *types.UnavailableError
	)
	retry := h.profile.Retry

	switch {
	case unusable(err):
		return policy.RetryDecision{}, true
	case errors.As(err, &build), types.IsFatal(err):
		return policy.RethrowDecision(), false
	case errors.As(err, &readTimeout):
		return retry.OnReadTimeout(h.stmt, readTimeout, retries), false
	case errors.As(err, &writeTimeout):
		return retry.OnWriteTimeout(h.stmt, writeTimeout, retries), false
	case errors.As(err, &unavailable):
		return retry.OnUnavailable(h.stmt, unavailable, retries), false
	default:
		return retry.OnRequestError(h.stmt, cl, err, retries), false
	}
}

// unusable reports errors raised before anything was sent to the host.
func unusable(err error) bool {
	return errors.Is(err, types.ErrHostIgnored) || errors.Is(err, types.ErrNoConnections)
}

// attempt sends the statement to h once, preparing it again on the same
// connection when the host does not know it.
func (h *requestHandler) attempt(ctx context.Context, target *host.Host, cl types.Consistency) (*frame.Frame, error) {
	pool := h.s.pool(target.Addr())
	if pool == nil {
		return nil, types.ErrNoConnections
	}
	c, err := pool.Borrow()
	if err != nil {
		return nil, err
	}

	res, err := h.send(ctx, c, cl)
	var unprepared *types.UnpreparedError
	if !errors.As(err, &unprepared) {
		return res, err
	}

	p := h.preparedFor(unprepared.ID)
	if p == nil {
		return nil, err
	}
	if perr := h.s.reprepare(ctx, c, p); perr != nil {
		return nil, perr
	}

	return h.send(ctx, c, cl)
}

func (h *requestHandler) send(ctx context.Context, c *conn.Conn, cl types.Consistency) (*frame.Frame, error) {
	rc := &requestContext{
		consistency:       cl,
		serialConsistency: h.serial,
		pageSize:          h.pageSize,
		timestamp:         h.timestamp,
		hasTimestamp:      h.hasTimestamp,
		version:           c.Version(),
		types:             h.s.cfg.Types,
	}
	req, err := h.stmt.request(rc)
	if err != nil {
		return nil, &buildError{err: err}
	}

	f := &frame.Frame{Message: req, CustomPayload: h.opts.customPayload}
	if h.opts.tracing {
		f.Header.Flags |= frame.FlagTracing
	}

	return c.SendFrame(ctx, f)
}

// preparedFor finds the prepared statement with id among the statements
// of the execution, then in the session cache.
func (h *requestHandler) preparedFor(id []byte) *PreparedStatement {
	switch s := h.stmt.(type) {
	case BoundStatement:
		if s.prepared != nil && bytes.Equal(s.prepared.ID(), id) {
			return s.prepared
		}
	case BatchStatement:
		if p := s.preparedByID(id); p != nil {
			return p
		}
	}
	if p, ok := h.s.prepared.byPreparedID(id); ok {
		return p
	}

	return nil
}

func (h *requestHandler) recordError(target *host.Host, err error) {
	addr := target.Addr().String()

	h.mu.Lock()
	h.errs[addr] = err
	h.lastHost = addr
	h.mu.Unlock()
}

func (h *requestHandler) noHostAvailable() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	errs := make(map[string]error, len(h.errs))
	for addr, err := range h.errs {
		errs[addr] = err
	}

	return &types.NoHostAvailableError{Errors: errs}
}

func (h *requestHandler) timedOut() error {
	h.mu.Lock()
	last := h.lastHost
	h.mu.Unlock()

	return &types.OperationTimedOutError{
		Elapsed:  time.Since(h.info.Start),
		Host:     last,
		Attempts: int(h.attempts.Load()),
		Cause:    context.DeadlineExceeded,
	}
}

func (h *requestHandler) finalError(r attemptResult) error {
	err := r.err
	var build *buildError
	if errors.As(err, &build) {
		err = build.err
	}

	return &types.ExecutionError{
		Host:        r.host.Addr().String(),
		Consistency: r.consistency,
		Attempts:    int(h.attempts.Load()),
		Cause:       err,
	}
}
