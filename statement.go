package cqlwire

import (
	"fmt"
	"maps"
	"slices"
	"sync/atomic"

	"github.com/arloliu/cqlwire/frame"
	"github.com/arloliu/cqlwire/marshal"
	"github.com/arloliu/cqlwire/policy"
	"github.com/arloliu/cqlwire/types"
)

// Statement is something a Session can execute: a SimpleStatement, a
// BoundStatement or a BatchStatement.
//
// Statements are immutable values. Every With method returns a modified
// copy, so one statement can be shared between goroutines and reused.
type Statement interface {
	policy.Statement

	// Profile returns the execution profile name, "" for the default.
	Profile() string

	options() *queryOptions
	request(rc *requestContext) (frame.Request, error)
}

// requestContext carries the per-attempt values a statement needs to
// build its wire request.
type requestContext struct {
	consistency       types.Consistency
	serialConsistency types.Consistency
	pageSize          int32
	timestamp         int64
	hasTimestamp      bool
	version           frame.ProtoVersion
	types             *marshal.Registry
}

func (rc *requestContext) params(o *queryOptions, values []frame.Value) frame.QueryParams {
	p := frame.QueryParams{
		Consistency:         rc.consistency,
		Values:              values,
		PageSize:            rc.pageSize,
		PagingState:         o.pagingState,
		SerialConsistency:   rc.serialConsistency,
		HasDefaultTimestamp: rc.hasTimestamp,
		DefaultTimestamp:    rc.timestamp,
	}
	if rc.version >= frame.Version5 {
		p.Keyspace = o.keyspace
	}

	return p
}

// queryOptions holds the settings shared by every statement kind.
type queryOptions struct {
	keyspace string
	profile  string

	consistency       types.Consistency
	hasConsistency    bool
	serialConsistency types.Consistency
	hasSerial         bool

	idempotent bool
	routingKey []byte

	pageSize    int32
	hasPageSize bool
	pagingState []byte

	timestamp    int64
	hasTimestamp bool

	customPayload map[string][]byte
	tracing       bool
}

func (o *queryOptions) options() *queryOptions { return o }

// Keyspace returns the keyspace set with WithKeyspace.
func (o queryOptions) Keyspace() string { return o.keyspace }

// RoutingKey returns the routing key set with WithRoutingKey.
func (o queryOptions) RoutingKey() []byte { return o.routingKey }

// IsIdempotent reports whether the statement may be retried and executed
// speculatively.
func (o queryOptions) IsIdempotent() bool { return o.idempotent }

// Profile returns the execution profile name.
func (o queryOptions) Profile() string { return o.profile }

// Consistency returns the statement consistency and whether it overrides
// the profile.
func (o queryOptions) Consistency() (types.Consistency, bool) {
	return o.consistency, o.hasConsistency
}

// SerialConsistency returns the statement serial consistency and whether
// it overrides the profile.
func (o queryOptions) SerialConsistency() (types.Consistency, bool) {
	return o.serialConsistency, o.hasSerial
}

// Timestamp returns the client side timestamp in microseconds and whether
// one was set.
func (o queryOptions) Timestamp() (int64, bool) { return o.timestamp, o.hasTimestamp }

// Tracing reports whether tracing was requested.
func (o queryOptions) Tracing() bool { return o.tracing }

// CustomPayload returns the custom payload sent with the request.
func (o queryOptions) CustomPayload() map[string][]byte { return o.customPayload }

func (o *queryOptions) setCustomPayload(p map[string][]byte) {
	o.customPayload = maps.Clone(p)
}

// SimpleStatement is a CQL string with positional values. Values are
// serialized with types inferred from their Go types; wrap a value in
// marshal.Typed to pick the CQL type explicitly.
type SimpleStatement struct {
	queryOptions

	cql    string
	values []any
}

var _ Statement = SimpleStatement{}

// NewStatement creates a simple statement.
//
// Parameters:
//   - cql: The CQL text, with ? placeholders
//   - values: Positional values
//
// Returns:
//   - SimpleStatement: The statement
//
// Example:
//
//	stmt := cqlwire.NewStatement("SELECT * FROM users WHERE id = ?", id).
//	    WithConsistency(types.LocalQuorum).
//	    WithIdempotent(true)
func NewStatement(cql string, values ...any) SimpleStatement {
	return SimpleStatement{cql: cql, values: slices.Clone(values)}
}

// CQL returns the statement text.
func (s SimpleStatement) CQL() string { return s.cql }

// Values returns the bound values.
func (s SimpleStatement) Values() []any { return slices.Clone(s.values) }

func (s SimpleStatement) options() *queryOptions { return &s.queryOptions }

func (s SimpleStatement) request(rc *requestContext) (frame.Request, error) {
	values, err := inferValues(rc.types, s.values, rc.version)
	if err != nil {
		return nil, err
	}

	return &frame.Query{Statement: s.cql, Params: rc.params(&s.queryOptions, values)}, nil
}

// WithValues returns a copy bound to values.
func (s SimpleStatement) WithValues(values ...any) SimpleStatement {
	s.values = slices.Clone(values)
	return s
}

// WithConsistency returns a copy using cl instead of the profile consistency.
func (s SimpleStatement) WithConsistency(cl types.Consistency) SimpleStatement {
	s.consistency, s.hasConsistency = cl, true
	return s
}

// WithSerialConsistency returns a copy using cl for conditional updates.
func (s SimpleStatement) WithSerialConsistency(cl types.Consistency) SimpleStatement {
	s.serialConsistency, s.hasSerial = cl, true
	return s
}

// WithIdempotent returns a copy marked idempotent or not.
func (s SimpleStatement) WithIdempotent(idempotent bool) SimpleStatement {
	s.idempotent = idempotent
	return s
}

// WithRoutingKey returns a copy routed by key, the serialized partition key.
func (s SimpleStatement) WithRoutingKey(key []byte) SimpleStatement {
	s.routingKey = slices.Clone(key)
	return s
}

// WithKeyspace returns a copy targeting keyspace for routing and, with
// protocol v5, for execution.
func (s SimpleStatement) WithKeyspace(keyspace string) SimpleStatement {
	s.keyspace = keyspace
	return s
}

// WithPageSize returns a copy fetching n rows per page.
func (s SimpleStatement) WithPageSize(n int32) SimpleStatement {
	s.pageSize, s.hasPageSize = n, true
	return s
}

// WithPagingState returns a copy resuming from state.
func (s SimpleStatement) WithPagingState(state []byte) SimpleStatement {
	s.pagingState = slices.Clone(state)
	return s
}

// WithTimestamp returns a copy with a client side timestamp in microseconds.
func (s SimpleStatement) WithTimestamp(micros int64) SimpleStatement {
	s.timestamp, s.hasTimestamp = micros, true
	return s
}

// WithCustomPayload returns a copy sending payload with the request.
func (s SimpleStatement) WithCustomPayload(payload map[string][]byte) SimpleStatement {
	s.setCustomPayload(payload)
	return s
}

// WithTracing returns a copy with tracing enabled or disabled.
func (s SimpleStatement) WithTracing(tracing bool) SimpleStatement {
	s.tracing = tracing
	return s
}

// WithProfile returns a copy executed with the named execution profile.
func (s SimpleStatement) WithProfile(name string) SimpleStatement {
	s.profile = name
	return s
}

func inferValues(r *marshal.Registry, values []any, v frame.ProtoVersion) ([]frame.Value, error) {
	if len(values) == 0 {
		return nil, nil
	}

	out := make([]frame.Value, len(values))
	for i, value := range values {
		if marshal.IsUnset(value) {
			if v < frame.Version4 {
				return nil, fmt.Errorf("cqlwire: unset value at position %d requires protocol v4", i)
			}
			out[i] = frame.Value{Unset: true}
			continue
		}
		b, err := r.MarshalInferred(value)
		if err != nil {
			return nil, fmt.Errorf("cqlwire: value at position %d: %w", i, err)
		}
		out[i] = frame.Value{Bytes: b}
	}

	return out, nil
}

// preparedIDs are replaced together when a statement is prepared again
// with a different result.
type preparedIDs struct {
	id               []byte
	resultMetadataID []byte
}

// PreparedStatement is a statement prepared on the cluster. Obtain one
// with Session.Prepare and execute it through Bind.
type PreparedStatement struct {
	cql      string
	keyspace string
	params   frame.PreparedMetadata
	result   frame.RowsMetadata
	types    *marshal.Registry

	ids atomic.Pointer[preparedIDs]
}

func newPreparedStatement(cql, keyspace string, res *frame.PreparedResult, r *marshal.Registry) *PreparedStatement {
	p := &PreparedStatement{
		cql:      cql,
		keyspace: keyspace,
		params:   res.Params,
		result:   res.Result,
		types:    r,
	}
	p.ids.Store(&preparedIDs{id: res.ID, resultMetadataID: res.ResultMetadataID})
	if p.keyspace == "" && len(res.Params.Columns) > 0 {
		p.keyspace = res.Params.Columns[0].Keyspace
	}

	return p
}

// CQL returns the prepared text.
func (p *PreparedStatement) CQL() string { return p.cql }

// Keyspace returns the keyspace of the bound columns, or the session
// keyspace when the statement binds nothing.
func (p *PreparedStatement) Keyspace() string { return p.keyspace }

// ID returns the server side id.
func (p *PreparedStatement) ID() []byte { return p.ids.Load().id }

// Params returns the bound variables.
func (p *PreparedStatement) Params() []frame.ColumnSpec { return p.params.Columns }

// PKIndexes returns the positions of the partition key components among
// the bound variables.
func (p *PreparedStatement) PKIndexes() []uint16 { return p.params.PKIndexes }

// Columns returns the result columns, empty for statements without rows.
func (p *PreparedStatement) Columns() []frame.ColumnSpec { return p.result.Columns }

func (p *PreparedStatement) updateIDs(res *frame.PreparedResult) {
	p.ids.Store(&preparedIDs{id: res.ID, resultMetadataID: res.ResultMetadataID})
}

// Bind binds values to the bound variables.
//
// Parameters:
//   - values: One value per bound variable, in order; marshal.Unset leaves
//     a variable untouched (v4+)
//
// Returns:
//   - BoundStatement: The executable statement; marshaling errors surface
//     when it is executed
func (p *PreparedStatement) Bind(values ...any) BoundStatement {
	b := BoundStatement{prepared: p, values: slices.Clone(values)}
	b.keyspace = p.keyspace
	b.routingKey = p.routingKey(b.values)

	return b
}

// routingKey serializes the partition key from bound values, or returns
// nil when it cannot.
func (p *PreparedStatement) routingKey(values []any) []byte {
	idx := p.params.PKIndexes
	if len(idx) == 0 {
		return nil
	}

	parts := make([][]byte, 0, len(idx))
	for _, i := range idx {
		if int(i) >= len(values) || int(i) >= len(p.params.Columns) {
			return nil
		}
		b, err := p.types.Marshal(p.params.Columns[i].Type, values[i])
		if err != nil || b == nil {
			return nil
		}
		parts = append(parts, b)
	}
	if len(parts) == 1 {
		return parts[0]
	}

	// composite: <len><component><0x00> per component
	var key []byte
	for _, part := range parts {
		key = append(key, byte(len(part)>>8), byte(len(part)))
		key = append(key, part...)
		key = append(key, 0)
	}

	return key
}

func (p *PreparedStatement) marshalValues(values []any, v frame.ProtoVersion) ([]frame.Value, error) {
	cols := p.params.Columns
	if len(values) != len(cols) {
		return nil, fmt.Errorf("cqlwire: statement binds %d values, got %d", len(cols), len(values))
	}

	out := make([]frame.Value, len(values))
	for i, value := range values {
		if marshal.IsUnset(value) {
			if v < frame.Version4 {
				return nil, fmt.Errorf("cqlwire: unset value for %q requires protocol v4", cols[i].Name)
			}
			out[i] = frame.Value{Unset: true}
			continue
		}
		b, err := p.types.Marshal(cols[i].Type, value)
		if err != nil {
			return nil, fmt.Errorf("cqlwire: value for %q: %w", cols[i].Name, err)
		}
		out[i] = frame.Value{Bytes: b}
	}

	return out, nil
}

// BoundStatement is a PreparedStatement with bound values.
type BoundStatement struct {
	queryOptions

	prepared *PreparedStatement
	values   []any
}

var _ Statement = BoundStatement{}

// Prepared returns the prepared statement.
func (b BoundStatement) Prepared() *PreparedStatement { return b.prepared }

// Values returns the bound values.
func (b BoundStatement) Values() []any { return slices.Clone(b.values) }

func (b BoundStatement) options() *queryOptions { return &b.queryOptions }

func (b BoundStatement) request(rc *requestContext) (frame.Request, error) {
	if b.prepared == nil {
		return nil, types.ErrStatementNotPrepared
	}
	values, err := b.prepared.marshalValues(b.values, rc.version)
	if err != nil {
		return nil, err
	}
	ids := b.prepared.ids.Load()

	return &frame.Execute{
		ID:               ids.id,
		ResultMetadataID: ids.resultMetadataID,
		Params:           rc.params(&b.queryOptions, values),
	}, nil
}

// WithConsistency returns a copy using cl instead of the profile consistency.
func (b BoundStatement) WithConsistency(cl types.Consistency) BoundStatement {
	b.consistency, b.hasConsistency = cl, true
	return b
}

// WithSerialConsistency returns a copy using cl for conditional updates.
func (b BoundStatement) WithSerialConsistency(cl types.Consistency) BoundStatement {
	b.serialConsistency, b.hasSerial = cl, true
	return b
}

// WithIdempotent returns a copy marked idempotent or not.
func (b BoundStatement) WithIdempotent(idempotent bool) BoundStatement {
	b.idempotent = idempotent
	return b
}

// WithRoutingKey returns a copy routed by key instead of the key computed
// from the partition key values.
func (b BoundStatement) WithRoutingKey(key []byte) BoundStatement {
	b.routingKey = slices.Clone(key)
	return b
}

// WithKeyspace returns a copy targeting keyspace.
func (b BoundStatement) WithKeyspace(keyspace string) BoundStatement {
	b.keyspace = keyspace
	return b
}

// WithPageSize returns a copy fetching n rows per page.
func (b BoundStatement) WithPageSize(n int32) BoundStatement {
	b.pageSize, b.hasPageSize = n, true
	return b
}

// WithPagingState returns a copy resuming from state.
func (b BoundStatement) WithPagingState(state []byte) BoundStatement {
	b.pagingState = slices.Clone(state)
	return b
}

// WithTimestamp returns a copy with a client side timestamp in microseconds.
func (b BoundStatement) WithTimestamp(micros int64) BoundStatement {
	b.timestamp, b.hasTimestamp = micros, true
	return b
}

// WithCustomPayload returns a copy sending payload with the request.
func (b BoundStatement) WithCustomPayload(payload map[string][]byte) BoundStatement {
	b.setCustomPayload(payload)
	return b
}

// WithTracing returns a copy with tracing enabled or disabled.
func (b BoundStatement) WithTracing(tracing bool) BoundStatement {
	b.tracing = tracing
	return b
}

// WithProfile returns a copy executed with the named execution profile.
func (b BoundStatement) WithProfile(name string) BoundStatement {
	b.profile = name
	return b
}

type batchEntry struct {
	cql      string
	prepared *PreparedStatement
	values   []any
}

// BatchStatement groups writes into one BATCH request.
type BatchStatement struct {
	queryOptions

	batchType types.BatchType
	entries   []batchEntry
}

var _ Statement = BatchStatement{}

// NewBatch creates an empty batch.
//
// Parameters:
//   - t: types.LoggedBatch, types.UnloggedBatch or types.CounterBatch
//
// Returns:
//   - BatchStatement: The batch
func NewBatch(t types.BatchType) BatchStatement {
	return BatchStatement{batchType: t}
}

// Type returns the batch type.
func (b BatchStatement) Type() types.BatchType { return b.batchType }

// Len returns the number of statements in the batch.
func (b BatchStatement) Len() int { return len(b.entries) }

// Add returns a copy with a simple statement appended.
func (b BatchStatement) Add(cql string, values ...any) BatchStatement {
	b.entries = append(slices.Clip(b.entries), batchEntry{cql: cql, values: slices.Clone(values)})
	return b
}

// AddBound returns a copy with a bound statement appended. The first bound
// statement with a routing key routes the batch unless WithRoutingKey was
// used.
func (b BatchStatement) AddBound(s BoundStatement) BatchStatement {
	b.entries = append(slices.Clip(b.entries), batchEntry{prepared: s.prepared, values: s.values})
	if b.routingKey == nil {
		b.routingKey = s.routingKey
		if b.keyspace == "" {
			b.keyspace = s.keyspace
		}
	}

	return b
}

func (b BatchStatement) options() *queryOptions { return &b.queryOptions }

func (b BatchStatement) request(rc *requestContext) (frame.Request, error) {
	req := &frame.Batch{
		Type:                b.batchType,
		Entries:             make([]frame.BatchEntry, len(b.entries)),
		Consistency:         rc.consistency,
		SerialConsistency:   rc.serialConsistency,
		HasDefaultTimestamp: rc.hasTimestamp,
		DefaultTimestamp:    rc.timestamp,
	}
	if rc.version >= frame.Version5 {
		req.Keyspace = b.keyspace
	}

	for i, e := range b.entries {
		if e.prepared == nil {
			values, err := inferValues(rc.types, e.values, rc.version)
			if err != nil {
				return nil, fmt.Errorf("cqlwire: batch statement %d: %w", i, err)
			}
			req.Entries[i] = frame.BatchEntry{Query: e.cql, Values: values}
			continue
		}
		values, err := e.prepared.marshalValues(e.values, rc.version)
		if err != nil {
			return nil, fmt.Errorf("cqlwire: batch statement %d: %w", i, err)
		}
		req.Entries[i] = frame.BatchEntry{ID: e.prepared.ID(), Values: values}
	}

	return req, nil
}

// preparedByID finds the prepared statement of the batch with id.
func (b BatchStatement) preparedByID(id []byte) *PreparedStatement {
	for _, e := range b.entries {
		if e.prepared != nil && string(e.prepared.ID()) == string(id) {
			return e.prepared
		}
	}

	return nil
}

// WithConsistency returns a copy using cl instead of the profile consistency.
func (b BatchStatement) WithConsistency(cl types.Consistency) BatchStatement {
	b.consistency, b.hasConsistency = cl, true
	return b
}

// WithSerialConsistency returns a copy using cl for conditional updates.
func (b BatchStatement) WithSerialConsistency(cl types.Consistency) BatchStatement {
	b.serialConsistency, b.hasSerial = cl, true
	return b
}

// WithIdempotent returns a copy marked idempotent or not.
func (b BatchStatement) WithIdempotent(idempotent bool) BatchStatement {
	b.idempotent = idempotent
	return b
}

// WithRoutingKey returns a copy routed by key.
func (b BatchStatement) WithRoutingKey(key []byte) BatchStatement {
	b.routingKey = slices.Clone(key)
	return b
}

// WithKeyspace returns a copy targeting keyspace.
func (b BatchStatement) WithKeyspace(keyspace string) BatchStatement {
	b.keyspace = keyspace
	return b
}

// WithTimestamp returns a copy with a client side timestamp in microseconds.
func (b BatchStatement) WithTimestamp(micros int64) BatchStatement {
	b.timestamp, b.hasTimestamp = micros, true
	return b
}

// WithCustomPayload returns a copy sending payload with the request.
func (b BatchStatement) WithCustomPayload(payload map[string][]byte) BatchStatement {
	b.setCustomPayload(payload)
	return b
}

// WithTracing returns a copy with tracing enabled or disabled.
func (b BatchStatement) WithTracing(tracing bool) BatchStatement {
	b.tracing = tracing
	return b
}

// WithProfile returns a copy executed with the named execution profile.
func (b BatchStatement) WithProfile(name string) BatchStatement {
	b.profile = name
	return b
}
