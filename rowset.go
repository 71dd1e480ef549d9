package cqlwire

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/arloliu/cqlwire/frame"
	"github.com/arloliu/cqlwire/host"
	"github.com/arloliu/cqlwire/marshal"
)

const appliedColumn = "[applied]"

// RowSet is one page of an execution result. Rows are decoded lazily as
// Next walks the page; NextPage fetches the following page.
//
// A RowSet is not safe for concurrent use.
//
// Example:
//
//	rs, err := session.Execute(ctx, cqlwire.NewStatement("SELECT id, name FROM users"))
//	if err != nil {
//	    return err
//	}
//	defer rs.Close()
//	for rs.Next() {
//	    name, err := cqlwire.Get[string](rs.Row(), "name")
//	    ...
//	}
//	return rs.Err()
type RowSet struct {
	session *Session
	stmt    Statement

	columns []frame.ColumnSpec
	meta    frame.RowsMetadata
	rows    *frame.Rows

	pending [][]byte
	row     *Row
	err     error

	warnings  []string
	tracingID uuid.UUID
	host      *host.Host
}

func newRowSet(s *Session, stmt Statement, res *frame.Frame, h *host.Host) *RowSet {
	rs := &RowSet{
		session:   s,
		stmt:      stmt,
		warnings:  res.Warnings,
		tracingID: res.TracingID,
		host:      h,
	}

	rows, ok := res.Message.(*frame.RowsResult)
	if !ok {
		return rs
	}
	rs.meta = rows.Metadata
	rs.rows = rows.Rows
	rs.columns = rows.Metadata.Columns
	if len(rs.columns) == 0 {
		// metadata was skipped; use the prepared result columns
		if b, ok := stmt.(BoundStatement); ok && b.prepared != nil {
			rs.columns = b.prepared.Columns()
		}
	}

	return rs
}

// emptyRowSet is returned for executions resolved by an Ignore decision.
func emptyRowSet(s *Session, stmt Statement) *RowSet {
	return &RowSet{session: s, stmt: stmt}
}

// Columns returns the result columns, empty for results without rows.
func (rs *RowSet) Columns() []frame.ColumnSpec { return rs.columns }

// Len returns the number of rows of the page not yet returned by Next.
func (rs *RowSet) Len() int {
	if rs.rows == nil {
		return 0
	}
	n := rs.rows.Remaining()
	if rs.pending != nil {
		n++
	}

	return n
}

// Next advances to the next row of the page. It returns false when the page
// is exhausted or an error occurred; check Err afterwards.
func (rs *RowSet) Next() bool {
	if rs.err != nil || rs.rows == nil {
		return false
	}

	raw := rs.pending
	rs.pending = nil
	if raw == nil {
		var err error
		raw, err = rs.rows.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				rs.err = err
			}
			rs.row = nil

			return false
		}
	}
	rs.row = &Row{columns: rs.columns, raw: raw, types: rs.registry()}

	return true
}

// Row returns the current row, nil before the first Next.
func (rs *RowSet) Row() *Row { return rs.row }

// Err returns the error that stopped Next.
func (rs *RowSet) Err() error { return rs.err }

// All decodes the remaining rows of the page.
func (rs *RowSet) All() ([]*Row, error) {
	var out []*Row
	for rs.Next() {
		out = append(out, rs.row)
	}

	return out, rs.err
}

// Close discards the rows not yet read.
func (rs *RowSet) Close() error {
	rs.pending = nil
	rs.row = nil
	if rs.rows == nil {
		return rs.err
	}
	if err := rs.rows.Close(); err != nil && rs.err == nil {
		rs.err = err
	}

	return rs.err
}

// PagingState returns the state to resume from the following page.
func (rs *RowSet) PagingState() []byte { return rs.meta.PagingState }

// HasMorePages reports whether NextPage can fetch another page.
func (rs *RowSet) HasMorePages() bool { return rs.meta.HasMorePages() }

// NextPage fetches the following page with the same statement and options.
//
// Parameters:
//   - ctx: Bounds the execution
//
// Returns:
//   - *RowSet: The next page
//   - error: io.EOF when there are no more pages, or the execution error
func (rs *RowSet) NextPage(ctx context.Context) (*RowSet, error) {
	if !rs.HasMorePages() {
		return nil, io.EOF
	}
	if rs.session == nil {
		return nil, fmt.Errorf("cqlwire: row set is not attached to a session")
	}
	_ = rs.Close()

	return rs.session.Execute(ctx, withPagingState(rs.stmt, rs.meta.PagingState))
}

// Warnings returns the server warnings attached to the response.
func (rs *RowSet) Warnings() []string { return rs.warnings }

// TracingID returns the trace session id of a traced request.
func (rs *RowSet) TracingID() uuid.UUID { return rs.tracingID }

// Host returns the host that answered, nil for ignored executions.
func (rs *RowSet) Host() *host.Host { return rs.host }

// WasApplied reports the outcome of a conditional update. Results without
// an "[applied]" column count as applied. The first row stays available to
// Next.
func (rs *RowSet) WasApplied() (bool, error) {
	idx := columnIndex(rs.columns, appliedColumn)
	if idx < 0 || rs.rows == nil {
		return true, nil
	}

	raw := rs.pending
	if raw == nil && rs.row != nil {
		raw = rs.row.raw
	}
	if raw == nil {
		next, err := rs.rows.Next()
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			rs.err = err
			return false, err
		}
		rs.pending = next
		raw = next
	}

	v, err := rs.registry().Unmarshal(rs.columns[idx].Type, raw[idx])
	if err != nil {
		return false, err
	}
	applied, _ := v.(bool)

	return applied, nil
}

func (rs *RowSet) registry() *marshal.Registry {
	if rs.session != nil {
		return rs.session.cfg.Types
	}

	return marshal.Default
}

func withPagingState(stmt Statement, state []byte) Statement {
	switch s := stmt.(type) {
	case SimpleStatement:
		return s.WithPagingState(state)
	case BoundStatement:
		return s.WithPagingState(state)
	default:
		return stmt
	}
}

func columnIndex(cols []frame.ColumnSpec, name string) int {
	for i, c := range cols {
		if c.Name == name {
			return i
		}
	}

	return -1
}

// Row is one result row. Values are decoded on access.
type Row struct {
	columns []frame.ColumnSpec
	raw     [][]byte
	types   *marshal.Registry
}

// Columns returns the column specs of the row.
func (r *Row) Columns() []frame.ColumnSpec { return r.columns }

// Len returns the number of columns.
func (r *Row) Len() int { return len(r.raw) }

// Raw returns the serialized value of column i, nil for null.
func (r *Row) Raw(i int) []byte {
	if i < 0 || i >= len(r.raw) {
		return nil
	}

	return r.raw[i]
}

// Value decodes column i into its canonical Go type; nil for null.
//
// Parameters:
//   - i: Column index
//
// Returns:
//   - any: The decoded value
//   - error: An index error, or *marshal.UnmarshalError
func (r *Row) Value(i int) (any, error) {
	if i < 0 || i >= len(r.raw) {
		return nil, fmt.Errorf("cqlwire: column index %d out of range [0,%d)", i, len(r.raw))
	}
	if i >= len(r.columns) {
		return nil, fmt.Errorf("cqlwire: no metadata for column %d", i)
	}

	return r.types.Unmarshal(r.columns[i].Type, r.raw[i])
}

// ValueByName decodes the column called name.
func (r *Row) ValueByName(name string) (any, error) {
	i := columnIndex(r.columns, name)
	if i < 0 {
		return nil, fmt.Errorf("cqlwire: no column %q", name)
	}

	return r.Value(i)
}

// Map decodes every column keyed by name.
func (r *Row) Map() (map[string]any, error) {
	out := make(map[string]any, len(r.columns))
	for i, c := range r.columns {
		v, err := r.Value(i)
		if err != nil {
			return nil, err
		}
		out[c.Name] = v
	}

	return out, nil
}

// Get decodes the column called name as T. Null yields the zero value of T.
//
// Parameters:
//   - row: Row to read
//   - name: Column name
//
// Returns:
//   - T: The value
//   - error: A missing column, a decoding error, or a type mismatch
//
// Example:
//
//	id, err := cqlwire.Get[uuid.UUID](row, "id")
//	score, err := cqlwire.Get[float64](row, "score")
func Get[T any](row *Row, name string) (T, error) {
	var zero T

	v, err := row.ValueByName(name)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cqlwire: column %q holds %T, not %T", name, v, zero)
	}

	return t, nil
}
