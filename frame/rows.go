package frame

import (
	"encoding/binary"
	"io"

	"github.com/arloliu/cqlwire/types"
)

// Rows is a forward-only cursor over the row data of a ROWS result. Column
// values are sliced out of the frame body without being decoded; each row
// is consumed exactly once, by Next or by Skip.
type Rows struct {
	columns   int
	count     int
	remaining int
	data      []byte
	off       int
	err       error
}

// NewRows encodes rows of raw column values into a cursor. Every row must
// have the same number of columns; nil values are null.
//
// Parameters:
//   - columns: Column count of every row
//   - rows: Raw column values per row
//
// Returns:
//   - *Rows: A cursor positioned before the first row
func NewRows(columns int, rows [][][]byte) *Rows {
	w := &writer{}
	for _, row := range rows {
		for i := range columns {
			var v []byte
			if i < len(row) {
				v = row[i]
			}
			w.writeBytes(v)
		}
	}

	return &Rows{columns: columns, count: len(rows), remaining: len(rows), data: w.buf}
}

// Columns returns the number of columns per row.
func (r *Rows) Columns() int { return r.columns }

// Count returns the total number of rows in the page.
func (r *Rows) Count() int { return r.count }

// Remaining returns the number of rows not yet consumed.
func (r *Rows) Remaining() int { return r.remaining }

// Next returns the raw column values of the next row. The slices alias the
// frame body. It returns io.EOF after the last row.
//
// Returns:
//   - [][]byte: One entry per column, nil for null
//   - error: io.EOF when exhausted, *types.ProtocolError on malformed data
func (r *Rows) Next() ([][]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.remaining == 0 {
		return nil, io.EOF
	}

	row := make([][]byte, r.columns)
	for i := range row {
		v, err := r.cell()
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	r.remaining--

	return row, nil
}

// Skip advances past the next row without slicing its values.
func (r *Rows) Skip() error {
	if r.err != nil {
		return r.err
	}
	if r.remaining == 0 {
		return io.EOF
	}
	for range r.columns {
		if _, err := r.cell(); err != nil {
			return err
		}
	}
	r.remaining--

	return nil
}

// Close skips every remaining row.
func (r *Rows) Close() error {
	for r.remaining > 0 {
		if err := r.Skip(); err != nil {
			return err
		}
	}

	return r.err
}

func (r *Rows) cell() ([]byte, error) {
	if len(r.data)-r.off < 4 {
		return nil, r.failTruncated()
	}
	n := int32(binary.BigEndian.Uint32(r.data[r.off:]))
	r.off += 4
	if n < 0 {
		return nil, nil
	}
	if int(n) > len(r.data)-r.off {
		return nil, r.failTruncated()
	}
	v := r.data[r.off : r.off+int(n) : r.off+int(n)]
	r.off += int(n)

	return v, nil
}

func (r *Rows) failTruncated() error {
	r.err = types.NewProtocolError("truncated row data: %d of %d rows left", r.remaining, r.count)
	return r.err
}

// readRows wraps the rest of a ROWS body. The cursor keeps a reference to
// the body instead of copying it.
func readRows(rd *reader, columns int) *Rows {
	count := int(rd.readInt())
	if rd.err != nil {
		return nil
	}
	if count < 0 {
		rd.fail("negative row count %d", count)
		return nil
	}
	// Every cell is at least four bytes.
	if columns > 0 && count > rd.remaining()/(4*columns) {
		rd.fail("row count %d exceeds body size", count)
		return nil
	}

	data := rd.buf[rd.off:]
	rd.off = len(rd.buf)

	return &Rows{columns: columns, count: count, remaining: count, data: data}
}

func writeRows(w *writer, rows *Rows) {
	if rows == nil {
		w.writeInt(0)
		return
	}
	w.writeInt(int32(rows.count))
	w.writeRaw(rows.data)
}
