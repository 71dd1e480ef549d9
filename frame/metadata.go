package frame

import (
	"github.com/arloliu/cqlwire/marshal"
)

// Rows metadata flags.
const (
	metaFlagGlobalTablesSpec = 0x01
	metaFlagHasMorePages     = 0x02
	metaFlagNoMetadata       = 0x04
	metaFlagMetadataChanged  = 0x08
)

// ColumnSpec describes one result column or bound variable.
type ColumnSpec struct {
	Keyspace string
	Table    string
	Name     string
	Type     marshal.TypeInfo
}

// RowsMetadata is the metadata block of a ROWS result.
type RowsMetadata struct {
	ColumnCount int

	// Columns is empty when the request asked to skip metadata.
	Columns []ColumnSpec

	// PagingState is set when more pages are available.
	PagingState []byte

	// NewMetadataID is set when the server reports changed metadata (v5+).
	NewMetadataID []byte
}

// HasMorePages reports whether the result has a following page.
func (m *RowsMetadata) HasMorePages() bool {
	return len(m.PagingState) > 0
}

// PreparedMetadata describes the bound variables of a prepared statement.
type PreparedMetadata struct {
	// PKIndexes are the bound variable positions of the partition key
	// components, in partition key order (v4+).
	PKIndexes []uint16
	Columns   []ColumnSpec
}

func readTypeInfo(r *reader) marshal.TypeInfo {
	t := marshal.Type(r.readShort())
	switch t {
	case marshal.TypeCustom:
		return marshal.CustomOf(r.readString())
	case marshal.TypeList:
		return marshal.ListOf(readTypeInfo(r))
	case marshal.TypeSet:
		return marshal.SetOf(readTypeInfo(r))
	case marshal.TypeMap:
		k := readTypeInfo(r)
		return marshal.MapOf(k, readTypeInfo(r))
	case marshal.TypeUDT:
		ks := r.readString()
		name := r.readString()
		n := int(r.readShort())
		fields := make([]marshal.UDTField, 0, min(n, r.remaining()/4))
		for range n {
			if r.err != nil {
				break
			}
			fname := r.readString()
			fields = append(fields, marshal.UDTField{Name: fname, Type: readTypeInfo(r)})
		}
		return marshal.UDTOf(ks, name, fields...)
	case marshal.TypeTuple:
		n := int(r.readShort())
		elems := make([]marshal.TypeInfo, 0, min(n, r.remaining()/2))
		for range n {
			if r.err != nil {
				break
			}
			elems = append(elems, readTypeInfo(r))
		}
		return marshal.TupleOf(elems...)
	}

	if t > marshal.TypeDuration {
		r.fail("unknown type option 0x%04X", uint16(t))
	}

	return marshal.Native(t)
}

func writeTypeInfo(w *writer, info marshal.TypeInfo) {
	w.writeShort(uint16(info.Type))
	switch info.Type {
	case marshal.TypeCustom:
		w.writeString(info.Custom)
	case marshal.TypeList, marshal.TypeSet:
		writeTypeInfo(w, *info.Elem)
	case marshal.TypeMap:
		writeTypeInfo(w, *info.Key)
		writeTypeInfo(w, *info.Value)
	case marshal.TypeUDT:
		w.writeString(info.Keyspace)
		w.writeString(info.Name)
		w.writeShort(uint16(len(info.Fields)))
		for _, f := range info.Fields {
			w.writeString(f.Name)
			writeTypeInfo(w, f.Type)
		}
	case marshal.TypeTuple:
		w.writeShort(uint16(len(info.Elems)))
		for _, e := range info.Elems {
			writeTypeInfo(w, e)
		}
	}
}

func readColumns(r *reader, n int, global bool) []ColumnSpec {
	var ks, table string
	if global {
		ks = r.readString()
		table = r.readString()
	}

	cols := make([]ColumnSpec, 0, min(n, r.remaining()/4))
	for range n {
		if r.err != nil {
			return nil
		}
		col := ColumnSpec{Keyspace: ks, Table: table}
		if !global {
			col.Keyspace = r.readString()
			col.Table = r.readString()
		}
		col.Name = r.readString()
		col.Type = readTypeInfo(r)
		cols = append(cols, col)
	}

	return cols
}

// sharedTable reports whether all columns belong to one table, in which case
// the table spec is written once.
func sharedTable(cols []ColumnSpec) bool {
	if len(cols) == 0 {
		return false
	}
	for _, c := range cols[1:] {
		if c.Keyspace != cols[0].Keyspace || c.Table != cols[0].Table {
			return false
		}
	}

	return true
}

func writeColumns(w *writer, cols []ColumnSpec, global bool) {
	if global {
		w.writeString(cols[0].Keyspace)
		w.writeString(cols[0].Table)
	}
	for _, c := range cols {
		if !global {
			w.writeString(c.Keyspace)
			w.writeString(c.Table)
		}
		w.writeString(c.Name)
		writeTypeInfo(w, c.Type)
	}
}

func readRowsMetadata(r *reader) RowsMetadata {
	flags := r.readInt()
	m := RowsMetadata{ColumnCount: int(r.readInt())}
	if m.ColumnCount < 0 {
		r.fail("negative column count %d", m.ColumnCount)
		return m
	}
	if flags&metaFlagHasMorePages != 0 {
		m.PagingState = r.readBytes()
	}
	if flags&metaFlagMetadataChanged != 0 {
		m.NewMetadataID = r.readShortBytes()
	}
	if flags&metaFlagNoMetadata == 0 {
		m.Columns = readColumns(r, m.ColumnCount, flags&metaFlagGlobalTablesSpec != 0)
	}

	return m
}

func writeRowsMetadata(w *writer, m *RowsMetadata) {
	var flags int32
	global := sharedTable(m.Columns)
	if global {
		flags |= metaFlagGlobalTablesSpec
	}
	if len(m.PagingState) > 0 {
		flags |= metaFlagHasMorePages
	}
	if len(m.Columns) == 0 {
		flags |= metaFlagNoMetadata
	}
	if len(m.NewMetadataID) > 0 {
		flags |= metaFlagMetadataChanged
	}

	count := m.ColumnCount
	if len(m.Columns) > 0 {
		count = len(m.Columns)
	}

	w.writeInt(flags)
	w.writeInt(int32(count))
	if len(m.PagingState) > 0 {
		w.writeBytes(m.PagingState)
	}
	if len(m.NewMetadataID) > 0 {
		w.writeShortBytes(m.NewMetadataID)
	}
	if len(m.Columns) > 0 {
		writeColumns(w, m.Columns, global)
	}
}

func readPreparedMetadata(r *reader, v ProtoVersion) PreparedMetadata {
	flags := r.readInt()
	n := int(r.readInt())
	if n < 0 {
		r.fail("negative column count %d", n)
		return PreparedMetadata{}
	}

	var m PreparedMetadata
	if v >= Version4 {
		pkCount := int(r.readInt())
		if pkCount < 0 || pkCount > n {
			r.fail("invalid partition key count %d", pkCount)
			return m
		}
		m.PKIndexes = make([]uint16, pkCount)
		for i := range m.PKIndexes {
			m.PKIndexes[i] = r.readShort()
		}
	}
	if flags&metaFlagNoMetadata == 0 {
		m.Columns = readColumns(r, n, flags&metaFlagGlobalTablesSpec != 0)
	}

	return m
}

func writePreparedMetadata(w *writer, m *PreparedMetadata, v ProtoVersion) {
	var flags int32
	global := sharedTable(m.Columns)
	if global {
		flags |= metaFlagGlobalTablesSpec
	}

	w.writeInt(flags)
	w.writeInt(int32(len(m.Columns)))
	if v >= Version4 {
		w.writeInt(int32(len(m.PKIndexes)))
		for _, idx := range m.PKIndexes {
			w.writeShort(idx)
		}
	}
	writeColumns(w, m.Columns, global)
}
