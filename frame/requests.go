package frame

import (
	"errors"
	"fmt"

	"github.com/arloliu/cqlwire/types"
)

// Message is a frame body. The set of messages is closed: only the request
// and response types in this package implement it.
type Message interface {
	Opcode() Op
	encode(w *writer, v ProtoVersion) error
}

// Request is a message sent by clients.
type Request interface {
	Message
	isRequest()
}

var errUnsetNotSupported = errors.New("cqlwire: unset values require protocol v4 or later")

// Value is one bound variable. A nil Bytes with Unset false is null.
type Value struct {
	Name  string
	Bytes []byte
	Unset bool
}

// Query flags.
const (
	queryFlagValues            uint32 = 0x01
	queryFlagSkipMetadata      uint32 = 0x02
	queryFlagPageSize          uint32 = 0x04
	queryFlagPagingState       uint32 = 0x08
	queryFlagSerialConsistency uint32 = 0x10
	queryFlagDefaultTimestamp  uint32 = 0x20
	queryFlagNamesForValues    uint32 = 0x40
	queryFlagWithKeyspace      uint32 = 0x80
)

// QueryParams are the parameters shared by QUERY and EXECUTE.
type QueryParams struct {
	Consistency types.Consistency
	Values      []Value

	SkipMetadata bool
	PageSize     int32
	PagingState  []byte

	// SerialConsistency is written when it is Serial or LocalSerial.
	SerialConsistency types.Consistency

	// DefaultTimestamp in microseconds, written when HasDefaultTimestamp is set (v3+).
	HasDefaultTimestamp bool
	DefaultTimestamp    int64

	// Keyspace overrides the connection keyspace (v5+).
	Keyspace string
}

func writeFlags(w *writer, v ProtoVersion, flags uint32) {
	if v >= Version5 {
		w.writeInt(int32(flags))
		return
	}
	w.writeByte(byte(flags))
}

func readFlags(r *reader, v ProtoVersion) uint32 {
	if v >= Version5 {
		return uint32(r.readInt())
	}

	return uint32(r.readByte())
}

func writeValues(w *writer, v ProtoVersion, values []Value, names bool) error {
	w.writeShort(uint16(len(values)))
	for _, val := range values {
		if val.Unset && !v.SupportsUnset() {
			return errUnsetNotSupported
		}
		if names {
			w.writeString(val.Name)
		}
		w.writeValue(val)
	}

	return nil
}

func readValues(r *reader, names bool) []Value {
	n := int(r.readShort())
	out := make([]Value, 0, min(n, r.remaining()/4))
	for range n {
		var name string
		if names {
			name = r.readString()
		}
		val := r.readValue()
		val.Name = name
		out = append(out, val)
	}

	return out
}

func (p *QueryParams) encode(w *writer, v ProtoVersion) error {
	w.writeConsistency(p.Consistency)
	if v == Version1 {
		return nil
	}

	var flags uint32
	names := false
	if len(p.Values) > 0 {
		flags |= queryFlagValues
		if v >= Version3 && p.Values[0].Name != "" {
			flags |= queryFlagNamesForValues
			names = true
		}
	}
	if p.SkipMetadata {
		flags |= queryFlagSkipMetadata
	}
	if p.PageSize > 0 {
		flags |= queryFlagPageSize
	}
	if len(p.PagingState) > 0 {
		flags |= queryFlagPagingState
	}
	if p.SerialConsistency.IsSerial() {
		flags |= queryFlagSerialConsistency
	}
	if v >= Version3 && p.HasDefaultTimestamp {
		flags |= queryFlagDefaultTimestamp
	}
	if p.Keyspace != "" {
		if v < Version5 {
			return fmt.Errorf("cqlwire: per-query keyspace requires protocol v5, have %s", v)
		}
		flags |= queryFlagWithKeyspace
	}
	writeFlags(w, v, flags)

	if flags&queryFlagValues != 0 {
		if err := writeValues(w, v, p.Values, names); err != nil {
			return err
		}
	}
	if flags&queryFlagPageSize != 0 {
		w.writeInt(p.PageSize)
	}
	if flags&queryFlagPagingState != 0 {
		w.writeBytes(p.PagingState)
	}
	if flags&queryFlagSerialConsistency != 0 {
		w.writeConsistency(p.SerialConsistency)
	}
	if flags&queryFlagDefaultTimestamp != 0 {
		w.writeLong(p.DefaultTimestamp)
	}
	if flags&queryFlagWithKeyspace != 0 {
		w.writeString(p.Keyspace)
	}

	return nil
}

func decodeQueryParams(r *reader, v ProtoVersion) QueryParams {
	p := QueryParams{Consistency: r.readConsistency()}
	if v == Version1 {
		return p
	}

	flags := readFlags(r, v)
	if flags&queryFlagValues != 0 {
		p.Values = readValues(r, flags&queryFlagNamesForValues != 0)
	}
	p.SkipMetadata = flags&queryFlagSkipMetadata != 0
	if flags&queryFlagPageSize != 0 {
		p.PageSize = r.readInt()
	}
	if flags&queryFlagPagingState != 0 {
		p.PagingState = r.readBytes()
	}
	if flags&queryFlagSerialConsistency != 0 {
		p.SerialConsistency = r.readConsistency()
	}
	if flags&queryFlagDefaultTimestamp != 0 {
		p.HasDefaultTimestamp = true
		p.DefaultTimestamp = r.readLong()
	}
	if flags&queryFlagWithKeyspace != 0 {
		p.Keyspace = r.readString()
	}

	return p
}

// Startup opens a session. Options carry CQL_VERSION and COMPRESSION.
type Startup struct {
	Options map[string]string
}

func (*Startup) Opcode() Op { return OpStartup }
func (*Startup) isRequest() {}

func (m *Startup) encode(w *writer, _ ProtoVersion) error {
	w.writeStringMap(m.Options)
	return nil
}

// Options asks the server for its supported startup options.
type Options struct{}

func (*Options) Opcode() Op { return OpOptions }
func (*Options) isRequest() {}

func (*Options) encode(*writer, ProtoVersion) error { return nil }

// Query runs an unprepared CQL statement.
type Query struct {
	Statement string
	Params    QueryParams
}

func (*Query) Opcode() Op { return OpQuery }
func (*Query) isRequest() {}

func (m *Query) encode(w *writer, v ProtoVersion) error {
	w.writeLongString(m.Statement)
	if v == Version1 && len(m.Params.Values) > 0 {
		return errors.New("cqlwire: bound values in QUERY require protocol v2 or later")
	}

	return m.Params.encode(w, v)
}

// Prepare registers a statement on the node.
type Prepare struct {
	Statement string

	// Keyspace to prepare against (v5+).
	Keyspace string
}

func (*Prepare) Opcode() Op { return OpPrepare }
func (*Prepare) isRequest() {}

func (m *Prepare) encode(w *writer, v ProtoVersion) error {
	w.writeLongString(m.Statement)
	if v < Version5 {
		if m.Keyspace != "" {
			return fmt.Errorf("cqlwire: prepare with keyspace requires protocol v5, have %s", v)
		}
		return nil
	}

	var flags uint32
	if m.Keyspace != "" {
		flags |= queryFlagWithKeyspace
	}
	w.writeInt(int32(flags))
	if m.Keyspace != "" {
		w.writeString(m.Keyspace)
	}

	return nil
}

// Execute runs a prepared statement.
type Execute struct {
	ID []byte

	// ResultMetadataID is required from v5.
	ResultMetadataID []byte

	Params QueryParams
}

func (*Execute) Opcode() Op { return OpExecute }
func (*Execute) isRequest() {}

func (m *Execute) encode(w *writer, v ProtoVersion) error {
	w.writeShortBytes(m.ID)
	if v >= Version5 {
		w.writeShortBytes(m.ResultMetadataID)
	}
	if v == Version1 {
		if err := writeValues(w, v, m.Params.Values, false); err != nil {
			return err
		}
		w.writeConsistency(m.Params.Consistency)
		return nil
	}

	return m.Params.encode(w, v)
}

// BatchEntry is one statement of a batch: either Query text or a prepared ID.
type BatchEntry struct {
	Query  string
	ID     []byte
	Values []Value
}

// Batch groups several statements in one request (v2+).
type Batch struct {
	Type              types.BatchType
	Entries           []BatchEntry
	Consistency       types.Consistency
	SerialConsistency types.Consistency

	HasDefaultTimestamp bool
	DefaultTimestamp    int64

	// Keyspace (v5+).
	Keyspace string
}

func (*Batch) Opcode() Op { return OpBatch }
func (*Batch) isRequest() {}

func (m *Batch) encode(w *writer, v ProtoVersion) error {
	if v < Version2 {
		return errors.New("cqlwire: batches require protocol v2 or later")
	}

	w.writeByte(byte(m.Type))
	w.writeShort(uint16(len(m.Entries)))
	for _, e := range m.Entries {
		if len(e.ID) == 0 {
			w.writeByte(0)
			w.writeLongString(e.Query)
		} else {
			w.writeByte(1)
			w.writeShortBytes(e.ID)
		}
		if err := writeValues(w, v, e.Values, false); err != nil {
			return err
		}
	}
	w.writeConsistency(m.Consistency)

	if v < Version3 {
		return nil
	}

	var flags uint32
	if m.SerialConsistency.IsSerial() {
		flags |= queryFlagSerialConsistency
	}
	if m.HasDefaultTimestamp {
		flags |= queryFlagDefaultTimestamp
	}
	if m.Keyspace != "" {
		if v < Version5 {
			return fmt.Errorf("cqlwire: batch keyspace requires protocol v5, have %s", v)
		}
		flags |= queryFlagWithKeyspace
	}
	writeFlags(w, v, flags)

	if flags&queryFlagSerialConsistency != 0 {
		w.writeConsistency(m.SerialConsistency)
	}
	if flags&queryFlagDefaultTimestamp != 0 {
		w.writeLong(m.DefaultTimestamp)
	}
	if flags&queryFlagWithKeyspace != 0 {
		w.writeString(m.Keyspace)
	}

	return nil
}

// Register subscribes the connection to server events.
type Register struct {
	EventTypes []string
}

func (*Register) Opcode() Op { return OpRegister }
func (*Register) isRequest() {}

func (m *Register) encode(w *writer, _ ProtoVersion) error {
	w.writeStringList(m.EventTypes)
	return nil
}

// AuthResponse answers an authentication challenge.
type AuthResponse struct {
	Token []byte
}

func (*AuthResponse) Opcode() Op { return OpAuthResponse }
func (*AuthResponse) isRequest() {}

func (m *AuthResponse) encode(w *writer, _ ProtoVersion) error {
	w.writeBytes(m.Token)
	return nil
}

var requestDecoders = map[Op]func(r *reader, v ProtoVersion) Message{
	OpStartup: func(r *reader, _ ProtoVersion) Message {
		return &Startup{Options: r.readStringMap()}
	},
	OpOptions: func(*reader, ProtoVersion) Message {
		return &Options{}
	},
	OpQuery: func(r *reader, v ProtoVersion) Message {
		m := &Query{Statement: r.readLongString()}
		m.Params = decodeQueryParams(r, v)
		return m
	},
	OpPrepare: func(r *reader, v ProtoVersion) Message {
		m := &Prepare{Statement: r.readLongString()}
		if v >= Version5 && r.readInt()&int32(queryFlagWithKeyspace) != 0 {
			m.Keyspace = r.readString()
		}
		return m
	},
	OpExecute: func(r *reader, v ProtoVersion) Message {
		m := &Execute{ID: r.readShortBytes()}
		if v >= Version5 {
			m.ResultMetadataID = r.readShortBytes()
		}
		if v == Version1 {
			m.Params.Values = readValues(r, false)
			m.Params.Consistency = r.readConsistency()
			return m
		}
		m.Params = decodeQueryParams(r, v)
		return m
	},
	OpBatch: func(r *reader, v ProtoVersion) Message {
		m := &Batch{Type: types.BatchType(r.readByte())}
		n := int(r.readShort())
		for range n {
			var e BatchEntry
			if r.readByte() == 0 {
				e.Query = r.readLongString()
			} else {
				e.ID = r.readShortBytes()
			}
			e.Values = readValues(r, false)
			if r.err != nil {
				return m
			}
			m.Entries = append(m.Entries, e)
		}
		m.Consistency = r.readConsistency()
		if v < Version3 {
			return m
		}
		flags := readFlags(r, v)
		if flags&queryFlagSerialConsistency != 0 {
			m.SerialConsistency = r.readConsistency()
		}
		if flags&queryFlagDefaultTimestamp != 0 {
			m.HasDefaultTimestamp = true
			m.DefaultTimestamp = r.readLong()
		}
		if flags&queryFlagWithKeyspace != 0 {
			m.Keyspace = r.readString()
		}
		return m
	},
	OpRegister: func(r *reader, _ ProtoVersion) Message {
		return &Register{EventTypes: r.readStringList()}
	},
	OpAuthResponse: func(r *reader, _ ProtoVersion) Message {
		return &AuthResponse{Token: r.readBytes()}
	},
}
