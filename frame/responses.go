package frame

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/arloliu/cqlwire/types"
)

// Response is a message sent by servers.
type Response interface {
	Message
	isResponse()
}

// Ready acknowledges a STARTUP without authentication.
type Ready struct{}

func (*Ready) Opcode() Op { return OpReady }
func (*Ready) isResponse() {}

func (*Ready) encode(*writer, ProtoVersion) error { return nil }

// Authenticate asks the client to authenticate with the named authenticator.
type Authenticate struct {
	Authenticator string
}

func (*Authenticate) Opcode() Op { return OpAuthenticate }
func (*Authenticate) isResponse() {}

func (m *Authenticate) encode(w *writer, _ ProtoVersion) error {
	w.writeString(m.Authenticator)
	return nil
}

// Supported lists the startup options the server accepts.
type Supported struct {
	Options map[string][]string
}

func (*Supported) Opcode() Op { return OpSupported }
func (*Supported) isResponse() {}

func (m *Supported) encode(w *writer, _ ProtoVersion) error {
	w.writeStringMultimap(m.Options)
	return nil
}

// AuthChallenge carries a SASL challenge.
type AuthChallenge struct {
	Token []byte
}

func (*AuthChallenge) Opcode() Op { return OpAuthChallenge }
func (*AuthChallenge) isResponse() {}

func (m *AuthChallenge) encode(w *writer, _ ProtoVersion) error {
	w.writeBytes(m.Token)
	return nil
}

// AuthSuccess ends a successful authentication exchange.
type AuthSuccess struct {
	Token []byte
}

func (*AuthSuccess) Opcode() Op { return OpAuthSuccess }
func (*AuthSuccess) isResponse() {}

func (m *AuthSuccess) encode(w *writer, _ ProtoVersion) error {
	w.writeBytes(m.Token)
	return nil
}

// Result kinds.
const (
	resultKindVoid         int32 = 0x0001
	resultKindRows         int32 = 0x0002
	resultKindSetKeyspace  int32 = 0x0003
	resultKindPrepared     int32 = 0x0004
	resultKindSchemaChange int32 = 0x0005
)

// VoidResult is the result of statements that return nothing.
type VoidResult struct{}

func (*VoidResult) Opcode() Op { return OpResult }
func (*VoidResult) isResponse() {}

func (*VoidResult) encode(w *writer, _ ProtoVersion) error {
	w.writeInt(resultKindVoid)
	return nil
}

// RowsResult is one page of rows.
type RowsResult struct {
	Metadata RowsMetadata
	Rows     *Rows
}

func (*RowsResult) Opcode() Op { return OpResult }
func (*RowsResult) isResponse() {}

func (m *RowsResult) encode(w *writer, _ ProtoVersion) error {
	w.writeInt(resultKindRows)
	writeRowsMetadata(w, &m.Metadata)
	writeRows(w, m.Rows)

	return nil
}

// SetKeyspaceResult confirms a USE statement.
type SetKeyspaceResult struct {
	Keyspace string
}

func (*SetKeyspaceResult) Opcode() Op { return OpResult }
func (*SetKeyspaceResult) isResponse() {}

func (m *SetKeyspaceResult) encode(w *writer, _ ProtoVersion) error {
	w.writeInt(resultKindSetKeyspace)
	w.writeString(m.Keyspace)

	return nil
}

// PreparedResult is the answer to PREPARE.
type PreparedResult struct {
	ID []byte

	// ResultMetadataID identifies Result for EXECUTE (v5+).
	ResultMetadataID []byte

	Params PreparedMetadata
	Result RowsMetadata
}

func (*PreparedResult) Opcode() Op { return OpResult }
func (*PreparedResult) isResponse() {}

func (m *PreparedResult) encode(w *writer, v ProtoVersion) error {
	w.writeInt(resultKindPrepared)
	w.writeShortBytes(m.ID)
	if v >= Version5 {
		w.writeShortBytes(m.ResultMetadataID)
	}
	writePreparedMetadata(w, &m.Params, v)
	if v >= Version2 {
		writeRowsMetadata(w, &m.Result)
	}

	return nil
}

// SchemaChange describes a schema modification. Target is KEYSPACE, TABLE,
// TYPE, FUNCTION or AGGREGATE; Name and Args are empty for keyspaces.
type SchemaChange struct {
	Change   string
	Target   string
	Keyspace string
	Name     string
	Args     []string
}

func (s *SchemaChange) encode(w *writer, v ProtoVersion) {
	w.writeString(s.Change)
	if v < Version3 {
		w.writeString(s.Keyspace)
		w.writeString(s.Name)
		return
	}

	w.writeString(s.Target)
	w.writeString(s.Keyspace)
	switch s.Target {
	case "KEYSPACE":
	case "FUNCTION", "AGGREGATE":
		w.writeString(s.Name)
		w.writeStringList(s.Args)
	default:
		w.writeString(s.Name)
	}
}

func readSchemaChange(r *reader, v ProtoVersion) SchemaChange {
	s := SchemaChange{Change: r.readString()}
	if v < Version3 {
		s.Keyspace = r.readString()
		s.Name = r.readString()
		s.Target = "TABLE"
		if s.Name == "" {
			s.Target = "KEYSPACE"
		}
		return s
	}

	s.Target = r.readString()
	s.Keyspace = r.readString()
	switch s.Target {
	case "KEYSPACE":
	case "FUNCTION", "AGGREGATE":
		s.Name = r.readString()
		s.Args = r.readStringList()
	default:
		s.Name = r.readString()
	}

	return s
}

// SchemaChangeResult is returned by DDL statements.
type SchemaChangeResult struct {
	SchemaChange
}

func (*SchemaChangeResult) Opcode() Op { return OpResult }
func (*SchemaChangeResult) isResponse() {}

func (m *SchemaChangeResult) encode(w *writer, v ProtoVersion) error {
	w.writeInt(resultKindSchemaChange)
	m.SchemaChange.encode(w, v)

	return nil
}

// Event is a server pushed notification, delivered on stream -1.
type Event interface {
	Response
	EventType() string
}

// Event types accepted by REGISTER.
const (
	EventTopologyChange = "TOPOLOGY_CHANGE"
	EventStatusChange   = "STATUS_CHANGE"
	EventSchemaChange   = "SCHEMA_CHANGE"
)

// TopologyChangeEvent reports NEW_NODE, REMOVED_NODE or MOVED_NODE.
type TopologyChangeEvent struct {
	Change string
	Addr   netip.AddrPort
}

func (*TopologyChangeEvent) Opcode() Op        { return OpEvent }
func (*TopologyChangeEvent) isResponse()       {}
func (*TopologyChangeEvent) EventType() string { return EventTopologyChange }

func (m *TopologyChangeEvent) encode(w *writer, _ ProtoVersion) error {
	w.writeString(EventTopologyChange)
	w.writeString(m.Change)
	w.writeInet(m.Addr)

	return nil
}

// StatusChangeEvent reports UP or DOWN.
type StatusChangeEvent struct {
	Change string
	Addr   netip.AddrPort
}

func (*StatusChangeEvent) Opcode() Op        { return OpEvent }
func (*StatusChangeEvent) isResponse()       {}
func (*StatusChangeEvent) EventType() string { return EventStatusChange }

func (m *StatusChangeEvent) encode(w *writer, _ ProtoVersion) error {
	w.writeString(EventStatusChange)
	w.writeString(m.Change)
	w.writeInet(m.Addr)

	return nil
}

// SchemaChangeEvent reports a schema change made through any node.
type SchemaChangeEvent struct {
	SchemaChange
}

func (*SchemaChangeEvent) Opcode() Op        { return OpEvent }
func (*SchemaChangeEvent) isResponse()       {}
func (*SchemaChangeEvent) EventType() string { return EventSchemaChange }

func (m *SchemaChangeEvent) encode(w *writer, v ProtoVersion) error {
	w.writeString(EventSchemaChange)
	m.SchemaChange.encode(w, v)

	return nil
}

// FailureReason is one replica failure reported by v5 read/write failures.
type FailureReason struct {
	Addr netip.Addr
	Code uint16
}

// ErrorResponse is a decoded ERROR body. Fields beyond Code and Message are
// populated according to the code.
type ErrorResponse struct {
	Code    types.ErrorCode
	Message string

	Consistency types.Consistency
	Required    int
	Alive       int
	Received    int
	BlockFor    int
	DataPresent bool
	WriteType   types.WriteType
	Contentions int
	NumFailures int
	Reasons     []FailureReason

	Keyspace string
	Table    string
	Function string
	ArgTypes []string

	UnknownID []byte
}

func (*ErrorResponse) Opcode() Op { return OpError }
func (*ErrorResponse) isResponse() {}

func (e *ErrorResponse) Error() string {
	return e.Err().Error()
}

func (e *ErrorResponse) writeFailures(w *writer, v ProtoVersion) {
	if v < Version5 {
		w.writeInt(int32(e.NumFailures))
		return
	}
	w.writeInt(int32(len(e.Reasons)))
	for _, fr := range e.Reasons {
		w.writeInetAddr(fr.Addr)
		w.writeShort(fr.Code)
	}
}

func (e *ErrorResponse) readFailures(r *reader, v ProtoVersion) {
	if v < Version5 {
		e.NumFailures = int(r.readInt())
		return
	}
	n := int(r.readInt())
	if n < 0 {
		r.fail("negative failure count %d", n)
		return
	}
	for range n {
		fr := FailureReason{Addr: r.readInetAddr(), Code: r.readShort()}
		if r.err != nil {
			return
		}
		e.Reasons = append(e.Reasons, fr)
	}
	e.NumFailures = n
}

func (e *ErrorResponse) encode(w *writer, v ProtoVersion) error {
	w.writeInt(int32(e.Code))
	w.writeString(e.Message)

	switch e.Code {
	case types.CodeUnavailable:
		w.writeConsistency(e.Consistency)
		w.writeInt(int32(e.Required))
		w.writeInt(int32(e.Alive))
	case types.CodeWriteTimeout:
		w.writeConsistency(e.Consistency)
		w.writeInt(int32(e.Received))
		w.writeInt(int32(e.BlockFor))
		w.writeString(string(e.WriteType))
		if v >= Version5 && e.WriteType == types.WriteTypeCAS {
			w.writeShort(uint16(e.Contentions))
		}
	case types.CodeReadTimeout:
		w.writeConsistency(e.Consistency)
		w.writeInt(int32(e.Received))
		w.writeInt(int32(e.BlockFor))
		w.writeByte(boolByte(e.DataPresent))
	case types.CodeReadFailure:
		w.writeConsistency(e.Consistency)
		w.writeInt(int32(e.Received))
		w.writeInt(int32(e.BlockFor))
		e.writeFailures(w, v)
		w.writeByte(boolByte(e.DataPresent))
	case types.CodeWriteFailure:
		w.writeConsistency(e.Consistency)
		w.writeInt(int32(e.Received))
		w.writeInt(int32(e.BlockFor))
		e.writeFailures(w, v)
		w.writeString(string(e.WriteType))
	case types.CodeCASWriteUnknown:
		w.writeConsistency(e.Consistency)
		w.writeInt(int32(e.Received))
		w.writeInt(int32(e.BlockFor))
	case types.CodeFunctionFailure:
		w.writeString(e.Keyspace)
		w.writeString(e.Function)
		w.writeStringList(e.ArgTypes)
	case types.CodeAlreadyExists:
		w.writeString(e.Keyspace)
		w.writeString(e.Table)
	case types.CodeUnprepared:
		w.writeShortBytes(e.UnknownID)
	}

	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}

	return 0
}

func decodeError(r *reader, v ProtoVersion) Message {
	e := &ErrorResponse{
		Code:    types.ErrorCode(r.readInt()),
		Message: r.readString(),
	}

	switch e.Code {
	case types.CodeUnavailable:
		e.Consistency = r.readConsistency()
		e.Required = int(r.readInt())
		e.Alive = int(r.readInt())
	case types.CodeWriteTimeout:
		e.Consistency = r.readConsistency()
		e.Received = int(r.readInt())
		e.BlockFor = int(r.readInt())
		e.WriteType = types.WriteType(r.readString())
		if v >= Version5 && e.WriteType == types.WriteTypeCAS {
			e.Contentions = int(r.readShort())
		}
	case types.CodeReadTimeout:
		e.Consistency = r.readConsistency()
		e.Received = int(r.readInt())
		e.BlockFor = int(r.readInt())
		e.DataPresent = r.readByte() != 0
	case types.CodeReadFailure:
		e.Consistency = r.readConsistency()
		e.Received = int(r.readInt())
		e.BlockFor = int(r.readInt())
		e.readFailures(r, v)
		e.DataPresent = r.readByte() != 0
	case types.CodeWriteFailure:
		e.Consistency = r.readConsistency()
		e.Received = int(r.readInt())
		e.BlockFor = int(r.readInt())
		e.readFailures(r, v)
		e.WriteType = types.WriteType(r.readString())
	case types.CodeCASWriteUnknown:
		e.Consistency = r.readConsistency()
		e.Received = int(r.readInt())
		e.BlockFor = int(r.readInt())
	case types.CodeFunctionFailure:
		e.Keyspace = r.readString()
		e.Function = r.readString()
		e.ArgTypes = r.readStringList()
	case types.CodeAlreadyExists:
		e.Keyspace = r.readString()
		e.Table = r.readString()
	case types.CodeUnprepared:
		e.UnknownID = r.readShortBytes()
	}

	return e
}

// Err converts the response into the matching typed error of package types.
//
// Returns:
//   - error: One of the typed errors in package types, never nil
func (e *ErrorResponse) Err() error {
	switch e.Code {
	case types.CodeUnavailable:
		return &types.UnavailableError{Message: e.Message, Consistency: e.Consistency,
			Required: e.Required, Alive: e.Alive}
	case types.CodeReadTimeout:
		return &types.ReadTimeoutError{Message: e.Message, Consistency: e.Consistency,
			Received: e.Received, BlockFor: e.BlockFor, DataPresent: e.DataPresent}
	case types.CodeWriteTimeout:
		return &types.WriteTimeoutError{Message: e.Message, Consistency: e.Consistency,
			Received: e.Received, BlockFor: e.BlockFor, WriteType: e.WriteType, Contentions: e.Contentions}
	case types.CodeReadFailure:
		return &types.ReadFailureError{Message: e.Message, Consistency: e.Consistency,
			Received: e.Received, BlockFor: e.BlockFor, NumFailures: e.NumFailures, DataPresent: e.DataPresent}
	case types.CodeWriteFailure:
		return &types.WriteFailureError{Message: e.Message, Consistency: e.Consistency,
			Received: e.Received, BlockFor: e.BlockFor, NumFailures: e.NumFailures, WriteType: e.WriteType}
	case types.CodeUnprepared:
		return &types.UnpreparedError{Message: e.Message, ID: e.UnknownID}
	case types.CodeBadCredentials:
		return &types.AuthenticationError{Message: e.Message}
	case types.CodeProtocolError:
		return &types.ProtocolError{Message: "server: " + e.Message}
	case types.CodeSyntaxError, types.CodeUnauthorized, types.CodeInvalid,
		types.CodeConfigError, types.CodeAlreadyExists:
		return &types.QueryValidationError{ErrCode: e.Code, Message: e.Message,
			Keyspace: e.Keyspace, Table: e.Table}
	case types.CodeFunctionFailure:
		return &types.ServerError{ErrCode: e.Code,
			Message: fmt.Sprintf("%s (function %s.%s)", e.Message, e.Keyspace, e.Function)}
	}

	return &types.ServerError{ErrCode: e.Code, Message: e.Message}
}

// NewErrorResponse builds the ERROR body a server would send for err. Errors
// without a protocol code become CodeServerError.
//
// Parameters:
//   - err: A typed error from package types, or any other error
//
// Returns:
//   - *ErrorResponse: The response to encode
func NewErrorResponse(err error) *ErrorResponse {
	var (
		unavailable  *types.UnavailableError
		readTimeout  *types.ReadTimeoutError
		writeTimeout *types.WriteTimeoutError
		readFailure  *types.ReadFailureError
		writeFailure *types.WriteFailureError
		unprepared   *types.UnpreparedError
		authErr      *types.AuthenticationError
		protoErr     *types.ProtocolError
		validation   *types.QueryValidationError
		serverErr    *types.ServerError
	)

	switch {
	case errors.As(err, &unavailable):
		return &ErrorResponse{Code: types.CodeUnavailable, Message: unavailable.Message,
			Consistency: unavailable.Consistency, Required: unavailable.Required, Alive: unavailable.Alive}
	case errors.As(err, &readTimeout):
		return &ErrorResponse{Code: types.CodeReadTimeout, Message: readTimeout.Message,
			Consistency: readTimeout.Consistency, Received: readTimeout.Received,
			BlockFor: readTimeout.BlockFor, DataPresent: readTimeout.DataPresent}
	case errors.As(err, &writeTimeout):
		return &ErrorResponse{Code: types.CodeWriteTimeout, Message: writeTimeout.Message,
			Consistency: writeTimeout.Consistency, Received: writeTimeout.Received,
			BlockFor: writeTimeout.BlockFor, WriteType: writeTimeout.WriteType, Contentions: writeTimeout.Contentions}
	case errors.As(err, &readFailure):
		return &ErrorResponse{Code: types.CodeReadFailure, Message: readFailure.Message,
			Consistency: readFailure.Consistency, Received: readFailure.Received,
			BlockFor: readFailure.BlockFor, NumFailures: readFailure.NumFailures, DataPresent: readFailure.DataPresent}
	case errors.As(err, &writeFailure):
		return &ErrorResponse{Code: types.CodeWriteFailure, Message: writeFailure.Message,
			Consistency: writeFailure.Consistency, Received: writeFailure.Received,
			BlockFor: writeFailure.BlockFor, NumFailures: writeFailure.NumFailures, WriteType: writeFailure.WriteType}
	case errors.As(err, &unprepared):
		return &ErrorResponse{Code: types.CodeUnprepared, Message: unprepared.Message, UnknownID: unprepared.ID}
	case errors.As(err, &authErr):
		return &ErrorResponse{Code: types.CodeBadCredentials, Message: authErr.Message}
	case errors.As(err, &protoErr):
		return &ErrorResponse{Code: types.CodeProtocolError, Message: protoErr.Message}
	case errors.As(err, &validation):
		return &ErrorResponse{Code: validation.ErrCode, Message: validation.Message,
			Keyspace: validation.Keyspace, Table: validation.Table}
	case errors.As(err, &serverErr):
		return &ErrorResponse{Code: serverErr.ErrCode, Message: serverErr.Message}
	}

	return &ErrorResponse{Code: types.CodeServerError, Message: err.Error()}
}

func decodeResult(r *reader, v ProtoVersion) Message {
	switch kind := r.readInt(); kind {
	case resultKindVoid:
		return &VoidResult{}
	case resultKindRows:
		m := &RowsResult{Metadata: readRowsMetadata(r)}
		m.Rows = readRows(r, m.Metadata.ColumnCount)
		return m
	case resultKindSetKeyspace:
		return &SetKeyspaceResult{Keyspace: r.readString()}
	case resultKindPrepared:
		m := &PreparedResult{ID: r.readShortBytes()}
		if v >= Version5 {
			m.ResultMetadataID = r.readShortBytes()
		}
		m.Params = readPreparedMetadata(r, v)
		if v >= Version2 {
			m.Result = readRowsMetadata(r)
		}
		return m
	case resultKindSchemaChange:
		return &SchemaChangeResult{SchemaChange: readSchemaChange(r, v)}
	default:
		if r.err == nil {
			r.fail("unknown result kind 0x%04X", kind)
		}
		return nil
	}
}

func decodeEvent(r *reader, v ProtoVersion) Message {
	switch typ := r.readString(); typ {
	case EventTopologyChange:
		return &TopologyChangeEvent{Change: r.readString(), Addr: r.readInet()}
	case EventStatusChange:
		return &StatusChangeEvent{Change: r.readString(), Addr: r.readInet()}
	case EventSchemaChange:
		return &SchemaChangeEvent{SchemaChange: readSchemaChange(r, v)}
	default:
		if r.err == nil {
			r.fail("unknown event type %q", typ)
		}
		return nil
	}
}

var responseDecoders = map[Op]func(r *reader, v ProtoVersion) Message{
	OpError: decodeError,
	OpReady: func(*reader, ProtoVersion) Message { return &Ready{} },
	OpAuthenticate: func(r *reader, _ ProtoVersion) Message {
		return &Authenticate{Authenticator: r.readString()}
	},
	OpSupported: func(r *reader, _ ProtoVersion) Message {
		return &Supported{Options: r.readStringMultimap()}
	},
	OpResult: decodeResult,
	OpEvent:  decodeEvent,
	OpAuthChallenge: func(r *reader, _ ProtoVersion) Message {
		return &AuthChallenge{Token: r.readBytes()}
	},
	OpAuthSuccess: func(r *reader, _ ProtoVersion) Message {
		return &AuthSuccess{Token: r.readBytes()}
	},
}
