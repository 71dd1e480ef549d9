package frame

import (
	"bytes"
	"errors"
	"io"
	"net/netip"
	"testing"
	"testing/iotest"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/cqlwire/marshal"
	"github.com/arloliu/cqlwire/types"
)

func TestHeaderRoundTrip(t *testing.T) {
	for v := VersionMin; v <= VersionMax; v++ {
		t.Run(v.String(), func(t *testing.T) {
			streams := []int16{0, 1, -1, 127, -128}
			if v >= Version3 {
				streams = append(streams, 32767, -32768, 256)
			}

			for _, stream := range streams {
				h := Header{
					Version:  v,
					Response: stream%2 == 0,
					Flags:    FlagTracing | FlagWarning,
					Stream:   stream,
					Op:       OpResult,
					Length:   1234,
				}
				b, err := AppendHeader(nil, h)
				require.NoError(t, err)
				require.Len(t, b, v.HeaderSize())

				got, err := ParseHeader(b)
				require.NoError(t, err)
				assert.Equal(t, h, got)

				got, err = ReadHeader(iotest.OneByteReader(bytes.NewReader(b)), nil)
				require.NoError(t, err)
				assert.Equal(t, h, got)
			}
		})
	}
}

func TestHeaderLayout(t *testing.T) {
	assert.Equal(t, 8, Version2.HeaderSize())
	assert.Equal(t, 9, Version3.HeaderSize())
	assert.Equal(t, 128, Version1.MaxStreams())
	assert.Equal(t, 32768, Version4.MaxStreams())

	b, err := AppendHeader(nil, Header{Version: Version4, Response: true, Stream: 0x0102, Op: OpReady, Length: 5})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x84, 0x00, 0x01, 0x02, 0x02, 0, 0, 0, 5}, b)

	b, err = AppendHeader(nil, Header{Version: Version2, Stream: -1, Op: OpEvent})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x00, 0xFF, 0x0C, 0, 0, 0, 0}, b)

	_, err = AppendHeader(nil, Header{Version: Version2, Stream: 300})
	require.Error(t, err)
}

func TestHeaderErrors(t *testing.T) {
	var protoErr *types.ProtocolError

	_, err := ParseHeader([]byte{0x07, 0, 0, 0, 0, 0, 0, 0, 0})
	require.ErrorAs(t, err, &protoErr)

	negative := []byte{0x84, 0, 0, 1, 0x08, 0xFF, 0xFF, 0xFF, 0xFF}
	_, err = ParseHeader(negative)
	require.ErrorAs(t, err, &protoErr)

	huge := []byte{0x84, 0, 0, 1, 0x08, 0x10, 0x00, 0x00, 0x01}
	_, err = ParseHeader(huge)
	require.ErrorAs(t, err, &protoErr)

	_, err = ReadHeader(bytes.NewReader([]byte{0x84, 0, 0}), nil)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func roundTripFrame(t *testing.T, v ProtoVersion, in *Frame) *Frame {
	t.Helper()

	codec := NewCodec(v, nil)
	buf, err := codec.Encode(nil, in)
	require.NoError(t, err)

	out, err := codec.ReadFrame(iotest.HalfReader(bytes.NewReader(buf)))
	require.NoError(t, err)
	assert.Equal(t, in.Message.Opcode(), out.Header.Op)
	assert.Equal(t, in.Header.Stream, out.Header.Stream)

	return out
}

func TestRequestRoundTrip(t *testing.T) {
	requests := []Request{
		&Startup{Options: map[string]string{"CQL_VERSION": "3.0.0", "COMPRESSION": "lz4"}},
		&Options{},
		&Query{Statement: "SELECT * FROM system.local", Params: QueryParams{
			Consistency:         types.LocalQuorum,
			Values:              []Value{{Bytes: []byte{1}}, {}, {Unset: true}, {Bytes: []byte{}}},
			SkipMetadata:        true,
			PageSize:            5000,
			PagingState:         []byte{9, 9},
			SerialConsistency:   types.LocalSerial,
			HasDefaultTimestamp: true,
			DefaultTimestamp:    1700000000000000,
		}},
		&Query{Statement: "UPDATE t SET v = :v WHERE k = :k", Params: QueryParams{
			Consistency: types.One,
			Values:      []Value{{Name: "v", Bytes: []byte{2}}, {Name: "k", Bytes: []byte{3}}},
		}},
		&Prepare{Statement: "SELECT v FROM t WHERE k = ?"},
		&Execute{ID: []byte{0xCA, 0xFE}, Params: QueryParams{Consistency: types.Quorum, Values: []Value{{Bytes: []byte("x")}}}},
		&Batch{
			Type: types.UnloggedBatch,
			Entries: []BatchEntry{
				{Query: "INSERT INTO t (k) VALUES (?)", Values: []Value{{Bytes: []byte{1}}}},
				{ID: []byte{0xAB}, Values: []Value{}},
			},
			Consistency:       types.Two,
			SerialConsistency: types.Serial,
		},
		&Register{EventTypes: []string{EventTopologyChange, EventStatusChange, EventSchemaChange}},
		&AuthResponse{Token: []byte("\x00cassandra\x00cassandra")},
	}

	for _, req := range requests {
		t.Run(req.Opcode().String(), func(t *testing.T) {
			out := roundTripFrame(t, Version4, &Frame{Header: Header{Stream: 42}, Message: req})
			assert.False(t, out.Header.Response)
			assert.Equal(t, req, out.Message)
		})
	}
}

func TestQueryParamsVersion5(t *testing.T) {
	q := &Query{Statement: "SELECT 1", Params: QueryParams{Consistency: types.One, Keyspace: "ks"}}
	out := roundTripFrame(t, Version5, &Frame{Message: q})
	assert.Equal(t, q, out.Message)

	_, err := NewCodec(Version4, nil).Encode(nil, &Frame{Message: q})
	require.Error(t, err)

	unset := &Query{Statement: "SELECT 1", Params: QueryParams{Values: []Value{{Unset: true}}}}
	_, err = NewCodec(Version3, nil).Encode(nil, &Frame{Message: unset})
	require.ErrorIs(t, err, errUnsetNotSupported)

	exec := &Execute{ID: []byte{1}, ResultMetadataID: []byte{2}, Params: QueryParams{Consistency: types.All}}
	out = roundTripFrame(t, Version5, &Frame{Message: exec})
	assert.Equal(t, exec, out.Message)
}

func TestVersion1Execute(t *testing.T) {
	exec := &Execute{ID: []byte{1}, Params: QueryParams{Consistency: types.One, Values: []Value{{Bytes: []byte{7}}}}}
	out := roundTripFrame(t, Version1, &Frame{Message: exec})
	assert.Equal(t, exec, out.Message)
}

func TestResponseRoundTrip(t *testing.T) {
	cols := []ColumnSpec{
		{Keyspace: "ks", Table: "t", Name: "k", Type: marshal.Native(marshal.TypeInt)},
		{Keyspace: "ks", Table: "t", Name: "tags", Type: marshal.SetOf(marshal.Native(marshal.TypeText))},
		{Keyspace: "ks", Table: "t", Name: "attrs", Type: marshal.MapOf(marshal.Native(marshal.TypeText), marshal.ListOf(marshal.Native(marshal.TypeUUID)))},
		{Keyspace: "ks", Table: "t", Name: "addr", Type: marshal.UDTOf("ks", "address",
			marshal.UDTField{Name: "street", Type: marshal.Native(marshal.TypeText)},
			marshal.UDTField{Name: "loc", Type: marshal.TupleOf(marshal.Native(marshal.TypeDouble), marshal.Native(marshal.TypeDouble))},
		)},
		{Keyspace: "ks", Table: "t", Name: "blob", Type: marshal.CustomOf("org.example.Custom")},
	}
	mixed := []ColumnSpec{
		{Keyspace: "ks", Table: "a", Name: "x", Type: marshal.Native(marshal.TypeBigInt)},
		{Keyspace: "ks", Table: "b", Name: "y", Type: marshal.Native(marshal.TypeBoolean)},
	}

	responses := []Response{
		&Ready{},
		&Authenticate{Authenticator: "org.apache.cassandra.auth.PasswordAuthenticator"},
		&Supported{Options: map[string][]string{"COMPRESSION": {"lz4", "snappy"}, "CQL_VERSION": {"3.4.5"}}},
		&AuthChallenge{Token: []byte{1, 2}},
		&AuthSuccess{},
		&VoidResult{},
		&SetKeyspaceResult{Keyspace: "ks"},
		&PreparedResult{
			ID:     []byte{0xDE, 0xAD},
			Params: PreparedMetadata{PKIndexes: []uint16{0}, Columns: cols[:1]},
			Result: RowsMetadata{ColumnCount: 2, Columns: mixed},
		},
		&SchemaChangeResult{SchemaChange{Change: "CREATED", Target: "TABLE", Keyspace: "ks", Name: "t"}},
		&SchemaChangeResult{SchemaChange{Change: "DROPPED", Target: "FUNCTION", Keyspace: "ks", Name: "f", Args: []string{"int"}}},
		&TopologyChangeEvent{Change: "NEW_NODE", Addr: netip.MustParseAddrPort("10.0.0.4:9042")},
		&StatusChangeEvent{Change: "DOWN", Addr: netip.MustParseAddrPort("[fe80::1]:9042")},
		&SchemaChangeEvent{SchemaChange{Change: "UPDATED", Target: "KEYSPACE", Keyspace: "ks"}},
	}

	for _, resp := range responses {
		t.Run(resp.Opcode().String(), func(t *testing.T) {
			out := roundTripFrame(t, Version4, &Frame{Header: Header{Stream: 3}, Message: resp})
			assert.True(t, out.Header.Response)
			assert.Equal(t, resp, out.Message)
		})
	}

	t.Run("rows", func(t *testing.T) {
		rows := NewRows(len(cols), [][][]byte{
			{{0, 0, 0, 1}, nil, {}, nil, {0xFF}},
			{{0, 0, 0, 2}, nil, nil, nil, nil},
		})
		in := &RowsResult{Metadata: RowsMetadata{ColumnCount: len(cols), Columns: cols, PagingState: []byte{1}}, Rows: rows}
		out := roundTripFrame(t, Version4, &Frame{Message: in})

		res, ok := out.Message.(*RowsResult)
		require.True(t, ok)
		assert.Equal(t, in.Metadata, res.Metadata)
		assert.True(t, res.Metadata.HasMorePages())
		require.Equal(t, 2, res.Rows.Count())

		row, err := res.Rows.Next()
		require.NoError(t, err)
		assert.Equal(t, [][]byte{{0, 0, 0, 1}, nil, {}, nil, {0xFF}}, row)
		assert.NotNil(t, row[2])
		assert.Equal(t, 1, res.Rows.Remaining())
	})
}

func TestEnvelope(t *testing.T) {
	tracing := uuid.New()
	in := &Frame{
		Header:        Header{Stream: 9, Flags: FlagTracing},
		TracingID:     tracing,
		Warnings:      []string{"Aggregation query used without partition key"},
		CustomPayload: map[string][]byte{"k": []byte("v")},
		Message:       &VoidResult{},
	}

	out := roundTripFrame(t, Version4, in)
	assert.True(t, out.Tracing())
	assert.True(t, out.Header.Flags.Has(FlagWarning|FlagCustomPayload))
	assert.Equal(t, tracing, out.TracingID)
	assert.Equal(t, in.Warnings, out.Warnings)
	assert.Equal(t, in.CustomPayload, out.CustomPayload)

	// Requests only carry the tracing flag, not an id.
	req := roundTripFrame(t, Version4, &Frame{Header: Header{Flags: FlagTracing}, Message: &Options{}})
	assert.True(t, req.Tracing())
	assert.Equal(t, uuid.Nil, req.TracingID)
}

func TestRowsCursor(t *testing.T) {
	rows := NewRows(2, [][][]byte{
		{[]byte("a"), []byte("b")},
		{[]byte("c"), nil},
		{[]byte("e"), []byte("f")},
	})

	require.NoError(t, rows.Skip())
	row, err := rows.Next()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("c"), nil}, row)

	require.NoError(t, rows.Close())
	assert.Equal(t, 0, rows.Remaining())

	_, err = rows.Next()
	require.ErrorIs(t, err, io.EOF)
	require.ErrorIs(t, rows.Skip(), io.EOF)

	truncated := &Rows{columns: 1, count: 1, remaining: 1, data: []byte{0, 0, 0, 9, 1}}
	_, err = truncated.Next()
	var protoErr *types.ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func TestErrorResponses(t *testing.T) {
	errs := []error{
		&types.UnavailableError{Message: "not enough replicas", Consistency: types.Quorum, Required: 2, Alive: 1},
		&types.ReadTimeoutError{Message: "timeout", Consistency: types.One, Received: 0, BlockFor: 1, DataPresent: true},
		&types.WriteTimeoutError{Message: "timeout", Consistency: types.Quorum, Received: 1, BlockFor: 2, WriteType: types.WriteTypeBatchLog},
		&types.ReadFailureError{Message: "failure", Consistency: types.All, Received: 1, BlockFor: 3, NumFailures: 2},
		&types.WriteFailureError{Message: "failure", Consistency: types.All, Received: 1, BlockFor: 3, NumFailures: 1, WriteType: types.WriteTypeSimple},
		&types.UnpreparedError{Message: "unknown id", ID: []byte{1, 2, 3}},
		&types.QueryValidationError{ErrCode: types.CodeSyntaxError, Message: "line 1:0 no viable alternative"},
		&types.QueryValidationError{ErrCode: types.CodeAlreadyExists, Message: "exists", Keyspace: "ks", Table: "t"},
		&types.ServerError{ErrCode: types.CodeOverloaded, Message: "busy"},
		&types.ServerError{ErrCode: types.CodeIsBootstrapping, Message: "bootstrapping"},
	}

	for _, want := range errs {
		t.Run(want.Error(), func(t *testing.T) {
			out := roundTripFrame(t, Version4, &Frame{Message: NewErrorResponse(want)})
			resp, ok := out.Message.(*ErrorResponse)
			require.True(t, ok)
			assert.Equal(t, want, resp.Err())
		})
	}

	auth := NewErrorResponse(&types.AuthenticationError{Message: "bad credentials"})
	assert.Equal(t, types.CodeBadCredentials, auth.Code)
	var authErr *types.AuthenticationError
	require.ErrorAs(t, auth.Err(), &authErr)

	generic := NewErrorResponse(errors.New("boom"))
	assert.Equal(t, types.CodeServerError, generic.Code)
	assert.Contains(t, generic.Error(), "boom")
}

func TestErrorResponseV5Failures(t *testing.T) {
	in := &ErrorResponse{
		Code:        types.CodeReadFailure,
		Message:     "failure",
		Consistency: types.Quorum,
		Received:    1,
		BlockFor:    2,
		NumFailures: 1,
		Reasons:     []FailureReason{{Addr: netip.MustParseAddr("10.0.0.2"), Code: 1}},
		DataPresent: true,
	}
	out := roundTripFrame(t, Version5, &Frame{Message: in})
	assert.Equal(t, in, out.Message)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	codec := NewCodec(Version4, nil)
	var protoErr *types.ProtocolError

	unknownOp := []byte{0x84, 0, 0, 1, 0x04, 0, 0, 0, 0}
	_, err := codec.ReadFrame(bytes.NewReader(unknownOp))
	require.ErrorAs(t, err, &protoErr)

	unknownKind := []byte{0x84, 0, 0, 1, byte(OpResult), 0, 0, 0, 4, 0, 0, 0, 0x77}
	_, err = codec.ReadFrame(bytes.NewReader(unknownKind))
	require.ErrorAs(t, err, &protoErr)

	truncated := []byte{0x84, 0, 0, 1, byte(OpAuthenticate), 0, 0, 0, 2, 0, 9}
	_, err = codec.ReadFrame(bytes.NewReader(truncated))
	require.ErrorAs(t, err, &protoErr)

	compressed := []byte{0x84, byte(FlagCompress), 0, 1, byte(OpReady), 0, 0, 0, 0}
	_, err = codec.ReadFrame(bytes.NewReader(compressed))
	require.ErrorAs(t, err, &protoErr)

	otherVersion := []byte{0x83, 0, 0, 1, byte(OpReady), 0, 0, 0, 0}
	_, err = codec.ReadFrame(bytes.NewReader(otherVersion))
	require.ErrorAs(t, err, &protoErr)
}

func TestDowngradeErrorIsDecoded(t *testing.T) {
	v3 := NewCodec(Version3, nil)
	buf, err := v3.Encode(nil, &Frame{Message: &ErrorResponse{Code: types.CodeProtocolError, Message: "Invalid or unsupported protocol version (5)"}})
	require.NoError(t, err)

	f, err := NewCodec(Version5, nil).ReadFrame(bytes.NewReader(buf))
	require.NoError(t, err)
	assert.Equal(t, Version3, f.Header.Version)

	var protoErr *types.ProtocolError
	require.ErrorAs(t, f.Message.(*ErrorResponse).Err(), &protoErr)
}

func BenchmarkEncodeQuery(b *testing.B) {
	codec := NewCodec(Version4, nil)
	f := &Frame{Message: &Query{
		Statement: "SELECT * FROM ks.t WHERE k = ?",
		Params:    QueryParams{Consistency: types.LocalQuorum, Values: []Value{{Bytes: []byte{0, 0, 0, 1}}}, PageSize: 5000},
	}}

	b.ReportAllocs()
	buf := make([]byte, 0, 256)
	for range b.N {
		var err error
		buf, err = codec.Encode(buf[:0], f)
		if err != nil {
			b.Fatal(err)
		}
	}
}
