package frame

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/arloliu/cqlwire/types"
)

// ProtoVersion is a native protocol version.
type ProtoVersion byte

// Supported protocol versions.
const (
	Version1 ProtoVersion = 1
	Version2 ProtoVersion = 2
	Version3 ProtoVersion = 3
	Version4 ProtoVersion = 4
	Version5 ProtoVersion = 5

	VersionMin = Version1
	VersionMax = Version5
)

// Valid reports whether v is a version this codec speaks.
func (v ProtoVersion) Valid() bool {
	return v >= VersionMin && v <= VersionMax
}

// HeaderSize returns the frame header length: 8 bytes for v1/v2 and 9 bytes
// from v3 on, where the stream id grew to two bytes.
func (v ProtoVersion) HeaderSize() int {
	if v < Version3 {
		return 8
	}

	return 9
}

// MaxStreams returns the number of stream ids available per connection.
func (v ProtoVersion) MaxStreams() int {
	if v < Version3 {
		return 128
	}

	return 32768
}

// SupportsUnset reports whether bound values may be left unset.
func (v ProtoVersion) SupportsUnset() bool {
	return v >= Version4
}

func (v ProtoVersion) String() string {
	return fmt.Sprintf("v%d", byte(v))
}

// Flags are the frame header flag bits.
type Flags byte

// Header flags.
const (
	FlagCompress      Flags = 0x01
	FlagTracing       Flags = 0x02
	FlagCustomPayload Flags = 0x04
	FlagWarning       Flags = 0x08
	FlagBeta          Flags = 0x10
)

// Has reports whether every bit of f2 is set.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// Op is a frame opcode.
type Op byte

// Opcodes.
const (
	OpError         Op = 0x00
	OpStartup       Op = 0x01
	OpReady         Op = 0x02
	OpAuthenticate  Op = 0x03
	OpOptions       Op = 0x05
	OpSupported     Op = 0x06
	OpQuery         Op = 0x07
	OpResult        Op = 0x08
	OpPrepare       Op = 0x09
	OpExecute       Op = 0x0A
	OpRegister      Op = 0x0B
	OpEvent         Op = 0x0C
	OpBatch         Op = 0x0D
	OpAuthChallenge Op = 0x0E
	OpAuthResponse  Op = 0x0F
	OpAuthSuccess   Op = 0x10
)

var opNames = map[Op]string{
	OpError:         "ERROR",
	OpStartup:       "STARTUP",
	OpReady:         "READY",
	OpAuthenticate:  "AUTHENTICATE",
	OpOptions:       "OPTIONS",
	OpSupported:     "SUPPORTED",
	OpQuery:         "QUERY",
	OpResult:        "RESULT",
	OpPrepare:       "PREPARE",
	OpExecute:       "EXECUTE",
	OpRegister:      "REGISTER",
	OpEvent:         "EVENT",
	OpBatch:         "BATCH",
	OpAuthChallenge: "AUTH_CHALLENGE",
	OpAuthResponse:  "AUTH_RESPONSE",
	OpAuthSuccess:   "AUTH_SUCCESS",
}

func (op Op) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}

	return fmt.Sprintf("UNKNOWN_OP_0x%02X", byte(op))
}

const (
	// MaxBodyLength is the largest frame body accepted (256 MiB).
	MaxBodyLength = 256 << 20

	// EventStream is the stream id of server pushed events.
	EventStream int16 = -1

	responseBit = 0x80
)

// Header is a decoded frame header.
type Header struct {
	Version  ProtoVersion
	Response bool
	Flags    Flags
	Stream   int16
	Op       Op
	Length   int
}

// AppendHeader appends the wire form of h to dst.
//
// Parameters:
//   - dst: Buffer to append to
//   - h: Header to encode; h.Version selects the stream width
//
// Returns:
//   - []byte: The extended buffer
//   - error: *types.ProtocolError if the version is unknown or the stream does not fit
func AppendHeader(dst []byte, h Header) ([]byte, error) {
	if !h.Version.Valid() {
		return dst, types.NewProtocolError("unsupported protocol version %d", byte(h.Version))
	}

	version := byte(h.Version)
	if h.Response {
		version |= responseBit
	}
	dst = append(dst, version, byte(h.Flags))

	if h.Version < Version3 {
		if h.Stream < -128 || h.Stream > 127 {
			return dst, types.NewProtocolError("stream id %d does not fit protocol %s", h.Stream, h.Version)
		}
		dst = append(dst, byte(int8(h.Stream)))
	} else {
		dst = binary.BigEndian.AppendUint16(dst, uint16(h.Stream))
	}

	dst = append(dst, byte(h.Op))

	return binary.BigEndian.AppendUint32(dst, uint32(int32(h.Length))), nil
}

// ParseHeader decodes a header from the start of b.
//
// Parameters:
//   - b: At least HeaderSize bytes of the version found in b[0]
//
// Returns:
//   - Header: The decoded header
//   - error: *types.ProtocolError on unknown versions or invalid body lengths
func ParseHeader(b []byte) (Header, error) {
	if len(b) == 0 {
		return Header{}, types.NewProtocolError("empty frame header")
	}

	h := Header{
		Version:  ProtoVersion(b[0] &^ responseBit),
		Response: b[0]&responseBit != 0,
	}
	if !h.Version.Valid() {
		return Header{}, types.NewProtocolError("unsupported protocol version %d", byte(h.Version))
	}
	if len(b) < h.Version.HeaderSize() {
		return Header{}, types.NewProtocolError("short frame header: %d bytes", len(b))
	}

	h.Flags = Flags(b[1])

	var length int32
	if h.Version < Version3 {
		h.Stream = int16(int8(b[2]))
		h.Op = Op(b[3])
		length = int32(binary.BigEndian.Uint32(b[4:8]))
	} else {
		h.Stream = int16(binary.BigEndian.Uint16(b[2:4]))
		h.Op = Op(b[4])
		length = int32(binary.BigEndian.Uint32(b[5:9]))
	}

	if length < 0 || length > MaxBodyLength {
		return Header{}, types.NewProtocolError("invalid frame body length %d", length)
	}
	h.Length = int(length)

	return h, nil
}

// ReadHeader reads one header from r. buf is scratch space of at least 9
// bytes; it may be nil.
//
// Parameters:
//   - r: Source stream
//   - buf: Optional scratch buffer
//
// Returns:
//   - Header: The decoded header
//   - error: I/O errors from r, or *types.ProtocolError
func ReadHeader(r io.Reader, buf []byte) (Header, error) {
	if cap(buf) < 9 {
		buf = make([]byte, 9)
	}
	buf = buf[:9]

	// The first 8 bytes are common to every version; v3+ needs one more.
	if _, err := io.ReadFull(r, buf[:8]); err != nil {
		return Header{}, err
	}

	size := ProtoVersion(buf[0] &^ responseBit).HeaderSize()
	if size > 8 {
		if _, err := io.ReadFull(r, buf[8:size]); err != nil {
			return Header{}, err
		}
	}

	return ParseHeader(buf[:size])
}
