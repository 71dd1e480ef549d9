package frame

import (
	"io"

	"github.com/google/uuid"

	"github.com/arloliu/cqlwire/types"
)

// Compressor compresses frame bodies. Implementations live in package
// compress; the name is the value sent in the STARTUP COMPRESSION option.
type Compressor interface {
	Name() string
	Encode(src []byte) ([]byte, error)
	Decode(src []byte) ([]byte, error)
}

// Frame is a header plus its decoded message and body envelope.
type Frame struct {
	Header Header

	// TracingID is set on responses to traced requests.
	TracingID uuid.UUID

	// Warnings are server warnings attached to a response (v4+).
	Warnings []string

	// CustomPayload is the opaque key/value payload (v4+).
	CustomPayload map[string][]byte

	Message Message
}

// Tracing reports whether the frame carries the tracing flag.
func (f *Frame) Tracing() bool {
	return f.Header.Flags.Has(FlagTracing)
}

// Codec encodes and decodes frames for one protocol version. A Codec is
// immutable and safe for concurrent use.
type Codec struct {
	version    ProtoVersion
	compressor Compressor
}

// NewCodec creates a codec.
//
// Parameters:
//   - version: Protocol version of every frame
//   - compressor: Body compressor, nil for none
//
// Returns:
//   - *Codec: The codec
func NewCodec(version ProtoVersion, compressor Compressor) *Codec {
	return &Codec{version: version, compressor: compressor}
}

// Version returns the protocol version of the codec.
func (c *Codec) Version() ProtoVersion { return c.version }

// Compressor returns the body compressor, or nil.
func (c *Codec) Compressor() Compressor { return c.compressor }

// WithCompressor returns a copy of the codec using compressor.
func (c *Codec) WithCompressor(compressor Compressor) *Codec {
	return &Codec{version: c.version, compressor: compressor}
}

// uncompressed reports whether op is exchanged before compression is
// negotiated.
func uncompressed(op Op) bool {
	return op == OpStartup || op == OpOptions || op == OpSupported || op == OpReady
}

// Encode appends the wire form of f to dst. The version, opcode, direction
// and length of f.Header are derived from the codec and f.Message; only
// Stream and the tracing flag are taken from the caller.
//
// Parameters:
//   - dst: Buffer to append to
//   - f: Frame to encode
//
// Returns:
//   - []byte: The extended buffer
//   - error: Encoding or compression errors
func (c *Codec) Encode(dst []byte, f *Frame) ([]byte, error) {
	_, isResponse := f.Message.(Response)
	h := Header{
		Version:  c.version,
		Response: isResponse,
		Flags:    f.Header.Flags & FlagTracing,
		Stream:   f.Header.Stream,
		Op:       f.Message.Opcode(),
	}

	w := &writer{}
	if isResponse && h.Flags.Has(FlagTracing) {
		w.writeUUID(f.TracingID)
	}
	if c.version >= Version4 {
		if isResponse && len(f.Warnings) > 0 {
			h.Flags |= FlagWarning
			w.writeStringList(f.Warnings)
		}
		if len(f.CustomPayload) > 0 {
			h.Flags |= FlagCustomPayload
			w.writeBytesMap(f.CustomPayload)
		}
	}
	if err := f.Message.encode(w, c.version); err != nil {
		return dst, err
	}

	body := w.buf
	if c.compressor != nil && !uncompressed(h.Op) && len(body) > 0 {
		compressed, err := c.compressor.Encode(body)
		if err != nil {
			return dst, err
		}
		body = compressed
		h.Flags |= FlagCompress
	}
	if len(body) > MaxBodyLength {
		return dst, types.NewProtocolError("frame body of %d bytes exceeds limit", len(body))
	}
	h.Length = len(body)

	dst, err := AppendHeader(dst, h)
	if err != nil {
		return dst, err
	}

	return append(dst, body...), nil
}

// ReadFrame reads and decodes one frame from r. Partial reads are handled.
//
// Parameters:
//   - r: Source stream
//
// Returns:
//   - *Frame: The decoded frame
//   - error: I/O errors from r, or *types.ProtocolError for malformed frames
func (c *Codec) ReadFrame(r io.Reader) (*Frame, error) {
	h, err := ReadHeader(r, nil)
	if err != nil {
		return nil, err
	}

	body := make([]byte, h.Length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	return c.Decode(h, body)
}

// Decode decodes a body read under header h. The returned frame may alias
// body.
//
// Parameters:
//   - h: Header previously read
//   - body: Exactly h.Length bytes
//
// Returns:
//   - *Frame: The decoded frame
//   - error: *types.ProtocolError for malformed or unexpected frames
func (c *Codec) Decode(h Header, body []byte) (*Frame, error) {
	version := c.version
	if h.Version != c.version {
		// Servers answer an unsupported version with an ERROR in their own
		// version; that error is what drives the downgrade at connect time.
		if !h.Response || h.Op != OpError {
			return nil, types.NewProtocolError("frame version %s on a %s connection", h.Version, c.version)
		}
		version = h.Version
	}

	if h.Flags.Has(FlagCompress) {
		if c.compressor == nil {
			return nil, types.NewProtocolError("compressed frame without a negotiated compressor")
		}
		decoded, err := c.compressor.Decode(body)
		if err != nil {
			return nil, &types.ProtocolError{Message: "decompressing frame body", Cause: err}
		}
		body = decoded
	}

	decoders := requestDecoders
	if h.Response {
		decoders = responseDecoders
	}
	decode, ok := decoders[h.Op]
	if !ok {
		return nil, types.NewProtocolError("unexpected opcode %s (response %t)", h.Op, h.Response)
	}

	f := &Frame{Header: h}
	r := newReader(body)
	if h.Response && h.Flags.Has(FlagTracing) {
		f.TracingID = r.readUUID()
	}
	if h.Response && h.Flags.Has(FlagWarning) {
		f.Warnings = r.readStringList()
	}
	if h.Flags.Has(FlagCustomPayload) {
		f.CustomPayload = r.readBytesMap()
	}

	f.Message = decode(r, version)
	if r.err != nil {
		return nil, r.err
	}
	if f.Message == nil {
		return nil, types.NewProtocolError("empty %s message", h.Op)
	}

	return f, nil
}
