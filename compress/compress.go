// Package compress provides the frame body compressors negotiated in the
// STARTUP COMPRESSION option.
package compress

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/pierrec/lz4/v4"

	"github.com/arloliu/cqlwire/frame"
)

var (
	// ErrCorrupt is returned when a compressed body cannot be decoded.
	ErrCorrupt = errors.New("cqlwire: compression: corrupt input")

	// ErrUnknown is returned by ByName for unsupported algorithms.
	ErrUnknown = errors.New("cqlwire: compression: unknown algorithm")
)

// maxDecodedLength bounds the advertised size of a decompressed body.
const maxDecodedLength = frame.MaxBodyLength

// ByName returns the compressor registered under name ("lz4" or "snappy").
// An empty name returns nil and no error.
//
// Parameters:
//   - name: Algorithm name as sent in STARTUP
//
// Returns:
//   - frame.Compressor: The compressor, nil for an empty name
//   - error: ErrUnknown for unsupported names
func ByName(name string) (frame.Compressor, error) {
	switch name {
	case "":
		return nil, nil
	case "lz4":
		return LZ4{}, nil
	case "snappy":
		return Snappy{}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
}

// LZ4 is the LZ4 block codec. Bodies are prefixed with their decompressed
// length as a 4 byte big-endian integer.
type LZ4 struct{}

var _ frame.Compressor = LZ4{}

var lz4Pool = sync.Pool{
	New: func() any { return new(lz4.Compressor) },
}

func (LZ4) Name() string { return "lz4" }

func (LZ4) Encode(src []byte) ([]byte, error) {
	dst := make([]byte, 4+lz4.CompressBlockBound(len(src)))
	binary.BigEndian.PutUint32(dst, uint32(len(src)))
	if len(src) == 0 {
		return dst[:4], nil
	}

	c := lz4Pool.Get().(*lz4.Compressor)
	defer lz4Pool.Put(c)

	n, err := c.CompressBlock(src, dst[4:])
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrCorrupt
	}

	return dst[:4+n], nil
}

func (LZ4) Decode(src []byte) ([]byte, error) {
	if len(src) < 4 {
		return nil, ErrCorrupt
	}
	size := int(binary.BigEndian.Uint32(src))
	if size < 0 || size > maxDecodedLength {
		return nil, fmt.Errorf("%w: decompressed length %d", ErrCorrupt, size)
	}

	dst := make([]byte, size)
	if size == 0 {
		return dst, nil
	}
	n, err := lz4.UncompressBlock(src[4:], dst)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if n != size {
		return nil, fmt.Errorf("%w: decompressed %d bytes, expected %d", ErrCorrupt, n, size)
	}

	return dst, nil
}

// Snappy is the Snappy block codec, encoded with s2 in Snappy compatible
// mode.
type Snappy struct{}

var _ frame.Compressor = Snappy{}

func (Snappy) Name() string { return "snappy" }

func (Snappy) Encode(src []byte) ([]byte, error) {
	return s2.EncodeSnappy(nil, src), nil
}

func (Snappy) Decode(src []byte) ([]byte, error) {
	n, err := s2.DecodedLen(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if n > maxDecodedLength {
		return nil, fmt.Errorf("%w: decompressed length %d", ErrCorrupt, n)
	}
	out, err := s2.Decode(nil, src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	return out, nil
}
