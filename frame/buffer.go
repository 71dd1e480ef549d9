package frame

import (
	"encoding/binary"
	"math"
	"net/netip"
	"slices"

	"github.com/google/uuid"

	"github.com/arloliu/cqlwire/types"
)

// writer appends protocol notation values ([short], [string], [bytes], ...)
// to a growing buffer.
type writer struct {
	buf []byte
}

func (w *writer) writeByte(b byte) { w.buf = append(w.buf, b) }

func (w *writer) writeShort(n uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, n) }

func (w *writer) writeInt(n int32) { w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(n)) }

func (w *writer) writeLong(n int64) { w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(n)) }

func (w *writer) writeRaw(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) writeString(s string) {
	w.writeShort(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) writeLongString(s string) {
	w.writeInt(int32(len(s)))
	w.buf = append(w.buf, s...)
}

// writeBytes writes [bytes]; a nil slice is written as null (-1).
func (w *writer) writeBytes(b []byte) {
	if b == nil {
		w.writeInt(-1)
		return
	}
	w.writeInt(int32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) writeShortBytes(b []byte) {
	w.writeShort(uint16(len(b)))
	w.buf = append(w.buf, b...)
}

// writeValue writes a bound [value]: null is -1, unset is -2.
func (w *writer) writeValue(v Value) {
	if v.Unset {
		w.writeInt(-2)
		return
	}
	w.writeBytes(v.Bytes)
}

func (w *writer) writeConsistency(c types.Consistency) { w.writeShort(uint16(c)) }

func (w *writer) writeUUID(u uuid.UUID) { w.buf = append(w.buf, u[:]...) }

func (w *writer) writeStringList(l []string) {
	w.writeShort(uint16(len(l)))
	for _, s := range l {
		w.writeString(s)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	return keys
}

// Maps are written in key order so encodings are stable.
func (w *writer) writeStringMap(m map[string]string) {
	w.writeShort(uint16(len(m)))
	for _, k := range sortedKeys(m) {
		w.writeString(k)
		w.writeString(m[k])
	}
}

func (w *writer) writeStringMultimap(m map[string][]string) {
	w.writeShort(uint16(len(m)))
	for _, k := range sortedKeys(m) {
		w.writeString(k)
		w.writeStringList(m[k])
	}
}

func (w *writer) writeBytesMap(m map[string][]byte) {
	w.writeShort(uint16(len(m)))
	for _, k := range sortedKeys(m) {
		w.writeString(k)
		w.writeBytes(m[k])
	}
}

// writeInetAddr writes [inetaddr]: a one byte length then the address.
func (w *writer) writeInetAddr(a netip.Addr) {
	b := a.Unmap().AsSlice()
	w.writeByte(byte(len(b)))
	w.buf = append(w.buf, b...)
}

// writeInet writes [inet]: an [inetaddr] then an [int] port.
func (w *writer) writeInet(ap netip.AddrPort) {
	w.writeInetAddr(ap.Addr())
	w.writeInt(int32(ap.Port()))
}

// reader consumes protocol notation values. The first error is sticky:
// once set, every read returns a zero value and err holds the failure.
// Returned byte slices alias the underlying buffer.
type reader struct {
	buf []byte
	off int
	err error
}

func newReader(buf []byte) *reader {
	return &reader{buf: buf}
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = types.NewProtocolError(format, args...)
	}
}

func (r *reader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > r.remaining() {
		r.fail("reading %s: need %d bytes, have %d", what, n, r.remaining())
		return nil
	}
	b := r.buf[r.off : r.off+n : r.off+n]
	r.off += n

	return b
}

func (r *reader) readByte() byte {
	b := r.take(1, "byte")
	if b == nil {
		return 0
	}

	return b[0]
}

func (r *reader) readShort() uint16 {
	b := r.take(2, "short")
	if b == nil {
		return 0
	}

	return binary.BigEndian.Uint16(b)
}

func (r *reader) readInt() int32 {
	b := r.take(4, "int")
	if b == nil {
		return 0
	}

	return int32(binary.BigEndian.Uint32(b))
}

func (r *reader) readLong() int64 {
	b := r.take(8, "long")
	if b == nil {
		return 0
	}

	return int64(binary.BigEndian.Uint64(b))
}

func (r *reader) readString() string {
	return string(r.take(int(r.readShort()), "string"))
}

func (r *reader) readLongString() string {
	n := r.readInt()
	if n < 0 {
		r.fail("negative long string length %d", n)
		return ""
	}

	return string(r.take(int(n), "long string"))
}

// readBytes reads [bytes]; null (negative length) returns nil.
func (r *reader) readBytes() []byte {
	n := r.readInt()
	if n < 0 || r.err != nil {
		return nil
	}

	return r.take(int(n), "bytes")
}

func (r *reader) readShortBytes() []byte {
	n := int(r.readShort())
	if r.err != nil {
		return nil
	}

	return r.take(n, "short bytes")
}

// readValue reads a bound [value], recognizing unset (-2).
func (r *reader) readValue() Value {
	n := r.readInt()
	switch {
	case r.err != nil:
		return Value{}
	case n == -2:
		return Value{Unset: true}
	case n < 0:
		return Value{}
	}

	return Value{Bytes: r.take(int(n), "value")}
}

func (r *reader) readConsistency() types.Consistency {
	return types.Consistency(r.readShort())
}

func (r *reader) readUUID() uuid.UUID {
	var u uuid.UUID
	copy(u[:], r.take(16, "uuid"))

	return u
}

func (r *reader) readStringList() []string {
	n := int(r.readShort())
	out := make([]string, 0, min(n, r.remaining()/2))
	for range n {
		out = append(out, r.readString())
	}
	if r.err != nil {
		return nil
	}

	return out
}

func (r *reader) readStringMap() map[string]string {
	n := int(r.readShort())
	out := make(map[string]string, min(n, r.remaining()/4))
	for range n {
		k := r.readString()
		out[k] = r.readString()
	}
	if r.err != nil {
		return nil
	}

	return out
}

func (r *reader) readStringMultimap() map[string][]string {
	n := int(r.readShort())
	out := make(map[string][]string, min(n, r.remaining()/4))
	for range n {
		k := r.readString()
		out[k] = r.readStringList()
	}
	if r.err != nil {
		return nil
	}

	return out
}

func (r *reader) readBytesMap() map[string][]byte {
	n := int(r.readShort())
	out := make(map[string][]byte, min(n, r.remaining()/6))
	for range n {
		k := r.readString()
		out[k] = r.readBytes()
	}
	if r.err != nil {
		return nil
	}

	return out
}

func (r *reader) readInetAddr() netip.Addr {
	n := int(r.readByte())
	if r.err != nil {
		return netip.Addr{}
	}
	if n != 4 && n != 16 {
		r.fail("invalid inet address length %d", n)
		return netip.Addr{}
	}
	b := r.take(n, "inet address")
	if b == nil {
		return netip.Addr{}
	}
	addr, _ := netip.AddrFromSlice(b)

	return addr.Unmap()
}

func (r *reader) readInet() netip.AddrPort {
	addr := r.readInetAddr()
	port := r.readInt()
	if r.err != nil {
		return netip.AddrPort{}
	}
	if port < 0 || port > math.MaxUint16 {
		r.fail("invalid inet port %d", port)
		return netip.AddrPort{}
	}

	return netip.AddrPortFrom(addr, uint16(port))
}
