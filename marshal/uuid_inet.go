package marshal

import (
	"encoding/binary"
	"math/bits"
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"
)

func toUUID(info TypeInfo, value any) (uuid.UUID, error) {
	switch v := value.(type) {
	case uuid.UUID:
		return v, nil
	case [16]byte:
		return uuid.UUID(v), nil
	case []byte:
		u, err := uuid.FromBytes(v)
		if err != nil {
			return uuid.Nil, &MarshalError{Info: info, GoType: "[]byte", Reason: err.Error()}
		}
		return u, nil
	case string:
		u, err := uuid.Parse(v)
		if err != nil {
			return uuid.Nil, &MarshalError{Info: info, GoType: "string", Reason: err.Error()}
		}
		return u, nil
	}

	return uuid.Nil, mismatch(info, value)
}

func marshalUUID(info TypeInfo, value any) ([]byte, error) {
	u, err := toUUID(info, value)
	if err != nil {
		return nil, err
	}
	if info.Type == TypeTimeUUID && u.Version() != 1 {
		return nil, &MarshalError{Info: info, GoType: goTypeName(value), Reason: "timeuuid must be a version 1 uuid"}
	}

	out := make([]byte, 16)
	copy(out, u[:])

	return out, nil
}

func unmarshalUUID(info TypeInfo, data []byte) (any, error) {
	if len(data) != 16 {
		return nil, badLength(info, 16, len(data))
	}
	u, err := uuid.FromBytes(data)
	if err != nil {
		return nil, &UnmarshalError{Info: info, Reason: err.Error()}
	}

	return u, nil
}

func marshalInet(info TypeInfo, value any) ([]byte, error) {
	var ip net.IP
	switch v := value.(type) {
	case net.IP:
		ip = v
	case netip.Addr:
		ip = net.IP(v.AsSlice())
	case string:
		ip = net.ParseIP(v)
		if ip == nil {
			return nil, &MarshalError{Info: info, GoType: "string", Reason: "invalid ip address"}
		}
	default:
		return nil, mismatch(info, value)
	}

	if v4 := ip.To4(); v4 != nil {
		return []byte(v4), nil
	}
	if len(ip) != net.IPv6len {
		return nil, &MarshalError{Info: info, GoType: goTypeName(value), Reason: "invalid ip length"}
	}

	return []byte(ip), nil
}

func unmarshalInet(info TypeInfo, data []byte) (any, error) {
	if len(data) != net.IPv4len && len(data) != net.IPv6len {
		return nil, &UnmarshalError{Info: info, Reason: "inet must be 4 or 16 bytes"}
	}
	ip := make(net.IP, len(data))
	copy(ip, data)

	return ip, nil
}

// Duration is the CQL duration type. The three components are independent
// because months and days have no fixed length in nanoseconds.
type Duration struct {
	Months      int32
	Days        int32
	Nanoseconds int64
}

func marshalDuration(info TypeInfo, value any) ([]byte, error) {
	var d Duration
	switch v := value.(type) {
	case Duration:
		d = v
	case time.Duration:
		d = Duration{Nanoseconds: int64(v)}
	default:
		return nil, mismatch(info, value)
	}

	buf := make([]byte, 0, 3*9)
	buf = AppendVint(buf, int64(d.Months))
	buf = AppendVint(buf, int64(d.Days))
	buf = AppendVint(buf, d.Nanoseconds)

	return buf, nil
}

func unmarshalDuration(info TypeInfo, data []byte) (any, error) {
	months, n, err := ReadVint(data)
	if err != nil {
		return nil, &UnmarshalError{Info: info, Reason: err.Error()}
	}
	data = data[n:]
	days, n, err := ReadVint(data)
	if err != nil {
		return nil, &UnmarshalError{Info: info, Reason: err.Error()}
	}
	data = data[n:]
	nanos, _, err := ReadVint(data)
	if err != nil {
		return nil, &UnmarshalError{Info: info, Reason: err.Error()}
	}

	return Duration{Months: int32(months), Days: int32(days), Nanoseconds: nanos}, nil
}

// AppendVint appends the zigzag encoded variable length integer used by
// durations. The count of leading one bits in the first byte is the number
// of extra bytes that follow.
func AppendVint(dst []byte, v int64) []byte {
	u := uint64(v<<1) ^ uint64(v>>63)

	size := 1
	for size < 9 && u>>(7*uint(size)) != 0 {
		size++
	}
	if size == 9 {
		dst = append(dst, 0xFF)
		return binary.BigEndian.AppendUint64(dst, u)
	}

	start := len(dst)
	for i := size - 1; i >= 0; i-- {
		dst = append(dst, byte(u>>(8*uint(i))))
	}
	dst[start] |= ^byte(0xFF >> uint(size-1))

	return dst
}

type vintError string

func (e vintError) Error() string { return string(e) }

// ReadVint decodes a value written by AppendVint and returns the number of
// bytes consumed.
func ReadVint(src []byte) (int64, int, error) {
	if len(src) == 0 {
		return 0, 0, vintError("vint: empty input")
	}
	extra := bits.LeadingZeros8(^src[0])
	if len(src) < 1+extra {
		return 0, 0, vintError("vint: truncated input")
	}

	u := uint64(src[0] & (0xFF >> uint(extra)))
	for i := 1; i <= extra; i++ {
		u = u<<8 | uint64(src[i])
	}

	return int64(u>>1) ^ -int64(u&1), 1 + extra, nil
}
