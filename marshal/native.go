package marshal

import (
	"encoding/binary"
	"math"
	"math/big"
	"strconv"
	"time"
	"unicode/utf8"
)

func registerNatives(r *Registry) {
	ints := funcAdapter{marshal: marshalInt, unmarshal: unmarshalInt}
	text := funcAdapter{marshal: marshalText, unmarshal: unmarshalText}

	r.byType[TypeASCII] = text
	r.byType[TypeText] = text
	r.byType[TypeVarchar] = text
	r.byType[TypeBigInt] = ints
	r.byType[TypeCounter] = ints
	r.byType[TypeInt] = ints
	r.byType[TypeSmallInt] = ints
	r.byType[TypeTinyInt] = ints
	r.byType[TypeBlob] = funcAdapter{marshal: marshalBlob, unmarshal: unmarshalBlob}
	r.byType[TypeCustom] = funcAdapter{marshal: marshalBlob, unmarshal: unmarshalBlob}
	r.byType[TypeBoolean] = funcAdapter{marshal: marshalBool, unmarshal: unmarshalBool}
	r.byType[TypeFloat] = funcAdapter{marshal: marshalFloat, unmarshal: unmarshalFloat}
	r.byType[TypeDouble] = funcAdapter{marshal: marshalDouble, unmarshal: unmarshalDouble}
	r.byType[TypeTimestamp] = funcAdapter{marshal: marshalTimestamp, unmarshal: unmarshalTimestamp}
	r.byType[TypeDate] = funcAdapter{marshal: marshalDate, unmarshal: unmarshalDate}
	r.byType[TypeTime] = funcAdapter{marshal: marshalTime, unmarshal: unmarshalTime}
	r.byType[TypeUUID] = funcAdapter{marshal: marshalUUID, unmarshal: unmarshalUUID}
	r.byType[TypeTimeUUID] = funcAdapter{marshal: marshalUUID, unmarshal: unmarshalUUID}
	r.byType[TypeVarint] = funcAdapter{marshal: marshalVarint, unmarshal: unmarshalVarint}
	r.byType[TypeDecimal] = funcAdapter{marshal: marshalDecimal, unmarshal: unmarshalDecimal}
	r.byType[TypeInet] = funcAdapter{marshal: marshalInet, unmarshal: unmarshalInet}
	r.byType[TypeDuration] = funcAdapter{marshal: marshalDuration, unmarshal: unmarshalDuration}

	coll := &collectionAdapter{registry: r}
	r.byType[TypeList] = coll
	r.byType[TypeSet] = coll
	r.byType[TypeMap] = coll
	r.byType[TypeTuple] = coll
	r.byType[TypeUDT] = coll
}

func knownPointer(v any) bool {
	_, ok := v.(*big.Int)
	return ok
}

// intBounds returns the inclusive range and byte width of an integer type.
func intBounds(t Type) (lo, hi int64, size int) {
	switch t {
	case TypeInt:
		return math.MinInt32, math.MaxInt32, 4
	case TypeSmallInt:
		return math.MinInt16, math.MaxInt16, 2
	case TypeTinyInt:
		return math.MinInt8, math.MaxInt8, 1
	}

	return math.MinInt64, math.MaxInt64, 8
}

func toInt64(info TypeInfo, value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		if uint64(v) > math.MaxInt64 {
			return 0, overflow(info, value)
		}
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, overflow(info, value)
		}
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, &MarshalError{Info: info, GoType: "string", Reason: err.Error()}
		}
		return n, nil
	case *big.Int:
		if !v.IsInt64() {
			return 0, overflow(info, value)
		}
		return v.Int64(), nil
	}

	return 0, mismatch(info, value)
}

func marshalInt(info TypeInfo, value any) ([]byte, error) {
	n, err := toInt64(info, value)
	if err != nil {
		return nil, err
	}

	lo, hi, size := intBounds(info.Type)
	if n < lo || n > hi {
		return nil, overflow(info, value)
	}

	buf := make([]byte, size)
	switch size {
	case 1:
		buf[0] = byte(n)
	case 2:
		binary.BigEndian.PutUint16(buf, uint16(n))
	case 4:
		binary.BigEndian.PutUint32(buf, uint32(n))
	default:
		binary.BigEndian.PutUint64(buf, uint64(n))
	}

	return buf, nil
}

func unmarshalInt(info TypeInfo, data []byte) (any, error) {
	_, _, size := intBounds(info.Type)
	if len(data) != size {
		return nil, badLength(info, size, len(data))
	}

	switch size {
	case 1:
		return int8(data[0]), nil
	case 2:
		return int16(binary.BigEndian.Uint16(data)), nil
	case 4:
		return int32(binary.BigEndian.Uint32(data)), nil
	}

	return int64(binary.BigEndian.Uint64(data)), nil
}

func marshalText(info TypeInfo, value any) ([]byte, error) {
	var b []byte
	switch v := value.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return nil, mismatch(info, value)
	}

	if info.Type == TypeASCII {
		for _, c := range b {
			if c > 0x7F {
				return nil, &MarshalError{Info: info, GoType: goTypeName(value), Reason: "non-ascii byte"}
			}
		}
	} else if !utf8.Valid(b) {
		return nil, &MarshalError{Info: info, GoType: goTypeName(value), Reason: "invalid utf-8"}
	}

	return b, nil
}

func unmarshalText(info TypeInfo, data []byte) (any, error) {
	if info.Type != TypeASCII && !utf8.Valid(data) {
		return nil, &UnmarshalError{Info: info, Reason: "invalid utf-8"}
	}

	return string(data), nil
}

func marshalBlob(info TypeInfo, value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	}

	return nil, mismatch(info, value)
}

func unmarshalBlob(_ TypeInfo, data []byte) (any, error) {
	if data == nil {
		return nil, nil
	}
	out := make([]byte, len(data))
	copy(out, data)

	return out, nil
}

func marshalBool(info TypeInfo, value any) ([]byte, error) {
	v, ok := value.(bool)
	if !ok {
		return nil, mismatch(info, value)
	}
	if v {
		return []byte{1}, nil
	}

	return []byte{0}, nil
}

func unmarshalBool(info TypeInfo, data []byte) (any, error) {
	if len(data) != 1 {
		return nil, badLength(info, 1, len(data))
	}

	return data[0] != 0, nil
}

func marshalFloat(info TypeInfo, value any) ([]byte, error) {
	var f float32
	switch v := value.(type) {
	case float32:
		f = v
	case float64:
		if !math.IsInf(v, 0) && !math.IsNaN(v) && math.Abs(v) > math.MaxFloat32 {
			return nil, overflow(info, value)
		}
		f = float32(v)
	default:
		return nil, mismatch(info, value)
	}

	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, math.Float32bits(f))

	return buf, nil
}

func unmarshalFloat(info TypeInfo, data []byte) (any, error) {
	if len(data) != 4 {
		return nil, badLength(info, 4, len(data))
	}

	return math.Float32frombits(binary.BigEndian.Uint32(data)), nil
}

func marshalDouble(info TypeInfo, value any) ([]byte, error) {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	default:
		return nil, mismatch(info, value)
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(f))

	return buf, nil
}

func unmarshalDouble(info TypeInfo, data []byte) (any, error) {
	if len(data) != 8 {
		return nil, badLength(info, 8, len(data))
	}

	return math.Float64frombits(binary.BigEndian.Uint64(data)), nil
}

func marshalTimestamp(info TypeInfo, value any) ([]byte, error) {
	var ms int64
	switch v := value.(type) {
	case time.Time:
		if v.IsZero() {
			return nil, nil
		}
		ms = v.UnixMilli()
	case int64:
		ms = v
	default:
		return nil, mismatch(info, value)
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(ms))

	return buf, nil
}

func unmarshalTimestamp(info TypeInfo, data []byte) (any, error) {
	if len(data) != 8 {
		return nil, badLength(info, 8, len(data))
	}

	return time.UnixMilli(int64(binary.BigEndian.Uint64(data))).UTC(), nil
}

// Dates are days since the epoch, shifted so the epoch sits at 2^31.
const dateEpochOffset = int64(1) << 31

func marshalDate(info TypeInfo, value any) ([]byte, error) {
	var days int64
	switch v := value.(type) {
	case time.Time:
		utc := v.UTC()
		midnight := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
		days = midnight.Unix() / 86400
	case string:
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			return nil, &MarshalError{Info: info, GoType: "string", Reason: err.Error()}
		}
		days = parsed.Unix() / 86400
	default:
		return nil, mismatch(info, value)
	}

	shifted := days + dateEpochOffset
	if shifted < 0 || shifted > math.MaxUint32 {
		return nil, overflow(info, value)
	}

	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(shifted))

	return buf, nil
}

func unmarshalDate(info TypeInfo, data []byte) (any, error) {
	if len(data) != 4 {
		return nil, badLength(info, 4, len(data))
	}
	days := int64(binary.BigEndian.Uint32(data)) - dateEpochOffset

	return time.Unix(days*86400, 0).UTC(), nil
}

func marshalTime(info TypeInfo, value any) ([]byte, error) {
	var nanos int64
	switch v := value.(type) {
	case time.Duration:
		nanos = int64(v)
	case int64:
		nanos = v
	default:
		return nil, mismatch(info, value)
	}
	if nanos < 0 || nanos >= int64(24*time.Hour) {
		return nil, overflow(info, value)
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))

	return buf, nil
}

func unmarshalTime(info TypeInfo, data []byte) (any, error) {
	if len(data) != 8 {
		return nil, badLength(info, 8, len(data))
	}

	return time.Duration(binary.BigEndian.Uint64(data)), nil
}
