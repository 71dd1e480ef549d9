package marshal

import (
	"math/big"
	"net"
	"net/netip"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Typed pairs a value with an explicit CQL type. Use it for values of
// simple statements whose Go type maps to the wrong CQL type, e.g. a
// string bound to an ascii column or a time.Time bound to a date.
type Typed struct {
	Info  TypeInfo
	Value any
}

// InferType guesses the CQL type of a Go value bound to a statement that
// has no prepared metadata.
//
// Parameters:
//   - v: The value
//
// Returns:
//   - TypeInfo: The inferred type
//   - bool: false when no CQL type fits v
func InferType(v any) (TypeInfo, bool) {
	switch x := v.(type) {
	case Typed:
		return x.Info, true
	case string:
		return Native(TypeVarchar), true
	case []byte:
		return Native(TypeBlob), true
	case bool:
		return Native(TypeBoolean), true
	case int8:
		return Native(TypeTinyInt), true
	case int16:
		return Native(TypeSmallInt), true
	case int32:
		return Native(TypeInt), true
	case int, int64, uint32:
		return Native(TypeBigInt), true
	case float32:
		return Native(TypeFloat), true
	case float64:
		return Native(TypeDouble), true
	case time.Time:
		return Native(TypeTimestamp), true
	case time.Duration, Duration:
		return Native(TypeDuration), true
	case uuid.UUID:
		if x.Version() == 1 {
			return Native(TypeTimeUUID), true
		}
		return Native(TypeUUID), true
	case net.IP, netip.Addr:
		return Native(TypeInet), true
	case decimal.Decimal:
		return Native(TypeDecimal), true
	case *big.Int:
		return Native(TypeVarint), true
	}

	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return TypeInfo{}, false
	}
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return TypeInfo{}, false
		}
		return InferType(rv.Elem().Interface())
	}

	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		elem, ok := inferElem(rv.Type().Elem(), rv)
		if !ok {
			return TypeInfo{}, false
		}
		return ListOf(elem), true
	case reflect.Map:
		if rv.Len() == 0 {
			key, ok := zeroType(rv.Type().Key())
			if !ok {
				return TypeInfo{}, false
			}
			val, ok := zeroType(rv.Type().Elem())
			if !ok {
				return TypeInfo{}, false
			}
			return MapOf(key, val), true
		}
		iter := rv.MapRange()
		iter.Next()
		key, ok := InferType(iter.Key().Interface())
		if !ok {
			return TypeInfo{}, false
		}
		val, ok := InferType(iter.Value().Interface())
		if !ok {
			return TypeInfo{}, false
		}
		return MapOf(key, val), true
	}

	return TypeInfo{}, false
}

// inferElem infers the element type of a slice from its first element, or
// from the static element type when the slice is empty.
func inferElem(t reflect.Type, rv reflect.Value) (TypeInfo, bool) {
	if rv.Len() > 0 {
		return InferType(rv.Index(0).Interface())
	}

	return zeroType(t)
}

func zeroType(t reflect.Type) (TypeInfo, bool) {
	if t.Kind() == reflect.Interface {
		// the element type is unknowable; blob keeps empty collections valid
		return Native(TypeBlob), true
	}

	return InferType(reflect.Zero(t).Interface())
}

// MarshalInferred serializes v with the type InferType picks.
//
// Parameters:
//   - v: The value; Typed values use their explicit type
//
// Returns:
//   - []byte: Serialized bytes, nil for null
//   - error: *MarshalError if no type could be inferred
func (r *Registry) MarshalInferred(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	info, ok := InferType(v)
	if !ok {
		return nil, &MarshalError{GoType: goTypeName(v), Reason: "cannot infer CQL type"}
	}
	if t, ok := v.(Typed); ok {
		v = t.Value
	}

	return r.Marshal(info, v)
}
