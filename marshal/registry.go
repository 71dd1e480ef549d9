package marshal

import (
	"reflect"
	"sync"
)

// TypeAdapter converts between Go values and the wire bytes of one CQL type.
//
// Native serializers are adapters too; registering an adapter for a native
// type code replaces the built-in conversion for that code, including inside
// collections, tuples and UDTs.
type TypeAdapter interface {
	// Marshal serializes value. A nil return with nil error encodes null.
	Marshal(info TypeInfo, value any) ([]byte, error)

	// Unmarshal deserializes data. data is nil for null values.
	Unmarshal(info TypeInfo, data []byte) (any, error)
}

// Marshaler is implemented by values that serialize themselves.
type Marshaler interface {
	MarshalCQL(info TypeInfo) ([]byte, error)
}

// unsetValue marks a bound value as "not set" (protocol v4+).
type unsetValue struct{}

// Unset leaves a bound variable untouched instead of writing null.
var Unset any = unsetValue{}

// IsUnset reports whether v is the Unset marker.
func IsUnset(v any) bool {
	_, ok := v.(unsetValue)
	return ok
}

// Registry maps CQL type codes and custom class names to adapters.
//
// A Registry is safe for concurrent use. Registration is expected at setup
// time; lookups take a read lock only.
type Registry struct {
	mu      sync.RWMutex
	byType  map[Type]TypeAdapter
	byClass map[string]TypeAdapter
}

// Default is the registry used by the package level Marshal and Unmarshal.
var Default = NewRegistry()

// NewRegistry creates a registry populated with the native serializers.
//
// Returns:
//   - *Registry: A registry that handles every native CQL type
func NewRegistry() *Registry {
	r := &Registry{
		byType:  make(map[Type]TypeAdapter),
		byClass: make(map[string]TypeAdapter),
	}
	registerNatives(r)

	return r
}

// RegisterAdapter installs an adapter for a native type code.
//
// Parameters:
//   - t: The CQL type code to take over
//   - a: The adapter
func (r *Registry) RegisterAdapter(t Type, a TypeAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byType[t] = a
}

// RegisterCustom installs an adapter for a custom type class name, e.g.
// "org.apache.cassandra.db.marshal.DynamicCompositeType".
//
// Parameters:
//   - class: Fully qualified class name as sent by the server
//   - a: The adapter
func (r *Registry) RegisterCustom(class string, a TypeAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byClass[class] = a
}

func (r *Registry) lookup(info TypeInfo) (TypeAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if info.Type == TypeCustom {
		if a, ok := r.byClass[info.Custom]; ok {
			return a, true
		}
	}
	a, ok := r.byType[info.Type]

	return a, ok
}

// Marshal serializes value as the CQL type described by info.
//
// nil values and nil pointers encode as null (nil bytes). Pointers are
// dereferenced. Values implementing Marshaler bypass the registry.
//
// Parameters:
//   - info: Target CQL type
//   - value: Go value to serialize
//
// Returns:
//   - []byte: Serialized bytes, nil for null
//   - error: *MarshalError if value does not fit the type
func (r *Registry) Marshal(info TypeInfo, value any) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	if m, ok := value.(Marshaler); ok {
		return m.MarshalCQL(info)
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil
		}
		// Pointers to types the serializers know directly are kept as-is.
		if !knownPointer(value) {
			return r.Marshal(info, rv.Elem().Interface())
		}
	}

	a, ok := r.lookup(info)
	if !ok {
		return nil, &MarshalError{Info: info, GoType: goTypeName(value), Reason: "no serializer registered"}
	}

	return a.Marshal(info, value)
}

// Unmarshal deserializes data as the CQL type described by info.
//
// Parameters:
//   - info: Source CQL type
//   - data: Wire bytes; nil means null
//
// Returns:
//   - any: The decoded value in its canonical Go type, nil for null
//   - error: *UnmarshalError if data is malformed
func (r *Registry) Unmarshal(info TypeInfo, data []byte) (any, error) {
	a, ok := r.lookup(info)
	if !ok {
		return nil, &UnmarshalError{Info: info, Reason: "no serializer registered"}
	}
	if data == nil {
		if info.Type == TypeCustom {
			return a.Unmarshal(info, nil)
		}
		return nil, nil
	}

	return a.Unmarshal(info, data)
}

// Marshal serializes value with the Default registry.
func Marshal(info TypeInfo, value any) ([]byte, error) {
	return Default.Marshal(info, value)
}

// Unmarshal deserializes data with the Default registry.
func Unmarshal(info TypeInfo, data []byte) (any, error) {
	return Default.Unmarshal(info, data)
}

// funcAdapter turns a pair of functions into a TypeAdapter.
type funcAdapter struct {
	marshal   func(info TypeInfo, value any) ([]byte, error)
	unmarshal func(info TypeInfo, data []byte) (any, error)
}

func (f funcAdapter) Marshal(info TypeInfo, value any) ([]byte, error) {
	return f.marshal(info, value)
}

func (f funcAdapter) Unmarshal(info TypeInfo, data []byte) (any, error) {
	return f.unmarshal(info, data)
}

// AdapterFuncs builds a TypeAdapter from two functions.
//
// Parameters:
//   - marshal: Serialization function
//   - unmarshal: Deserialization function
//
// Returns:
//   - TypeAdapter: An adapter calling the given functions
func AdapterFuncs(
	marshal func(info TypeInfo, value any) ([]byte, error),
	unmarshal func(info TypeInfo, data []byte) (any, error),
) TypeAdapter {
	return funcAdapter{marshal: marshal, unmarshal: unmarshal}
}
