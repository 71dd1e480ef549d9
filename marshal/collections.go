package marshal

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"strings"
)

// collectionAdapter handles list, set, map, tuple and UDT values. Element
// values go back through the registry so adapters apply to them too.
type collectionAdapter struct {
	registry *Registry
}

func (c *collectionAdapter) Marshal(info TypeInfo, value any) ([]byte, error) {
	switch info.Type {
	case TypeList, TypeSet:
		return c.marshalList(info, value)
	case TypeMap:
		return c.marshalMap(info, value)
	case TypeTuple:
		return c.marshalTuple(info, value)
	case TypeUDT:
		return c.marshalUDT(info, value)
	}

	return nil, mismatch(info, value)
}

func (c *collectionAdapter) Unmarshal(info TypeInfo, data []byte) (any, error) {
	switch info.Type {
	case TypeList, TypeSet:
		return c.unmarshalList(info, data)
	case TypeMap:
		return c.unmarshalMap(info, data)
	case TypeTuple:
		return c.unmarshalTuple(info, data)
	case TypeUDT:
		return c.unmarshalUDT(info, data)
	}

	return nil, &UnmarshalError{Info: info, Reason: "not a collection type"}
}

func appendElem(buf, elem []byte) []byte {
	if elem == nil {
		return binary.BigEndian.AppendUint32(buf, uint32(0xFFFFFFFF))
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(elem)))

	return append(buf, elem...)
}

// readElem reads one [bytes] element and returns the remainder.
func readElem(info TypeInfo, data []byte) (elem, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, &UnmarshalError{Info: info, Reason: "truncated element length"}
	}
	n := int32(binary.BigEndian.Uint32(data))
	data = data[4:]
	if n < 0 {
		return nil, data, nil
	}
	if int(n) > len(data) {
		return nil, nil, &UnmarshalError{Info: info, Reason: fmt.Sprintf("element of %d bytes exceeds remaining %d", n, len(data))}
	}

	return data[:n], data[n:], nil
}

func readCount(info TypeInfo, data []byte) (int, []byte, error) {
	if len(data) < 4 {
		return 0, nil, &UnmarshalError{Info: info, Reason: "truncated element count"}
	}
	n := int32(binary.BigEndian.Uint32(data))
	if n < 0 {
		return 0, nil, &UnmarshalError{Info: info, Reason: "negative element count"}
	}
	data = data[4:]
	// Every element carries at least its 4-byte length.
	if int(n) > len(data)/4 {
		return 0, nil, &UnmarshalError{Info: info, Reason: fmt.Sprintf("element count %d exceeds remaining %d bytes", n, len(data))}
	}

	return int(n), data, nil
}

func (c *collectionAdapter) marshalList(info TypeInfo, value any) ([]byte, error) {
	if info.Elem == nil {
		return nil, &MarshalError{Info: info, GoType: goTypeName(value), Reason: "missing element type"}
	}

	rv := reflect.ValueOf(value)
	var elems []any
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		elems = make([]any, rv.Len())
		for i := range elems {
			elems[i] = rv.Index(i).Interface()
		}
	case reflect.Map:
		// map[T]struct{} and map[T]bool are accepted as sets.
		if info.Type != TypeSet {
			return nil, mismatch(info, value)
		}
		iter := rv.MapRange()
		for iter.Next() {
			if b, ok := iter.Value().Interface().(bool); ok && !b {
				continue
			}
			elems = append(elems, iter.Key().Interface())
		}
	default:
		return nil, mismatch(info, value)
	}

	buf := binary.BigEndian.AppendUint32(nil, uint32(len(elems)))
	for _, e := range elems {
		b, err := c.registry.Marshal(*info.Elem, e)
		if err != nil {
			return nil, err
		}
		buf = appendElem(buf, b)
	}

	return buf, nil
}

func (c *collectionAdapter) unmarshalList(info TypeInfo, data []byte) (any, error) {
	if info.Elem == nil {
		return nil, &UnmarshalError{Info: info, Reason: "missing element type"}
	}
	n, data, err := readCount(info, data)
	if err != nil {
		return nil, err
	}

	out := make([]any, 0, min(n, len(data)/4))
	for range n {
		var elem []byte
		elem, data, err = readElem(info, data)
		if err != nil {
			return nil, err
		}
		v, err := c.registry.Unmarshal(*info.Elem, elem)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}

	return out, nil
}

func (c *collectionAdapter) marshalMap(info TypeInfo, value any) ([]byte, error) {
	if info.Key == nil || info.Value == nil {
		return nil, &MarshalError{Info: info, GoType: goTypeName(value), Reason: "missing key or value type"}
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Map {
		return nil, mismatch(info, value)
	}
	if rv.IsNil() {
		return nil, nil
	}

	buf := binary.BigEndian.AppendUint32(nil, uint32(rv.Len()))
	iter := rv.MapRange()
	for iter.Next() {
		k, err := c.registry.Marshal(*info.Key, iter.Key().Interface())
		if err != nil {
			return nil, err
		}
		v, err := c.registry.Marshal(*info.Value, iter.Value().Interface())
		if err != nil {
			return nil, err
		}
		buf = appendElem(buf, k)
		buf = appendElem(buf, v)
	}

	return buf, nil
}

// unmarshalMap decodes into map[any]any. Blob keys become strings since
// byte slices are not comparable.
func (c *collectionAdapter) unmarshalMap(info TypeInfo, data []byte) (any, error) {
	if info.Key == nil || info.Value == nil {
		return nil, &UnmarshalError{Info: info, Reason: "missing key or value type"}
	}
	n, data, err := readCount(info, data)
	if err != nil {
		return nil, err
	}

	out := make(map[any]any, min(n, len(data)/8))
	for range n {
		var kb, vb []byte
		kb, data, err = readElem(info, data)
		if err != nil {
			return nil, err
		}
		vb, data, err = readElem(info, data)
		if err != nil {
			return nil, err
		}

		k, err := c.registry.Unmarshal(*info.Key, kb)
		if err != nil {
			return nil, err
		}
		if b, ok := k.([]byte); ok {
			k = string(b)
		}
		if k != nil && !reflect.TypeOf(k).Comparable() {
			return nil, &UnmarshalError{Info: info, Reason: "map key type " + goTypeName(k) + " is not comparable"}
		}
		v, err := c.registry.Unmarshal(*info.Value, vb)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}

	return out, nil
}

func (c *collectionAdapter) marshalTuple(info TypeInfo, value any) ([]byte, error) {
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, mismatch(info, value)
	}
	if rv.Len() != len(info.Elems) {
		return nil, &MarshalError{Info: info, GoType: goTypeName(value),
			Reason: fmt.Sprintf("tuple has %d components, got %d values", len(info.Elems), rv.Len())}
	}

	var buf []byte
	for i, elemType := range info.Elems {
		b, err := c.registry.Marshal(elemType, rv.Index(i).Interface())
		if err != nil {
			return nil, err
		}
		buf = appendElem(buf, b)
	}
	if buf == nil {
		buf = []byte{}
	}

	return buf, nil
}

func (c *collectionAdapter) unmarshalTuple(info TypeInfo, data []byte) (any, error) {
	out := make([]any, len(info.Elems))
	for i, elemType := range info.Elems {
		if len(data) == 0 {
			break
		}
		var elem []byte
		var err error
		elem, data, err = readElem(info, data)
		if err != nil {
			return nil, err
		}
		if out[i], err = c.registry.Unmarshal(elemType, elem); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// marshalUDT accepts map[string]any or a struct. Struct fields map to UDT
// fields through a `cql:"name"` tag or their lowercased name.
func (c *collectionAdapter) marshalUDT(info TypeInfo, value any) ([]byte, error) {
	var lookup func(name string) (any, bool)

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, mismatch(info, value)
		}
		lookup = func(name string) (any, bool) {
			v := rv.MapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()))
			if !v.IsValid() {
				return nil, false
			}
			return v.Interface(), true
		}
	case reflect.Struct:
		fields := structFields(rv.Type())
		lookup = func(name string) (any, bool) {
			idx, ok := fields[name]
			if !ok {
				return nil, false
			}
			return rv.Field(idx).Interface(), true
		}
	default:
		return nil, mismatch(info, value)
	}

	buf := []byte{}
	for _, f := range info.Fields {
		v, ok := lookup(f.Name)
		if !ok {
			buf = appendElem(buf, nil)
			continue
		}
		b, err := c.registry.Marshal(f.Type, v)
		if err != nil {
			return nil, err
		}
		buf = appendElem(buf, b)
	}

	return buf, nil
}

func structFields(t reflect.Type) map[string]int {
	out := make(map[string]int, t.NumField())
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Tag.Get("cql")
		if name == "-" {
			continue
		}
		if name == "" {
			name = strings.ToLower(f.Name)
		}
		out[name] = i
	}

	return out
}

func (c *collectionAdapter) unmarshalUDT(info TypeInfo, data []byte) (any, error) {
	out := make(map[string]any, len(info.Fields))
	for _, f := range info.Fields {
		if len(data) == 0 {
			out[f.Name] = nil
			continue
		}
		var elem []byte
		var err error
		elem, data, err = readElem(info, data)
		if err != nil {
			return nil, err
		}
		if out[f.Name], err = c.registry.Unmarshal(f.Type, elem); err != nil {
			return nil, err
		}
	}

	return out, nil
}
