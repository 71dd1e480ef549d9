// Package marshal converts between CQL wire bytes and Go values.
//
// Every CQL type code has one serializer in a Registry. Custom types and
// overrides of native types are plugged in through TypeAdapter.
package marshal

import (
	"fmt"
	"strings"
)

// Type is a CQL type code as carried in result and prepared metadata.
type Type uint16

// CQL type codes.
const (
	TypeCustom    Type = 0x0000
	TypeASCII     Type = 0x0001
	TypeBigInt    Type = 0x0002
	TypeBlob      Type = 0x0003
	TypeBoolean   Type = 0x0004
	TypeCounter   Type = 0x0005
	TypeDecimal   Type = 0x0006
	TypeDouble    Type = 0x0007
	TypeFloat     Type = 0x0008
	TypeInt       Type = 0x0009
	TypeText      Type = 0x000A
	TypeTimestamp Type = 0x000B
	TypeUUID      Type = 0x000C
	TypeVarchar   Type = 0x000D
	TypeVarint    Type = 0x000E
	TypeTimeUUID  Type = 0x000F
	TypeInet      Type = 0x0010
	TypeDate      Type = 0x0011
	TypeTime      Type = 0x0012
	TypeSmallInt  Type = 0x0013
	TypeTinyInt   Type = 0x0014
	TypeDuration  Type = 0x0015
	TypeList      Type = 0x0020
	TypeMap       Type = 0x0021
	TypeSet       Type = 0x0022
	TypeUDT       Type = 0x0030
	TypeTuple     Type = 0x0031
)

var typeNames = map[Type]string{
	TypeCustom:    "custom",
	TypeASCII:     "ascii",
	TypeBigInt:    "bigint",
	TypeBlob:      "blob",
	TypeBoolean:   "boolean",
	TypeCounter:   "counter",
	TypeDecimal:   "decimal",
	TypeDouble:    "double",
	TypeFloat:     "float",
	TypeInt:       "int",
	TypeText:      "text",
	TypeTimestamp: "timestamp",
	TypeUUID:      "uuid",
	TypeVarchar:   "varchar",
	TypeVarint:    "varint",
	TypeTimeUUID:  "timeuuid",
	TypeInet:      "inet",
	TypeDate:      "date",
	TypeTime:      "time",
	TypeSmallInt:  "smallint",
	TypeTinyInt:   "tinyint",
	TypeDuration:  "duration",
	TypeList:      "list",
	TypeMap:       "map",
	TypeSet:       "set",
	TypeUDT:       "udt",
	TypeTuple:     "tuple",
}

// String returns the CQL name of the type code.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}

	return fmt.Sprintf("unknown_type_0x%04X", uint16(t))
}

// IsCollection reports whether t is list, set or map.
func (t Type) IsCollection() bool {
	return t == TypeList || t == TypeSet || t == TypeMap
}

// UDTField is one field of a user defined type.
type UDTField struct {
	Name string
	Type TypeInfo
}

// TypeInfo describes a CQL type, including nested element types.
type TypeInfo struct {
	Type Type

	// Custom is the Java class name for TypeCustom.
	Custom string

	// Elem is the element type of lists and sets.
	Elem *TypeInfo

	// Key and Value are the map key and value types.
	Key   *TypeInfo
	Value *TypeInfo

	// Elems are the tuple component types.
	Elems []TypeInfo

	// Keyspace, Name and Fields describe a UDT.
	Keyspace string
	Name     string
	Fields   []UDTField
}

// Native returns the TypeInfo of a non-parameterized type.
func Native(t Type) TypeInfo {
	return TypeInfo{Type: t}
}

// ListOf returns list<elem>.
func ListOf(elem TypeInfo) TypeInfo {
	return TypeInfo{Type: TypeList, Elem: &elem}
}

// SetOf returns set<elem>.
func SetOf(elem TypeInfo) TypeInfo {
	return TypeInfo{Type: TypeSet, Elem: &elem}
}

// MapOf returns map<key, value>.
func MapOf(key, value TypeInfo) TypeInfo {
	return TypeInfo{Type: TypeMap, Key: &key, Value: &value}
}

// TupleOf returns tuple<elems...>.
func TupleOf(elems ...TypeInfo) TypeInfo {
	return TypeInfo{Type: TypeTuple, Elems: elems}
}

// UDTOf returns a user defined type.
func UDTOf(keyspace, name string, fields ...UDTField) TypeInfo {
	return TypeInfo{Type: TypeUDT, Keyspace: keyspace, Name: name, Fields: fields}
}

// CustomOf returns a custom type identified by its class name.
func CustomOf(class string) TypeInfo {
	return TypeInfo{Type: TypeCustom, Custom: class}
}

// String renders the type in CQL syntax, e.g. "map<text, list<int>>".
func (t TypeInfo) String() string {
	switch t.Type {
	case TypeList, TypeSet:
		if t.Elem == nil {
			return t.Type.String()
		}
		return t.Type.String() + "<" + t.Elem.String() + ">"
	case TypeMap:
		if t.Key == nil || t.Value == nil {
			return "map"
		}
		return "map<" + t.Key.String() + ", " + t.Value.String() + ">"
	case TypeTuple:
		parts := make([]string, len(t.Elems))
		for i, e := range t.Elems {
			parts[i] = e.String()
		}
		return "tuple<" + strings.Join(parts, ", ") + ">"
	case TypeUDT:
		return t.Keyspace + "." + t.Name
	case TypeCustom:
		return "'" + t.Custom + "'"
	}

	return t.Type.String()
}
