package marshal

import (
	"fmt"
	"reflect"
)

// MarshalError is returned when a Go value cannot be serialized as the
// requested CQL type.
type MarshalError struct {
	Info   TypeInfo
	GoType string
	Reason string
}

// Error implements the error interface.
func (e *MarshalError) Error() string {
	msg := fmt.Sprintf("cqlwire: cannot marshal %s into %s", e.GoType, e.Info)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}

	return msg
}

// UnmarshalError is returned when wire bytes do not form a valid value of
// the declared CQL type.
type UnmarshalError struct {
	Info   TypeInfo
	Reason string
}

// Error implements the error interface.
func (e *UnmarshalError) Error() string {
	return fmt.Sprintf("cqlwire: cannot unmarshal %s: %s", e.Info, e.Reason)
}

func mismatch(info TypeInfo, value any) error {
	return &MarshalError{Info: info, GoType: goTypeName(value)}
}

func overflow(info TypeInfo, value any) error {
	return &MarshalError{Info: info, GoType: goTypeName(value), Reason: fmt.Sprintf("value %v out of range", value)}
}

func badLength(info TypeInfo, want, got int) error {
	return &UnmarshalError{Info: info, Reason: fmt.Sprintf("expected %d bytes, got %d", want, got)}
}

func goTypeName(v any) string {
	if v == nil {
		return "nil"
	}

	return reflect.TypeOf(v).String()
}
