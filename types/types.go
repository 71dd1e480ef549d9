// Package types provides shared types and errors for the cqlwire driver.
//
// This is a "leaf" package with no imports from other cqlwire packages,
// allowing it to be imported by any package without causing import cycles.
package types

import (
	"fmt"
	"strings"
)

// Consistency represents the Cassandra consistency level.
type Consistency uint16

// Consistency levels as encoded on the wire.
const (
	Any         Consistency = 0x00
	One         Consistency = 0x01
	Two         Consistency = 0x02
	Three       Consistency = 0x03
	Quorum      Consistency = 0x04
	All         Consistency = 0x05
	LocalQuorum Consistency = 0x06
	EachQuorum  Consistency = 0x07
	Serial      Consistency = 0x08
	LocalSerial Consistency = 0x09
	LocalOne    Consistency = 0x0A
)

var consistencyNames = map[Consistency]string{
	Any:         "ANY",
	One:         "ONE",
	Two:         "TWO",
	Three:       "THREE",
	Quorum:      "QUORUM",
	All:         "ALL",
	LocalQuorum: "LOCAL_QUORUM",
	EachQuorum:  "EACH_QUORUM",
	Serial:      "SERIAL",
	LocalSerial: "LOCAL_SERIAL",
	LocalOne:    "LOCAL_ONE",
}

// String returns the CQL name of the consistency level.
func (c Consistency) String() string {
	if name, ok := consistencyNames[c]; ok {
		return name
	}

	return fmt.Sprintf("UNKNOWN_CONSISTENCY_0x%04X", uint16(c))
}

// IsSerial reports whether the level is only valid as a serial consistency.
func (c Consistency) IsSerial() bool {
	return c == Serial || c == LocalSerial
}

// MarshalText implements encoding.TextMarshaler.
func (c Consistency) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Consistency) UnmarshalText(text []byte) error {
	parsed, err := ParseConsistency(string(text))
	if err != nil {
		return err
	}
	*c = parsed

	return nil
}

// ParseConsistency parses a consistency name such as "local_quorum".
//
// Parameters:
//   - s: Case-insensitive consistency name
//
// Returns:
//   - Consistency: The parsed level
//   - error: Error if the name is unknown
func ParseConsistency(s string) (Consistency, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for c, name := range consistencyNames {
		if name == want {
			return c, nil
		}
	}

	return 0, fmt.Errorf("cqlwire: unknown consistency %q", s)
}

// BatchType represents the type of batch operation.
type BatchType byte

// Batch types as encoded on the wire.
//
// WARNING: counter batches are not idempotent; retrying one after a write
// timeout double-counts.
const (
	LoggedBatch   BatchType = 0
	UnloggedBatch BatchType = 1
	CounterBatch  BatchType = 2
)

// String returns the CQL name of the batch type.
func (b BatchType) String() string {
	switch b {
	case LoggedBatch:
		return "LOGGED"
	case UnloggedBatch:
		return "UNLOGGED"
	case CounterBatch:
		return "COUNTER"
	}

	return fmt.Sprintf("UNKNOWN_BATCH_%d", byte(b))
}

// WriteType is the kind of write reported by write timeouts and failures.
type WriteType string

// Write types reported by the server.
const (
	WriteTypeSimple        WriteType = "SIMPLE"
	WriteTypeBatch         WriteType = "BATCH"
	WriteTypeUnloggedBatch WriteType = "UNLOGGED_BATCH"
	WriteTypeCounter       WriteType = "COUNTER"
	WriteTypeBatchLog      WriteType = "BATCH_LOG"
	WriteTypeCAS           WriteType = "CAS"
	WriteTypeView          WriteType = "VIEW"
	WriteTypeCDC           WriteType = "CDC"
)
