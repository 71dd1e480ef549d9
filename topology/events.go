package topology

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tinylib/msgp/msgp"
)

// EventKind classifies a ClusterEvent.
type EventKind uint8

const (
	// EventHostAdded is emitted when a refresh discovers a new host.
	EventHostAdded EventKind = iota + 1
	// EventHostRemoved is emitted when a refresh no longer reports a host.
	EventHostRemoved
	// EventHostUp is emitted when a host becomes reachable.
	EventHostUp
	// EventHostDown is emitted when a host is reported or detected down.
	EventHostDown
	// EventSchemaChanged is emitted for SCHEMA_CHANGE events.
	EventSchemaChanged
)

// String returns the lower case name used in NATS subjects.
func (k EventKind) String() string {
	switch k {
	case EventHostAdded:
		return "host_added"
	case EventHostRemoved:
		return "host_removed"
	case EventHostUp:
		return "host_up"
	case EventHostDown:
		return "host_down"
	case EventSchemaChanged:
		return "schema_changed"
	default:
		return fmt.Sprintf("unknown_%d", uint8(k))
	}
}

// ClusterEvent is a change observed by the control connection.
type ClusterEvent struct {
	Kind EventKind

	// Host fields are set for host events.
	HostID     uuid.UUID
	Addr       string
	Datacenter string

	// Schema fields are set for EventSchemaChanged. Change is CREATED,
	// UPDATED or DROPPED; Target is KEYSPACE, TABLE, TYPE, FUNCTION or
	// AGGREGATE.
	Change   string
	Target   string
	Keyspace string
	Name     string

	Time time.Time
}

// Listener receives cluster events. It runs on the control connection's
// event goroutine and must not block.
type Listener func(ev ClusterEvent)

// HostIDExtensionType is the MessagePack extension type carrying host ids.
// Types 3, 4, 5 are used by msgp for complex64, complex128, and time.Time.
const HostIDExtensionType int8 = 10

func init() {
	msgp.RegisterExtension(HostIDExtensionType, func() msgp.Extension {
		return new(hostID)
	})
}

// hostID implements msgp.Extension for uuid.UUID.
type hostID uuid.UUID

func (u *hostID) ExtensionType() int8 { return HostIDExtensionType }

func (u *hostID) Len() int { return len(u) }

func (u *hostID) MarshalBinaryTo(b []byte) error {
	copy(b, u[:])

	return nil
}

func (u *hostID) UnmarshalBinary(b []byte) error {
	if len(b) != len(u) {
		return fmt.Errorf("cqlwire/topology: host id extension has %d bytes, want %d", len(b), len(u))
	}
	copy(u[:], b)

	return nil
}

const clusterEventFields = 9

// MarshalMsg appends the MessagePack encoding of e to b.
//
// Parameters:
//   - b: Destination buffer, may be nil
//
// Returns:
//   - []byte: b with the encoded event appended
//   - error: Extension encoding errors
func (e *ClusterEvent) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.Require(b, e.Msgsize())
	b = msgp.AppendMapHeader(b, clusterEventFields)
	b = msgp.AppendString(b, "kind")
	b = msgp.AppendUint8(b, uint8(e.Kind))
	b = msgp.AppendString(b, "host_id")
	id := hostID(e.HostID)
	b, err := msgp.AppendExtension(b, &id)
	if err != nil {
		return b, err
	}
	b = msgp.AppendString(b, "addr")
	b = msgp.AppendString(b, e.Addr)
	b = msgp.AppendString(b, "datacenter")
	b = msgp.AppendString(b, e.Datacenter)
	b = msgp.AppendString(b, "change")
	b = msgp.AppendString(b, e.Change)
	b = msgp.AppendString(b, "target")
	b = msgp.AppendString(b, e.Target)
	b = msgp.AppendString(b, "keyspace")
	b = msgp.AppendString(b, e.Keyspace)
	b = msgp.AppendString(b, "name")
	b = msgp.AppendString(b, e.Name)
	b = msgp.AppendString(b, "time")
	b = msgp.AppendTime(b, e.Time)

	return b, nil
}

// UnmarshalMsg decodes an event from the front of b. Unknown fields are
// skipped.
//
// Parameters:
//   - b: Encoded bytes
//
// Returns:
//   - []byte: The bytes following the event
//   - error: Decoding errors
func (e *ClusterEvent) UnmarshalMsg(b []byte) ([]byte, error) {
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, err
	}

	*e = ClusterEvent{}
	for range n {
		var field []byte
		field, b, err = msgp.ReadMapKeyZC(b)
		if err != nil {
			return b, err
		}

		switch string(field) {
		case "kind":
			var k uint8
			k, b, err = msgp.ReadUint8Bytes(b)
			e.Kind = EventKind(k)
		case "host_id":
			var id hostID
			b, err = msgp.ReadExtensionBytes(b, &id)
			e.HostID = uuid.UUID(id)
		case "addr":
			e.Addr, b, err = msgp.ReadStringBytes(b)
		case "datacenter":
			e.Datacenter, b, err = msgp.ReadStringBytes(b)
		case "change":
			e.Change, b, err = msgp.ReadStringBytes(b)
		case "target":
			e.Target, b, err = msgp.ReadStringBytes(b)
		case "keyspace":
			e.Keyspace, b, err = msgp.ReadStringBytes(b)
		case "name":
			e.Name, b, err = msgp.ReadStringBytes(b)
		case "time":
			e.Time, b, err = msgp.ReadTimeBytes(b)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return b, msgp.WrapError(err, string(field))
		}
	}

	return b, nil
}

// Msgsize returns an upper bound of the encoded size.
func (e *ClusterEvent) Msgsize() int {
	return msgp.MapHeaderSize +
		5 + msgp.Uint8Size +
		8 + msgp.ExtensionPrefixSize + len(e.HostID) +
		5 + msgp.StringPrefixSize + len(e.Addr) +
		11 + msgp.StringPrefixSize + len(e.Datacenter) +
		7 + msgp.StringPrefixSize + len(e.Change) +
		7 + msgp.StringPrefixSize + len(e.Target) +
		9 + msgp.StringPrefixSize + len(e.Keyspace) +
		5 + msgp.StringPrefixSize + len(e.Name) +
		5 + msgp.TimeSize
}
