// Package token maps partition keys to replicas.
//
// Keys are hashed with the Murmur3 partitioner into a [Token]. A [Map]
// places the tokens owned by every host on a ring and, for each keyspace,
// applies the keyspace replication [Strategy] to find the replicas of a
// token, in the order the strategy selects them.
package token

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

// Token is a position on the Murmur3 ring.
type Token int64

// Murmur3PartitionerName is the partitioner class this package supports.
const Murmur3PartitionerName = "org.apache.cassandra.dht.Murmur3Partitioner"

// Partitioner hashes partition keys to tokens.
type Partitioner interface {
	Name() string
	Hash(key []byte) Token
	Parse(s string) (Token, error)
}

// Murmur3Partitioner is Cassandra's default partitioner.
type Murmur3Partitioner struct{}

var _ Partitioner = Murmur3Partitioner{}

// Name returns the partitioner class name.
func (Murmur3Partitioner) Name() string { return Murmur3PartitionerName }

// Hash returns the token of a serialized partition key.
func (Murmur3Partitioner) Hash(key []byte) Token {
	return Token(normalize(murmur3H1(key)))
}

// Parse parses a token as listed in system.local and system.peers.
func (Murmur3Partitioner) Parse(s string) (Token, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cqlwire: invalid murmur3 token %q: %w", s, err)
	}

	return Token(v), nil
}

// PartitionerFor returns the partitioner for a class name reported by
// system.local.
//
// Parameters:
//   - name: Fully qualified or short partitioner class name
//
// Returns:
//   - Partitioner: The partitioner
//   - bool: false if the partitioner is not supported
func PartitionerFor(name string) (Partitioner, bool) {
	switch name {
	case Murmur3PartitionerName, "Murmur3Partitioner":
		return Murmur3Partitioner{}, true
	}

	return nil, false
}

// RoutingKey builds the serialized partition key from its components. A
// single component is used as is; composite keys encode each component as
// a 2-byte length, the bytes and a zero byte.
//
// Parameters:
//   - components: Serialized partition key columns, in key order
//
// Returns:
//   - []byte: The routing key, nil if there are no components
func RoutingKey(components ...[]byte) []byte {
	switch len(components) {
	case 0:
		return nil
	case 1:
		return components[0]
	}

	size := 0
	for _, c := range components {
		size += 3 + len(c)
	}
	key := make([]byte, 0, size)
	for _, c := range components {
		key = binary.BigEndian.AppendUint16(key, uint16(len(c)))
		key = append(key, c...)
		key = append(key, 0)
	}

	return key
}
