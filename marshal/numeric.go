package marshal

import (
	"encoding/binary"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

var bigOne = big.NewInt(1)

// EncodeBigInt returns the minimal big-endian two's-complement encoding of n.
func EncodeBigInt(n *big.Int) []byte {
	if n.Sign() >= 0 {
		b := n.Bytes()
		if len(b) == 0 {
			return []byte{0}
		}
		if b[0]&0x80 != 0 {
			b = append([]byte{0}, b...)
		}
		return b
	}

	// -n-1 inverted bytewise is the two's complement of n.
	m := new(big.Int).Neg(n)
	m.Sub(m, bigOne)
	b := m.Bytes()
	for i := range b {
		b[i] = ^b[i]
	}
	if len(b) == 0 || b[0]&0x80 == 0 {
		b = append([]byte{0xFF}, b...)
	}

	return b
}

// DecodeBigInt parses a big-endian two's-complement integer.
func DecodeBigInt(b []byte) *big.Int {
	n := new(big.Int).SetBytes(b)
	if len(b) > 0 && b[0]&0x80 != 0 {
		n.Sub(n, new(big.Int).Lsh(bigOne, uint(len(b))*8))
	}

	return n
}

func toBigInt(info TypeInfo, value any) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		return v, nil
	case big.Int:
		return &v, nil
	case string:
		n, ok := new(big.Int).SetString(v, 10)
		if !ok {
			return nil, &MarshalError{Info: info, GoType: "string", Reason: "not a base-10 integer"}
		}
		return n, nil
	}

	n, err := toInt64(info, value)
	if err != nil {
		return nil, err
	}

	return big.NewInt(n), nil
}

func marshalVarint(info TypeInfo, value any) ([]byte, error) {
	n, err := toBigInt(info, value)
	if err != nil {
		return nil, err
	}

	return EncodeBigInt(n), nil
}

func unmarshalVarint(_ TypeInfo, data []byte) (any, error) {
	return DecodeBigInt(data), nil
}

func toDecimal(info TypeInfo, value any) (decimal.Decimal, error) {
	switch v := value.(type) {
	case decimal.Decimal:
		return v, nil
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Decimal{}, &MarshalError{Info: info, GoType: "string", Reason: err.Error()}
		}
		return d, nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Decimal{}, &MarshalError{Info: info, GoType: "float64", Reason: "NaN/Inf is not a decimal"}
		}
		return decimal.NewFromFloat(v), nil
	case float32:
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return decimal.Decimal{}, &MarshalError{Info: info, GoType: "float32", Reason: "NaN/Inf is not a decimal"}
		}
		return decimal.NewFromFloat32(v), nil
	case *big.Int:
		return decimal.NewFromBigInt(v, 0), nil
	}

	n, err := toInt64(info, value)
	if err != nil {
		return decimal.Decimal{}, mismatch(info, value)
	}

	return decimal.NewFromInt(n), nil
}

// Decimals are {int32 scale}{varint unscaled value}; value = unscaled * 10^-scale.
func marshalDecimal(info TypeInfo, value any) ([]byte, error) {
	d, err := toDecimal(info, value)
	if err != nil {
		return nil, err
	}

	unscaled := EncodeBigInt(d.Coefficient())
	buf := make([]byte, 4, 4+len(unscaled))
	binary.BigEndian.PutUint32(buf, uint32(-d.Exponent()))

	return append(buf, unscaled...), nil
}

func unmarshalDecimal(info TypeInfo, data []byte) (any, error) {
	if len(data) < 4 {
		return nil, &UnmarshalError{Info: info, Reason: "decimal shorter than its scale"}
	}
	scale := int32(binary.BigEndian.Uint32(data))
	unscaled := DecodeBigInt(data[4:])

	return decimal.NewFromBigInt(unscaled, -scale), nil
}
