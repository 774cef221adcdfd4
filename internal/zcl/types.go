package zcl

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ZCL data type IDs
const (
	TypeNoData   uint8 = 0x00
	TypeBool     uint8 = 0x10
	TypeBitmap8  uint8 = 0x18
	TypeBitmap16 uint8 = 0x19
	TypeBitmap32 uint8 = 0x1B
	TypeUint8    uint8 = 0x20
	TypeUint16   uint8 = 0x21
	TypeUint24   uint8 = 0x22
	TypeUint32   uint8 = 0x23
	TypeInt8     uint8 = 0x28
	TypeInt16    uint8 = 0x29
	TypeInt32    uint8 = 0x2B
	TypeEnum8    uint8 = 0x30
	TypeEnum16   uint8 = 0x31
	TypeOctetStr uint8 = 0x41
	TypeCharStr  uint8 = 0x42
	TypeUTC      uint8 = 0xE2
	TypeEUI64    uint8 = 0xF0
)

type typeInfo struct {
	name string
	size int // -1 for 1-byte length prefixed values
}

var typeTable = map[uint8]typeInfo{
	TypeNoData:   {"nodata", 0},
	TypeBool:     {"bool", 1},
	TypeBitmap8:  {"map8", 1},
	TypeBitmap16: {"map16", 2},
	TypeBitmap32: {"map32", 4},
	TypeUint8:    {"uint8", 1},
	TypeUint16:   {"uint16", 2},
	TypeUint24:   {"uint24", 3},
	TypeUint32:   {"uint32", 4},
	TypeInt8:     {"int8", 1},
	TypeInt16:    {"int16", 2},
	TypeInt32:    {"int32", 4},
	TypeEnum8:    {"enum8", 1},
	TypeEnum16:   {"enum16", 2},
	TypeOctetStr: {"octstr", -1},
	TypeCharStr:  {"string", -1},
	TypeUTC:      {"UTC", 4},
	TypeEUI64:    {"EUI64", 8},
}

// TypeSize returns the fixed wire size of a type, -1 for length-prefixed
// strings, and -2 for types this package does not know.
func TypeSize(typeID uint8) int {
	ti, ok := typeTable[typeID]
	if !ok {
		return -2
	}
	return ti.size
}

// TypeName returns a human-readable name for a ZCL type.
func TypeName(typeID uint8) string {
	if ti, ok := typeTable[typeID]; ok {
		return ti.name
	}
	return fmt.Sprintf("0x%02X", typeID)
}

// DecodeValue decodes a typed value from raw bytes, returning the Go value and bytes consumed.
func DecodeValue(typeID uint8, data []byte) (any, int, error) {
	size := TypeSize(typeID)
	switch size {
	case 0:
		return nil, 0, nil
	case -1:
		return decodeString(typeID, data)
	case -2:
		return nil, 0, fmt.Errorf("zcl: unsupported type 0x%02X", typeID)
	}
	if len(data) < size {
		return nil, 0, fmt.Errorf("zcl: not enough data for type 0x%02X: need %d, have %d", typeID, size, len(data))
	}

	switch typeID {
	case TypeBool:
		return data[0] != 0, 1, nil
	case TypeUint8, TypeEnum8, TypeBitmap8:
		return data[0], 1, nil
	case TypeUint16, TypeEnum16, TypeBitmap16:
		return binary.LittleEndian.Uint16(data), 2, nil
	case TypeUint24:
		return uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16, 3, nil
	case TypeUint32, TypeBitmap32, TypeUTC:
		return binary.LittleEndian.Uint32(data), 4, nil
	case TypeInt8:
		return int8(data[0]), 1, nil
	case TypeInt16:
		return int16(binary.LittleEndian.Uint16(data)), 2, nil
	case TypeInt32:
		return int32(binary.LittleEndian.Uint32(data)), 4, nil
	case TypeEUI64:
		var addr [8]byte
		copy(addr[:], data[:8])
		return addr, 8, nil
	}
	return nil, 0, fmt.Errorf("zcl: unsupported type 0x%02X", typeID)
}

func decodeString(typeID uint8, data []byte) (any, int, error) {
	if len(data) < 1 {
		return nil, 0, fmt.Errorf("zcl: no length byte for string type")
	}
	n := int(data[0])
	if n == 0xFF {
		return nil, 1, nil // invalid value marker
	}
	if len(data) < 1+n {
		return nil, 0, fmt.Errorf("zcl: string truncated: need %d, have %d", n, len(data)-1)
	}
	if typeID == TypeCharStr {
		return string(data[1 : 1+n]), 1 + n, nil
	}
	b := make([]byte, n)
	copy(b, data[1:1+n])
	return b, 1 + n, nil
}

// EncodeValue encodes a Go value into ZCL wire format.
func EncodeValue(typeID uint8, val any) ([]byte, error) {
	switch typeID {
	case TypeBool:
		v, ok := toBool(val)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to bool", val)
		}
		if v {
			return []byte{1}, nil
		}
		return []byte{0}, nil

	case TypeUint8, TypeEnum8, TypeBitmap8:
		v, err := unsignedInRange(val, math.MaxUint8, "uint8")
		if err != nil {
			return nil, err
		}
		return []byte{uint8(v)}, nil

	case TypeUint16, TypeEnum16, TypeBitmap16:
		v, err := unsignedInRange(val, math.MaxUint16, "uint16")
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint16(nil, uint16(v)), nil

	case TypeUint24:
		v, err := unsignedInRange(val, 0xFFFFFF, "uint24")
		if err != nil {
			return nil, err
		}
		return []byte{byte(v), byte(v >> 8), byte(v >> 16)}, nil

	case TypeUint32, TypeBitmap32, TypeUTC:
		v, err := unsignedInRange(val, math.MaxUint32, "uint32")
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint32(nil, uint32(v)), nil

	case TypeInt8:
		v, err := signedInRange(val, math.MinInt8, math.MaxInt8, "int8")
		if err != nil {
			return nil, err
		}
		return []byte{byte(int8(v))}, nil

	case TypeInt16:
		v, err := signedInRange(val, math.MinInt16, math.MaxInt16, "int16")
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint16(nil, uint16(int16(v))), nil

	case TypeInt32:
		v, err := signedInRange(val, math.MinInt32, math.MaxInt32, "int32")
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint32(nil, uint32(int32(v))), nil

	case TypeEUI64:
		switch a := val.(type) {
		case [8]byte:
			return append([]byte(nil), a[:]...), nil
		case []byte:
			if len(a) != 8 {
				return nil, fmt.Errorf("zcl: EUI64 requires 8 bytes, got %d", len(a))
			}
			return append([]byte(nil), a...), nil
		}
		return nil, fmt.Errorf("zcl: cannot convert %T to EUI64", val)

	case TypeCharStr:
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to string", val)
		}
		return prefixed([]byte(s))

	case TypeOctetStr:
		b, ok := val.([]byte)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to []byte", val)
		}
		return prefixed(b)
	}

	return nil, fmt.Errorf("zcl: encode not implemented for type 0x%02X", typeID)
}

func prefixed(b []byte) ([]byte, error) {
	if len(b) > 254 {
		return nil, fmt.Errorf("zcl: string too long: %d (max 254)", len(b))
	}
	buf := make([]byte, 1+len(b))
	buf[0] = uint8(len(b))
	copy(buf[1:], b)
	return buf, nil
}

func unsignedInRange(val any, max uint64, name string) (uint64, error) {
	v, ok := toUint64(val)
	if !ok {
		return 0, fmt.Errorf("zcl: cannot convert %T to %s", val, name)
	}
	if v > max {
		return 0, fmt.Errorf("zcl: value %d overflows %s (max %d)", v, name, max)
	}
	return v, nil
}

func signedInRange(val any, min, max int64, name string) (int64, error) {
	v, ok := toInt64(val)
	if !ok {
		return 0, fmt.Errorf("zcl: cannot convert %T to %s", val, name)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("zcl: value %d overflows %s (range %d..%d)", v, name, min, max)
	}
	return v, nil
}

func toBool(v any) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case float64:
		return val != 0, true
	case int:
		return val != 0, true
	}
	return false, false
}

func toUint64(v any) (uint64, bool) {
	switch val := v.(type) {
	case uint8:
		return uint64(val), true
	case uint16:
		return uint64(val), true
	case uint32:
		return uint64(val), true
	case uint64:
		return val, true
	case int:
		if val < 0 {
			return 0, false
		}
		return uint64(val), true
	case int64:
		if val < 0 {
			return 0, false
		}
		return uint64(val), true
	case float64:
		if val < 0 {
			return 0, false
		}
		return uint64(val), true
	}
	return 0, false
}

func toInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case int8:
		return int64(val), true
	case int16:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case int:
		return int64(val), true
	case uint8:
		return int64(val), true
	case uint16:
		return int64(val), true
	case uint32:
		return int64(val), true
	case float64:
		if val > math.MaxInt64 || val < math.MinInt64 {
			return 0, false
		}
		return int64(val), true
	}
	return 0, false
}

// AsUint converts a decoded numeric attribute value to uint64.
func AsUint(v any) (uint64, bool) {
	return toUint64(v)
}
