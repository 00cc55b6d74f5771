package s7

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Encode converts a Go value into the big-endian bytes for the address type.
// Numeric values are accepted from any Go numeric type, json.Number or a
// decimal string, so values arriving from JSON or MQTT payloads can be
// written directly. Bit addresses are not handled here; see Client.Write.
func Encode(addr *Address, value interface{}) ([]byte, error) {
	switch addr.DataType {
	case TypeBool:
		v, err := toBool(value)
		if err != nil {
			return nil, err
		}
		if v {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case TypeByte, TypeChar:
		v, err := toUint(value, 8)
		if err != nil {
			return nil, err
		}
		return []byte{byte(v)}, nil
	case TypeSInt:
		v, err := toInt(value, 8)
		if err != nil {
			return nil, err
		}
		return []byte{byte(int8(v))}, nil
	case TypeWord, TypeDate:
		v, err := toUint(value, 16)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(v))
		return buf, nil
	case TypeInt:
		v, err := toInt(value, 16)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(int16(v)))
		return buf, nil
	case TypeDWord, TypeTimeOfDay:
		v, err := toUint(value, 32)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(v))
		return buf, nil
	case TypeDInt, TypeTime:
		v, err := toInt(value, 32)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(int32(v)))
		return buf, nil
	case TypeReal:
		v, err := toFloat(value)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, math.Float32bits(float32(v)))
		return buf, nil
	case TypeLInt:
		v, err := toInt(value, 64)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(v))
		return buf, nil
	case TypeLWord:
		v, err := toUint(value, 64)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, v)
		return buf, nil
	case TypeLReal:
		v, err := toFloat(value)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(v))
		return buf, nil
	case TypeString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("cannot convert %T to string", value)
		}
		capacity := addr.StrLen
		if capacity == 0 {
			capacity = DefaultStringLen
		}
		if len(s) > capacity {
			return nil, fmt.Errorf("string length %d exceeds capacity %d", len(s), capacity)
		}
		buf := make([]byte, 2+len(s))
		buf[0] = byte(capacity)
		buf[1] = byte(len(s))
		copy(buf[2:], s)
		return buf, nil
	case TypeWString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("cannot convert %T to wstring", value)
		}
		capacity := addr.StrLen
		if capacity == 0 {
			capacity = DefaultWStringLen
		}
		units := utf16.Encode([]rune(s))
		if len(units) > capacity {
			return nil, fmt.Errorf("wstring length %d exceeds capacity %d", len(units), capacity)
		}
		buf := make([]byte, 4+len(units)*2)
		binary.BigEndian.PutUint16(buf[0:], uint16(capacity))
		binary.BigEndian.PutUint16(buf[2:], uint16(len(units)))
		for i, u := range units {
			binary.BigEndian.PutUint16(buf[4+i*2:], u)
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("unsupported data type: %s", TypeName(addr.DataType))
	}
}

func toBool(value interface{}) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("cannot convert %q to bool", v)
		}
		return b, nil
	}
	n, err := toFloat(value)
	if err != nil {
		return false, fmt.Errorf("cannot convert %T to bool", value)
	}
	return n != 0, nil
}

func toInt(value interface{}, bits int) (int64, error) {
	var n int64
	switch v := value.(type) {
	case int:
		n = int64(v)
	case int8:
		n = int64(v)
	case int16:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	case uint8:
		n = int64(v)
	case uint16:
		n = int64(v)
	case uint32:
		n = int64(v)
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("value %d out of range", v)
		}
		n = int64(v)
	case float32, float64, json.Number, string, bool:
		f, err := toFloat(v)
		if err != nil {
			return 0, err
		}
		if f != math.Trunc(f) {
			return 0, fmt.Errorf("value %v is not an integer", f)
		}
		if f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, fmt.Errorf("value %v out of range", f)
		}
		n = int64(f)
	default:
		return 0, fmt.Errorf("cannot convert %T to integer", value)
	}
	if bits < 64 {
		lo, hi := -(int64(1) << (bits - 1)), int64(1)<<(bits-1)-1
		if n < lo || n > hi {
			return 0, fmt.Errorf("value %d out of range for %d-bit integer", n, bits)
		}
	}
	return n, nil
}

func toUint(value interface{}, bits int) (uint64, error) {
	if u, ok := value.(uint64); ok {
		if bits < 64 && u > uint64(1)<<bits-1 {
			return 0, fmt.Errorf("value %d out of range for %d-bit unsigned", u, bits)
		}
		return u, nil
	}
	n, err := toInt(value, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("value %d out of range for unsigned", n)
	}
	if bits < 64 && uint64(n) > uint64(1)<<bits-1 {
		return 0, fmt.Errorf("value %d out of range for %d-bit unsigned", n, bits)
	}
	return uint64(n), nil
}

func toFloat(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case json.Number:
		return v.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to number", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to number", value)
	}
}
