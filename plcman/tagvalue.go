package plcman

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

var errNoValue = errors.New("no value")

// typeHintFor returns the S7 type name matching T, or "" when the address
// alone has to determine the type.
func typeHintFor[T any]() string {
	var zero T
	switch any(zero).(type) {
	case bool:
		return "BOOL"
	case int8:
		return "SINT"
	case uint8:
		return "BYTE"
	case int16:
		return "INT"
	case uint16:
		return "WORD"
	case int32:
		return "DINT"
	case uint32:
		return "DWORD"
	case int64:
		return "LINT"
	case uint64:
		return "LWORD"
	case float32:
		return "REAL"
	case float64:
		return "LREAL"
	case string:
		return "STRING"
	default:
		return ""
	}
}

// convertValue converts a decoded driver value to T. Integer conversions
// are range checked; a float is only accepted for an integer target when
// it has no fractional part.
func convertValue[T any](v interface{}) (T, error) {
	var out T
	if v == nil {
		return out, errNoValue
	}
	if t, ok := v.(T); ok {
		return t, nil
	}

	var err error
	switch p := any(&out).(type) {
	case *bool:
		*p, err = asBool(v)
	case *int8:
		var n int64
		n, err = asInt(v, 8)
		*p = int8(n)
	case *int16:
		var n int64
		n, err = asInt(v, 16)
		*p = int16(n)
	case *int32:
		var n int64
		n, err = asInt(v, 32)
		*p = int32(n)
	case *int64:
		*p, err = asInt(v, 64)
	case *int:
		var n int64
		n, err = asInt(v, strconv.IntSize)
		*p = int(n)
	case *uint8:
		var n uint64
		n, err = asUint(v, 8)
		*p = uint8(n)
	case *uint16:
		var n uint64
		n, err = asUint(v, 16)
		*p = uint16(n)
	case *uint32:
		var n uint64
		n, err = asUint(v, 32)
		*p = uint32(n)
	case *uint64:
		*p, err = asUint(v, 64)
	case *float32:
		var f float64
		f, err = asFloat(v)
		*p = float32(f)
	case *float64:
		*p, err = asFloat(v)
	case *string:
		*p = fmt.Sprint(v)
	default:
		err = fmt.Errorf("unsupported target type %T", out)
	}
	if err != nil {
		var zero T
		return zero, fmt.Errorf("convert %v (%T) to %T: %w", v, v, out, err)
	}
	return out, nil
}

func asBool(v interface{}) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		return strconv.ParseBool(x)
	}
	f, err := asFloat(v)
	if err != nil {
		return false, err
	}
	return f != 0, nil
}

func asInt(v interface{}, bits int) (int64, error) {
	var n int64
	switch x := v.(type) {
	case int64:
		n = x
	case int:
		n = int64(x)
	case int32:
		n = int64(x)
	case int16:
		n = int64(x)
	case int8:
		n = int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return 0, errors.New("out of range")
		}
		n = int64(x)
	case uint32:
		n = int64(x)
	case uint16:
		n = int64(x)
	case uint8:
		n = int64(x)
	case bool:
		if x {
			n = 1
		}
	default:
		f, err := asFloat(v)
		if err != nil {
			return 0, err
		}
		if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, errors.New("not an integer")
		}
		n = int64(f)
	}
	if bits < 64 {
		lo, hi := -(int64(1) << (bits - 1)), int64(1)<<(bits-1)-1
		if n < lo || n > hi {
			return 0, errors.New("out of range")
		}
	}
	return n, nil
}

func asUint(v interface{}, bits int) (uint64, error) {
	var n uint64
	if x, ok := v.(uint64); ok {
		n = x
	} else {
		i, err := asInt(v, 64)
		if err != nil {
			return 0, err
		}
		if i < 0 {
			return 0, errors.New("out of range")
		}
		n = uint64(i)
	}
	if bits < 64 && n > uint64(1)<<bits-1 {
		return 0, errors.New("out of range")
	}
	return n, nil
}

func asFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case string:
		return strconv.ParseFloat(x, 64)
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
