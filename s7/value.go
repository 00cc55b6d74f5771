package s7

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf16"
)

// TagValue is the result of reading one S7 address.
type TagValue struct {
	Name     string // Address string as requested (e.g., "DB1.DBW0")
	DataType uint16 // S7 data type code
	Bytes    []byte // Raw value bytes (big-endian, as S7 uses)
	BitNum   int    // Bit number for BOOL types (-1 for non-bit)
	Error    error  // Per-tag error (nil if successful)
}

// TypeName returns the human-readable type name for this tag.
func (v *TagValue) TypeName() string {
	return TypeName(v.DataType)
}

// GoValue returns the tag value converted to a Go type:
//   - BOOL -> bool
//   - SINT, INT, DINT, LINT, TIME, TIME_OF_DAY, DATE -> int64
//   - BYTE, CHAR, WORD, DWORD, LWORD -> uint64
//   - REAL, LREAL -> float64
//   - STRING, WSTRING -> string
//
// Returns nil if the read failed or the data is too short for the type.
func (v *TagValue) GoValue() interface{} {
	if v.Error != nil {
		return nil
	}
	value, err := Decode(v.DataType, v.BitNum, v.Bytes)
	if err != nil {
		return nil
	}
	return value
}

// Decode converts raw big-endian bytes into a Go value for the given type.
func Decode(dataType uint16, bitNum int, b []byte) (interface{}, error) {
	need := TypeSize(dataType)
	if dataType == TypeString {
		need = 2
	} else if dataType == TypeWString {
		need = 4
	}
	if need == 0 {
		return nil, fmt.Errorf("unsupported data type: %s", TypeName(dataType))
	}
	if len(b) < need {
		return nil, fmt.Errorf("insufficient data for %s: %d bytes", TypeName(dataType), len(b))
	}

	switch dataType {
	case TypeBool:
		if bitNum >= 0 && bitNum <= 7 {
			return b[0]&(1<<bitNum) != 0, nil
		}
		return b[0] != 0, nil
	case TypeSInt:
		return int64(int8(b[0])), nil
	case TypeByte, TypeChar:
		return uint64(b[0]), nil
	case TypeInt:
		return int64(int16(binary.BigEndian.Uint16(b))), nil
	case TypeWord:
		return uint64(binary.BigEndian.Uint16(b)), nil
	case TypeDate:
		return int64(binary.BigEndian.Uint16(b)), nil
	case TypeDInt, TypeTime:
		return int64(int32(binary.BigEndian.Uint32(b))), nil
	case TypeTimeOfDay:
		return int64(binary.BigEndian.Uint32(b)), nil
	case TypeDWord:
		return uint64(binary.BigEndian.Uint32(b)), nil
	case TypeReal:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(b))), nil
	case TypeLInt:
		return int64(binary.BigEndian.Uint64(b)), nil
	case TypeLWord:
		return binary.BigEndian.Uint64(b), nil
	case TypeLReal:
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	case TypeString:
		// 1 byte max length, 1 byte actual length, then chars
		n := int(b[1])
		if n > len(b)-2 {
			n = len(b) - 2
		}
		return string(b[2 : 2+n]), nil
	case TypeWString:
		// 2 bytes max length, 2 bytes actual length, then UTF-16BE
		n := int(binary.BigEndian.Uint16(b[2:4]))
		if n > (len(b)-4)/2 {
			n = (len(b) - 4) / 2
		}
		units := make([]uint16, n)
		for i := range units {
			units[i] = binary.BigEndian.Uint16(b[4+i*2:])
		}
		return string(utf16.Decode(units)), nil
	}
	return nil, fmt.Errorf("unsupported data type: %s", TypeName(dataType))
}
