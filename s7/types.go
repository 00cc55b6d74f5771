// Package s7 provides Siemens S7 addressing, value coding and a gos7-backed client.
package s7

import (
	"fmt"
	"strings"
)

// S7 data type codes.
const (
	TypeBool      uint16 = 0x0001 // 1 bit (stored as 1 byte)
	TypeByte      uint16 = 0x0002 // 8 bits unsigned
	TypeChar      uint16 = 0x0003 // 8 bits character
	TypeSInt      uint16 = 0x0004 // 8 bits signed
	TypeWord      uint16 = 0x0005 // 16 bits unsigned
	TypeInt       uint16 = 0x0006 // 16 bits signed
	TypeDWord     uint16 = 0x0007 // 32 bits unsigned
	TypeDInt      uint16 = 0x0008 // 32 bits signed
	TypeReal      uint16 = 0x0009 // 32 bits IEEE 754 float
	TypeDate      uint16 = 0x000A // days since 1990-01-01
	TypeTime      uint16 = 0x000B // milliseconds
	TypeTimeOfDay uint16 = 0x000C // milliseconds since midnight
	TypeLWord     uint16 = 0x0010 // 64 bits unsigned (S7-1500)
	TypeLInt      uint16 = 0x0011 // 64 bits signed (S7-1500)
	TypeLReal     uint16 = 0x0012 // 64 bits IEEE 754 double (S7-1500)
	TypeString    uint16 = 0x0014 // S7 STRING (max 254 chars)
	TypeWString   uint16 = 0x0015 // S7 WSTRING (S7-1500)
)

// Default read sizes for variable length types.
const (
	DefaultStringLen  = 254
	DefaultWStringLen = 254
)

// TypeSize returns the byte size of the data type.
// Returns 0 for variable-length or unknown types.
func TypeSize(dataType uint16) int {
	switch dataType {
	case TypeBool, TypeByte, TypeChar, TypeSInt:
		return 1
	case TypeWord, TypeInt, TypeDate:
		return 2
	case TypeDWord, TypeDInt, TypeReal, TypeTime, TypeTimeOfDay:
		return 4
	case TypeLWord, TypeLInt, TypeLReal:
		return 8
	default:
		return 0
	}
}

// StringSize returns the on-wire size of a STRING or WSTRING with the given capacity.
func StringSize(dataType uint16, capacity int) int {
	switch dataType {
	case TypeString:
		return capacity + 2 // max len byte, actual len byte
	case TypeWString:
		return capacity*2 + 4 // max len word, actual len word, UTF-16BE
	default:
		return 0
	}
}

// TypeName returns a human-readable name for the data type.
func TypeName(dataType uint16) string {
	switch dataType {
	case TypeBool:
		return "BOOL"
	case TypeByte:
		return "BYTE"
	case TypeChar:
		return "CHAR"
	case TypeSInt:
		return "SINT"
	case TypeWord:
		return "WORD"
	case TypeInt:
		return "INT"
	case TypeDWord:
		return "DWORD"
	case TypeDInt:
		return "DINT"
	case TypeReal:
		return "REAL"
	case TypeDate:
		return "DATE"
	case TypeTime:
		return "TIME"
	case TypeTimeOfDay:
		return "TIME_OF_DAY"
	case TypeLWord:
		return "LWORD"
	case TypeLInt:
		return "LINT"
	case TypeLReal:
		return "LREAL"
	case TypeString:
		return "STRING"
	case TypeWString:
		return "WSTRING"
	default:
		return fmt.Sprintf("UNKNOWN(0x%04X)", dataType)
	}
}

// TypeCodeFromName returns the type code for a type name.
// USINT, UINT, UDINT and ULINT map onto their unsigned bit-string equivalents.
func TypeCodeFromName(name string) (uint16, bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "BOOL":
		return TypeBool, true
	case "BYTE", "USINT":
		return TypeByte, true
	case "CHAR":
		return TypeChar, true
	case "SINT":
		return TypeSInt, true
	case "WORD", "UINT":
		return TypeWord, true
	case "INT":
		return TypeInt, true
	case "DWORD", "UDINT":
		return TypeDWord, true
	case "DINT":
		return TypeDInt, true
	case "REAL":
		return TypeReal, true
	case "DATE":
		return TypeDate, true
	case "TIME":
		return TypeTime, true
	case "TIME_OF_DAY", "TOD":
		return TypeTimeOfDay, true
	case "LWORD", "ULINT":
		return TypeLWord, true
	case "LINT":
		return TypeLInt, true
	case "LREAL":
		return TypeLReal, true
	case "STRING":
		return TypeString, true
	case "WSTRING":
		return TypeWString, true
	default:
		return 0, false
	}
}

// SupportedTypeNames returns the type names accepted in tag configuration.
func SupportedTypeNames() []string {
	return []string{
		"BOOL", "BYTE", "CHAR", "SINT", "USINT",
		"WORD", "INT", "UINT",
		"DWORD", "DINT", "UDINT", "REAL", "TIME",
		"LWORD", "LINT", "ULINT", "LREAL",
		"STRING", "WSTRING",
	}
}
