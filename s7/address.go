package s7

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Area represents an S7 memory area.
type Area int

const (
	AreaDB Area = iota // Data Block
	AreaI              // Process Image Input (IB, IW, ID)
	AreaQ              // Process Image Output (QB, QW, QD)
	AreaM              // Merker/Flag (MB, MW, MD)
	AreaT              // Timer
	AreaC              // Counter
)

// String returns the area name.
func (a Area) String() string {
	switch a {
	case AreaDB:
		return "DB"
	case AreaI:
		return "I"
	case AreaQ:
		return "Q"
	case AreaM:
		return "M"
	case AreaT:
		return "T"
	case AreaC:
		return "C"
	default:
		return "?"
	}
}

// Address represents a parsed S7 memory address.
type Address struct {
	Area     Area   // Memory area (DB, I, Q, M, T, C)
	DBNumber int    // Data block number (only for AreaDB)
	Offset   int    // Byte offset
	BitNum   int    // Bit number (0-7 for BOOL, -1 for other types)
	DataType uint16 // Data type, 0 when the address leaves it to a type hint
	Size     int    // Size in bytes to read
	StrLen   int    // Capacity for STRING/WSTRING
}

var (
	// DB addresses: DB1.DBX0.0 (bit), DB1.DBB0 (byte), DB1.DBW0 (word), DB1.DBD0 (dword)
	reDB = regexp.MustCompile(`^DB(\d+)\.DB([XBWDL])(\d+)(?:\.(\d))?$`)

	// Simple DB addresses: DB1.0 (offset only, type from hint)
	reDBSimple = regexp.MustCompile(`^DB(\d+)\.(\d+)$`)

	// Typed DB addresses: DB1.INT0, DB1.REAL8, DB1.X0.0, DB1.STRING10.20
	reDBTyped = regexp.MustCompile(`^DB(\d+)\.(X|BYTE|USINT|SINT|CHAR|WORD|UINT|INT|DWORD|UDINT|DINT|REAL|LWORD|ULINT|LINT|LREAL|TIME|DATE|STRING|WSTRING)(\d+)(?:\.(\d+))?$`)

	// I/Q/M addresses: M0.0 (bit), MB0 (byte), MW0 (word), MD0 (dword)
	reIQM = regexp.MustCompile(`^([IQME])([XBWDL])?(\d+)(?:\.(\d))?$`)

	// Timer/Counter: T0, C0
	reTC = regexp.MustCompile(`^([TCZ])(\d+)$`)
)

// ParseAddress parses an S7 address string and returns an Address.
// Supported formats:
//   - DB1.0             - Data Block with offset (requires type hint)
//   - DB1.DBX0.0        - Data Block bit
//   - DB1.DBB0, DB1.DBW0, DB1.DBD0, DB1.DBL0
//   - DB1.INT0, DB1.DINT4, DB1.REAL8, DB1.BYTE0, DB1.X0.0
//   - DB1.STRING10.20   - STRING at offset 10 with capacity 20
//   - M0.0, MB0, MW0, MD0 (and I/E, Q)
//   - T0, C0
func ParseAddress(addr string) (*Address, error) {
	addr = strings.ToUpper(strings.TrimSpace(addr))
	if addr == "" {
		return nil, fmt.Errorf("empty address")
	}

	if m := reDBSimple.FindStringSubmatch(addr); m != nil {
		dbNum, _ := strconv.Atoi(m[1])
		offset, _ := strconv.Atoi(m[2])
		return &Address{Area: AreaDB, DBNumber: dbNum, Offset: offset, BitNum: -1}, nil
	}

	if m := reDB.FindStringSubmatch(addr); m != nil {
		return parseDBAddress(m)
	}

	if m := reDBTyped.FindStringSubmatch(addr); m != nil {
		return parseDBTypedAddress(m)
	}

	if m := reIQM.FindStringSubmatch(addr); m != nil {
		return parseIQMAddress(m)
	}

	if m := reTC.FindStringSubmatch(addr); m != nil {
		num, _ := strconv.Atoi(m[2])
		area := AreaT
		if m[1] != "T" {
			area = AreaC
		}
		return &Address{Area: area, Offset: num, BitNum: -1, DataType: TypeWord, Size: 2}, nil
	}

	return nil, fmt.Errorf("invalid S7 address format: %s", addr)
}

func parseDBAddress(m []string) (*Address, error) {
	dbNum, _ := strconv.Atoi(m[1])
	offset, _ := strconv.Atoi(m[3])

	addr := &Address{Area: AreaDB, DBNumber: dbNum, Offset: offset, BitNum: -1}
	if err := applyWidthLetter(addr, m[2], m[4]); err != nil {
		return nil, err
	}
	if m[2] == "X" && m[4] == "" {
		return nil, fmt.Errorf("DBX requires bit number (e.g., DB1.DBX0.0)")
	}
	return addr, nil
}

func parseDBTypedAddress(m []string) (*Address, error) {
	dbNum, _ := strconv.Atoi(m[1])
	offset, _ := strconv.Atoi(m[3])
	suffix := m[4]

	addr := &Address{Area: AreaDB, DBNumber: dbNum, Offset: offset, BitNum: -1}

	switch m[2] {
	case "X":
		if suffix == "" {
			return nil, fmt.Errorf("bit access requires bit number (e.g., DB1.X0.0)")
		}
		bitNum, _ := strconv.Atoi(suffix)
		if bitNum > 7 {
			return nil, fmt.Errorf("bit number must be 0-7, got %d", bitNum)
		}
		addr.BitNum = bitNum
		addr.DataType = TypeBool
		addr.Size = 1
		return addr, nil
	case "STRING", "WSTRING":
		dataType, _ := TypeCodeFromName(m[2])
		capacity := DefaultStringLen
		if suffix != "" {
			capacity, _ = strconv.Atoi(suffix)
		}
		if capacity < 1 || capacity > 254 {
			return nil, fmt.Errorf("string capacity must be 1-254, got %d", capacity)
		}
		addr.DataType = dataType
		addr.StrLen = capacity
		addr.Size = StringSize(dataType, capacity)
		return addr, nil
	}

	if suffix != "" {
		return nil, fmt.Errorf("unexpected suffix .%s on %s address", suffix, m[2])
	}
	dataType, _ := TypeCodeFromName(m[2])
	addr.DataType = dataType
	addr.Size = TypeSize(dataType)
	return addr, nil
}

func parseIQMAddress(m []string) (*Address, error) {
	var area Area
	switch m[1] {
	case "I", "E":
		area = AreaI
	case "Q":
		area = AreaQ
	case "M":
		area = AreaM
	}

	letter := m[2]
	if letter == "" {
		letter = "X" // M0 means M0.0
	}
	offset, _ := strconv.Atoi(m[3])

	addr := &Address{Area: area, Offset: offset, BitNum: -1}
	bit := m[4]
	if letter == "X" && bit == "" {
		bit = "0"
	}
	if err := applyWidthLetter(addr, letter, bit); err != nil {
		return nil, err
	}
	return addr, nil
}

// applyWidthLetter sets type and size from the X/B/W/D/L width letter.
func applyWidthLetter(addr *Address, letter, bit string) error {
	switch letter {
	case "X":
		if bit != "" {
			bitNum, _ := strconv.Atoi(bit)
			if bitNum < 0 || bitNum > 7 {
				return fmt.Errorf("bit number must be 0-7, got %d", bitNum)
			}
			addr.BitNum = bitNum
		}
		addr.DataType = TypeBool
		addr.Size = 1
	case "B":
		addr.DataType = TypeByte
		addr.Size = 1
	case "W":
		addr.DataType = TypeWord
		addr.Size = 2
	case "D":
		addr.DataType = TypeDWord
		addr.Size = 4
	case "L":
		addr.DataType = TypeLInt
		addr.Size = 8
	default:
		return fmt.Errorf("unknown type letter: %s", letter)
	}
	return nil
}

// ApplyTypeHint refines the address type from a configured type name.
// A hint reinterprets a width-only address (DB1.DBW0 as INT) when the sizes
// agree, and supplies the type for offset-only addresses. Without either the
// address defaults to DINT.
func (a *Address) ApplyTypeHint(hint string) error {
	if hint != "" {
		typeCode, ok := TypeCodeFromName(hint)
		if !ok {
			return fmt.Errorf("unknown type %q", hint)
		}
		switch {
		case a.Size == 0:
			a.DataType = typeCode
			a.Size = TypeSize(typeCode)
			if typeCode == TypeString || typeCode == TypeWString {
				a.StrLen = DefaultStringLen
				a.Size = StringSize(typeCode, a.StrLen)
			}
		case a.BitNum < 0 && TypeSize(typeCode) == a.Size:
			a.DataType = typeCode
		}
	}

	if a.Size == 0 {
		a.DataType = TypeDInt
		a.Size = 4
	}
	return nil
}

// ValidateAddress checks if an address string is valid.
func ValidateAddress(addr string) error {
	_, err := ParseAddress(addr)
	return err
}
