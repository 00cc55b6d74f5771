package s7

import (
	"encoding/json"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		dataType uint16
		bitNum   int
		data     []byte
		want     interface{}
	}{
		{"bool bit set", TypeBool, 3, []byte{0x08}, true},
		{"bool bit clear", TypeBool, 2, []byte{0x08}, false},
		{"int positive", TypeInt, -1, []byte{0x01, 0x2C}, int64(300)},
		{"int negative", TypeInt, -1, []byte{0xFF, 0xFE}, int64(-2)},
		{"word", TypeWord, -1, []byte{0xFF, 0xFE}, uint64(65534)},
		{"dint", TypeDInt, -1, []byte{0xFF, 0xFF, 0xFF, 0xFF}, int64(-1)},
		{"real", TypeReal, -1, []byte{0x3F, 0xC0, 0x00, 0x00}, float64(1.5)},
		{"sint", TypeSInt, -1, []byte{0x80}, int64(-128)},
		{"byte", TypeByte, -1, []byte{0x80}, uint64(128)},
		{"string", TypeString, -1, []byte{10, 3, 'a', 'b', 'c', 0, 0}, "abc"},
		{"wstring", TypeWString, -1, []byte{0, 10, 0, 2, 0, 'h', 0, 'i'}, "hi"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.dataType, tt.bitNum, tt.data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got != tt.want {
				t.Errorf("Decode = %v (%T), want %v (%T)", got, got, tt.want, tt.want)
			}
		})
	}
}

func TestDecodeShortData(t *testing.T) {
	if _, err := Decode(TypeDInt, -1, []byte{0, 1}); err == nil {
		t.Error("expected error for short DINT data")
	}
	v := &TagValue{DataType: TypeInt, Bytes: []byte{1}, BitNum: -1}
	if got := v.GoValue(); got != nil {
		t.Errorf("GoValue = %v, want nil", got)
	}
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name    string
		address string
		hint    string
		value   interface{}
		want    []byte
		wantErr bool
	}{
		{"int from int", "DB1.INT2", "", 12, []byte{0x00, 0x0C}, false},
		{"int from float64", "DB1.INT2", "", float64(300), []byte{0x01, 0x2C}, false},
		{"int from json number", "DB1.INT2", "", json.Number("-2"), []byte{0xFF, 0xFE}, false},
		{"int from string", "DB1.DBW0", "INT", "7", []byte{0x00, 0x07}, false},
		{"int overflow", "DB1.INT2", "", 40000, nil, true},
		{"int fractional", "DB1.INT2", "", 1.5, nil, true},
		{"word negative", "DB1.DBW0", "", -1, nil, true},
		{"dint", "DB1.DINT4", "", int32(-1), []byte{0xFF, 0xFF, 0xFF, 0xFF}, false},
		{"real", "DB1.REAL8", "", 1.5, []byte{0x3F, 0xC0, 0x00, 0x00}, false},
		{"bool", "DB1.DBB0", "BOOL", true, []byte{1}, false},
		{"string", "DB1.STRING0.4", "", "ab", []byte{4, 2, 'a', 'b'}, false},
		{"string too long", "DB1.STRING0.1", "", "ab", nil, true},
		{"bad type", "DB1.INT2", "", struct{}{}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := ParseAddress(tt.address)
			if err != nil {
				t.Fatalf("ParseAddress: %v", err)
			}
			if err := addr.ApplyTypeHint(tt.hint); err != nil {
				t.Fatalf("ApplyTypeHint: %v", err)
			}
			got, err := Encode(addr, tt.value)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Encode(%v) expected error, got %v", tt.value, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Encode(%v): %v", tt.value, err)
			}
			if string(got) != string(tt.want) {
				t.Errorf("Encode(%v) = % X, want % X", tt.value, got, tt.want)
			}
		})
	}
}

func TestEncodeDecodeInt(t *testing.T) {
	addr, _ := ParseAddress("DB1.INT10")
	for _, n := range []int{0, 1, -1, 32767, -32768} {
		b, err := Encode(addr, n)
		if err != nil {
			t.Fatalf("Encode(%d): %v", n, err)
		}
		got, err := Decode(TypeInt, -1, b)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got != int64(n) {
			t.Errorf("round trip %d = %v", n, got)
		}
	}
}
