package helpers

import (
	"testing"
)

func TestBytesEqual(t *testing.T) {
	tests := []struct {
		name string
		a    []byte
		b    []byte
		want bool
	}{
		{"equal", []byte{1, 2, 3}, []byte{1, 2, 3}, true},
		{"not equal", []byte{1, 2, 3}, []byte{1, 2, 4}, false},
		{"different length", []byte{1, 2}, []byte{1, 2, 3}, false},
		{"empty equal", []byte{}, []byte{}, true},
		{"nil equal", nil, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BytesEqual(tt.a, tt.b)
			if got != tt.want {
				t.Errorf("BytesEqual = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHexBytesRoundtrip(t *testing.T) {
	tests := [][]byte{
		{1, 2, 3},
		{},
		{0xde, 0xad, 0xbe, 0xef},
	}

	for _, b := range tests {
		encoded := BytesToHex(b)
		decoded, err := HexToBytes(encoded)
		if err != nil {
			t.Fatalf("HexToBytes(%s) failed: %v", encoded, err)
		}
		if !BytesEqual(decoded, b) {
			t.Errorf("roundtrip failed: %v -> %s -> %v", b, encoded, decoded)
		}
	}
}

func TestPadLeft(t *testing.T) {
	tests := []struct {
		in     []byte
		length int
		want   []byte
	}{
		{[]byte{1, 2, 3}, 8, []byte{0, 0, 0, 0, 0, 1, 2, 3}},
		{[]byte{1, 2, 3}, 2, []byte{1, 2, 3}},
		{[]byte{}, 4, []byte{0, 0, 0, 0}},
	}

	for _, tt := range tests {
		got := PadLeft(tt.in, tt.length)
		if !BytesEqual(got, tt.want) {
			t.Errorf("PadLeft(%v, %d) = %v, want %v", tt.in, tt.length, got, tt.want)
		}
	}
}
