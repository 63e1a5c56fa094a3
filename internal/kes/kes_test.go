package kes

import (
	"math/big"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"", 0, false},
		{"0", 0, true},
		{"1", 100, true},
		{"1500.50", 150050, true},
		{"1500.5", 150050, true},
		{"1500.505", 150050, true}, // truncated to 2dp
		{"500000", 50000000, true},
		{"-1", 0, false},
		{"1.2.3", 0, false},
		{"abc", 0, false},
	}

	for _, tt := range tests {
		got, ok := Parse(tt.in)
		if ok != tt.ok {
			t.Errorf("Parse(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && got.Int64() != tt.want {
			t.Errorf("Parse(%q) = %d, want %d", tt.in, got.Int64(), tt.want)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0.00"},
		{100, "1.00"},
		{150050, "1500.50"},
		{5, "0.05"},
		{-150050, "-1500.50"},
	}

	for _, tt := range tests {
		if got := Format(big.NewInt(tt.in)); got != tt.want {
			t.Errorf("Format(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatNil(t *testing.T) {
	if got := Format(nil); got != "0.00" {
		t.Errorf("Format(nil) = %q, want 0.00", got)
	}
}

func TestWeiRoundTrip(t *testing.T) {
	cents, _ := Parse("1000.00")
	wei := ToWei(cents)

	// 1000 KES = 10^21 wei-units
	want, _ := new(big.Int).SetString("1000000000000000000000", 10)
	if wei.Cmp(want) != 0 {
		t.Errorf("ToWei(1000.00) = %s, want %s", wei, want)
	}

	back := FromWei(wei)
	if back.Cmp(cents) != 0 {
		t.Errorf("FromWei(ToWei(x)) = %s, want %s", back, cents)
	}
}

func TestFromWeiTruncatesDust(t *testing.T) {
	wei, _ := new(big.Int).SetString("10000000000000001", 10) // 0.01 KES + 1 wei
	cents := FromWei(wei)
	if cents.Int64() != 1 {
		t.Errorf("FromWei dust = %d cents, want 1", cents.Int64())
	}
}
