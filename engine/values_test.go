package engine

import (
	"math"
	"testing"
)

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		vt   ValueType
		want uint64
	}{
		{"5", ValueTypeI32, 5},
		{"-1", ValueTypeI32, 0xffffffff},
		{"4294967295", ValueTypeI32, 0xffffffff},
		{"0x10", ValueTypeI32, 16},
		{" 7 ", ValueTypeI64, 7},
		{"-1", ValueTypeI64, math.MaxUint64},
		{"1.5", ValueTypeF32, uint64(math.Float32bits(1.5))},
		{"-2.25", ValueTypeF64, math.Float64bits(-2.25)},
	}
	for _, tc := range tests {
		got, err := ParseValue(tc.in, tc.vt)
		if err != nil {
			t.Errorf("ParseValue(%q, %s): %v", tc.in, tc.vt, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseValue(%q, %s) = %#x, want %#x", tc.in, tc.vt, got, tc.want)
		}
	}

	for _, bad := range []struct {
		in string
		vt ValueType
	}{
		{"4294967296", ValueTypeI32},
		{"abc", ValueTypeI64},
		{"x", ValueTypeF64},
		{"1", ValueType(0x70)},
	} {
		if _, err := ParseValue(bad.in, bad.vt); err == nil {
			t.Errorf("ParseValue(%q, %s) succeeded", bad.in, bad.vt)
		}
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		v    uint64
		vt   ValueType
		want string
	}{
		{5, ValueTypeI32, "5"},
		{0xffffffff, ValueTypeI32, "-1"},
		{math.MaxUint64, ValueTypeI64, "-1"},
		{uint64(math.Float32bits(1.5)), ValueTypeF32, "1.5"},
		{math.Float64bits(-2.25), ValueTypeF64, "-2.25"},
	}
	for _, tc := range tests {
		if got := FormatValue(tc.v, tc.vt); got != tc.want {
			t.Errorf("FormatValue(%#x, %s) = %q, want %q", tc.v, tc.vt, got, tc.want)
		}
	}
}
