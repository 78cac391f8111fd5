package meter

import (
	"math"
	"testing"
)

func TestULEB128(t *testing.T) {
	tests := []struct {
		want []byte
		v    uint64
	}{
		{[]byte{0x00}, 0},
		{[]byte{0x7f}, 127},
		{[]byte{0x80, 0x01}, 128},
		{[]byte{0xe5, 0x8e, 0x26}, 624485},
	}

	for _, tt := range tests {
		got := appendULEB128(nil, tt.v)
		if string(got) != string(tt.want) {
			t.Errorf("appendULEB128(%d) = %x, want %x", tt.v, got, tt.want)
		}
		back, err := newReader(got).u64()
		if err != nil || back != tt.v {
			t.Errorf("u64(%x) = %d, %v", got, back, err)
		}
	}
}

func TestSLEB128(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 63, 64, -64, -65, 100_000, math.MinInt64, math.MaxInt64} {
		enc := appendSLEB128(nil, v)
		got, err := newReader(enc).s64()
		if err != nil {
			t.Fatalf("s64(%x): %v", enc, err)
		}
		if got != v {
			t.Errorf("round trip %d: got %d", v, got)
		}
	}
}

func TestReader_Errors(t *testing.T) {
	if _, err := newReader([]byte{0x80}).u32(); err != errTruncated {
		t.Errorf("truncated u32: err = %v", err)
	}
	if _, err := newReader([]byte{0xff, 0xff, 0xff, 0xff, 0x0f}).u32(); err != nil {
		t.Errorf("max u32 should decode: %v", err)
	}
	if _, err := newReader([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x01}).u64(); err != errOverflow {
		t.Errorf("overlong: err = %v", err)
	}
	if _, err := newReader([]byte{0x02, 0xff, 0xfe}).name(); err == nil {
		t.Error("invalid UTF-8 name accepted")
	}
}

func TestScanInstr_Unsupported(t *testing.T) {
	// try (exception handling)
	if _, err := scanInstr(newReader([]byte{0x06, 0x40})); err == nil {
		t.Error("exception handling opcode accepted")
	}
	// struct.new (GC)
	if _, err := scanInstr(newReader([]byte{0xFB, 0x00, 0x00})); err == nil {
		t.Error("GC opcode accepted")
	}
}

func TestScanInstr_Immediates(t *testing.T) {
	tests := []struct {
		name string
		code []byte
	}{
		{"br_table", []byte{0x0E, 0x02, 0x00, 0x01, 0x02}},
		{"i32.load offset", []byte{0x28, 0x02, 0x80, 0x01}},
		{"memory.copy", []byte{0xFC, 0x0A, 0x00, 0x00}},
		{"v128.const", append([]byte{0xFD, 0x0C}, make([]byte, 16)...)},
		{"i8x16.extract_lane_s", []byte{0xFD, 0x15, 0x03}},
		{"v128.load8_lane", []byte{0xFD, 0x54, 0x00, 0x00, 0x01}},
		{"atomic.fence", []byte{0xFE, 0x03, 0x00}},
		{"i32.atomic.load", []byte{0xFE, 0x10, 0x02, 0x00}},
		{"select t", []byte{0x1C, 0x01, 0x7F}},
		{"f64.const", []byte{0x44, 0, 0, 0, 0, 0, 0, 0xf0, 0x3f}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newReader(tt.code)
			if _, err := scanInstr(r); err != nil {
				t.Fatalf("scanInstr: %v", err)
			}
			if !r.done() {
				t.Errorf("consumed %d of %d bytes", r.pos, len(tt.code))
			}
		})
	}
}
