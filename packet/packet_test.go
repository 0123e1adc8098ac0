// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package packet_test

import (
	"errors"
	"io"
	"testing"

	"github.com/creachadair/parley/packet"
	"github.com/google/go-cmp/cmp"
)

func TestVint30(t *testing.T) {
	tests := []struct {
		input packet.Vint30
		want  string
	}{
		// Single-byte encodings.
		{0, "\x00"},
		{2, "\x08"},
		{63, "\xfc"},

		// Two-byte encodings.
		{64, "\x01\x01"},
		{500, "\xd1\x07"},
		{16383, "\xfd\xff"},

		// Three-byte encodings.
		{16384, "\x02\x00\x01"},
		{1048576, "\x02\x00\x40"},

		// Four-byte encodings.
		{20000000, "\x03\xb4\xc4\x04"},
		{1073741823, "\xff\xff\xff\xff"}, // maximum supported value
	}

	var packed []byte
	for _, tc := range tests {
		got := tc.input.Append(nil)
		if string(got) != tc.want {
			t.Errorf("Encode %d: got %v, want %v", tc.input, got, []byte(tc.want))
		}
		if n := tc.input.Size(); n != len(tc.want) {
			t.Errorf("Size %d: got %d, want %d", tc.input, n, len(tc.want))
		}
		packed = tc.input.Append(packed) // see below

		// Make sure the value round-trips individually.
		s := packet.NewScanner(got)
		cmp, err := s.Vint30()
		if err != nil {
			t.Errorf("Scan: unexpected error: %v", err)
		} else if packet.Vint30(cmp) != tc.input {
			t.Errorf("Scan: got %v, want %v", cmp, tc.input)
		}
	}

	// Now decode the accumulated results to verify self-framing.
	t.Logf("Packed: %v", packed)
	s := packet.NewScanner(packed)
	var i int
	for s.Len() != 0 {
		got, err := s.Vint30()
		if err != nil {
			t.Fatalf("Invalid encoding at offset %d (%v)", s.Offset(), s.Rest())
		} else if i > len(tests) {
			t.Errorf("Index %d: got extra value %d (%v)", i, got, s.Rest())
		} else if packet.Vint30(got) != tests[i].input {
			t.Errorf("Index %d: got %v, want %v", i, got, tests[i].input)
		}
		i++
	}

	if packet.Vint30(packet.MaxVint30 + 1).Size() != -1 {
		t.Error("Size of an out-of-range value should be -1")
	}
}

func TestBuilder(t *testing.T) {
	var b packet.Builder
	b.Bool(false)
	b.Put(7, 1)
	b.Uint16(0x1234)
	b.Uint32(0x00c0ffee)
	b.Uint64(0x0102030405060708)
	b.Int64(-2)
	b.Vint30(300)
	b.VPutString("melon")
	b.VPut([]byte("fig"))
	b.PutString("plugh")

	const want = "\x00\x07\x01\x12\x34\x00\xc0\xff\xee" +
		"\x01\x02\x03\x04\x05\x06\x07\x08" + // uint64
		"\xff\xff\xff\xff\xff\xff\xff\xfe" + // int64
		"\xb1\x04\x14melon\x0cfigplugh"

	if n := b.Len(); n != len(want) {
		t.Errorf("Len = %d, want %d", n, len(want))
	}
	if string(b.Bytes()) != want {
		t.Errorf("Bytes = %q, want %q", b.Bytes(), want)
	}

	s := packet.NewScanner(b.Bytes())
	check(t, "Bool", s.Bool, false)
	check(t, "Byte 1", s.Byte, 7)
	check(t, "Byte 2", s.Byte, 1)
	check(t, "Uint16", s.Uint16, 0x1234)
	check(t, "Uint32", s.Uint32, 0x00c0ffee)
	check(t, "Uint64", s.Uint64, 0x0102030405060708)
	check(t, "Int64", s.Int64, -2)
	check(t, "Vint30", s.Vint30, 300)
	check(t, "VString", func() (string, error) { return packet.VGet[string](s) }, "melon")
	check(t, "VBytes", func() ([]byte, error) { return packet.VGet[[]byte](s) }, []byte("fig"))
	check(t, "Literal", func() (string, error) { return packet.Get[string](s, 5) }, "plugh")

	if s.Len() != 0 {
		t.Errorf("Extra data at EOF (%d bytes): %q", s.Len(), s.Rest())
	}
}

func TestScannerTruncated(t *testing.T) {
	s := packet.NewScanner("\x12") // half a uint16
	if v, err := s.Uint16(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Uint16: got (%v, %v), want ErrUnexpectedEOF", v, err)
	}

	s = packet.NewScanner("\x14abc") // 5-byte string, 3 bytes available
	if v, err := packet.VGet[string](s); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("VGet: got (%q, %v), want ErrUnexpectedEOF", v, err)
	}

	s = packet.NewScanner("\x03\xb4") // 4-byte vint30, 2 bytes available
	if v, err := s.Vint30(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Vint30: got (%v, %v), want ErrUnexpectedEOF", v, err)
	}

	s = packet.NewScanner("")
	if _, err := s.Vint30(); err != io.EOF {
		t.Errorf("Vint30 at EOF: got %v, want io.EOF", err)
	}
}

func check[T any](t *testing.T, label string, f func() (T, error), want T) {
	t.Helper()

	got, err := f()
	if err != nil {
		t.Errorf("%s: unexpected error: %v", label, err)
	} else if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("%s result (-got, +want):\n%s", label, diff)
	}
}
