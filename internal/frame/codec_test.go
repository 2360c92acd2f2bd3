package frame

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		tag     Tag
		payload []byte
	}{
		{TagJOIN, []byte{0, 0, 0, 0}},
		{TagCHATIN, []byte("hi")},
		{TagACK, []byte("joined session:0")},
		{TagLEAVE, nil},
	}

	for _, c := range cases {
		wire := Encode(c.tag, c.payload)
		if len(wire) != Size {
			t.Fatalf("encoded size = %d, want %d", len(wire), Size)
		}

		got, n, err := Decode(wire)
		if err != nil {
			t.Fatalf("decode error: %v", err)
		}
		if n != Size {
			t.Fatalf("consumed = %d, want %d", n, Size)
		}
		if got.Tag != c.tag {
			t.Errorf("tag = %v, want %v", got.Tag, c.tag)
		}
		if int(got.Length) != len(c.payload) {
			t.Errorf("length = %d, want %d", got.Length, len(c.payload))
		}
		if !bytes.Equal(got.Payload, c.payload) {
			t.Errorf("payload = %q, want %q", got.Payload, c.payload)
		}
	}
}

func TestDecodeIncomplete(t *testing.T) {
	wire := Encode(TagCHATIN, []byte("hi"))
	for n := 0; n < Size; n++ {
		f, consumed, err := Decode(wire[:n])
		if f != nil || consumed != 0 || err != nil {
			t.Fatalf("Decode(%d bytes) = (%v, %d, %v), want (nil, 0, nil)", n, f, consumed, err)
		}
	}
}

func TestDecodeAlwaysSucceedsOnUnknownTag(t *testing.T) {
	wire := Encode(TagCHATIN, []byte("hi"))
	wire[0] = 0x00
	f, n, err := Decode(wire)
	if err != nil || f == nil || n != Size {
		t.Fatalf("decode tag 0x00: (%v, %d, %v)", f, n, err)
	}
	if valErr := f.Validate(); valErr != ErrUnknownTag {
		t.Fatalf("Validate tag 0x00 = %v, want ErrUnknownTag", valErr)
	}

	wire[0] = 0xFF
	f, _, err = Decode(wire)
	if err != nil || f == nil {
		t.Fatalf("decode tag 0xFF: (%v, %v)", f, err)
	}
	if valErr := f.Validate(); valErr != ErrUnknownTag {
		t.Fatalf("Validate tag 0xFF = %v, want ErrUnknownTag", valErr)
	}
}

func TestValidateBoundaryLengths(t *testing.T) {
	wire := Encode(TagCHATIN, make([]byte, 0))
	wire[1] = 0
	wire[2] = 0
	f, _, _ := Decode(wire)
	if err := f.Validate(); err != nil {
		t.Fatalf("length 0: unexpected error %v", err)
	}

	wire[1] = 0
	wire[2] = 2 // 512 little-endian
	f, _, _ = Decode(wire)
	if err := f.Validate(); err != nil {
		t.Fatalf("length 512: unexpected error %v", err)
	}

	wire[1] = 1
	wire[2] = 2 // 513 little-endian
	f, _, _ = Decode(wire)
	if err := f.Validate(); err != ErrOversizedPayload {
		t.Fatalf("length 513: err = %v, want ErrOversizedPayload", err)
	}
}

func TestTrailingBytesAreNextFrame(t *testing.T) {
	a := Encode(TagCHATIN, []byte("a"))
	b := Encode(TagCHATIN, []byte("b"))
	concat := append(append([]byte{}, a...), b...)

	first, n, err := Decode(concat)
	if err != nil || first == nil {
		t.Fatalf("decode first: %v %v", first, err)
	}
	if n != Size {
		t.Fatalf("consumed = %d, want %d", n, Size)
	}

	second, n2, err := Decode(concat[n:])
	if err != nil || second == nil {
		t.Fatalf("decode second: %v %v", second, err)
	}
	if n2 != Size {
		t.Fatalf("consumed2 = %d, want %d", n2, Size)
	}
	if string(second.Payload) != "b" {
		t.Fatalf("second payload = %q, want %q", second.Payload, "b")
	}
}
