//go:build linux

package ring

import "testing"

func TestUserDataRoundTrip(t *testing.T) {
	cases := []struct {
		client int32
		op     OpType
		bufIdx uint16
	}{
		{42, OpAccept, 0},
		{7, OpRead, 1234},
		{-1, OpWrite, 65535},
		{0, OpClose, 0},
	}

	for _, c := range cases {
		ud := EncodeUserData(c.client, c.op, c.bufIdx)
		got, err := DecodeUserData(ud)
		if err != nil {
			t.Fatalf("decode(%v): %v", c, err)
		}
		if got.Client != c.client || got.Op != c.op || got.BufIdx != c.bufIdx {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, c)
		}
	}
}

func TestDecodeUserDataRejectsUnknownOp(t *testing.T) {
	ud := EncodeUserData(1, OpType(0), 0)
	if _, err := DecodeUserData(ud); err == nil {
		t.Fatal("expected error for op tag 0")
	}

	ud = EncodeUserData(1, OpType(99), 0)
	if _, err := DecodeUserData(ud); err == nil {
		t.Fatal("expected error for op tag 99")
	}
}

func TestCompletionBufferAccessors(t *testing.T) {
	c := Completion{Flags: cqeFlagBuffer | cqeFlagMore | (5 << cqeBufferIdxShift)}
	if !c.HasBuffer() {
		t.Error("HasBuffer() = false, want true")
	}
	if !c.More() {
		t.Error("More() = false, want true")
	}
	if c.BufIndex() != 5 {
		t.Errorf("BufIndex() = %d, want 5", c.BufIndex())
	}
}
