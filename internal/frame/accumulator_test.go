package frame

import "testing"

func TestAccumulatorFeedsSplitRecordAcrossTwoChunks(t *testing.T) {
	wire := Encode(TagCHATIN, []byte("hello"))

	var a Accumulator
	got, err := a.Feed(wire[:300])
	if err != nil {
		t.Fatalf("feed first chunk: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no complete frames yet, got %d", len(got))
	}
	if a.Pending() != 300 {
		t.Fatalf("pending = %d, want 300", a.Pending())
	}

	got, err = a.Feed(wire[300:])
	if err != nil {
		t.Fatalf("feed remainder: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one complete frame, got %d", len(got))
	}
	if string(got[0].Payload) != "hello" {
		t.Fatalf("payload = %q, want %q", got[0].Payload, "hello")
	}
	if a.Pending() != 0 {
		t.Fatalf("pending after full frame = %d, want 0", a.Pending())
	}
}

func TestAccumulatorFeedsMultipleRecordsFromOneChunk(t *testing.T) {
	a1 := Encode(TagCHATIN, []byte("one"))
	a2 := Encode(TagCHATIN, []byte("two"))
	combined := append(append([]byte{}, a1...), a2...)

	var acc Accumulator
	got, err := acc.Feed(combined)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected two complete frames, got %d", len(got))
	}
	if string(got[0].Payload) != "one" || string(got[1].Payload) != "two" {
		t.Fatalf("unexpected payloads: %q, %q", got[0].Payload, got[1].Payload)
	}
}

func TestAccumulatorLeavesTrailingPartialBuffered(t *testing.T) {
	a1 := Encode(TagCHATIN, []byte("full"))
	partial := a1
	chunk := append(append([]byte{}, partial...), []byte{0x13, 0x02, 0x00}...)

	var acc Accumulator
	got, err := acc.Feed(chunk)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one complete frame, got %d", len(got))
	}
	if acc.Pending() != 3 {
		t.Fatalf("pending = %d, want 3", acc.Pending())
	}
}
