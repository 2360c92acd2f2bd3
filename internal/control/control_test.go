package control_test

import (
	"testing"

	"github.com/momentics/chatring/internal/control"
)

func TestSurfaceRegisterAndSnapshot(t *testing.T) {
	s := control.NewSurface()
	s.RegisterProbe("frames", func() any { return 3 })
	s.RegisterProbe("shards", func() any { return 2 })

	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot len = %d, want 2", len(snap))
	}
	if snap["frames"] != 3 || snap["shards"] != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestSurfaceProbeLookup(t *testing.T) {
	s := control.NewSurface()
	if _, ok := s.Probe("missing"); ok {
		t.Fatal("expected lookup of unregistered probe to fail")
	}

	s.RegisterProbe("count", func() any { return 7 })
	v, ok := s.Probe("count")
	if !ok || v != 7 {
		t.Fatalf("Probe(count) = %v, %v, want 7, true", v, ok)
	}
}

func TestSurfaceProbeReflectsLiveState(t *testing.T) {
	s := control.NewSurface()
	n := 0
	s.RegisterProbe("n", func() any { return n })

	n = 5
	v, _ := s.Probe("n")
	if v != 5 {
		t.Fatalf("probe did not observe live value, got %v", v)
	}
}
