package bufpool

import "testing"

func TestAcquireRetainReleaseBalances(t *testing.T) {
	p, err := New(4, 1024)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	idx, ok := p.NextFree()
	if !ok {
		t.Fatal("expected a free slot")
	}
	if p.StateOf(idx) != StateKernelOwned {
		t.Fatalf("state = %v, want KernelOwned", p.StateOf(idx))
	}

	p.OnKernelSelected(idx, 7, 2)
	if p.StateOf(idx) != StateAppOwned || p.RefCount(idx) != 1 {
		t.Fatalf("after select: state=%v ref=%d", p.StateOf(idx), p.RefCount(idx))
	}

	// Fan out to two recipients: two retains, then three releases
	// (one per send completion, plus the initial recv reference).
	p.Retain(idx)
	p.Retain(idx)
	if got := p.RefCount(idx); got != 3 {
		t.Fatalf("ref after retains = %d, want 3", got)
	}

	p.Release(idx)
	p.Release(idx)
	if p.StateOf(idx) != StateAppOwned {
		t.Fatalf("slot returned early, state=%v", p.StateOf(idx))
	}
	p.Release(idx)
	if p.StateOf(idx) != StateFree {
		t.Fatalf("state after final release = %v, want Free", p.StateOf(idx))
	}

	idx2, ok := p.NextFree()
	if !ok || idx2 != idx {
		t.Fatalf("expected released slot %d to be reusable, got %d ok=%v", idx, idx2, ok)
	}
}

func TestPoolExhaustion(t *testing.T) {
	p, err := New(2, 1024)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a, ok := p.NextFree()
	if !ok {
		t.Fatal("expected slot a")
	}
	b, ok := p.NextFree()
	if !ok {
		t.Fatal("expected slot b")
	}
	if _, ok := p.NextFree(); ok {
		t.Fatal("pool should be exhausted")
	}

	p.OnKernelSelected(a, 1, 10)
	p.Release(a)

	idx, ok := p.NextFree()
	if !ok || idx != a {
		t.Fatalf("expected released slot %d reusable, got %d ok=%v", a, idx, ok)
	}
	_ = b
}

func TestReleaseClientReclaimsStuckBuffer(t *testing.T) {
	p, err := New(2, 1024)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	idx, _ := p.NextFree()
	p.OnKernelSelected(idx, 5, 4)
	p.Retain(idx) // simulate an in-flight send that never completes

	p.ReleaseClient(5)
	if p.StateOf(idx) != StateFree {
		t.Fatalf("state after ReleaseClient = %v, want Free", p.StateOf(idx))
	}
	if p.InUseCount() != 0 {
		t.Fatalf("InUseCount = %d, want 0", p.InUseCount())
	}
}
