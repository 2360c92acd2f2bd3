package session

import "testing"

func TestNextAvailableSessionPicksFewestMembers(t *testing.T) {
	r := NewRegistry(3)

	if id, err := r.NextAvailableSession(); err != nil || id != 0 {
		t.Fatalf("first pick = %d, %v; want session 0", id, err)
	}

	if _, _, err := r.Join(100, 0); err != nil {
		t.Fatalf("join: %v", err)
	}
	if id, err := r.NextAvailableSession(); err != nil || id != 1 {
		t.Fatalf("second pick = %d, %v; want session 1", id, err)
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	r := NewRegistry(2)

	if _, already, err := r.Join(1, 0); err != nil || already {
		t.Fatalf("first join: already=%v err=%v", already, err)
	}
	if _, already, err := r.Join(1, 0); err != nil || !already {
		t.Fatalf("second join: already=%v err=%v, want already=true", already, err)
	}

	members, ok := r.SessionMembers(0)
	if !ok || len(members) != 1 {
		t.Fatalf("members = %v, want exactly one", members)
	}
}

func TestJoinMovesBetweenSessions(t *testing.T) {
	r := NewRegistry(2)
	r.Join(1, 0)
	r.Join(1, 1)

	if members, _ := r.SessionMembers(0); len(members) != 0 {
		t.Fatalf("old session still has members: %v", members)
	}
	if members, _ := r.SessionMembers(1); len(members) != 1 {
		t.Fatalf("new session members = %v, want one", members)
	}
}

func TestJoinUnknownSessionFails(t *testing.T) {
	r := NewRegistry(1)
	if _, _, err := r.Join(1, 99); err == nil {
		t.Fatal("expected error joining unknown session")
	}
}

func TestActiveSessionsCountsOnlyNonEmpty(t *testing.T) {
	r := NewRegistry(3)
	if n := r.ActiveSessions(); n != 0 {
		t.Fatalf("ActiveSessions on fresh registry = %d, want 0", n)
	}

	r.Join(1, 0)
	r.Join(2, 1)
	if n := r.ActiveSessions(); n != 2 {
		t.Fatalf("ActiveSessions = %d, want 2", n)
	}

	r.Remove(1)
	if n := r.ActiveSessions(); n != 1 {
		t.Fatalf("ActiveSessions after remove = %d, want 1", n)
	}
}

func TestRemoveTwiceIsEquivalentToOnce(t *testing.T) {
	r := NewRegistry(1)
	r.Join(1, 0)

	if _, had := r.Remove(1); !had {
		t.Fatal("expected first remove to report hadSession=true")
	}
	if _, had := r.Remove(1); had {
		t.Fatal("expected second remove to report hadSession=false")
	}
	if members, _ := r.SessionMembers(0); len(members) != 0 {
		t.Fatalf("members after remove = %v, want none", members)
	}
}
