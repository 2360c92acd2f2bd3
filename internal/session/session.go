// File: internal/session/session.go
// Package session
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Session models a chat room and the process-wide directory that assigns
// clients to rooms. A Session's member set is mutated only through the
// Registry, under its single mutex, which guards both the directory and
// the member sets it points at.

package session

// Session is a chat room: an ordered set of member client descriptors,
// all serviced by the same shard's ring. Mutation methods are called only
// by the Registry while it holds its mutex.
type Session struct {
	ID      int32
	ShardID int

	members []int32
}

func newSession(id int32, shardID int) *Session {
	return &Session{ID: id, ShardID: shardID}
}

// Add appends client if it is not already a member. Returns false if the
// client was already present (idempotent JOIN per the spec's invariant).
func (s *Session) Add(client int32) bool {
	for _, c := range s.members {
		if c == client {
			return false
		}
	}
	s.members = append(s.members, client)
	return true
}

// Remove deletes client from the member set if present.
func (s *Session) Remove(client int32) bool {
	for i, c := range s.members {
		if c == client {
			s.members = append(s.members[:i], s.members[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the current member count.
func (s *Session) Len() int { return len(s.members) }

// Snapshot copies the current member set, so broadcast fan-out can
// iterate it after the registry's lock has been released.
func (s *Session) Snapshot() []int32 {
	out := make([]int32, len(s.members))
	copy(out, s.members)
	return out
}
