// File: internal/session/registry.go
// Package session
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Registry is the process-wide directory mapping session id -> Session
// and client descriptor -> session id, serialized under a single mutex.
// It never touches a ring or a command queue itself: callers translate a
// successful Join/Remove into a command posted to the owning shard.

package session

import (
	"sync"

	"github.com/momentics/chatring/internal/errs"
)

// Registry assigns one Session per shard at construction time and tracks
// membership thereafter.
type Registry struct {
	mu       sync.Mutex
	sessions map[int32]*Session
	byClient map[int32]int32 // client fd -> session id
}

// NewRegistry creates one session per shard, with session id == shard
// index, matching "one session per shard" from the component design.
func NewRegistry(shardCount int) *Registry {
	r := &Registry{
		sessions: make(map[int32]*Session, shardCount),
		byClient: make(map[int32]int32),
	}
	for i := 0; i < shardCount; i++ {
		id := int32(i)
		r.sessions[id] = newSession(id, i)
	}
	return r
}

// NextAvailableSession returns the id of the session with the fewest
// current members, ties broken by lowest id.
func (r *Registry) NextAvailableSession() (int32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bestID := int32(-1)
	bestLen := -1
	for id := int32(0); id < int32(len(r.sessions)); id++ {
		s, ok := r.sessions[id]
		if !ok {
			continue
		}
		if bestLen == -1 || s.Len() < bestLen {
			bestID, bestLen = id, s.Len()
		}
	}
	if bestID == -1 {
		return 0, errs.New(errs.CodeFatal, "registry: no sessions configured")
	}
	return bestID, nil
}

// Join moves client into sessionID, removing it from any prior session
// first. It returns the shard id owning sessionID so the caller can post
// an AssignClient command to that shard's queue, and reports whether the
// client was already a member (idempotent JOIN).
func (r *Registry) Join(client int32, sessionID int32) (shardID int, alreadyMember bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.sessions[sessionID]
	if !ok {
		return 0, false, errs.ErrUnknownSession
	}

	if old, had := r.byClient[client]; had && old != sessionID {
		if s, ok := r.sessions[old]; ok {
			s.Remove(client)
		}
	}

	added := target.Add(client)
	r.byClient[client] = sessionID
	return target.ShardID, !added, nil
}

// Remove deletes client from its current session, if any. It returns the
// shard id that owned the session and whether the client had one.
func (r *Registry) Remove(client int32) (shardID int, hadSession bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, had := r.byClient[client]
	if !had {
		return 0, false
	}
	delete(r.byClient, client)

	s, ok := r.sessions[sessionID]
	if !ok {
		return 0, false
	}
	s.Remove(client)
	return s.ShardID, true
}

// SessionMembers returns a snapshot of sessionID's current member set.
func (r *Registry) SessionMembers(sessionID int32) ([]int32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return s.Snapshot(), true
}

// SessionOf returns the session id client currently belongs to.
func (r *Registry) SessionOf(client int32) (int32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byClient[client]
	return id, ok
}

// ShardOf returns the shard id that owns sessionID.
func (r *Registry) ShardOf(sessionID int32) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return 0, false
	}
	return s.ShardID, true
}

// ActiveSessions returns the number of sessions with at least one
// member, for the relay's debug probe surface.
func (r *Registry) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if s.Len() > 0 {
			n++
		}
	}
	return n
}
