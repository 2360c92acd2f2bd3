// File: internal/cmdqueue/queue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package cmdqueue implements the per-shard command handoff queue: the
// many-producer, single-consumer channel by which the listener shard and
// sibling session shards ask the owning shard to touch its own ring and
// sessions, without ever touching them directly themselves.
package cmdqueue

import (
	"sync"

	"github.com/eapache/queue"
	"github.com/momentics/chatring/internal/errs"
)

// Kind identifies the command carried by a Command value.
type Kind int

const (
	// AssignClient asks the owning shard to adopt a freshly accepted
	// client into the named session: arm recv and emit the join notice.
	AssignClient Kind = iota
	// LeaveSession tells the shard owning a client's former session that
	// the client has left, so it reclaims any buffer still attributed to
	// that client. The poster has already removed the client from the
	// registry; it is typically posted from a different shard's
	// completion-dispatch path when a LEAVE frame or disconnect fires.
	LeaveSession
	// Shutdown asks the shard loop to stop accepting new work and exit
	// after dispatching whatever completions are already queued.
	Shutdown
)

// Command is one entry on a shard's inbound queue.
type Command struct {
	Kind      Kind
	ClientFD  int32
	SessionID int32
}

// Queue is a mutex-guarded FIFO backed by a ring-buffer queue, safe for
// concurrent Push from many producer goroutines and drained by exactly one
// consumer: the shard loop that owns it.
type Queue struct {
	mu       sync.Mutex
	q        *queue.Queue
	capacity int
}

// New creates a Queue bounded at capacity entries. Push returns
// errs.ErrCommandQueueFull once that bound is reached; backpressure here
// is intentional, since the owning shard is expected to drain promptly
// between completion batches.
func New(capacity int) *Queue {
	return &Queue{q: queue.New(), capacity: capacity}
}

// Push enqueues cmd. Safe to call from any goroutine.
func (cq *Queue) Push(cmd Command) error {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if cq.capacity > 0 && cq.q.Length() >= cq.capacity {
		return errs.ErrCommandQueueFull
	}
	cq.q.Add(cmd)
	return nil
}

// DrainAll removes and returns every command currently queued, in FIFO
// order, leaving the queue empty. Intended to be called once per shard
// loop iteration between completion batches.
func (cq *Queue) DrainAll() []Command {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	n := cq.q.Length()
	if n == 0 {
		return nil
	}
	out := make([]Command, n)
	for i := 0; i < n; i++ {
		out[i] = cq.q.Remove().(Command)
	}
	return out
}

// Len reports the number of commands currently queued, for debug probes.
func (cq *Queue) Len() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return cq.q.Length()
}
