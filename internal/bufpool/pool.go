// File: internal/bufpool/pool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package bufpool implements the reference-counted, kernel-registered
// buffer slot pool each shard owns. A Pool is confined to the single
// goroutine driving its shard's ring; none of its methods take a lock,
// matching the single-threaded-shard ownership rule.

package bufpool

import (
	"fmt"
	"time"

	"github.com/momentics/chatring/internal/errs"
)

// State is the lifecycle position of one slot: Free (unpublished),
// KernelOwned (handed to the ring's provided-buffer group, awaiting
// selection), or AppOwned (selected by a completion, in_use, ref_count>=1).
type State int8

const (
	StateFree State = iota
	StateKernelOwned
	StateAppOwned
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateKernelOwned:
		return "kernel_owned"
	case StateAppOwned:
		return "app_owned"
	default:
		return "invalid"
	}
}

type slot struct {
	state       State
	client      int32 // owning client descriptor while AppOwned; -1 otherwise
	allocatedAt time.Time
	bytesUsed   int
	totalUses   uint64
	refCount    int32
}

// Pool owns one contiguous region of Count*SlotSize bytes, carved into
// fixed-size slots addressed only by index.
type Pool struct {
	region   []byte
	slotSize int
	count    int
	slots    []slot

	// free holds indices currently in State Free, available to be
	// (re)published to the ring's provided-buffer group.
	free []uint16

	// byClient maps an owning client descriptor to its current AppOwned
	// slot index, supporting FindByClient / end-of-stream cleanup.
	byClient map[int32]uint16
}

// New allocates a pool of count slots of slotSize bytes each. count must be
// a power of two not exceeding 32768; slotSize must be at least frame.Size.
func New(count, slotSize int) (*Pool, error) {
	if count <= 0 || count&(count-1) != 0 || count > 32768 {
		return nil, errs.New(errs.CodeFatal, fmt.Sprintf("bufpool: count %d must be a power of two <= 32768", count))
	}
	if slotSize <= 0 {
		return nil, errs.New(errs.CodeFatal, "bufpool: slotSize must be positive")
	}

	p := &Pool{
		region:   make([]byte, count*slotSize),
		slotSize: slotSize,
		count:    count,
		slots:    make([]slot, count),
		free:     make([]uint16, count),
		byClient: make(map[int32]uint16, count),
	}
	for i := 0; i < count; i++ {
		p.slots[i].client = -1
		p.free[i] = uint16(i)
	}
	return p, nil
}

// Count returns the number of slots in the pool.
func (p *Pool) Count() int { return p.count }

// SlotSize returns the byte size of each slot.
func (p *Pool) SlotSize() int { return p.slotSize }

// Addr returns the byte-slice view of slot idx's full capacity. Callers
// must not retain this slice past the slot's return to Free.
func (p *Pool) Addr(idx uint16) []byte {
	off := int(idx) * p.slotSize
	return p.region[off : off+p.slotSize]
}

// NextFree pops one Free-state slot index, removing it from the free list
// so it can be published to the ring's provided-buffer group. Returns
// false if the pool is exhausted.
func (p *Pool) NextFree() (uint16, bool) {
	if len(p.free) == 0 {
		return 0, false
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.slots[idx].state = StateKernelOwned
	return idx, true
}

// OnKernelSelected records that the kernel (or the non-uring fallback path)
// chose slot idx to receive data for client. It transitions the slot from
// KernelOwned to AppOwned with ref_count=1, per the single initial retain
// every received frame starts with.
func (p *Pool) OnKernelSelected(idx uint16, client int32, bytesUsed int) {
	s := &p.slots[idx]
	s.state = StateAppOwned
	s.client = client
	s.allocatedAt = time.Now()
	s.bytesUsed = bytesUsed
	s.totalUses++
	s.refCount = 1
	if client >= 0 {
		p.byClient[client] = idx
	}
}

// Retain increments idx's reference count. Called once per outgoing send
// that borrows the slot during fan-out.
func (p *Pool) Retain(idx uint16) {
	p.slots[idx].refCount++
}

// Release decrements idx's reference count. When it reaches zero and the
// slot was in use, the slot's metadata is cleared and it is returned to
// the free list for republishing to the ring.
func (p *Pool) Release(idx uint16) {
	s := &p.slots[idx]
	if s.refCount <= 0 {
		return
	}
	s.refCount--
	if s.refCount > 0 || s.state != StateAppOwned {
		return
	}

	if s.client >= 0 {
		delete(p.byClient, s.client)
	}
	s.state = StateFree
	s.client = -1
	s.bytesUsed = 0
	p.free = append(p.free, idx)
}

// BytesUsed returns the number of significant bytes the kernel reported
// for slot idx's most recent selection.
func (p *Pool) BytesUsed(idx uint16) int { return p.slots[idx].bytesUsed }

// ClientOf returns the client descriptor currently attributed to idx, or -1.
func (p *Pool) ClientOf(idx uint16) int32 { return p.slots[idx].client }

// RefCount returns idx's current reference count, for tests and debug probes.
func (p *Pool) RefCount(idx uint16) int32 { return p.slots[idx].refCount }

// StateOf returns idx's current lifecycle state, for tests and debug probes.
func (p *Pool) StateOf(idx uint16) State { return p.slots[idx].state }

// FindByClient returns the AppOwned slot index currently attributed to
// client, if any.
func (p *Pool) FindByClient(client int32) (uint16, bool) {
	idx, ok := p.byClient[client]
	return idx, ok
}

// ReleaseClient releases the slot currently attributed to client (the one
// FindByClient reports, i.e. its most recent selection), regardless of
// ref_count. Used on end-of-stream / close cleanup so a disconnecting
// client does not leave that buffer stuck at ref_count>0.
func (p *Pool) ReleaseClient(client int32) {
	idx, ok := p.byClient[client]
	if !ok {
		return
	}
	s := &p.slots[idx]
	delete(p.byClient, client)
	s.state = StateFree
	s.client = -1
	s.refCount = 0
	s.bytesUsed = 0
	p.free = append(p.free, idx)
}

// InUseCount returns the number of slots currently in AppOwned state,
// used by the shutdown-drain testable property.
func (p *Pool) InUseCount() int {
	n := 0
	for i := range p.slots {
		if p.slots[i].state == StateAppOwned {
			n++
		}
	}
	return n
}
