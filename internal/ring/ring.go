// File: internal/ring/ring.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package ring wraps one kernel io_uring submission/completion queue pair.
// A Ring is confined to a single goroutine: the shard loop that owns it.
// The raw syscall and mmap plumbing here mirrors a real production
// io_uring client built directly on golang.org/x/sys/unix rather than a
// third-party io_uring binding, because the multishot-accept,
// multishot-recv, and provided-buffer-group surface this package needs is
// not something an unfamiliar published binding's API shape can be
// guessed at safely.

//go:build linux

package ring

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/momentics/chatring/internal/errs"
	"golang.org/x/sys/unix"
)

// Completion is the Go-native form of one dequeued CQE, decoded via
// DecodeUserData so shard dispatch never touches raw user_data bits.
type Completion struct {
	Ctx   OpContext
	Res   int32
	Flags uint32
}

// BufIndex extracts the provided-buffer index from a completion's flags,
// valid only when HasBuffer is true.
func (c Completion) BufIndex() uint16 {
	return uint16(c.Flags >> cqeBufferIdxShift)
}

// HasBuffer reports whether the kernel attached a provided-buffer index
// to this completion.
func (c Completion) HasBuffer() bool {
	return c.Flags&cqeFlagBuffer != 0
}

// More reports whether a multishot submission will continue generating
// completions (true) or has terminated and must be re-armed (false).
func (c Completion) More() bool {
	return c.Flags&cqeFlagMore != 0
}

// Ring owns one io_uring file descriptor plus its three mmap'd regions.
// multishot records whether this ring negotiated multishot accept/recv
// at setup time; when false, PrepareAccept/PrepareRecv submit single-shot
// operations and the shard loop re-arms from every completion instead of
// only on the terminal one. DisableMultishot additionally flips it off
// reactively, for a kernel that advertises the feature bit but still
// rejects the opcode flag on a live completion.
type Ring struct {
	fd     int
	params ioUringParams

	sqMmap  []byte
	cqMmap  []byte
	sqeMmap []byte

	sqHead    *uint32
	sqTail    *uint32
	sqMask    uint32
	sqArray   []uint32
	sqEntries []ioUringSQE

	cqHead *uint32
	cqTail *uint32
	cqMask uint32
	cqes   []ioUringCQE

	sqeTail uint32 // local shadow, not yet published to the kernel array

	bufGroupID uint16
	multishot  bool
	closed     bool
}

// Config controls ring sizing; zero values fall back to sane defaults.
type Config struct {
	SubmissionQueueDepth uint32
	BufferGroupID        uint16
}

// New creates and maps a ring. It first attempts the full feature set
// (SQPOLL-free, single-issuer, coop-taskrun) and retries with a reduced
// flag set if that setup call fails, the same probing idiom real io_uring clients use
// against kernels of differing vintage.
func New(cfg Config) (*Ring, error) {
	entries := cfg.SubmissionQueueDepth
	if entries == 0 {
		entries = 2048
	}

	var params ioUringParams
	params.Flags = setupFlagClamp | setupFlagCoopTaskrun | setupFlagSingleIssuer

	fd, err := setup(entries, &params)
	if err != nil {
		params.Flags = setupFlagClamp
		fd, err = setup(entries, &params)
		if err != nil {
			return nil, errs.Wrap(errs.CodeFatal, "ring: io_uring_setup failed", err)
		}
	}

	r := &Ring{fd: fd, params: params, bufGroupID: cfg.BufferGroupID}
	r.multishot = params.Features&featFastPoll != 0 && probeSupportsOps(fd, opAccept, opRecv)
	if err := r.mapRings(); err != nil {
		unix.Close(fd)
		return nil, errs.Wrap(errs.CodeFatal, "ring: mmap failed", err)
	}
	return r, nil
}

// probeSupportsOps asks the kernel, via IORING_REGISTER_PROBE, whether
// every op in ops is implemented on this kernel at all. It cannot see
// per-opcode flag support (ACCEPT_MULTISHOT and RECV_MULTISHOT reuse the
// base ACCEPT/RECV opcodes), so a true result is necessary but not
// sufficient for multishot support; Ring.DisableMultishot covers the
// remaining gap reactively, from a live completion's error.
func probeSupportsOps(fd int, ops ...uint8) bool {
	var probe ioUringProbe
	_, _, errno := unix.Syscall6(sysIoUringRegister, uintptr(fd), ioUringRegisterProbe,
		uintptr(unsafe.Pointer(&probe)), uintptr(len(probe.Ops)), 0, 0)
	if errno != 0 {
		return false
	}
	for _, op := range ops {
		if int(op) > int(probe.LastOp) {
			return false
		}
		if probe.Ops[op].Flags&ioUringOpSupported == 0 {
			return false
		}
	}
	return true
}

func setup(entries uint32, params *ioUringParams) (int, error) {
	r1, _, errno := unix.Syscall(sysIoUringSetup, uintptr(entries), uintptr(unsafe.Pointer(params)), 0)
	if errno != 0 {
		return 0, errno
	}
	return int(r1), nil
}

func (r *Ring) mapRings() error {
	pageSize := uint32(unix.Getpagesize())

	sqRingSize := alignUint32(r.params.SQOff.Array+r.params.SQEntries*4, pageSize)
	cqRingSize := alignUint32(r.params.CQOff.Cqes+r.params.CQEntries*cqEntrySize, pageSize)
	sqesSize := alignUint32(r.params.SQEntries*sqEntrySize, pageSize)

	sqMmap, err := unix.Mmap(r.fd, ioUringOffSQRing, int(sqRingSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap sq ring: %w", err)
	}
	cqMmap, err := unix.Mmap(r.fd, ioUringOffCQRing, int(cqRingSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqMmap)
		return fmt.Errorf("mmap cq ring: %w", err)
	}
	sqeMmap, err := unix.Mmap(r.fd, ioUringOffSQEs, int(sqesSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqMmap)
		unix.Munmap(cqMmap)
		return fmt.Errorf("mmap sqes: %w", err)
	}

	base := uintptr(unsafe.Pointer(&sqMmap[0]))
	r.sqHead = (*uint32)(unsafe.Pointer(base + uintptr(r.params.SQOff.Head)))
	r.sqTail = (*uint32)(unsafe.Pointer(base + uintptr(r.params.SQOff.Tail)))
	r.sqMask = *(*uint32)(unsafe.Pointer(base + uintptr(r.params.SQOff.RingMask)))

	arrPtr := (*uint32)(unsafe.Pointer(base + uintptr(r.params.SQOff.Array)))
	r.sqArray = unsafe.Slice(arrPtr, r.params.SQEntries)

	cqBase := uintptr(unsafe.Pointer(&cqMmap[0]))
	r.cqHead = (*uint32)(unsafe.Pointer(cqBase + uintptr(r.params.CQOff.Head)))
	r.cqTail = (*uint32)(unsafe.Pointer(cqBase + uintptr(r.params.CQOff.Tail)))
	r.cqMask = *(*uint32)(unsafe.Pointer(cqBase + uintptr(r.params.CQOff.RingMask)))

	cqesPtr := (*ioUringCQE)(unsafe.Pointer(cqBase + uintptr(r.params.CQOff.Cqes)))
	r.cqes = unsafe.Slice(cqesPtr, r.params.CQEntries)

	sqesPtr := (*ioUringSQE)(unsafe.Pointer(&sqeMmap[0]))
	r.sqEntries = unsafe.Slice(sqesPtr, r.params.SQEntries)

	r.sqMmap, r.cqMmap, r.sqeMmap = sqMmap, cqMmap, sqeMmap
	r.sqeTail = atomic.LoadUint32(r.sqTail)

	runtime.KeepAlive(sqMmap)
	runtime.KeepAlive(cqMmap)
	runtime.KeepAlive(sqeMmap)
	return nil
}

// getSQE returns the next free submission slot, or false if the
// submission queue is full. Per the spec's retry contract, callers must
// flush pending submissions and retry exactly once before treating this
// as fatal.
func (r *Ring) getSQE() (*ioUringSQE, bool) {
	head := atomic.LoadUint32(r.sqHead)
	if r.sqeTail-head >= r.params.SQEntries {
		return nil, false
	}
	idx := r.sqeTail & r.sqMask
	sqe := &r.sqEntries[idx]
	*sqe = ioUringSQE{}
	r.sqArray[idx] = idx
	r.sqeTail++
	return sqe, true
}

func (r *Ring) prepare(fn func() (*ioUringSQE, bool)) (*ioUringSQE, error) {
	if r.closed {
		return nil, errs.ErrRingClosed
	}
	sqe, ok := fn()
	if ok {
		return sqe, nil
	}
	if _, err := r.Submit(); err != nil {
		return nil, err
	}
	sqe, ok = fn()
	if !ok {
		return nil, errs.New(errs.CodeFatal, "ring: no submission queue entry available after flush")
	}
	return sqe, nil
}

// Submit publishes every prepared-but-unsubmitted SQE to the kernel
// without waiting for completions.
func (r *Ring) Submit() (int, error) {
	return r.enter(0, 0)
}

// SubmitAndWait publishes pending submissions and blocks until at least
// minComplete completions are available, retrying transparently on EINTR.
func (r *Ring) SubmitAndWait(minComplete uint32) (int, error) {
	for {
		n, err := r.enter(minComplete, enterFlagGetEvents)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

func (r *Ring) enter(minComplete uint32, flags uint32) (int, error) {
	toSubmit := r.sqeTail - atomic.LoadUint32(r.sqTail)
	if toSubmit > 0 {
		atomic.StoreUint32(r.sqTail, r.sqeTail)
	}

	r1, _, errno := unix.Syscall6(sysIoUringEnter,
		uintptr(r.fd), uintptr(toSubmit), uintptr(minComplete), uintptr(flags), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(r1), nil
}

// PeekCompletions copies up to len(out) decodable completions without
// advancing the completion queue. It returns filled, the number of
// entries written to out, and scanned, the number of CQEs it walked past
// to find them (filled plus however many carried an undecodable
// user_data tag, such as a provide-buffers completion). The caller must
// call Advance(scanned), not Advance(filled): every CQE walked past here
// must be retired from the kernel's view or it is re-peeked, and
// whatever real completion follows it, re-dispatched, on the next call.
func (r *Ring) PeekCompletions(out []Completion) (filled, scanned int) {
	head := atomic.LoadUint32(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)

	for head != tail && filled < len(out) {
		cqe := &r.cqes[head&r.cqMask]
		ctx, err := DecodeUserData(cqe.UserData)
		head++
		scanned++
		if err != nil {
			continue
		}
		out[filled] = Completion{Ctx: ctx, Res: cqe.Res, Flags: cqe.Flags}
		filled++
	}
	return filled, scanned
}

// Advance releases the first n CQEs back to the kernel. n must be the
// scanned count PeekCompletions returned, not the filled count.
func (r *Ring) Advance(n int) {
	if n <= 0 {
		return
	}
	atomic.AddUint32(r.cqHead, uint32(n))
}

// Close unmaps every ring region and closes the io_uring file descriptor.
func (r *Ring) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	unix.Munmap(r.sqMmap)
	unix.Munmap(r.cqMmap)
	unix.Munmap(r.sqeMmap)
	return unix.Close(r.fd)
}

// SupportsMultishot reports whether this ring currently believes the
// kernel honors IORING_ACCEPT_MULTISHOT / IORING_RECV_MULTISHOT. It can
// go from true to false at runtime; see DisableMultishot.
func (r *Ring) SupportsMultishot() bool { return r.multishot }

// DisableMultishot switches the ring to single-shot accept/recv for
// every future submission. Called once a live completion reports the
// multishot opcode flag was rejected, so a kernel that advertises fast
// poll support but still lacks multishot accept/recv degrades instead of
// spinning on the same failing submission forever.
func (r *Ring) DisableMultishot() { r.multishot = false }
