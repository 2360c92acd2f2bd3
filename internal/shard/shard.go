// File: internal/shard/shard.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package shard drives one worker: a single goroutine pinned to its own
// OS thread, owning exactly one ring, one buffer pool, and a disjoint set
// of sessions. All cross-shard mutation happens through the shard's
// command queue; nothing outside this goroutine ever touches its ring or
// pool directly.

//go:build linux

package shard

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/momentics/chatring/internal/bufpool"
	"github.com/momentics/chatring/internal/cmdqueue"
	"github.com/momentics/chatring/internal/errs"
	"github.com/momentics/chatring/internal/frame"
	"github.com/momentics/chatring/internal/logging"
	"github.com/momentics/chatring/internal/protocol"
	"github.com/momentics/chatring/internal/ring"
	"github.com/momentics/chatring/internal/session"
	"golang.org/x/sys/unix"
)

// Config controls one shard's sizing; it is copied out of relay.Config
// by the caller that constructs every shard.
type Config struct {
	ID                   int
	BufferCount          int
	BufferSize           int
	SubmissionQueueDepth uint32
	CommandQueueDepth    int
	CompletionBatch      int
	EchoSender           bool
	// ListenFD is nonzero only for the dedicated listener shard: the one
	// worker that owns the accepting socket and runs multishot accept.
	ListenFD int32
}

// Shard owns one ring, one buffer pool, and a slice of the process-wide
// registry's sessions. It implements protocol.ShardAPI so the stateless
// Handler can dispatch into it without depending on the ring or pool
// types directly.
type Shard struct {
	cfg Config
	log *logging.Logger

	r    *ring.Ring
	pool *bufpool.Pool
	reg  *session.Registry
	cmds *cmdqueue.Queue

	handler *protocol.Handler
	shards  []*cmdqueue.Queue // indexed by shard id, for cross-shard posts

	// accumulators holds one frame.Accumulator per client currently
	// owned by this shard, reassembling records split across recv
	// completions.
	accumulators map[int32]*frame.Accumulator

	// releasing holds clients whose recv ownership is being handed off to
	// another shard: their outstanding recv has been cancelled but the
	// resulting completion(s) are still in flight, so onRead must drop
	// them quietly instead of treating the cancellation as a disconnect.
	releasing map[int32]bool

	// sendErrors counts consecutive failed sends per recipient. A single
	// failed send is logged only; the connection is torn down once the
	// count reaches maxConsecutiveSendErrors.
	sendErrors map[int32]int

	listenFD int32 // set only on the dedicated listener shard
	stopping bool

	// Counters below are written only from this shard's own goroutine
	// but read from Stats by the relay's debug probe surface, so every
	// access is atomic rather than plain.
	acceptedTotal   uint64
	framesTotal     uint64
	droppedTotal    uint64
	disconnectTotal uint64
	buffersInUse    int64
}

// Stats is a point-in-time snapshot of one shard's counters, safe to
// read from any goroutine via Shard.Stats.
type Stats struct {
	Accepted     uint64
	Frames       uint64
	Dropped      uint64
	Disconnects  uint64
	BuffersInUse int64
	QueueDepth   int
}

// Stats implements the debug-probe surface's per-shard reporter. It
// touches no ring or pool state directly: BuffersInUse is a snapshot
// the shard loop itself refreshed on its last iteration, and QueueDepth
// comes from the command queue's own mutex, not the shard's.
func (s *Shard) Stats() Stats {
	return Stats{
		Accepted:     atomic.LoadUint64(&s.acceptedTotal),
		Frames:       atomic.LoadUint64(&s.framesTotal),
		Dropped:      atomic.LoadUint64(&s.droppedTotal),
		Disconnects:  atomic.LoadUint64(&s.disconnectTotal),
		BuffersInUse: atomic.LoadInt64(&s.buffersInUse),
		QueueDepth:   s.cmds.Len(),
	}
}

// New builds a shard with its own ring and buffer pool. reg is the
// process-wide registry; shards is the full set of per-shard command
// queues (including this shard's own, at index cfg.ID), so PostCommand
// can address any sibling.
func New(cfg Config, log *logging.Logger, reg *session.Registry, shards []*cmdqueue.Queue) (*Shard, error) {
	r, err := ring.New(ring.Config{SubmissionQueueDepth: cfg.SubmissionQueueDepth, BufferGroupID: uint16(cfg.ID)})
	if err != nil {
		return nil, errs.Wrap(errs.CodeFatal, "shard: ring init failed", err).WithContext("shard", cfg.ID)
	}
	pool, err := bufpool.New(cfg.BufferCount, cfg.BufferSize)
	if err != nil {
		r.Close()
		return nil, errs.Wrap(errs.CodeFatal, "shard: buffer pool init failed", err).WithContext("shard", cfg.ID)
	}

	s := &Shard{
		cfg:          cfg,
		log:          log.With("shard", cfg.ID),
		r:            r,
		pool:         pool,
		reg:          reg,
		cmds:         shards[cfg.ID],
		handler:      protocol.New(),
		shards:       shards,
		accumulators: make(map[int32]*frame.Accumulator),
		releasing:    make(map[int32]bool),
		sendErrors:   make(map[int32]int),
		listenFD:     cfg.ListenFD,
	}
	return s, nil
}

// maxConsecutiveSendErrors bounds how many back-to-back failed sends a
// recipient tolerates before the shard tears down its connection. A
// single dropped send is transient and logged only.
const maxConsecutiveSendErrors = 3

// ID implements protocol.ShardAPI.
func (s *Shard) ID() int { return s.cfg.ID }

// Registry implements protocol.ShardAPI.
func (s *Shard) Registry() *session.Registry { return s.reg }

// EchoSender implements protocol.ShardAPI.
func (s *Shard) EchoSender() bool { return s.cfg.EchoSender }

// PostCommand implements protocol.ShardAPI, handing cmd to shardID's
// queue. Safe to call from any goroutine, including this shard's own.
func (s *Shard) PostCommand(shardID int, cmd cmdqueue.Command) error {
	if shardID < 0 || shardID >= len(s.shards) {
		return errs.New(errs.CodeFatal, "shard: command addressed to unknown shard").WithContext("shard", shardID)
	}
	return s.shards[shardID].Push(cmd)
}

// ArmRecv implements protocol.ShardAPI: publishes a fresh pool slot and
// arms a recv for client on this shard's ring. Used for the first recv
// on a newly assigned client; subsequent buffer replenishment for a
// live multishot recv happens per-completion in onRead, independent of
// re-arming the submission itself.
func (s *Shard) ArmRecv(client int32) error {
	if s.stopping {
		return errs.ErrShardStopped
	}
	if err := s.replenishBuffer(); err != nil {
		return err
	}
	return s.r.PrepareRecv(client)
}

// replenishBuffer publishes one fresh pool slot to the ring's
// provided-buffer group without touching any recv submission. A live
// multishot recv keeps consuming buffers from the group across many
// completions without the app re-issuing PrepareRecv, so the group must
// be topped up on every consumed buffer, not only when the recv itself
// needs re-arming.
func (s *Shard) replenishBuffer() error {
	idx, ok := s.pool.NextFree()
	if !ok {
		return errs.ErrNoBuffer
	}
	addr := unsafe.Pointer(&s.pool.Addr(idx)[0])
	return s.r.ProvideBuffer(addr, uint32(s.pool.SlotSize()), idx)
}

// ReleaseClientLocally implements protocol.ShardAPI: tears down this
// shard's own recv ownership of client ahead of handing the descriptor
// to another shard via AssignClient. It cancels the outstanding recv and
// marks client as releasing so the cancellation's own completion (and
// any recv data already in flight behind it) is dropped quietly in
// onRead rather than treated as a disconnect, which would close the fd
// out from under the new owner.
func (s *Shard) ReleaseClientLocally(client int32) error {
	s.releasing[client] = true
	return s.r.PrepareCancelRecv(client)
}

// AcquireControlBuffer implements protocol.ShardAPI.
func (s *Shard) AcquireControlBuffer() (uint16, bool) {
	idx, ok := s.pool.NextFree()
	if !ok {
		return 0, false
	}
	s.pool.OnKernelSelected(idx, -1, 0)
	return idx, true
}

// EncodeAndSend implements protocol.ShardAPI: rewrites bufIdx's bytes as
// tag/payload, retains one reference for the in-flight send, and submits
// a single-shot send to client.
func (s *Shard) EncodeAndSend(bufIdx uint16, client int32, tag frame.Tag, payload []byte) error {
	dst := s.pool.Addr(bufIdx)
	if len(dst) < frame.Size {
		return errs.New(errs.CodeFatal, "shard: slot smaller than one frame")
	}
	frame.EncodeInto(dst[:frame.Size], tag, payload)
	s.pool.Retain(bufIdx)
	if err := s.r.PrepareSend(client, unsafe.Pointer(&dst[0]), frame.Size, bufIdx); err != nil {
		s.pool.Release(bufIdx)
		return err
	}
	return nil
}

// ReleaseInitial implements protocol.ShardAPI: drops the reference a
// completion's initial selection (or AcquireControlBuffer) put on bufIdx.
func (s *Shard) ReleaseInitial(bufIdx uint16) {
	s.pool.Release(bufIdx)
}

// Run pins the calling goroutine to its OS thread and drives the shard
// loop until a Shutdown command is drained. Intended to be launched with
// go s.Run() from the relay's startup errgroup.
func (s *Shard) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer s.r.Close()

	if s.listenFD != 0 {
		if err := s.r.PrepareAccept(s.listenFD); err != nil {
			return errs.Wrap(errs.CodeFatal, "shard: initial accept arm failed", err)
		}
	}

	batch := s.cfg.CompletionBatch
	if batch <= 0 {
		batch = 256
	}
	completions := make([]ring.Completion, batch)

	for !s.stopping {
		s.drainCommands()
		if s.stopping {
			break
		}

		if _, err := s.r.Submit(); err != nil {
			s.log.Error().Err(err).Msg("submit failed")
		}

		n, err := s.r.SubmitAndWait(1)
		if err != nil {
			s.log.Warn().Err(err).Msg("submit_and_wait failed")
			continue
		}
		_ = n

		filled, scanned := s.r.PeekCompletions(completions)
		for i := 0; i < filled; i++ {
			s.dispatch(completions[i])
		}
		// Advance by scanned, not filled: a provide-buffers completion is
		// deliberately undecodable and counted in scanned but never in
		// filled, and it still occupies a slot the kernel expects retired.
		s.r.Advance(scanned)
		atomic.StoreInt64(&s.buffersInUse, int64(s.pool.InUseCount()))
	}

	// Dispatch whatever completions are already queued before exiting,
	// without waiting for new ones.
	for {
		filled, scanned := s.r.PeekCompletions(completions)
		if scanned == 0 {
			break
		}
		for i := 0; i < filled; i++ {
			s.dispatch(completions[i])
		}
		s.r.Advance(scanned)
	}
	return nil
}

// RequestStop marks the loop for exit on its next iteration; it does not
// interrupt an in-flight SubmitAndWait.
func (s *Shard) RequestStop() {
	s.stopping = true
}

func (s *Shard) drainCommands() {
	for _, cmd := range s.cmds.DrainAll() {
		switch cmd.Kind {
		case cmdqueue.AssignClient:
			s.handleAssignClient(cmd.ClientFD, cmd.SessionID)
		case cmdqueue.LeaveSession:
			s.pool.ReleaseClient(cmd.ClientFD)
		case cmdqueue.Shutdown:
			s.stopping = true
		}
	}
}

// handleAssignClient lands a client handed off from another shard: this
// shard now owns client's recv loop, so it arms one and announces the
// join to the session's other members over its own ring.
func (s *Shard) handleAssignClient(client int32, sessionID int32) {
	if err := s.ArmRecv(client); err != nil {
		s.log.Warn().Err(err).Int32("client", client).Msg("assign_client: arm recv failed")
		return
	}
	members, ok := s.reg.SessionMembers(sessionID)
	if !ok {
		return
	}
	recipients := make([]int32, 0, len(members))
	for _, m := range members {
		if m != client {
			recipients = append(recipients, m)
		}
	}
	if len(recipients) == 0 {
		return
	}
	idx, ok := s.AcquireControlBuffer()
	if !ok {
		return
	}
	notice := []byte(fmt.Sprintf("joined session:%d", sessionID))
	for _, r := range recipients {
		_ = s.EncodeAndSend(idx, r, frame.TagNOTIFICATION, notice)
	}
	s.ReleaseInitial(idx)
}

// dispatch routes one completion to its ACCEPT/READ/WRITE/CLOSE handler.
func (s *Shard) dispatch(c ring.Completion) {
	switch c.Ctx.Op {
	case ring.OpAccept:
		s.onAccept(c)
	case ring.OpRead:
		s.onRead(c)
	case ring.OpWrite:
		s.onWrite(c)
	case ring.OpClose:
		s.onClose(c)
	}
}

// onAccept runs only on the dedicated listener shard. It never arms a
// recv or owns a session itself: every accepted client is handed to its
// session's owning shard via AssignClient, matching the "listener
// performs no read/write work" invariant.
func (s *Shard) onAccept(c ring.Completion) {
	if c.Res < 0 {
		if s.r.SupportsMultishot() && c.Res == -int32(unix.EINVAL) {
			s.log.Warn().Msg("kernel rejected multishot accept, falling back to single-shot")
			s.r.DisableMultishot()
		} else {
			s.log.Warn().Int32("res", c.Res).Msg("accept failed")
		}
		if !c.More() {
			if err := s.r.PrepareAccept(s.listenFD); err != nil {
				s.log.Error().Err(err).Msg("re-arm accept failed")
			}
		}
		return
	}

	clientFD := c.Res
	atomic.AddUint64(&s.acceptedTotal, 1)
	sessionID, err := s.reg.NextAvailableSession()
	if err != nil {
		s.log.Error().Err(err).Msg("no session available for new client")
		s.r.PrepareClose(clientFD)
	} else if shardID, _, joinErr := s.reg.Join(clientFD, sessionID); joinErr != nil {
		s.r.PrepareClose(clientFD)
	} else {
		_ = s.PostCommand(shardID, cmdqueue.Command{Kind: cmdqueue.AssignClient, ClientFD: clientFD, SessionID: sessionID})
	}

	if !c.More() {
		if err := s.r.PrepareAccept(s.listenFD); err != nil {
			s.log.Error().Err(err).Msg("re-arm accept failed")
		}
	}
}

func (s *Shard) onRead(c ring.Completion) {
	client := c.Ctx.Client
	if s.releasing[client] {
		if c.HasBuffer() {
			s.pool.OnKernelSelected(c.BufIndex(), client, 0)
			s.pool.Release(c.BufIndex())
		}
		if !c.More() {
			delete(s.releasing, client)
			delete(s.accumulators, client)
			s.pool.ReleaseClient(client)
		}
		return
	}
	if c.Res < 0 {
		if s.r.SupportsMultishot() && c.Res == -int32(unix.EINVAL) {
			s.log.Warn().Int32("client", client).Msg("kernel rejected multishot recv, falling back to single-shot")
			s.r.DisableMultishot()
			if err := s.r.PrepareRecv(client); err != nil {
				s.log.Warn().Err(err).Msg("single-shot recv re-arm failed")
			}
			return
		}
		s.onDisconnect(client)
		return
	}
	if c.Res == 0 {
		s.onDisconnect(client)
		return
	}
	if !c.HasBuffer() {
		return
	}
	bufIdx := c.BufIndex()
	s.pool.OnKernelSelected(bufIdx, client, int(c.Res))

	acc := s.accumulatorFor(client)
	frames, err := acc.Feed(s.pool.Addr(bufIdx)[:c.Res])
	// The accumulator copies received bytes into its own buffer as it
	// reframes them, so the recv slot's contents are no longer needed
	// once Feed returns, whether or not a complete frame came out of it.
	s.pool.Release(bufIdx)
	if err != nil {
		s.log.Warn().Err(err).Int32("client", client).Msg("malformed record length, dropping connection")
		s.onDisconnect(client)
		return
	}

	for _, f := range frames {
		dst, ok := s.AcquireControlBuffer()
		if !ok {
			s.log.Warn().Msg("buffer pool exhausted, dropping frame")
			atomic.AddUint64(&s.droppedTotal, 1)
			continue
		}
		atomic.AddUint64(&s.framesTotal, 1)
		s.handler.Dispatch(s, client, dst, f)
	}

	// The kernel just consumed bufIdx from the provided-buffer group; a
	// live multishot recv keeps drawing from that group across many
	// completions without the app re-issuing PrepareRecv, so replenish
	// on every completion, independent of whether the recv itself is
	// terminal this time.
	if err := s.replenishBuffer(); err != nil {
		s.log.Warn().Err(err).Msg("buffer replenish failed")
	}

	if !c.More() {
		if err := s.r.PrepareRecv(client); err != nil {
			s.log.Warn().Err(err).Msg("re-arm recv failed")
		}
	}
}

func (s *Shard) accumulatorFor(client int32) *frame.Accumulator {
	acc, ok := s.accumulators[client]
	if !ok {
		acc = &frame.Accumulator{}
		s.accumulators[client] = acc
	}
	return acc
}

// onWrite releases the one reference the completed send held. A failed
// send is logged only, matching the send-error taxonomy: a recipient is
// torn down only once its sends fail persistently, not on the first
// error.
func (s *Shard) onWrite(c ring.Completion) {
	s.pool.Release(c.Ctx.BufIdx)
	client := c.Ctx.Client
	if c.Res < 0 {
		s.log.Warn().Int32("client", client).Int32("res", c.Res).Msg("send failed")
		s.sendErrors[client]++
		if s.sendErrors[client] >= maxConsecutiveSendErrors {
			delete(s.sendErrors, client)
			s.onDisconnect(client)
		}
		return
	}
	delete(s.sendErrors, client)
}

func (s *Shard) onClose(c ring.Completion) {
	s.pool.ReleaseClient(c.Ctx.Client)
}

func (s *Shard) onDisconnect(client int32) {
	atomic.AddUint64(&s.disconnectTotal, 1)
	s.pool.ReleaseClient(client)
	delete(s.accumulators, client)
	delete(s.sendErrors, client)
	delete(s.releasing, client)
	if shardID, had := s.reg.Remove(client); had && shardID != s.ID() {
		_ = s.PostCommand(shardID, cmdqueue.Command{Kind: cmdqueue.LeaveSession, ClientFD: client})
	}
	s.r.PrepareClose(client)
}
