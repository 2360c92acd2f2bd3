// File: internal/ring/ops.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

//go:build linux

package ring

import "unsafe"

// PrepareAccept posts an accept on listenFD. When the ring negotiated
// multishot support it arms IORING_ACCEPT_MULTISHOT so a single
// submission yields repeated ACCEPT completions; otherwise the caller is
// responsible for re-posting after each completion (the fallback mode
// described in the component design).
func (r *Ring) PrepareAccept(listenFD int32) error {
	sqe, err := r.prepare(r.getSQE)
	if err != nil {
		return err
	}
	sqe.Opcode = opAccept
	sqe.FD = listenFD
	sqe.UserData = EncodeUserData(listenFD, OpAccept, 0)
	if r.multishot {
		sqe.OpcodeFlags = acceptMultishot
	}
	return nil
}

// PrepareRecv posts a recv on clientFD using the provided-buffer group,
// so completions report which pool slot received the data via their
// flags rather than a buffer supplied at submission time.
func (r *Ring) PrepareRecv(clientFD int32) error {
	sqe, err := r.prepare(r.getSQE)
	if err != nil {
		return err
	}
	sqe.Opcode = opRecv
	sqe.FD = clientFD
	sqe.Flags = sqeFlagBufferSelect
	sqe.BufIG = r.bufGroupID
	sqe.UserData = EncodeUserData(clientFD, OpRead, 0)
	if r.multishot {
		sqe.OpcodeFlags = 1 // IORING_RECV_MULTISHOT
	}
	return nil
}

// PrepareCancelRecv posts an IORING_OP_ASYNC_CANCEL targeting the recv
// previously armed for clientFD, matched by that recv's own user_data.
// Used when a client's recv ownership is moving to another shard: the
// outstanding multishot recv must be torn down here before the new
// owner arms its own, or both rings would draw from the same socket.
func (r *Ring) PrepareCancelRecv(clientFD int32) error {
	sqe, err := r.prepare(r.getSQE)
	if err != nil {
		return err
	}
	sqe.Opcode = opAsyncCancel
	sqe.Addr = EncodeUserData(clientFD, OpRead, 0)
	sqe.UserData = EncodeUserData(clientFD, OpCancel, 0)
	return nil
}

// PrepareSend posts a single-shot send of data[:len] from addr, tagging
// the completion with bufIdx so the dispatch loop can release exactly one
// reference on that slot once the send lands.
func (r *Ring) PrepareSend(clientFD int32, addr unsafe.Pointer, length uint32, bufIdx uint16) error {
	sqe, err := r.prepare(r.getSQE)
	if err != nil {
		return err
	}
	sqe.Opcode = opSend
	sqe.FD = clientFD
	sqe.Addr = uint64(uintptr(addr))
	sqe.Len = length
	sqe.UserData = EncodeUserData(clientFD, OpWrite, bufIdx)
	return nil
}

// PrepareClose posts a single-shot close of clientFD.
func (r *Ring) PrepareClose(clientFD int32) error {
	sqe, err := r.prepare(r.getSQE)
	if err != nil {
		return err
	}
	sqe.Opcode = opClose
	sqe.FD = clientFD
	sqe.UserData = EncodeUserData(clientFD, OpClose, 0)
	return nil
}

// ProvideBuffer publishes one pool slot to the ring's provided-buffer
// group so a future recv completion may select it.
func (r *Ring) ProvideBuffer(addr unsafe.Pointer, length uint32, bufIdx uint16) error {
	sqe, err := r.prepare(r.getSQE)
	if err != nil {
		return err
	}
	sqe.Opcode = opProvideBuffers
	sqe.Addr = uint64(uintptr(addr))
	sqe.Len = length
	sqe.FD = 1 // number of buffers provided by this call
	sqe.Off = uint64(bufIdx)
	sqe.BufIG = r.bufGroupID
	// user_data carries an intentionally invalid op tag (0): DecodeUserData
	// rejects it, so PeekCompletions silently discards provide-buffer
	// completions instead of routing them through frame dispatch.
	sqe.UserData = EncodeUserData(-1, OpType(0), bufIdx)
	return nil
}
