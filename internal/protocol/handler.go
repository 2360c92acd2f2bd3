// File: internal/protocol/handler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package protocol interprets parsed frames (JOIN/LEAVE/CHAT) and drives
// the ACK/ERROR responses and broadcast fan-out that follow. The handler
// never touches a ring directly: it calls back into the owning shard
// through the ShardAPI it is constructed with, so the retain/release
// bookkeeping and the actual PrepareSend submissions stay where the
// single-threaded shard loop can account for them.
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/momentics/chatring/internal/cmdqueue"
	"github.com/momentics/chatring/internal/frame"
	"github.com/momentics/chatring/internal/session"
)

// ShardAPI is the subset of shard behavior the handler depends on. It is
// implemented by *shard.Shard; tests supply a fake.
type ShardAPI interface {
	ID() int
	Registry() *session.Registry
	PostCommand(shardID int, cmd cmdqueue.Command) error
	ArmRecv(client int32) error
	// ReleaseClientLocally tears down this shard's own recv ownership of
	// client ahead of handing the descriptor to another shard, so the two
	// rings never both have a recv armed on the same socket.
	ReleaseClientLocally(client int32) error
	// EncodeAndSend rewrites bufIdx's backing bytes as tag/payload, retains
	// one reference, and submits a send to client. Called once per
	// fan-out recipient; the handler releases the frame's initial
	// reference itself once every recipient has been queued.
	EncodeAndSend(bufIdx uint16, client int32, tag frame.Tag, payload []byte) error
	ReleaseInitial(bufIdx uint16)
	EchoSender() bool
	// AcquireControlBuffer hands back a fresh pool slot, already given its
	// initial reference, for a server-initiated send that has no inbound
	// frame buffer of its own to reuse (a JOIN/LEAVE side-effect
	// notification). Returns false if the pool is exhausted.
	AcquireControlBuffer() (uint16, bool)
}

// Handler dispatches decoded client frames.
type Handler struct{}

// New constructs a stateless Handler; all per-connection state lives in
// the registry and the buffer pool the ShardAPI exposes.
func New() *Handler {
	return &Handler{}
}

// Dispatch routes f, received into bufIdx from client, to the matching
// client-tag case. It always accounts for bufIdx's initial reference:
// every path below ends in exactly one ReleaseInitial call, whether or
// not any sends were queued.
func (h *Handler) Dispatch(api ShardAPI, client int32, bufIdx uint16, f *frame.Frame) {
	if err := f.Validate(); err != nil {
		api.ReleaseInitial(bufIdx)
		return
	}

	switch f.Tag {
	case frame.TagJOIN:
		h.handleJoin(api, client, bufIdx, f.Payload)
	case frame.TagLEAVE:
		h.handleLeave(api, client, bufIdx)
	case frame.TagCHATIN:
		h.handleChat(api, client, bufIdx, f.Payload)
	case frame.TagCOMMAND:
		api.ReleaseInitial(bufIdx)
	default:
		api.ReleaseInitial(bufIdx)
	}
}

func (h *Handler) handleJoin(api ShardAPI, client int32, bufIdx uint16, payload []byte) {
	if len(payload) != 4 {
		h.reply(api, bufIdx, client, frame.TagERROR, []byte("join: payload must be 4 bytes"))
		return
	}
	sessionID := int32(binary.LittleEndian.Uint32(payload))

	shardID, already, err := api.Registry().Join(client, sessionID)
	if err != nil {
		h.reply(api, bufIdx, client, frame.TagERROR, []byte(fmt.Sprintf("join: %v", err)))
		return
	}

	ack := []byte(fmt.Sprintf("joined session:%d", sessionID))
	h.reply(api, bufIdx, client, frame.TagACK, ack)

	if already {
		return
	}

	if shardID == api.ID() {
		h.notifyMembers(api, sessionID, client, ack)
		return
	}

	// The target session lives on a different shard: release this
	// shard's own recv ownership first so the two rings never both have
	// a recv armed on the same socket, then hand the descriptor to the
	// target shard, which arms recv for it and announces the join on its
	// own ring (see Shard.handleAssignClient for the landing side).
	_ = api.ReleaseClientLocally(client)
	_ = api.PostCommand(shardID, cmdqueue.Command{
		Kind:      cmdqueue.AssignClient,
		ClientFD:  client,
		SessionID: sessionID,
	})
}

func (h *Handler) handleLeave(api ShardAPI, client int32, bufIdx uint16) {
	shardID, had := api.Registry().Remove(client)
	api.ReleaseInitial(bufIdx)
	if !had {
		return
	}
	if shardID != api.ID() {
		_ = api.PostCommand(shardID, cmdqueue.Command{Kind: cmdqueue.LeaveSession, ClientFD: client})
	}
}

func (h *Handler) handleChat(api ShardAPI, client int32, bufIdx uint16, payload []byte) {
	sessionID, ok := api.Registry().SessionOf(client)
	if !ok {
		api.ReleaseInitial(bufIdx)
		return
	}
	members, ok := api.Registry().SessionMembers(sessionID)
	if !ok || len(members) < 2 {
		api.ReleaseInitial(bufIdx)
		return
	}

	sanitized := Sanitize(payload)
	if len(sanitized) == 0 {
		api.ReleaseInitial(bufIdx)
		return
	}

	h.broadcast(api, bufIdx, client, members, frame.TagCHAT, sanitized)
}

// notifyMembers fans a NOTIFICATION out to every member of sessionID
// except the subject client, announcing a membership change. Unlike
// ACK/ERROR/CHAT, a NOTIFICATION has no inbound frame buffer behind it
// by the time it is sent, so it borrows a fresh slot from the pool
// instead of bufIdx, which the JOIN's own ACK reply may still hold.
func (h *Handler) notifyMembers(api ShardAPI, sessionID int32, subject int32, text []byte) {
	members, ok := api.Registry().SessionMembers(sessionID)
	if !ok || len(members) == 0 {
		return
	}
	recipients := make([]int32, 0, len(members))
	for _, m := range members {
		if m != subject {
			recipients = append(recipients, m)
		}
	}
	if len(recipients) == 0 {
		return
	}

	idx, ok := api.AcquireControlBuffer()
	if !ok {
		return
	}
	h.broadcast(api, idx, subject, recipients, frame.TagNOTIFICATION, text)
}

// reply sends a single-recipient frame back to client, reusing bufIdx.
func (h *Handler) reply(api ShardAPI, bufIdx uint16, client int32, tag frame.Tag, payload []byte) {
	h.broadcast(api, bufIdx, client, []int32{client}, tag, payload)
}

// broadcast fans payload out to recipients, tagged tag, reusing bufIdx's
// backing bytes for every send. For CHAT, the sender is skipped here
// unless EchoSender is set; other tags go to every entry of recipients.
func (h *Handler) broadcast(api ShardAPI, bufIdx uint16, sender int32, recipients []int32, tag frame.Tag, payload []byte) {
	for _, r := range recipients {
		if tag == frame.TagCHAT && r == sender && !api.EchoSender() {
			continue
		}
		_ = api.EncodeAndSend(bufIdx, r, tag, payload)
	}
	api.ReleaseInitial(bufIdx)
}
