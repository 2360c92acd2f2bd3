// File: internal/frame/codec.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Encoding and boundary-aware decoding of fixed-size wire records.

package frame

import (
	"encoding/binary"
	"errors"
)

// ErrUnknownTag and ErrOversizedPayload classify a record as frame-dropping:
// the connection stays open, the buffer is released, nothing is sent back.
var (
	ErrUnknownTag       = errors.New("frame: unknown tag")
	ErrOversizedPayload = errors.New("frame: payload length exceeds 512")
)

// Decode parses one record from the front of raw.
//
// If fewer than Size bytes are available, Decode returns a nil frame, zero
// consumed count, and a nil error: the caller has an incomplete record and
// must accumulate more bytes before retrying. This mirrors the re-framing
// contract used across the rest of this codebase's codecs.
//
// Decode never fails once Size bytes are present: the wire layout is fixed,
// so the record boundary is always known regardless of the declared tag or
// length. An unknown tag or an over-length payload still decodes cleanly;
// classifying and dropping such records is the protocol handler's job
// (Frame.Validate), not the codec's.
func Decode(raw []byte) (*Frame, int, error) {
	if len(raw) < Size {
		return nil, 0, nil
	}

	tag := Tag(raw[0])
	length := binary.LittleEndian.Uint16(raw[1:3])

	payloadLen := int(length)
	if payloadLen > MaxPayload {
		payloadLen = MaxPayload
	}
	payload := make([]byte, payloadLen)
	copy(payload, raw[3:3+payloadLen])

	return &Frame{
		Tag:     tag,
		Length:  length,
		Payload: payload,
	}, Size, nil
}

// Validate classifies a decoded record for dispatch. It returns
// ErrUnknownTag or ErrOversizedPayload when the record should be dropped
// without terminating the connection; nil when the record is dispatchable.
func (f *Frame) Validate() error {
	if !f.Tag.known() {
		return ErrUnknownTag
	}
	if f.Length > MaxPayload {
		return ErrOversizedPayload
	}
	return nil
}

// Encode writes tag and payload into a fresh Size-byte record.
// len(payload) must not exceed MaxPayload; the caller is responsible for
// enforcing that before calling Encode.
func Encode(tag Tag, payload []byte) []byte {
	return EncodeInto(make([]byte, Size), tag, payload)
}

// EncodeInto writes a record into dst, which must be at least Size bytes.
// It returns dst[:Size] for call chaining. Reusing dst across calls avoids
// the per-send allocation that Encode incurs.
func EncodeInto(dst []byte, tag Tag, payload []byte) []byte {
	if len(dst) < Size {
		panic("frame: EncodeInto destination shorter than Size")
	}
	if len(payload) > MaxPayload {
		panic("frame: payload exceeds MaxPayload")
	}

	dst[0] = byte(tag)
	binary.LittleEndian.PutUint16(dst[1:3], uint16(len(payload)))
	clear(dst[3:Size])
	copy(dst[3:], payload)

	return dst[:Size]
}
