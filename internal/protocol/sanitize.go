// File: internal/protocol/sanitize.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

// Sanitize strips control bytes from a CHAT payload before it is fanned
// out to other session members, keeping printable ASCII, the three
// whitespace controls a terminal renders sensibly (HT, LF, CR), and any
// byte with the high bit set (left alone for UTF-8 continuation bytes).
func Sanitize(payload []byte) []byte {
	out := make([]byte, 0, len(payload))
	for _, b := range payload {
		switch {
		case b >= 0x20 && b < 0x7f:
			out = append(out, b)
		case b == '\t' || b == '\n' || b == '\r':
			out = append(out, b)
		case b&0x80 != 0:
			out = append(out, b)
		}
	}
	return out
}
