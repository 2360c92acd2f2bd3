// File: relay/addr.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

//go:build linux

package relay

import (
	"fmt"
	"net"
)

// resolveIPv4 parses host into the 4-byte form unix.SockaddrInet4 wants.
// An empty host binds to all interfaces.
func resolveIPv4(host string) ([4]byte, error) {
	var out [4]byte
	if host == "" {
		return out, nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return out, fmt.Errorf("relay: invalid bind address %q", host)
	}
	v4 := ip.To4()
	if v4 == nil {
		return out, fmt.Errorf("relay: only IPv4 bind addresses are supported, got %q", host)
	}
	copy(out[:], v4)
	return out, nil
}
