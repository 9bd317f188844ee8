// Package transport is the controller's single UDP socket with a bounded
// readiness wait, in the style of a poll(2) event loop.
package transport

import (
	"errors"
	"net"
	"time"
)

// ErrNoData is returned by ReadFrom when no datagram is queued.
var ErrNoData = errors.New("no datagram queued")

// Conn is what the handshake and the main loop need from the socket.
type Conn interface {
	// Wait blocks for at most timeout until a datagram can be read.
	Wait(timeout time.Duration) (bool, error)
	ReadFrom(buf []byte) (int, *net.UDPAddr, error)
	WriteTo(b []byte, addr *net.UDPAddr) (int, error)
}
