//go:build unix

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Socket is a broadcast-enabled UDP socket bound to all interfaces.
type Socket struct {
	conn *net.UDPConn
	raw  syscall.RawConn
}

// Listen binds 0.0.0.0:port with SO_BROADCAST and SO_REUSEADDR set.
func Listen(port int) (*Socket, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					sockErr = fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
					sockErr = fmt.Errorf("failed to set SO_BROADCAST: %w", err)
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("bind udp port %d: %w", port, err)
	}
	conn := pc.(*net.UDPConn)
	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("raw socket: %w", err)
	}
	return &Socket{conn: conn, raw: raw}, nil
}

// Wait polls the socket for readability. A timeout returns false, nil.
func (s *Socket) Wait(timeout time.Duration) (bool, error) {
	ms := int(timeout / time.Millisecond)
	if ms <= 0 && timeout > 0 {
		ms = 1
	}

	var (
		n       int
		pollErr error
		revents int16
	)
	err := s.raw.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		for {
			n, pollErr = unix.Poll(fds, ms)
			if !errors.Is(pollErr, unix.EINTR) {
				break
			}
		}
		revents = fds[0].Revents
	})
	if err != nil {
		return false, err
	}
	if pollErr != nil {
		return false, fmt.Errorf("poll: %w", pollErr)
	}
	if n == 0 {
		return false, nil
	}
	if revents&(unix.POLLERR|unix.POLLNVAL) != 0 && revents&unix.POLLIN == 0 {
		return false, fmt.Errorf("poll: socket error (revents %#x)", revents)
	}
	return true, nil
}

// ReadFrom reads one queued datagram without blocking.
func (s *Socket) ReadFrom(buf []byte) (int, *net.UDPAddr, error) {
	var (
		n       int
		from    unix.Sockaddr
		readErr error
	)
	err := s.raw.Control(func(fd uintptr) {
		for {
			n, from, readErr = unix.Recvfrom(int(fd), buf, 0)
			if !errors.Is(readErr, unix.EINTR) {
				break
			}
		}
	})
	if err != nil {
		return 0, nil, err
	}
	if errors.Is(readErr, unix.EAGAIN) || errors.Is(readErr, unix.EWOULDBLOCK) {
		return 0, nil, ErrNoData
	}
	if readErr != nil {
		return 0, nil, fmt.Errorf("recvfrom: %w", readErr)
	}
	sa, ok := from.(*unix.SockaddrInet4)
	if !ok {
		return n, nil, fmt.Errorf("recvfrom: unexpected sender address %T", from)
	}
	return n, &net.UDPAddr{IP: net.IPv4(sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3]).To4(), Port: sa.Port}, nil
}

func (s *Socket) WriteTo(b []byte, addr *net.UDPAddr) (int, error) {
	return s.conn.WriteToUDP(b, addr)
}

func (s *Socket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *Socket) Close() error {
	return s.conn.Close()
}
