// Package transporttest provides an in-memory transport.Conn for tests.
package transporttest

import (
	"net"
	"sync"
	"time"

	"pixelnode/internal/transport"
)

// Datagram is one queued inbound packet.
type Datagram struct {
	Data []byte
	From *net.UDPAddr
	Err  error // returned by ReadFrom instead of Data
}

// Sent is one packet written through the fake.
type Sent struct {
	Data []byte
	To   *net.UDPAddr
}

// Conn serves queued datagrams in order. Wait returns immediately; when the
// queue is empty OnIdle, if set, is called once per Wait.
type Conn struct {
	mu      sync.Mutex
	inbox   []Datagram
	sent    []Sent
	waits   int
	WaitErr error
	SendErr error
	OnIdle  func()
}

func (c *Conn) Push(data []byte, from *net.UDPAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbox = append(c.inbox, Datagram{Data: data, From: from})
}

func (c *Conn) PushErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbox = append(c.inbox, Datagram{Err: err})
}

func (c *Conn) Wait(time.Duration) (bool, error) {
	c.mu.Lock()
	c.waits++
	if c.WaitErr != nil {
		err := c.WaitErr
		c.mu.Unlock()
		return false, err
	}
	ready := len(c.inbox) > 0
	idle := c.OnIdle
	c.mu.Unlock()
	if !ready && idle != nil {
		idle()
	}
	return ready, nil
}

func (c *Conn) ReadFrom(buf []byte) (int, *net.UDPAddr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbox) == 0 {
		return 0, nil, transport.ErrNoData
	}
	d := c.inbox[0]
	c.inbox = c.inbox[1:]
	if d.Err != nil {
		return 0, nil, d.Err
	}
	return copy(buf, d.Data), d.From, nil
}

func (c *Conn) WriteTo(b []byte, addr *net.UDPAddr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return 0, c.SendErr
	}
	c.sent = append(c.sent, Sent{Data: append([]byte(nil), b...), To: addr})
	return len(b), nil
}

// Sent returns everything written so far.
func (c *Conn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// Waits returns how many times Wait was called.
func (c *Conn) Waits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waits
}

// Pending returns the number of unread datagrams.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inbox)
}
