// Package liveness decides when the controller has gone quiet long enough
// that it must announce itself again.
package liveness

import "time"

// State of the supervisor.
type State int

const (
	AwaitingHandshake State = iota
	Streaming
)

func (s State) String() string {
	switch s {
	case AwaitingHandshake:
		return "awaiting-handshake"
	case Streaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Supervisor counts loop ticks without inbound traffic. Any datagram counts
// as a heartbeat, valid or not.
type Supervisor struct {
	timeout  time.Duration
	interval time.Duration
	elapsed  time.Duration
	state    State
}

// New returns a supervisor in AwaitingHandshake.
func New(timeout, interval time.Duration) *Supervisor {
	return &Supervisor{timeout: timeout, interval: interval, state: AwaitingHandshake}
}

// HandshakeDone is called after a handshake attempt, successful or not.
func (s *Supervisor) HandshakeDone() {
	s.state = Streaming
	s.elapsed = 0
}

// Datagram resets the silence counter.
func (s *Supervisor) Datagram() {
	s.elapsed = 0
}

// Tick advances the counter by one poll interval. It returns true when the
// silence has exceeded the timeout; the supervisor is then AwaitingHandshake
// and its counter is back at zero.
func (s *Supervisor) Tick() bool {
	if s.state != Streaming {
		return false
	}
	next := s.elapsed + s.interval
	if next < s.elapsed || next > s.timeout {
		s.state = AwaitingHandshake
		s.elapsed = 0
		return true
	}
	s.elapsed = next
	return false
}

func (s *Supervisor) State() State { return s.state }

func (s *Supervisor) Elapsed() time.Duration { return s.elapsed }

func (s *Supervisor) Timeout() time.Duration { return s.timeout }

func (s *Supervisor) Interval() time.Duration { return s.interval }
