// Package handshake answers discovery requests with the controller's
// configuration announcement.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"pixelnode/internal/logger"
	"pixelnode/internal/netaddr"
	"pixelnode/internal/protocol"
	"pixelnode/internal/topology"
	"pixelnode/internal/transport"
)

// Outcome of one handshake attempt.
type Outcome int

const (
	// Unresolved means no advertisable address was found; nothing was read.
	Unresolved Outcome = iota
	// Abandoned means a datagram arrived but was not a discovery request,
	// or the receive failed. No reply was sent.
	Abandoned
	// Announced means the announcement was sent.
	Announced
	// SendFailed means a valid request arrived but the reply could not be sent.
	SendFailed
)

func (o Outcome) String() string {
	switch o {
	case Unresolved:
		return "unresolved"
	case Abandoned:
		return "abandoned"
	case Announced:
		return "announced"
	case SendFailed:
		return "send-failed"
	default:
		return "unknown"
	}
}

// Result describes a finished attempt.
type Result struct {
	Session uuid.UUID
	Outcome Outcome
	IP      net.IP
	Request protocol.DiscoveryRequest
	Reply   *net.UDPAddr
}

// Responder answers one discovery request per Run.
type Responder struct {
	Log         *logger.Log
	Resolver    netaddr.Resolver
	Topology    topology.Topology
	Name        string
	LocalPort   int
	SetupPort   int
	PollTimeout time.Duration

	buf []byte
}

// Run resolves the address to advertise, waits for the next datagram on conn
// and, if it is a discovery request, replies to the sender's host on
// SetupPort. The wait is bounded only by ctx; it is sliced into PollTimeout
// polls so cancellation is seen promptly.
//
// An error is returned when resolution or the reply send fails, and when ctx
// is cancelled. Neither is fatal to the controller.
func (r *Responder) Run(ctx context.Context, conn transport.Conn) (Result, error) {
	res := Result{Session: uuid.New(), Outcome: Unresolved}
	log := r.Log.Module("handshake").With(logger.Fields{"session": res.Session.String()})

	ip, err := r.Resolver.Resolve()
	if err != nil {
		return res, fmt.Errorf("resolve advertisable address: %w", err)
	}
	res.IP = ip
	log.Infof("IP Address: %s", ip)

	announcement := r.Topology.Announcement(r.Name, ip.String(), r.LocalPort)
	payload, err := announcement.Encode()
	if err != nil {
		return res, fmt.Errorf("encode announcement: %w", err)
	}

	if r.buf == nil {
		r.buf = make([]byte, protocol.MaxDatagramSize)
	}

	log.Info("Listening for handshake data...")
	res.Outcome = Abandoned
	var (
		n    int
		from *net.UDPAddr
	)
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ready, err := conn.Wait(r.PollTimeout)
		if err != nil {
			log.Warnf("poll failed, abandoning handshake: %v", err)
			return res, nil
		}
		if !ready {
			continue
		}
		n, from, err = conn.ReadFrom(r.buf)
		if errors.Is(err, transport.ErrNoData) {
			continue
		}
		if err != nil {
			log.Warnf("receive failed, abandoning handshake: %v", err)
			return res, nil
		}
		break
	}

	req, err := protocol.DecodeDiscoveryRequest(r.buf[:n])
	if err != nil {
		log.Debugf("dropping %d byte datagram from %s: %v", n, from, err)
		return res, nil
	}
	res.Request = req
	log.With(logger.Fields{"peer": from.String(), "msg_type": req.MsgType}).Info("Found startup message")

	res.Reply = &net.UDPAddr{IP: from.IP, Port: r.SetupPort, Zone: from.Zone}
	if _, err := conn.WriteTo(payload, res.Reply); err != nil {
		res.Outcome = SendFailed
		return res, fmt.Errorf("send announcement to %s: %w", res.Reply, err)
	}
	res.Outcome = Announced
	log.Infof("announced %d pixels to %s", announcement.NumAddrs, res.Reply)
	return res, nil
}
