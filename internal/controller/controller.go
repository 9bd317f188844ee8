// Package controller runs the main loop: it answers discovery, applies
// streamed pixel frames and re-announces after a period of silence.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"pixelnode/internal/config"
	"pixelnode/internal/handshake"
	"pixelnode/internal/liveness"
	"pixelnode/internal/logger"
	"pixelnode/internal/netaddr"
	"pixelnode/internal/pixel"
	"pixelnode/internal/protocol"
	"pixelnode/internal/status"
	"pixelnode/internal/topology"
	"pixelnode/internal/transport"
)

const (
	statsInterval = 30 * time.Second
	bootStep      = 250 * time.Millisecond

	// maxDrain bounds the datagrams read per readiness event, so a flooded
	// socket still lets the loop see cancellation and tick liveness.
	maxDrain = 64
)

// ErrHardware wraps a failed push to the LED driver. It ends the main loop.
var ErrHardware = errors.New("hardware push failed")

// Controller owns the socket, the pixel buffer and the liveness state. All of
// its methods run on the caller's goroutine.
type Controller struct {
	log           *logger.Log
	conn          transport.Conn
	pixels        pixel.Buffer
	responder     *handshake.Responder
	supervisor    *liveness.Supervisor
	status        status.Publisher
	topology      topology.Topology
	pollInterval  time.Duration
	bootAnimation bool
	bootStep      time.Duration

	buf   []byte
	stats stats
}

type stats struct {
	since   time.Time
	frames  int
	bytes   uint64
	ignored int
}

// New wires a controller from its configuration. status may be nil.
func New(log *logger.Log, cfg *config.Config, conn transport.Conn, pixels pixel.Buffer,
	resolver netaddr.Resolver, pub status.Publisher) *Controller {
	if pub == nil {
		pub = status.Nop{}
	}
	topo := topology.FromConfig(cfg)
	return &Controller{
		log:    log.Module("stream"),
		conn:   conn,
		pixels: pixels,
		responder: &handshake.Responder{
			Log:         log,
			Resolver:    resolver,
			Topology:    topo,
			Name:        cfg.Name,
			LocalPort:   cfg.Port,
			SetupPort:   cfg.SetupPort,
			PollTimeout: cfg.Loop.HandshakePoll.Duration,
		},
		supervisor:    liveness.New(cfg.Loop.LivenessTimeout.Duration, cfg.Loop.PollInterval.Duration),
		status:        pub,
		topology:      topo,
		pollInterval:  cfg.Loop.PollInterval.Duration,
		bootAnimation: cfg.Loop.BootAnimation,
		bootStep:      bootStep,
		buf:           make([]byte, protocol.MaxDatagramSize),
	}
}

// Supervisor exposes the liveness state, mainly for tests.
func (c *Controller) Supervisor() *liveness.Supervisor { return c.supervisor }

// Run loops until ctx is cancelled or the hardware rejects a frame. In both
// cases every pixel is switched off before Run returns. Cancellation returns nil.
func (c *Controller) Run(ctx context.Context) error {
	defer func() {
		if clearErr := pixel.Clear(c.pixels); clearErr != nil {
			c.log.Errorf("failed to clear pixels on exit: %v", clearErr)
		} else {
			c.log.Info("pixels cleared")
		}
	}()

	if c.bootAnimation {
		if err := pixel.BootAnimation(c.pixels, c.bootStep); err != nil {
			return fmt.Errorf("%w: boot animation: %w", ErrHardware, err)
		}
	}
	c.status.Publish(status.Event{Kind: status.Online, NumAddrs: c.topology.NumAddrs()})
	c.stats.since = time.Now()

	for {
		if ctx.Err() != nil {
			c.log.Info("main loop stopped")
			return nil
		}

		if c.supervisor.State() == liveness.AwaitingHandshake {
			c.handshake(ctx)
			continue
		}

		ready, err := c.conn.Wait(c.pollInterval)
		if err != nil {
			c.log.Warnf("poll failed: %v", err)
			time.Sleep(c.pollInterval)
		}
		if ready {
			if err := c.receive(); err != nil {
				return err
			}
		}

		if c.supervisor.Tick() {
			c.log.With(logger.Fields{"module": "liveness"}).
				Warnf("no datagrams for %v, re-announcing", c.supervisor.Timeout())
			c.status.Publish(status.Event{Kind: status.Timeout})
		}
		c.logStats()
	}
}

func (c *Controller) handshake(ctx context.Context) {
	res, err := c.responder.Run(ctx, c.conn)
	if ctx.Err() != nil {
		return
	}
	log := c.log.With(logger.Fields{"module": "handshake", "session": res.Session.String()})
	if err != nil {
		log.Warnf("handshake %s: %v", res.Outcome, err)
	} else {
		log.Debugf("handshake %s", res.Outcome)
	}
	if res.Outcome == handshake.Announced {
		c.status.Publish(status.Event{
			Kind:     status.Announced,
			Session:  res.Session.String(),
			IP:       res.IP.String(),
			Peer:     res.Reply.String(),
			NumAddrs: c.topology.NumAddrs(),
		})
	}
	c.supervisor.HandshakeDone()
}

// receive reads up to maxDrain queued datagrams, applying each non-empty one
// in arrival order. Whatever is left is read on the next iteration.
func (c *Controller) receive() error {
	for i := 0; i < maxDrain; i++ {
		n, from, err := c.conn.ReadFrom(c.buf)
		if errors.Is(err, transport.ErrNoData) {
			return nil
		}
		if err != nil {
			c.log.Debugf("receive failed: %v", err)
			return nil
		}
		c.supervisor.Datagram()
		if n == 0 {
			c.stats.ignored++
			continue
		}
		if n < pixel.BytesPerPixel {
			c.log.Tracef("%d byte datagram from %s covers no pixel", n, from)
			c.stats.ignored++
			continue
		}

		pixel.Decode(c.pixels, c.buf[:n])
		if err := c.pixels.Render(); err != nil {
			return fmt.Errorf("%w: %w", ErrHardware, err)
		}
		c.stats.frames++
		c.stats.bytes += uint64(n)
	}
	return nil
}

func (c *Controller) logStats() {
	if time.Since(c.stats.since) < statsInterval {
		return
	}
	c.log.Debugf("%d frames (%s) applied, %d datagrams ignored in the last %v",
		c.stats.frames, humanize.Bytes(c.stats.bytes), c.stats.ignored, statsInterval)
	c.stats = stats{since: time.Now()}
}
