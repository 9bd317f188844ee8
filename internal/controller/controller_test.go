package controller

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"pixelnode/internal/config"
	"pixelnode/internal/liveness"
	"pixelnode/internal/logger"
	"pixelnode/internal/netaddr"
	"pixelnode/internal/pixel"
	"pixelnode/internal/protocol"
	"pixelnode/internal/strip"
	"pixelnode/internal/transport/transporttest"
)

var client = &net.UDPAddr{IP: net.IPv4(192, 168, 1, 10), Port: 50000}

const discovery = `{"ip":"192.168.1.10","mac":"aa","msg_type":"startup"}`

func testConfig(counts ...int) *config.Config {
	cfg := config.Default()
	cfg.Name = "Test Controller"
	cfg.Resolver = config.ResolverConf{Strategy: "loopback"}
	for i, n := range counts {
		cfg.Channels = append(cfg.Channels, config.ChannelConf{Num: i, Count: n, StripType: "rgb"})
	}
	cfg.Loop.PollInterval.Duration = 5 * time.Millisecond
	cfg.Loop.HandshakePoll.Duration = time.Millisecond
	cfg.Loop.LivenessTimeout.Duration = 50 * time.Millisecond
	return &cfg
}

func newMemory(cfg *config.Config) *strip.Memory {
	specs := make([]strip.ChannelSpec, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		specs = append(specs, strip.ChannelSpec{Pixels: ch.Count, Order: strip.Order{1, 2, 3}, Brightness: 255})
	}
	return strip.NewMemory(logger.NewDiscard(), specs)
}

// cancelWhenIdle cancels the loop the n-th time it finds the socket empty.
func cancelWhenIdle(conn *transporttest.Conn, cancel context.CancelFunc, n int, before func()) {
	idle := 0
	conn.OnIdle = func() {
		idle++
		if idle == n {
			if before != nil {
				before()
			}
			cancel()
		}
	}
}

func TestStreamingScenarios(t *testing.T) {
	tests := []struct {
		name   string
		frames [][]byte
		want   []pixel.Color
	}{
		{
			name:   "full frame",
			frames: [][]byte{{10, 20, 30, 40, 50, 60, 70, 80, 90}},
			want:   []pixel.Color{{0xFF, 10, 20, 30}, {0xFF, 40, 50, 60}, {0xFF, 70, 80, 90}},
		},
		{
			name:   "short frame keeps the tail",
			frames: [][]byte{{9, 9, 9, 9, 9, 9, 9, 9, 9}, {1, 2, 3, 4}},
			want:   []pixel.Color{{0xFF, 1, 2, 3}, {0xFF, 9, 9, 9}, {0xFF, 9, 9, 9}},
		},
		{
			name:   "noise does not change pixels",
			frames: [][]byte{{5, 6, 7, 5, 6, 7, 5, 6, 7}, {}, {1}, {1, 2}},
			want:   []pixel.Color{{0xFF, 5, 6, 7}, {0xFF, 5, 6, 7}, {0xFF, 5, 6, 7}},
		},
		{
			name:   "last write wins",
			frames: [][]byte{{1, 1, 1, 1, 1, 1, 1, 1, 1}, {2, 2, 2, 2, 2, 2, 2, 2, 2}},
			want:   []pixel.Color{{0xFF, 2, 2, 2}, {0xFF, 2, 2, 2}, {0xFF, 2, 2, 2}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(3)
			mem := newMemory(cfg)
			conn := &transporttest.Conn{}
			conn.Push([]byte(discovery), client)
			for _, f := range tt.frames {
				conn.Push(f, client)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			var snapshot []pixel.Color
			cancelWhenIdle(conn, cancel, 1, func() { snapshot = mem.Rendered(0) })

			c := New(logger.NewDiscard(), cfg, conn, mem, netaddr.LoopbackResolver{}, nil)
			if err := c.Run(ctx); err != nil {
				t.Fatalf("Run: %v", err)
			}

			for i, want := range tt.want {
				if snapshot[i] != want {
					t.Errorf("pixel %d = %v, expected %v", i, snapshot[i], want)
				}
			}
			// Shutdown clears everything.
			for i, got := range mem.Rendered(0) {
				if got != pixel.Off {
					t.Errorf("pixel %d = %v after shutdown", i, got)
				}
			}
		})
	}
}

func TestHandshakeAnnouncement(t *testing.T) {
	cfg := testConfig(30, 12)
	cfg.Strips = []config.StripConf{{Name: "all", StartAddr: 0, EndAddr: 41, Channel: 0}}
	mem := newMemory(cfg)
	conn := &transporttest.Conn{}
	conn.Push([]byte(discovery), client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelWhenIdle(conn, cancel, 1, nil)

	if err := New(logger.NewDiscard(), cfg, conn, mem, netaddr.LoopbackResolver{}, nil).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sent := conn.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d announcements", len(sent))
	}
	if sent[0].To.Port != cfg.SetupPort || !sent[0].To.IP.Equal(client.IP) {
		t.Errorf("announcement sent to %v", sent[0].To)
	}
	a, err := protocol.DecodeConfigAnnouncement(sent[0].Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a.NumAddrs != 42 || a.Port != int64(cfg.Port) || a.IP != "127.0.0.1" {
		t.Errorf("announcement = %+v", a)
	}
}

func TestLivenessTimeoutReannounces(t *testing.T) {
	cfg := testConfig(3)
	mem := newMemory(cfg)
	conn := &transporttest.Conn{}
	conn.Push([]byte(discovery), client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var c *Controller
	idle := 0
	conn.OnIdle = func() {
		idle++
		switch {
		case c.Supervisor().State() == liveness.AwaitingHandshake && len(conn.Sent()) == 1:
			// 50ms timeout / 5ms ticks: the 11th silent tick fires and the
			// 12th wait is the handshake's.
			if idle != 12 {
				t.Errorf("handshake wait at idle tick %d, expected 12", idle)
			}
			conn.Push([]byte(discovery), client)
		case len(conn.Sent()) == 2:
			cancel()
		case idle > 1000:
			t.Error("no re-handshake")
			cancel()
		}
	}

	c = New(logger.NewDiscard(), cfg, conn, mem, netaddr.LoopbackResolver{}, nil)
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(conn.Sent()) != 2 {
		t.Errorf("sent %d announcements, expected 2", len(conn.Sent()))
	}
}

func TestTrafficKeepsStreaming(t *testing.T) {
	cfg := testConfig(3)
	mem := newMemory(cfg)
	conn := &transporttest.Conn{}
	conn.Push([]byte(discovery), client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var c *Controller
	idle := 0
	conn.OnIdle = func() {
		idle++
		if c.Supervisor().State() != liveness.Streaming {
			t.Errorf("left streaming at idle tick %d", idle)
			cancel()
			return
		}
		if idle%5 == 0 {
			conn.Push([]byte{0xde, 0xad}, client) // garbage still counts as a heartbeat
		}
		if idle == 200 {
			cancel()
		}
	}

	c = New(logger.NewDiscard(), cfg, conn, mem, netaddr.LoopbackResolver{}, nil)
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(conn.Sent()) != 1 {
		t.Errorf("sent %d announcements, expected 1", len(conn.Sent()))
	}
}

func TestUnresolvedAddressStillStreams(t *testing.T) {
	cfg := testConfig(1)
	mem := newMemory(cfg)
	conn := &transporttest.Conn{}
	conn.Push([]byte{7, 8, 9}, client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var snapshot []pixel.Color
	cancelWhenIdle(conn, cancel, 1, func() { snapshot = mem.Rendered(0) })

	resolver, _ := netaddr.NewSubnetResolver("203.0.113.0", "255.255.255.0")
	resolver.Addrs = func() ([]net.Addr, error) { return nil, nil }

	if err := New(logger.NewDiscard(), cfg, conn, mem, resolver, nil).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(conn.Sent()) != 0 {
		t.Error("announced without an address")
	}
	if snapshot[0] != pixel.RGB(7, 8, 9) {
		t.Errorf("pixel 0 = %v", snapshot[0])
	}
}

func TestHardwareFailureIsFatal(t *testing.T) {
	cfg := testConfig(3)
	mem := newMemory(cfg)
	mem.FailRenders(errors.New("driver gone"))
	conn := &transporttest.Conn{}
	conn.Push([]byte(discovery), client)
	conn.Push([]byte{1, 2, 3}, client)
	conn.OnIdle = func() { t.Error("loop continued after a failed render") }

	err := New(logger.NewDiscard(), cfg, conn, mem, netaddr.LoopbackResolver{}, nil).Run(context.Background())
	if !errors.Is(err, ErrHardware) || !errors.Is(err, strip.ErrRender) {
		t.Fatalf("Run() error = %v, expected ErrHardware wrapping strip.ErrRender", err)
	}
}

func TestReceiveErrorIsNotFatal(t *testing.T) {
	cfg := testConfig(1)
	mem := newMemory(cfg)
	conn := &transporttest.Conn{}
	conn.Push([]byte(discovery), client)
	conn.PushErr(errors.New("connection refused"))
	conn.Push([]byte{4, 5, 6}, client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var snapshot []pixel.Color
	cancelWhenIdle(conn, cancel, 1, func() { snapshot = mem.Rendered(0) })

	if err := New(logger.NewDiscard(), cfg, conn, mem, netaddr.LoopbackResolver{}, nil).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if snapshot[0] != pixel.RGB(4, 5, 6) {
		t.Errorf("pixel 0 = %v", snapshot[0])
	}
}

func TestBootAnimationThenClear(t *testing.T) {
	cfg := testConfig(2)
	cfg.Loop.BootAnimation = true
	mem := newMemory(cfg)
	conn := &transporttest.Conn{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(logger.NewDiscard(), cfg, conn, mem, netaddr.LoopbackResolver{}, nil)
	c.bootStep = 0
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Four flashes, one dark frame, one shutdown clear.
	if mem.Frames() != 6 {
		t.Errorf("frames = %d, expected 6", mem.Frames())
	}
}

func TestReceiveStopsAfterMaxDrain(t *testing.T) {
	cfg := testConfig(1)
	mem := newMemory(cfg)
	conn := &transporttest.Conn{}
	for i := 0; i < maxDrain+10; i++ {
		conn.Push([]byte{byte(i), 0, 0}, client)
	}

	c := New(logger.NewDiscard(), cfg, conn, mem, netaddr.LoopbackResolver{}, nil)
	if err := c.receive(); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got := conn.Pending(); got != 10 {
		t.Errorf("%d datagrams left queued, expected 10", got)
	}
	if got := mem.Rendered(0)[0]; got != (pixel.Color{0xFF, maxDrain - 1, 0, 0}) {
		t.Errorf("pixel 0 = %v after first drain", got)
	}

	if err := c.receive(); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got := conn.Pending(); got != 0 {
		t.Errorf("%d datagrams left after second drain", got)
	}
}
