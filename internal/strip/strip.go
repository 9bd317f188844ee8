// Package strip provides the LED drivers behind pixel.Buffer.
package strip

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"pixelnode/internal/config"
	"pixelnode/internal/logger"
	"pixelnode/internal/pixel"
)

// ErrRender wraps any failure to push pixels to the hardware.
var ErrRender = errors.New("render failed")

// Driver is a pixel.Buffer with a lifecycle.
type Driver interface {
	pixel.Buffer
	Start() error
	Stop()
}

// New creates the driver named by cfg.Driver.Kind.
func New(log *logger.Log, cfg *config.Config) (Driver, error) {
	channels := make([]ChannelSpec, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		order, err := ParseOrder(ch.StripType)
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", ch.Num, err)
		}
		channels = append(channels, ChannelSpec{Pixels: ch.Count, Order: order, Brightness: ch.Level()})
	}

	switch cfg.Driver.Kind {
	case "memory":
		return NewMemory(log, channels), nil
	case "artnet":
		return NewArtNet(log, cfg.Driver.ArtNet, channels)
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver.Kind)
	}
}

// ChannelSpec is fixed at driver initialization.
type ChannelSpec struct {
	Pixels     int
	Order      Order
	Brightness uint8
}

// Order is the sequence in which a strip expects red, green and blue.
// Each entry is an index into the RGB part of a pixel.Color (1 = R, 2 = G, 3 = B).
type Order [3]int

var orders = map[string]Order{
	"rgb": {1, 2, 3},
	"rbg": {1, 3, 2},
	"grb": {2, 1, 3},
	"gbr": {2, 3, 1},
	"brg": {3, 1, 2},
	"bgr": {3, 2, 1},
}

// ParseOrder accepts rgb, grb, ... and ws2811-style names ending in one of them.
func ParseOrder(s string) (Order, error) {
	s = strings.ToLower(s)
	if len(s) >= 3 {
		if o, ok := orders[s[len(s)-3:]]; ok {
			return o, nil
		}
	}
	return Order{}, fmt.Errorf("unknown strip type %q", s)
}

// Wire returns the three bytes of c in strip order, scaled by brightness.
func (o Order) Wire(c pixel.Color, brightness uint8) [3]byte {
	var out [3]byte
	for i, idx := range o {
		out[i] = byte(uint16(c[idx]) * uint16(brightness) / 255)
	}
	return out
}

// Memory keeps pixels in process memory. Render takes a snapshot.
type Memory struct {
	log      *logger.Log
	channels []ChannelSpec
	leds     [][]pixel.Color

	mu       sync.Mutex
	frames   int
	rendered [][]pixel.Color
	fail     error
}

func NewMemory(log *logger.Log, channels []ChannelSpec) *Memory {
	m := &Memory{
		log:      log.Module("strip"),
		channels: channels,
		leds:     make([][]pixel.Color, len(channels)),
		rendered: make([][]pixel.Color, len(channels)),
	}
	for i, ch := range channels {
		m.leds[i] = make([]pixel.Color, ch.Pixels)
		m.rendered[i] = make([]pixel.Color, ch.Pixels)
	}
	return m
}

func (m *Memory) Start() error { return nil }
func (m *Memory) Stop()        {}

func (m *Memory) Channels() int { return len(m.leds) }

func (m *Memory) Leds(ch int) []pixel.Color { return m.leds[ch] }

func (m *Memory) Render() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return fmt.Errorf("%w: %v", ErrRender, m.fail)
	}
	for i := range m.leds {
		copy(m.rendered[i], m.leds[i])
	}
	m.frames++
	m.log.Tracef("frame %d rendered", m.frames)
	return nil
}

// Frames returns how many times Render succeeded.
func (m *Memory) Frames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

// Rendered returns a copy of channel ch as of the last Render.
func (m *Memory) Rendered(ch int) []pixel.Color {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]pixel.Color, len(m.rendered[ch]))
	copy(out, m.rendered[ch])
	return out
}

// FailRenders makes every following Render return err. nil restores normal operation.
func (m *Memory) FailRenders(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}
