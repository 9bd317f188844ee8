package strip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/Haba1234/go-artnet"

	"pixelnode/internal/config"
	"pixelnode/internal/logger"
	"pixelnode/internal/pixel"
)

const (
	universeSize      = 512
	pixelsPerUniverse = universeSize / pixel.BytesPerPixel // 170
)

// dmxSender is the part of *artnet.Controller the driver uses.
type dmxSender interface {
	Start() error
	Stop()
	SendDMXToAddress(dmx [512]byte, address artnet.Address)
}

// ArtNet drives remote fixtures over Art-Net (DMX over UDP/IP). Channels are
// laid end to end and cut into universes of 170 RGB pixels.
type ArtNet struct {
	log          *logger.Log
	sender       dmxSender
	channels     []ChannelSpec
	leds         [][]pixel.Color
	universeBase uint16
	started      bool
	frame        [][universeSize]byte
}

// NewArtNet creates an Art-Net driver bound to cfg.IP.
func NewArtNet(log *logger.Log, cfg config.ArtNetConf, channels []ChannelSpec) (*ArtNet, error) {
	ip := net.ParseIP(cfg.IP).To4()
	if ip == nil {
		return nil, fmt.Errorf("art-net: bad local ip %q", cfg.IP)
	}

	name := cfg.Name
	if name == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve hostname: %w", err)
		}
		name = strings.ToLower(strings.Split(host, ".")[0])
	}
	log.Module("strip").Infof("Using ArtNet IP %s and node name %s", ip.String(), name)

	senderLogger := artnet.NewDefaultLogger(log.GetLevel())
	var sender *artnet.Controller
	if cfg.MaxFPS > 0 {
		sender = artnet.NewController(name, ip, senderLogger, artnet.MaxFPS(cfg.MaxFPS))
	} else {
		sender = artnet.NewController(name, ip, senderLogger)
	}

	return newArtNet(log, sender, cfg.UniverseBase, channels), nil
}

func newArtNet(log *logger.Log, sender dmxSender, universeBase uint16, channels []ChannelSpec) *ArtNet {
	a := &ArtNet{
		log:          log.Module("strip"),
		sender:       sender,
		channels:     channels,
		leds:         make([][]pixel.Color, len(channels)),
		universeBase: universeBase,
	}
	total := 0
	for i, ch := range channels {
		a.leds[i] = make([]pixel.Color, ch.Pixels)
		total += ch.Pixels
	}
	a.frame = make([][universeSize]byte, (total+pixelsPerUniverse-1)/pixelsPerUniverse)
	return a
}

// Start the Art-Net controller.
func (a *ArtNet) Start() error {
	if err := a.sender.Start(); err != nil {
		return fmt.Errorf("failed to start Controller: %w", err)
	}
	a.started = true
	return nil
}

// Stop the Art-Net controller.
func (a *ArtNet) Stop() {
	if a.started {
		a.sender.Stop()
		a.started = false
	}
}

func (a *ArtNet) Channels() int { return len(a.leds) }

func (a *ArtNet) Leds(ch int) []pixel.Color { return a.leds[ch] }

// Render packs all channels into universes and sends every universe.
func (a *ArtNet) Render() error {
	if !a.started {
		return fmt.Errorf("%w: %v", ErrRender, errors.New("art-net controller not started"))
	}

	for u := range a.frame {
		a.frame[u] = [universeSize]byte{}
	}
	addr := 0
	for ch, leds := range a.leds {
		spec := a.channels[ch]
		for _, c := range leds {
			rgb := spec.Order.Wire(c, spec.Brightness)
			u, slot := addr/pixelsPerUniverse, (addr%pixelsPerUniverse)*pixel.BytesPerPixel
			copy(a.frame[u][slot:slot+3], rgb[:])
			addr++
		}
	}

	for u, dmx := range a.frame {
		universe := a.universeBase + uint16(u)
		a.log.Tracef("DMX. Sending universe %d", universe)
		a.sender.SendDMXToAddress(dmx, universeToAddress(universe))
	}
	return nil
}

// universeToAddress converts a dmx universe to art-net address
// universe: старший байт - Net, младший байт - SubUni.
func universeToAddress(universe uint16) artnet.Address {
	v := make([]uint8, 2)
	binary.BigEndian.PutUint16(v, universe)

	return artnet.Address{
		Net:    v[0],
		SubUni: v[1],
	}
}
