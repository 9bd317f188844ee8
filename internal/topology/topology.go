// Package topology describes how pixels are laid out across channels and how
// the controller announces that layout.
package topology

import (
	"pixelnode/internal/config"
	"pixelnode/internal/protocol"
)

// Channel is one hardware output with a fixed pixel count.
type Channel struct {
	Num    int
	Pixels int
}

// Strip is a named subrange of the flat address space. It only appears in
// the announcement; the decoder never looks at it.
type Strip struct {
	Name      string
	StartAddr int
	EndAddr   int
	Channel   int
}

// Topology is fixed for the lifetime of the process.
type Topology struct {
	Channels []Channel
	Strips   []Strip
}

// FromConfig copies the channel and strip layout out of cfg.
func FromConfig(cfg *config.Config) Topology {
	t := Topology{
		Channels: make([]Channel, 0, len(cfg.Channels)),
		Strips:   make([]Strip, 0, len(cfg.Strips)),
	}
	for _, ch := range cfg.Channels {
		t.Channels = append(t.Channels, Channel{Num: ch.Num, Pixels: ch.Count})
	}
	for _, s := range cfg.Strips {
		t.Strips = append(t.Strips, Strip{Name: s.Name, StartAddr: s.StartAddr, EndAddr: s.EndAddr, Channel: s.Channel})
	}
	return t
}

// NumAddrs is the sum of all channel pixel counts.
func (t Topology) NumAddrs() int {
	n := 0
	for _, ch := range t.Channels {
		n += ch.Pixels
	}
	return n
}

// PixelCounts lists the pixel count of each channel in order.
func (t Topology) PixelCounts() []int {
	counts := make([]int, len(t.Channels))
	for i, ch := range t.Channels {
		counts[i] = ch.Pixels
	}
	return counts
}

// Announcement builds the message a controller sends in reply to discovery.
func (t Topology) Announcement(name, ip string, port int) protocol.ConfigAnnouncement {
	strips := make([]protocol.StripAnnouncement, 0, len(t.Strips))
	for _, s := range t.Strips {
		strips = append(strips, protocol.StripAnnouncement{
			Name:      s.Name,
			StartAddr: int64(s.StartAddr),
			EndAddr:   int64(s.EndAddr),
			Channel:   int64(s.Channel),
		})
	}
	return protocol.ConfigAnnouncement{
		Name:      name,
		IP:        ip,
		Port:      int64(port),
		MAC:       protocol.PlaceholderMAC,
		NumStrips: int64(len(t.Strips)),
		NumAddrs:  int64(t.NumAddrs()),
		Strips:    strips,
	}
}
