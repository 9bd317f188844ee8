// Package protocol holds the JSON messages exchanged during the handshake.
package protocol

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

const (
	// MaxDatagramSize is the largest UDP payload that is safe to send over IPv4.
	MaxDatagramSize = 65507

	// PlaceholderMAC is what the controller puts in the mac field. Real MACs are not reported.
	PlaceholderMAC = "none"
)

// ErrMalformed marks a datagram that is not a valid discovery request.
var ErrMalformed = errors.New("malformed discovery request")

var (
	strict = jsoniter.Config{
		EscapeHTML:            true,
		DisallowUnknownFields: true,
		CaseSensitive:         true,
	}.Froze()
	json = jsoniter.ConfigCompatibleWithStandardLibrary
)

// DiscoveryRequest is broadcast by a client looking for controllers.
// The message type field is spelled msg_type; msgType is rejected.
type DiscoveryRequest struct {
	IP      string `json:"ip"`
	MAC     string `json:"mac"`
	MsgType string `json:"msg_type"`
}

// discoveryRequestWire lets the decoder tell a missing field from an empty one.
type discoveryRequestWire struct {
	IP      *string `json:"ip"`
	MAC     *string `json:"mac"`
	MsgType *string `json:"msg_type"`
}

// DecodeDiscoveryRequest parses data strictly: every field must be present
// under its exact lower-case name and be a string. No other field may appear.
func DecodeDiscoveryRequest(data []byte) (DiscoveryRequest, error) {
	var w discoveryRequestWire
	if err := strict.Unmarshal(data, &w); err != nil {
		return DiscoveryRequest{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.IP == nil || w.MAC == nil || w.MsgType == nil {
		return DiscoveryRequest{}, fmt.Errorf("%w: ip, mac and msg_type are required", ErrMalformed)
	}
	return DiscoveryRequest{IP: *w.IP, MAC: *w.MAC, MsgType: *w.MsgType}, nil
}

// Encode renders the request. Used by clients and tests.
func (r DiscoveryRequest) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// StripAnnouncement describes one named range of the flat pixel address space.
type StripAnnouncement struct {
	Name      string `json:"name"`
	StartAddr int64  `json:"startAddr"`
	EndAddr   int64  `json:"endAddr"`
	Channel   int64  `json:"channel"`
}

// ConfigAnnouncement is the controller's reply to a discovery request.
type ConfigAnnouncement struct {
	Name      string              `json:"name"`
	IP        string              `json:"ip"`
	Port      int64               `json:"port"`
	MAC       string              `json:"mac"`
	NumStrips int64               `json:"numStrips"`
	NumAddrs  int64               `json:"numAddrs"`
	Strips    []StripAnnouncement `json:"strips"`
}

// Encode renders the announcement as sent on the wire.
func (a ConfigAnnouncement) Encode() ([]byte, error) {
	if a.Strips == nil {
		a.Strips = []StripAnnouncement{}
	}
	data, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxDatagramSize {
		return nil, fmt.Errorf("announcement is %d bytes, larger than a datagram", len(data))
	}
	return data, nil
}

// DecodeConfigAnnouncement parses an announcement. Used by clients and tests.
func DecodeConfigAnnouncement(data []byte) (ConfigAnnouncement, error) {
	var a ConfigAnnouncement
	err := json.Unmarshal(data, &a)
	return a, err
}
