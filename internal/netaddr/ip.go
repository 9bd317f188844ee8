// Package netaddr finds the local IPv4 address a controller advertises in its
// configuration announcement.
package netaddr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"
)

// ErrNotFound is returned when no local address can be advertised.
var ErrNotFound = errors.New("no matching local IPv4 address")

// Resolver determines the address to put in the announcement.
type Resolver interface {
	Resolve() (net.IP, error)
}

// AddrLister enumerates local interface addresses. net.InterfaceAddrs satisfies it.
type AddrLister func() ([]net.Addr, error)

// SubnetResolver picks the first interface address inside Subnet/Netmask.
type SubnetResolver struct {
	Subnet  [4]byte
	Netmask [4]byte
	Addrs   AddrLister // nil means net.InterfaceAddrs
}

// NewSubnetResolver parses dotted-quad subnet and netmask strings.
func NewSubnetResolver(subnet, netmask string) (*SubnetResolver, error) {
	s, err := ParseIPv4(subnet)
	if err != nil {
		return nil, fmt.Errorf("subnet: %w", err)
	}
	m, err := ParseIPv4(netmask)
	if err != nil {
		return nil, fmt.Errorf("netmask: %w", err)
	}
	return &SubnetResolver{Subnet: s, Netmask: m}, nil
}

// Resolve returns the first IPv4 address, in enumeration order, whose masked
// value equals the masked subnet. When several interfaces match, which one
// wins is up to the platform.
func (r *SubnetResolver) Resolve() (net.IP, error) {
	list := r.Addrs
	if list == nil {
		list = net.InterfaceAddrs
	}
	addrs, err := list()
	if err != nil {
		return nil, fmt.Errorf("error getting ips: %w", err)
	}

	var candidates [][4]byte
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil {
			continue
		}
		candidates = append(candidates, [4]byte{ip4[0], ip4[1], ip4[2], ip4[3]})
	}

	match, err := MatchFirst(r.Subnet, r.Netmask, candidates)
	if err != nil {
		return nil, err
	}
	return net.IPv4(match[0], match[1], match[2], match[3]).To4(), nil
}

// MatchFirst returns the first candidate a with (a & mask) == (subnet & mask).
func MatchFirst(subnet, netmask [4]byte, candidates [][4]byte) ([4]byte, error) {
	for _, c := range candidates {
		if inSubnet(c, subnet, netmask) {
			return c, nil
		}
	}
	return [4]byte{}, fmt.Errorf("%w: subnet %s mask %s", ErrNotFound, dotted(subnet), dotted(netmask))
}

func inSubnet(addr, subnet, netmask [4]byte) bool {
	for i := range addr {
		if addr[i]&netmask[i] != subnet[i]&netmask[i] {
			return false
		}
	}
	return true
}

// ParseIPv4 parses a dotted-quad IPv4 address.
func ParseIPv4(s string) ([4]byte, error) {
	ip := net.ParseIP(strings.TrimSpace(s)).To4()
	if ip == nil {
		return [4]byte{}, fmt.Errorf("%q is not an IPv4 address", s)
	}
	return [4]byte{ip[0], ip[1], ip[2], ip[3]}, nil
}

func dotted(b [4]byte) string {
	return net.IPv4(b[0], b[1], b[2], b[3]).String()
}

const commandTimeout = 5 * time.Second

// DefaultCommand prints the host's addresses separated by spaces.
var DefaultCommand = []string{"hostname", "-I"}

// CommandResolver shells out to an OS utility and takes the first
// whitespace-delimited token of its output.
type CommandResolver struct {
	Command []string
	// Run is replaced in tests; nil runs Command through os/exec.
	Run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func (r *CommandResolver) Resolve() (net.IP, error) {
	command := r.Command
	if len(command) == 0 {
		command = DefaultCommand
	}
	run := r.Run
	if run == nil {
		run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	out, err := run(ctx, command[0], command[1:]...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", strings.Join(command, " "), err)
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s printed nothing", ErrNotFound, command[0])
	}
	ip := net.ParseIP(fields[0]).To4()
	if ip == nil {
		return nil, fmt.Errorf("%w: %s printed %q", ErrNotFound, command[0], fields[0])
	}
	return ip, nil
}

// LoopbackResolver always advertises 127.0.0.1. Useful when the client runs on
// the same host.
type LoopbackResolver struct{}

func (LoopbackResolver) Resolve() (net.IP, error) {
	return net.IPv4(127, 0, 0, 1).To4(), nil
}

// Fallback tries Secondary when Primary fails. OnFallback, if set, is told
// about the primary failure so it is never swallowed silently.
type Fallback struct {
	Primary    Resolver
	Secondary  Resolver
	OnFallback func(err error)
}

func (f *Fallback) Resolve() (net.IP, error) {
	ip, err := f.Primary.Resolve()
	if err == nil {
		return ip, nil
	}
	if f.OnFallback != nil {
		f.OnFallback(err)
	}
	ip, err2 := f.Secondary.Resolve()
	if err2 != nil {
		return nil, errors.Join(err, err2)
	}
	return ip, nil
}

// New builds a resolver for the named strategy: subnet, command or loopback.
func New(strategy, subnet, netmask string, command []string) (Resolver, error) {
	switch strategy {
	case "subnet":
		return NewSubnetResolver(subnet, netmask)
	case "command":
		return &CommandResolver{Command: command}, nil
	case "loopback":
		return LoopbackResolver{}, nil
	default:
		return nil, fmt.Errorf("unknown resolver strategy %q", strategy)
	}
}
