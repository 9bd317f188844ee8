package netaddr

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"testing"
)

func ipNets(ips ...string) AddrLister {
	return func() ([]net.Addr, error) {
		var out []net.Addr
		for _, s := range ips {
			ip, n, err := net.ParseCIDR(s)
			if err != nil {
				return nil, err
			}
			n.IP = ip
			out = append(out, n)
		}
		return out, nil
	}
}

func TestSubnetResolver(t *testing.T) {
	tests := []struct {
		name    string
		subnet  string
		netmask string
		addrs   []string
		want    string
		wantErr bool
	}{
		{
			name:    "second interface matches",
			subnet:  "192.168.1.0",
			netmask: "255.255.255.0",
			addrs:   []string{"10.0.0.5/8", "192.168.1.42/24"},
			want:    "192.168.1.42",
		},
		{
			name:    "first match wins",
			subnet:  "10.0.0.0",
			netmask: "255.0.0.0",
			addrs:   []string{"127.0.0.1/8", "10.1.2.3/8", "10.9.9.9/8"},
			want:    "10.1.2.3",
		},
		{
			name:    "ipv6 skipped",
			subnet:  "192.168.6.0",
			netmask: "255.255.255.0",
			addrs:   []string{"fe80::1/64", "192.168.6.7/24"},
			want:    "192.168.6.7",
		},
		{
			name:    "host bits in subnet are masked off",
			subnet:  "192.168.1.77",
			netmask: "255.255.255.0",
			addrs:   []string{"192.168.1.3/24"},
			want:    "192.168.1.3",
		},
		{
			name:    "no match",
			subnet:  "172.16.0.0",
			netmask: "255.255.0.0",
			addrs:   []string{"127.0.0.1/8", "192.168.1.42/24"},
			wantErr: true,
		},
		{
			name:    "no interfaces",
			subnet:  "192.168.1.0",
			netmask: "255.255.255.0",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewSubnetResolver(tt.subnet, tt.netmask)
			if err != nil {
				t.Fatalf("NewSubnetResolver: %v", err)
			}
			r.Addrs = ipNets(tt.addrs...)

			ip, err := r.Resolve()
			if tt.wantErr {
				if !errors.Is(err, ErrNotFound) {
					t.Fatalf("Resolve() error = %v, expected ErrNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() unexpected error: %v", err)
			}
			if ip.String() != tt.want {
				t.Errorf("Resolve() = %s, expected %s", ip, tt.want)
			}
		})
	}
}

func TestMatchFirstProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	rand4 := func() [4]byte {
		return [4]byte{byte(rng.Intn(4)), byte(rng.Intn(4)), byte(rng.Intn(256)), byte(rng.Intn(256))}
	}
	masks := [][4]byte{{255, 0, 0, 0}, {255, 255, 0, 0}, {255, 255, 255, 0}, {255, 255, 255, 255}, {0, 0, 0, 0}}

	for i := 0; i < 2000; i++ {
		subnet := rand4()
		mask := masks[rng.Intn(len(masks))]
		candidates := make([][4]byte, rng.Intn(5))
		for j := range candidates {
			candidates[j] = rand4()
		}

		got, err := MatchFirst(subnet, mask, candidates)

		var exists bool
		for _, c := range candidates {
			if inSubnet(c, subnet, mask) {
				exists = true
				break
			}
		}
		if !exists {
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("subnet=%v mask=%v candidates=%v: expected ErrNotFound, got %v / %v", subnet, mask, candidates, got, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("subnet=%v mask=%v candidates=%v: unexpected error %v", subnet, mask, candidates, err)
		}
		for k := range got {
			if got[k]&mask[k] != subnet[k]&mask[k] {
				t.Fatalf("result %v is outside %v/%v", got, subnet, mask)
			}
		}
	}
}

func TestCommandResolver(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		runErr  error
		want    string
		wantErr bool
	}{
		{name: "first token", out: "192.168.1.20 10.0.0.3 fd00::1 \n", want: "192.168.1.20"},
		{name: "empty output", out: "  \n", wantErr: true},
		{name: "not ipv4", out: "fd00::1 192.168.1.20", wantErr: true},
		{name: "command failed", runErr: errors.New("exit status 1"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotName string
			r := &CommandResolver{
				Run: func(_ context.Context, name string, _ ...string) ([]byte, error) {
					gotName = name
					return []byte(tt.out), tt.runErr
				},
			}
			ip, err := r.Resolve()
			if gotName != DefaultCommand[0] {
				t.Errorf("ran %q, expected %q", gotName, DefaultCommand[0])
			}
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Resolve() = %v, expected error", ip)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() unexpected error: %v", err)
			}
			if ip.String() != tt.want {
				t.Errorf("Resolve() = %s, expected %s", ip, tt.want)
			}
		})
	}
}

type stubResolver struct {
	ip  net.IP
	err error
}

func (s stubResolver) Resolve() (net.IP, error) { return s.ip, s.err }

func TestFallbackReportsPrimaryFailure(t *testing.T) {
	var reported error
	f := &Fallback{
		Primary:    stubResolver{err: ErrNotFound},
		Secondary:  LoopbackResolver{},
		OnFallback: func(err error) { reported = err },
	}
	ip, err := f.Resolve()
	if err != nil {
		t.Fatalf("Resolve() unexpected error: %v", err)
	}
	if !ip.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Errorf("Resolve() = %s, expected 127.0.0.1", ip)
	}
	if !errors.Is(reported, ErrNotFound) {
		t.Errorf("primary failure not reported, got %v", reported)
	}

	f.Secondary = stubResolver{err: errors.New("boom")}
	if _, err := f.Resolve(); !errors.Is(err, ErrNotFound) {
		t.Errorf("both failing: expected joined error containing ErrNotFound, got %v", err)
	}
}

func TestNew(t *testing.T) {
	if _, err := New("subnet", "192.168.1.0", "255.255.255.0", nil); err != nil {
		t.Errorf("subnet: %v", err)
	}
	if _, err := New("subnet", "nope", "255.255.255.0", nil); err == nil {
		t.Error("subnet with bad address: expected error")
	}
	if r, err := New("command", "", "", nil); err != nil || r == nil {
		t.Errorf("command: %v", err)
	}
	if _, err := New("mdns", "", "", nil); err == nil {
		t.Error("unknown strategy: expected error")
	}
}
