package relay

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// ErrInvalidAddress is returned for anything that is not a literal IPv4:port.
var ErrInvalidAddress = errors.New("invalid address")

// Endpoint is an IPv4 address and UDP port.
type Endpoint struct {
	addrPort netip.AddrPort
}

// ParseEndpoint parses "A.B.C.D:PORT". Host names and IPv6 are rejected.
func ParseEndpoint(s string) (Endpoint, error) {
	addrPort, err := netip.ParseAddrPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w %q: %v", ErrInvalidAddress, s, err)
	}
	if !addrPort.Addr().Is4() {
		return Endpoint{}, fmt.Errorf("%w %q: not an IPv4 address", ErrInvalidAddress, s)
	}
	return Endpoint{addrPort: addrPort}, nil
}

func (e Endpoint) Addr() netip.Addr {
	return e.addrPort.Addr()
}

func (e Endpoint) Port() uint16 {
	return e.addrPort.Port()
}

// IsValid reports whether e came from a successful parse.
func (e Endpoint) IsValid() bool {
	return e.addrPort.IsValid()
}

func (e Endpoint) String() string {
	return e.addrPort.String()
}

func (e Endpoint) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(e.addrPort)
}
