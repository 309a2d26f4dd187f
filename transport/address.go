// Package transport implements network transport for peerdrop.
//
// This file provides address helpers shared by the server, the client and the
// reachability resolver.
package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is the port a server advertises when none is configured.
const DefaultPort = 8080

// AddressType represents the IP family of an advertised address.
type AddressType uint8

const (
	// AddressTypeIPv4 represents IPv4 addresses, reachable through a port mapping.
	AddressTypeIPv4 AddressType = 0x01
	// AddressTypeIPv6 represents IPv6 addresses, reachable directly.
	AddressTypeIPv6 AddressType = 0x02
	// AddressTypeUnknown represents anything that is not an IP address.
	AddressTypeUnknown AddressType = 0xFF
)

// String returns a human-readable representation of the AddressType.
func (at AddressType) String() string {
	switch at {
	case AddressTypeIPv4:
		return "IPv4"
	case AddressTypeIPv6:
		return "IPv6"
	case AddressTypeUnknown:
		return "Unknown"
	default:
		return fmt.Sprintf("AddressType(%d)", uint8(at))
	}
}

// AddressTypeOf returns the family of ip.
func AddressTypeOf(ip net.IP) AddressType {
	switch {
	case ip == nil:
		return AddressTypeUnknown
	case ip.To4() != nil:
		return AddressTypeIPv4
	case len(ip) == net.IPv6len:
		return AddressTypeIPv6
	default:
		return AddressTypeUnknown
	}
}

// ParseServerAddress parses a server address given as "ip", "ip:port",
// "[ipv6]:port" or a bare IPv6 address. A missing port is replaced by
// defaultPort. Host names are not accepted: peers exchange literal addresses.
func ParseServerAddress(s string, defaultPort int) (*net.TCPAddr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty server address")
	}

	if ip := net.ParseIP(strings.Trim(s, "[]")); ip != nil {
		return &net.TCPAddr{IP: ip, Port: defaultPort}, nil
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", s, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("invalid server address %q: host must be an IP address", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid server address %q: bad port %q", s, portStr)
	}
	return &net.TCPAddr{IP: ip, Port: port}, nil
}
