// Package transport implements network transport for peerdrop.
//
// This file implements the reachability resolver: it picks the address a
// server advertises, first by asking the gateway for a port mapping and then
// by discovering a globally routable IPv6 address.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// Method reports how a Resolution was obtained.
type Method uint8

const (
	// Mapped means a NAT port mapping forwards the port to a local IPv4 address.
	Mapped Method = iota + 1
	// Direct means the host is reachable without a mapping, over IPv6.
	Direct
	// Static means the address was configured rather than discovered.
	Static
)

// String returns the string representation of the Method
func (m Method) String() string {
	switch m {
	case Mapped:
		return "mapped"
	case Direct:
		return "direct"
	case Static:
		return "static"
	default:
		return "unknown"
	}
}

// Resolution is the outcome of a successful reachability check.
type Resolution struct {
	Method Method
	// Addr is the local address the server binds to.
	Addr *net.TCPAddr
	// ExternalIP is the gateway's public address for Mapped results, when
	// the gateway reported it.
	ExternalIP net.IP
}

// Advertised returns the address a remote client should dial.
func (r *Resolution) Advertised() string {
	if r.Method == Mapped && r.ExternalIP != nil {
		return (&net.TCPAddr{IP: r.ExternalIP, Port: r.Addr.Port}).String()
	}
	return r.Addr.String()
}

// PortMapping describes a forwarded port on the gateway.
type PortMapping struct {
	LocalIP    net.IP
	Port       int
	ExternalIP net.IP
}

// PortMapper creates and removes NAT port mappings.
type PortMapper interface {
	MapPort(ctx context.Context, port int) (*PortMapping, error)
	UnmapPort(ctx context.Context, port int) error
}

// IPv6Discoverer finds a globally routable IPv6 address for this host.
type IPv6Discoverer interface {
	DiscoverIPv6(ctx context.Context) (net.IP, error)
}

// Resolver determines the address a server should advertise.
type Resolver struct {
	mapper     PortMapper
	discoverer IPv6Discoverer
	timeout    time.Duration
}

// NewResolver creates a resolver using UPnP for port mapping and interface
// enumeration plus STUN for IPv6 discovery.
func NewResolver() *Resolver {
	return NewResolverWith(NewUPnPClient(), NewIPv6Finder())
}

// NewResolverWith creates a resolver from explicit strategies. Either may be
// nil to skip that step.
func NewResolverWith(mapper PortMapper, discoverer IPv6Discoverer) *Resolver {
	return &Resolver{
		mapper:     mapper,
		discoverer: discoverer,
		timeout:    10 * time.Second,
	}
}

// SetTimeout bounds each resolution step.
func (r *Resolver) SetTimeout(timeout time.Duration) {
	r.timeout = timeout
}

// Resolve returns a Mapped resolution when the gateway forwards
// preferredPort, otherwise a Direct IPv6 resolution on preferredPort. When
// both steps fail the error wraps ErrReachability and both causes.
func (r *Resolver) Resolve(ctx context.Context, preferredPort int) (*Resolution, error) {
	if preferredPort <= 0 || preferredPort > 65535 {
		return nil, newError("resolve", "", ErrReachability, fmt.Errorf("invalid port %d", preferredPort))
	}

	res, mapErr := r.resolveMapped(ctx, preferredPort)
	if mapErr == nil {
		r.logResolution(res)
		return res, nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "Resolve",
		"port":     preferredPort,
		"error":    mapErr.Error(),
	}).Info("Port mapping unavailable, falling back to IPv6")

	if err := ctx.Err(); err != nil {
		return nil, newError("resolve", "", ErrReachability, errors.Join(mapErr, err))
	}

	res, directErr := r.resolveDirect(ctx, preferredPort)
	if directErr == nil {
		r.logResolution(res)
		return res, nil
	}

	return nil, newError("resolve", "", ErrReachability,
		errors.Join(fmt.Errorf("port mapping: %w", mapErr), fmt.Errorf("ipv6 discovery: %w", directErr)))
}

func (r *Resolver) resolveMapped(ctx context.Context, port int) (*Resolution, error) {
	if r.mapper == nil {
		return nil, errors.New("no port mapper configured")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	m, err := r.mapper.MapPort(ctx, port)
	if err != nil {
		return nil, err
	}
	if m.LocalIP == nil || m.LocalIP.To4() == nil {
		return nil, fmt.Errorf("port mapper returned non-IPv4 local address %v", m.LocalIP)
	}

	return &Resolution{
		Method:     Mapped,
		Addr:       &net.TCPAddr{IP: m.LocalIP, Port: m.Port},
		ExternalIP: m.ExternalIP,
	}, nil
}

func (r *Resolver) resolveDirect(ctx context.Context, port int) (*Resolution, error) {
	if r.discoverer == nil {
		return nil, errors.New("no IPv6 discoverer configured")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ip, err := r.discoverer.DiscoverIPv6(ctx)
	if err != nil {
		return nil, err
	}
	if !isGlobalIPv6(ip) {
		return nil, fmt.Errorf("discovered address %v is not a global IPv6 address", ip)
	}

	return &Resolution{
		Method: Direct,
		Addr:   &net.TCPAddr{IP: ip, Port: port},
	}, nil
}

// Release removes the port mapping behind res, if any. Direct resolutions
// need no cleanup.
func (r *Resolver) Release(ctx context.Context, res *Resolution) error {
	if res == nil || res.Method != Mapped || r.mapper == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.mapper.UnmapPort(ctx, res.Addr.Port); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Release",
			"port":     res.Addr.Port,
			"error":    err.Error(),
		}).Warn("Failed to remove port mapping")
		return err
	}
	return nil
}

func (r *Resolver) logResolution(res *Resolution) {
	fields := logrus.Fields{
		"function": "Resolve",
		"method":   res.Method.String(),
		"address":  res.Addr.String(),
		// Mapped results advertise IPv4, Direct results IPv6.
		"address_family": AddressTypeOf(res.Addr.IP).String(),
	}
	if res.ExternalIP != nil {
		fields["external_ip"] = res.ExternalIP.String()
	}
	logrus.WithFields(fields).Info("Resolved reachable address")
}

// MapPort discovers the gateway and forwards TCP port to this host on the
// same port number. The external IP is looked up on a best-effort basis.
func (uc *UPnPClient) MapPort(ctx context.Context, port int) (*PortMapping, error) {
	if err := uc.DiscoverGateway(ctx); err != nil {
		return nil, err
	}

	localIP := uc.LocalIP()
	mapping := UPnPMapping{
		ExternalPort: port,
		InternalPort: port,
		InternalIP:   localIP.String(),
		Protocol:     "TCP",
		Description:  "peerdrop",
		Duration:     uc.leaseDuration,
	}
	if err := uc.AddPortMapping(ctx, mapping); err != nil {
		return nil, fmt.Errorf("failed to add port mapping: %w", err)
	}

	result := &PortMapping{LocalIP: localIP, Port: port}
	if ip, err := uc.GetExternalIPAddress(ctx); err == nil {
		result.ExternalIP = ip
	} else {
		logrus.WithFields(logrus.Fields{
			"function": "MapPort",
			"error":    err.Error(),
		}).Debug("Gateway did not report an external IP")
	}
	return result, nil
}

// UnmapPort removes the TCP mapping created by MapPort.
func (uc *UPnPClient) UnmapPort(ctx context.Context, port int) error {
	return uc.DeletePortMapping(ctx, port, "TCP")
}

// IPv6Finder discovers a global IPv6 address from local interfaces and falls
// back to STUN when none is configured directly.
type IPv6Finder struct {
	stunClient *STUNClient
	interfaces func() ([]net.Addr, error)
}

// NewIPv6Finder creates an IPv6Finder using the host's interfaces and the
// default STUN servers.
func NewIPv6Finder() *IPv6Finder {
	return NewIPv6FinderWith(NewSTUNClient())
}

// NewIPv6FinderWith creates an IPv6Finder that falls back to stunClient. A
// nil stunClient limits discovery to local interfaces.
func NewIPv6FinderWith(stunClient *STUNClient) *IPv6Finder {
	return &IPv6Finder{
		stunClient: stunClient,
		interfaces: interfaceAddrs,
	}
}

// DiscoverIPv6 implements IPv6Discoverer.
func (f *IPv6Finder) DiscoverIPv6(ctx context.Context) (net.IP, error) {
	ip, ifErr := f.findPublicIPv6FromInterfaces()
	if ifErr == nil {
		return ip, nil
	}

	if f.stunClient == nil {
		return nil, ifErr
	}

	ip, err := f.stunClient.DiscoverPublicIP(ctx)
	if err != nil {
		return nil, errors.Join(ifErr, err)
	}
	if !isGlobalIPv6(ip) {
		return nil, fmt.Errorf("STUN reported non-global address %v", ip)
	}
	return ip, nil
}

// findPublicIPv6FromInterfaces returns the first global unicast IPv6
// address assigned to an interface that is up.
func (f *IPv6Finder) findPublicIPv6FromInterfaces() (net.IP, error) {
	addrs, err := f.interfaces()
	if err != nil {
		return nil, err
	}

	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if isGlobalIPv6(ipnet.IP) {
			return ipnet.IP, nil
		}
	}

	return nil, errors.New("no global IPv6 address found on interfaces")
}

// interfaceAddrs lists addresses of non-loopback interfaces that are up.
func interfaceAddrs() ([]net.Addr, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var result []net.Addr
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		result = append(result, addrs...)
	}
	return result, nil
}

// isGlobalIPv6 reports whether ip is an IPv6 global unicast address outside
// the unique local range fc00::/7.
func isGlobalIPv6(ip net.IP) bool {
	if ip == nil || ip.To4() != nil || ip.To16() == nil {
		return false
	}
	if !ip.IsGlobalUnicast() || ip.IsPrivate() {
		return false
	}
	return true
}
