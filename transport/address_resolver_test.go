package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMapper struct {
	mapping  *PortMapping
	err      error
	unmapErr error
	mapped   []int
	unmapped []int
}

func (m *fakeMapper) MapPort(ctx context.Context, port int) (*PortMapping, error) {
	m.mapped = append(m.mapped, port)
	if m.err != nil {
		return nil, m.err
	}
	return m.mapping, nil
}

func (m *fakeMapper) UnmapPort(ctx context.Context, port int) error {
	m.unmapped = append(m.unmapped, port)
	return m.unmapErr
}

type fakeDiscoverer struct {
	ip    net.IP
	err   error
	calls int
}

func (d *fakeDiscoverer) DiscoverIPv6(ctx context.Context) (net.IP, error) {
	d.calls++
	return d.ip, d.err
}

func TestResolver_Resolve(t *testing.T) {
	errNoGateway := errors.New("no gateway")
	errNoIPv6 := errors.New("no ipv6")

	tests := []struct {
		name       string
		mapper     *fakeMapper
		discoverer *fakeDiscoverer
		wantMethod Method
		wantAddr   string
		wantErr    bool
	}{
		{
			name: "mapping succeeds",
			mapper: &fakeMapper{mapping: &PortMapping{
				LocalIP: net.ParseIP("192.168.1.20"), Port: 8080, ExternalIP: net.ParseIP("203.0.113.7"),
			}},
			discoverer: &fakeDiscoverer{ip: net.ParseIP("2001:db8::1")},
			wantMethod: Mapped,
			wantAddr:   "192.168.1.20:8080",
		},
		{
			name:       "mapping fails, ipv6 fallback",
			mapper:     &fakeMapper{err: errNoGateway},
			discoverer: &fakeDiscoverer{ip: net.ParseIP("2001:db8::1")},
			wantMethod: Direct,
			wantAddr:   "[2001:db8::1]:8080",
		},
		{
			name:       "mapper returns ipv6 local address",
			mapper:     &fakeMapper{mapping: &PortMapping{LocalIP: net.ParseIP("fe80::1"), Port: 8080}},
			discoverer: &fakeDiscoverer{ip: net.ParseIP("2001:db8::1")},
			wantMethod: Direct,
			wantAddr:   "[2001:db8::1]:8080",
		},
		{
			name:       "both fail",
			mapper:     &fakeMapper{err: errNoGateway},
			discoverer: &fakeDiscoverer{err: errNoIPv6},
			wantErr:    true,
		},
		{
			name:       "discovered address is unique local",
			mapper:     &fakeMapper{err: errNoGateway},
			discoverer: &fakeDiscoverer{ip: net.ParseIP("fd00::1")},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolverWith(tt.mapper, tt.discoverer)
			res, err := r.Resolve(context.Background(), 8080)

			assert.Equal(t, []int{8080}, tt.mapper.mapped)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrReachability)
				assert.Nil(t, res)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantMethod, res.Method)
			assert.Equal(t, tt.wantAddr, res.Addr.String())
		})
	}
}

func TestResolver_ResolveJoinsBothCauses(t *testing.T) {
	errNoGateway := errors.New("no gateway")
	errNoIPv6 := errors.New("no ipv6")
	r := NewResolverWith(&fakeMapper{err: errNoGateway}, &fakeDiscoverer{err: errNoIPv6})

	_, err := r.Resolve(context.Background(), 9000)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReachability)
	assert.ErrorIs(t, err, errNoGateway)
	assert.ErrorIs(t, err, errNoIPv6)
}

func TestResolver_MappedSkipsDiscovery(t *testing.T) {
	d := &fakeDiscoverer{ip: net.ParseIP("2001:db8::1")}
	r := NewResolverWith(&fakeMapper{mapping: &PortMapping{LocalIP: net.IPv4(10, 0, 0, 2), Port: 8080}}, d)

	_, err := r.Resolve(context.Background(), 8080)
	require.NoError(t, err)
	assert.Zero(t, d.calls)
}

func TestResolver_LogsAddressFamily(t *testing.T) {
	tests := []struct {
		name       string
		mapper     *fakeMapper
		wantFamily string
	}{
		{
			name:       "mapped",
			mapper:     &fakeMapper{mapping: &PortMapping{LocalIP: net.IPv4(10, 0, 0, 2), Port: 8080}},
			wantFamily: "IPv4",
		},
		{
			name:       "direct",
			mapper:     &fakeMapper{err: errors.New("no gateway")},
			wantFamily: "IPv6",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hook := test.NewGlobal()
			defer hook.Reset()

			r := NewResolverWith(tt.mapper, &fakeDiscoverer{ip: net.ParseIP("2001:db8::1")})
			_, err := r.Resolve(context.Background(), 8080)
			require.NoError(t, err)

			var found bool
			for _, entry := range hook.AllEntries() {
				if entry.Message == "Resolved reachable address" {
					found = true
					assert.Equal(t, logrus.InfoLevel, entry.Level)
					assert.Equal(t, tt.wantFamily, entry.Data["address_family"])
				}
			}
			assert.True(t, found)
		})
	}
}

func TestResolver_NilStrategies(t *testing.T) {
	r := NewResolverWith(nil, &fakeDiscoverer{ip: net.ParseIP("2001:db8::5")})
	res, err := r.Resolve(context.Background(), 8080)
	require.NoError(t, err)
	assert.Equal(t, Direct, res.Method)

	r = NewResolverWith(nil, nil)
	_, err = r.Resolve(context.Background(), 8080)
	assert.ErrorIs(t, err, ErrReachability)
}

func TestResolver_InvalidPort(t *testing.T) {
	m := &fakeMapper{}
	r := NewResolverWith(m, &fakeDiscoverer{})

	for _, port := range []int{0, -1, 70000} {
		_, err := r.Resolve(context.Background(), port)
		assert.ErrorIs(t, err, ErrReachability)
	}
	assert.Empty(t, m.mapped)
}

func TestResolver_CancelledBeforeFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := &fakeDiscoverer{ip: net.ParseIP("2001:db8::1")}
	r := NewResolverWith(&fakeMapper{err: errors.New("no gateway")}, d)
	r.SetTimeout(time.Second)

	_, err := r.Resolve(ctx, 8080)
	assert.ErrorIs(t, err, ErrReachability)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, d.calls)
}

func TestResolver_Release(t *testing.T) {
	m := &fakeMapper{}
	r := NewResolverWith(m, nil)

	require.NoError(t, r.Release(context.Background(), nil))
	require.NoError(t, r.Release(context.Background(), &Resolution{
		Method: Direct, Addr: &net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 8080},
	}))
	assert.Empty(t, m.unmapped)

	require.NoError(t, r.Release(context.Background(), &Resolution{
		Method: Mapped, Addr: &net.TCPAddr{IP: net.IPv4(192, 168, 1, 2), Port: 8080},
	}))
	assert.Equal(t, []int{8080}, m.unmapped)

	m.unmapErr = errors.New("gateway gone")
	assert.Error(t, r.Release(context.Background(), &Resolution{
		Method: Mapped, Addr: &net.TCPAddr{IP: net.IPv4(192, 168, 1, 2), Port: 8081},
	}))
}

func TestResolution_Advertised(t *testing.T) {
	mapped := &Resolution{
		Method:     Mapped,
		Addr:       &net.TCPAddr{IP: net.IPv4(192, 168, 1, 2), Port: 8080},
		ExternalIP: net.ParseIP("203.0.113.7"),
	}
	assert.Equal(t, "203.0.113.7:8080", mapped.Advertised())

	mapped.ExternalIP = nil
	assert.Equal(t, "192.168.1.2:8080", mapped.Advertised())

	direct := &Resolution{Method: Direct, Addr: &net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 9000}}
	assert.Equal(t, "[2001:db8::1]:9000", direct.Advertised())
}

func TestMethodString(t *testing.T) {
	assert.Equal(t, "mapped", Mapped.String())
	assert.Equal(t, "direct", Direct.String())
	assert.Equal(t, "unknown", Method(0).String())
}

func TestIPv6Finder(t *testing.T) {
	global := &net.IPNet{IP: net.ParseIP("2001:db8::10"), Mask: net.CIDRMask(64, 128)}
	linkLocal := &net.IPNet{IP: net.ParseIP("fe80::1"), Mask: net.CIDRMask(64, 128)}
	ula := &net.IPNet{IP: net.ParseIP("fd12::1"), Mask: net.CIDRMask(64, 128)}
	v4 := &net.IPNet{IP: net.IPv4(192, 168, 0, 2), Mask: net.CIDRMask(24, 32)}

	t.Run("interface address", func(t *testing.T) {
		f := &IPv6Finder{interfaces: func() ([]net.Addr, error) {
			return []net.Addr{v4, linkLocal, ula, global}, nil
		}}
		ip, err := f.DiscoverIPv6(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "2001:db8::10", ip.String())
	})

	t.Run("no global address and no stun", func(t *testing.T) {
		f := &IPv6Finder{interfaces: func() ([]net.Addr, error) {
			return []net.Addr{v4, linkLocal, ula}, nil
		}}
		_, err := f.DiscoverIPv6(context.Background())
		assert.Error(t, err)
	})

	t.Run("stun fallback", func(t *testing.T) {
		stunClient := NewSTUNClient()
		stunClient.SetNetwork("udp4")
		stunClient.SetTimeout(time.Second)
		stunClient.SetServers(startSTUNServer(t, net.ParseIP("2001:db8::99")))

		f := &IPv6Finder{
			stunClient: stunClient,
			interfaces: func() ([]net.Addr, error) { return nil, nil },
		}
		ip, err := f.DiscoverIPv6(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "2001:db8::99", ip.String())
	})
}

func TestIsGlobalIPv6(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"2001:db8::1", true},
		{"2a00:1450:4001::1", true},
		{"fe80::1", false},
		{"fd00::1", false},
		{"fc00::1", false},
		{"::1", false},
		{"ff02::1", false},
		{"192.168.1.1", false},
		{"8.8.8.8", false},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.want, isGlobalIPv6(net.ParseIP(tt.ip)))
		})
	}
}
