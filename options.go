package peerdrop

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/peerdrop/client"
	"github.com/opd-ai/peerdrop/limits"
	"github.com/opd-ai/peerdrop/server"
	"github.com/opd-ai/peerdrop/transport"
)

// ErrInvalidOptions is wrapped by every error returned from Options.Validate.
var ErrInvalidOptions = errors.New("invalid options")

// Options contains the configuration shared by servers and clients.
type Options struct {
	// Port is the port a server maps or binds. Zero binds a free port and
	// only makes sense together with Listen.
	Port int `yaml:"port"`
	// Listen, when set, is bound as is and reachability discovery is skipped.
	Listen string `yaml:"listen"`
	// BufferSize is the transfer chunk size in bytes.
	BufferSize int `yaml:"buffer_size"`
	// AllowOverwrite lets received files replace existing ones.
	AllowOverwrite bool `yaml:"allow_overwrite"`
	// IOTimeout bounds each read or write. Zero disables the bound.
	IOTimeout time.Duration `yaml:"io_timeout"`
	// DialTimeout bounds a client's connection attempt.
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// ResolveTimeout bounds each reachability step.
	ResolveTimeout time.Duration `yaml:"resolve_timeout"`
	// RateLimit caps transfer throughput in bytes per second. Zero means unlimited.
	RateLimit int `yaml:"rate_limit"`
	// DisablePortMapping skips UPnP and goes straight to IPv6 discovery.
	DisablePortMapping bool `yaml:"disable_port_mapping"`
	// MappingLease is the lease requested for a port mapping. Zero asks
	// the gateway for a permanent one.
	MappingLease time.Duration `yaml:"mapping_lease"`
	// STUNServers replaces the default STUN servers used for IPv6 discovery.
	STUNServers []string `yaml:"stun_servers"`
}

// NewOptions creates a new Options instance with default values.
func NewOptions() *Options {
	return &Options{
		Port:           transport.DefaultPort,
		BufferSize:     limits.DefaultBufferSize,
		IOTimeout:      server.DefaultIOTimeout,
		DialTimeout:    client.DefaultDialTimeout,
		ResolveTimeout: 15 * time.Second,
	}
}

// LoadOptions decodes YAML from r over the defaults. Unknown keys are errors.
// An empty document yields the defaults.
func LoadOptions(r io.Reader) (*Options, error) {
	opts := NewOptions()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(opts); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// LoadOptionsFile reads options from the YAML file at path.
func LoadOptionsFile(path string) (*Options, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	opts, err := LoadOptions(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "LoadOptionsFile",
		"path":     path,
	}).Debug("Loaded options file")
	return opts, nil
}

// Validate checks every field against its allowed range.
func (o *Options) Validate() error {
	if o.Port < 0 || o.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidOptions, o.Port)
	}
	if o.Port == 0 && o.Listen == "" {
		return fmt.Errorf("%w: port 0 requires a listen address", ErrInvalidOptions)
	}
	if err := limits.ValidateBufferSize(o.BufferSize); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"io_timeout", o.IOTimeout},
		{"dial_timeout", o.DialTimeout},
		{"resolve_timeout", o.ResolveTimeout},
		{"mapping_lease", o.MappingLease},
	}
	for _, d := range durations {
		if d.value < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidOptions, d.name)
		}
	}
	if o.MappingLease > 0 && o.MappingLease < time.Second {
		return fmt.Errorf("%w: mapping_lease below one second", ErrInvalidOptions)
	}
	if o.RateLimit < 0 {
		return fmt.Errorf("%w: rate_limit must not be negative", ErrInvalidOptions)
	}
	return nil
}

// ioTimeout converts IOTimeout to the engines' convention, where zero
// selects their default and a negative value disables the bound.
func (o *Options) ioTimeout() time.Duration {
	if o.IOTimeout == 0 {
		return -1
	}
	return o.IOTimeout
}

func (o *Options) serverConfig(addr, root string) server.Config {
	return server.Config{
		Addr:           addr,
		Root:           root,
		BufferSize:     o.BufferSize,
		AllowOverwrite: o.AllowOverwrite,
		IOTimeout:      o.ioTimeout(),
		RateLimit:      o.RateLimit,
	}
}

func (o *Options) clientOptions() client.Options {
	return client.Options{
		BufferSize:     o.BufferSize,
		DialTimeout:    o.DialTimeout,
		IOTimeout:      o.ioTimeout(),
		RateLimit:      o.RateLimit,
		AllowOverwrite: o.AllowOverwrite,
	}
}

// newResolver builds the reachability resolver described by the options.
func (o *Options) newResolver() Resolver {
	if o.Listen != "" {
		return staticResolver{addr: o.Listen}
	}

	var mapper transport.PortMapper
	if !o.DisablePortMapping {
		upnp := transport.NewUPnPClient()
		upnp.SetLeaseDuration(o.MappingLease)
		mapper = upnp
	}

	stunClient := transport.NewSTUNClient()
	if len(o.STUNServers) > 0 {
		stunClient.SetServers(o.STUNServers...)
	}

	resolver := transport.NewResolverWith(mapper, transport.NewIPv6FinderWith(stunClient))
	if o.ResolveTimeout > 0 {
		resolver.SetTimeout(o.ResolveTimeout)
	}
	return resolver
}
