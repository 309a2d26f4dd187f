package peerdrop

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerdrop/client"
	"github.com/opd-ai/peerdrop/file"
	"github.com/opd-ai/peerdrop/protocol"
	"github.com/opd-ai/peerdrop/server"
	"github.com/opd-ai/peerdrop/transport"
)

var (
	// ErrServerExists is returned by CreateServer while the server slot is taken.
	ErrServerExists = errors.New("peerdrop: server already exists")
	// ErrClientExists is returned by CreateClient while the client slot is taken.
	ErrClientExists = errors.New("peerdrop: client already exists")
	// ErrNoServer is returned by server operations on an empty slot.
	ErrNoServer = errors.New("peerdrop: no server")
	// ErrNoClient is returned by client operations on an empty slot.
	ErrNoClient = errors.New("peerdrop: no client")
)

// Resolver determines the address a server advertises and undoes any
// gateway state behind it. *transport.Resolver implements it.
type Resolver interface {
	Resolve(ctx context.Context, port int) (*transport.Resolution, error)
	Release(ctx context.Context, res *transport.Resolution) error
}

// staticResolver advertises a configured address without discovery.
type staticResolver struct {
	addr string
}

func (s staticResolver) Resolve(ctx context.Context, port int) (*transport.Resolution, error) {
	hostPort := s.addr
	if _, _, err := net.SplitHostPort(hostPort); err != nil {
		hostPort = net.JoinHostPort(strings.Trim(hostPort, "[]"), strconv.Itoa(port))
	}
	addr, err := net.ResolveTCPAddr("tcp", hostPort)
	if err != nil {
		return nil, fmt.Errorf("listen address %q: %w", s.addr, err)
	}
	return &transport.Resolution{Method: transport.Static, Addr: addr}, nil
}

func (staticResolver) Release(ctx context.Context, res *transport.Resolution) error {
	return nil
}

// serverSlot is the content of the Host's server slot. srv is nil in the
// reservation held while CreateServer resolves and binds.
type serverSlot struct {
	srv     *server.Server
	res     *transport.Resolution
	started atomic.Bool
	once    sync.Once
}

// Host owns at most one server and one client. Each slot is either empty or
// holds one active instance; creating into a full slot fails instead of
// replacing the instance. All methods are safe for concurrent use.
type Host struct {
	opts     *Options
	resolver Resolver

	server atomic.Pointer[serverSlot]
	client atomic.Pointer[client.Client]
}

// NewHost creates a Host. A nil opts selects NewOptions.
func NewHost(opts *Options) (*Host, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Host{opts: opts, resolver: opts.newResolver()}, nil
}

// NewHostWithResolver creates a Host that uses resolver instead of the one
// described by opts.
func NewHostWithResolver(opts *Options, resolver Resolver) (*Host, error) {
	h, err := NewHost(opts)
	if err != nil {
		return nil, err
	}
	h.resolver = resolver
	return h, nil
}

// Options returns the host's options.
func (h *Host) Options() *Options {
	return h.opts
}

// CreateServer resolves a reachable address, binds a server there serving
// localPath and returns the resolution. It fails with ErrServerExists when
// a server already exists, with an error wrapping transport.ErrReachability
// when no address can be advertised and with transport.ErrBind when the
// address cannot be bound.
func (h *Host) CreateServer(ctx context.Context, localPath string) (*transport.Resolution, error) {
	// The empty reservation keeps a concurrent CreateServer out while this
	// one resolves and binds.
	reservation := &serverSlot{}
	if !h.server.CompareAndSwap(nil, reservation) {
		return nil, ErrServerExists
	}

	srv, res, err := h.bindServer(ctx, localPath)
	if err != nil {
		h.server.CompareAndSwap(reservation, nil)
		return nil, err
	}
	h.server.CompareAndSwap(reservation, &serverSlot{srv: srv, res: res})

	logrus.WithFields(logrus.Fields{
		"function":   "CreateServer",
		"method":     res.Method.String(),
		"bind_addr":  res.Addr.String(),
		"advertised": res.Advertised(),
		"root":       srv.Root(),
	}).Info("Server created")
	return res, nil
}

func (h *Host) bindServer(ctx context.Context, localPath string) (*server.Server, *transport.Resolution, error) {
	// Reject a bad root before touching the gateway.
	if _, err := file.NewRoot(localPath); err != nil {
		return nil, nil, err
	}

	res, err := h.resolver.Resolve(ctx, h.opts.Port)
	if err != nil {
		return nil, nil, err
	}

	srv, err := server.New(ctx, h.opts.serverConfig(res.Addr.String(), localPath))
	if err != nil {
		if releaseErr := h.resolver.Release(context.WithoutCancel(ctx), res); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
		return nil, nil, err
	}

	if bound, ok := srv.Addr().(*net.TCPAddr); ok {
		res.Addr = bound
	}
	return srv, res, nil
}

// Server returns the server in the slot, or nil.
func (h *Host) Server() *server.Server {
	if slot := h.server.Load(); slot != nil {
		return slot.srv
	}
	return nil
}

// StartServing runs the server's accept loop on a background goroutine.
// The returned channel receives the loop's final result once the server
// stops and is then closed; by that time the slot is empty again.
func (h *Host) StartServing() (<-chan error, error) {
	slot := h.server.Load()
	if slot == nil || slot.srv == nil {
		return nil, ErrNoServer
	}
	if !slot.started.CompareAndSwap(false, true) {
		return nil, server.ErrAlreadyServing
	}

	result := make(chan error, 1)
	go func() {
		err := slot.srv.Serve(context.Background())
		h.retire(slot)
		result <- err
		close(result)
	}()
	return result, nil
}

// RequestStop stops the server. A session in progress finishes first. It is
// safe to call any number of times, also on an empty slot.
func (h *Host) RequestStop() {
	slot := h.server.Load()
	if slot == nil || slot.srv == nil {
		return
	}
	slot.srv.Stop()
	if !slot.started.Load() {
		h.retire(slot)
	}
}

// retire releases the slot's port mapping and empties the slot.
func (h *Host) retire(slot *serverSlot) {
	slot.once.Do(func() {
		if err := h.resolver.Release(context.Background(), slot.res); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "retire",
				"error":    err.Error(),
			}).Warn("Failed to release reachability")
		}
		h.server.CompareAndSwap(slot, nil)
	})
}

// CreateClient creates the client for serverAddr working in localPath. No
// connection is made.
func (h *Host) CreateClient(localPath, serverAddr string) error {
	c, err := client.New(localPath, serverAddr, h.opts.clientOptions())
	if err != nil {
		return err
	}
	if !h.client.CompareAndSwap(nil, c) {
		return ErrClientExists
	}
	return nil
}

// Client returns the client in the slot, or nil.
func (h *Host) Client() *client.Client {
	return h.client.Load()
}

// ConnectClient connects the client. Failures wrap transport.ErrConnect.
func (h *Host) ConnectClient(ctx context.Context) error {
	c := h.client.Load()
	if c == nil {
		return ErrNoClient
	}
	return c.Connect(ctx)
}

// IssueRequest sends req on the connected client.
func (h *Host) IssueRequest(ctx context.Context, req protocol.Request) error {
	c := h.client.Load()
	if c == nil {
		return ErrNoClient
	}
	return c.SendRequest(ctx, req)
}

// UploadFrom sends the file or tree at localPath after an Upload request.
func (h *Host) UploadFrom(ctx context.Context, localPath string) (*file.Summary, error) {
	c := h.client.Load()
	if c == nil {
		return nil, ErrNoClient
	}
	return c.Send(ctx, localPath)
}

// DownloadInto receives the files of a Get request into the client's
// local directory.
func (h *Host) DownloadInto(ctx context.Context) (*file.Summary, error) {
	c := h.client.Load()
	if c == nil {
		return nil, ErrNoClient
	}
	return c.Download(ctx)
}

// ReleaseClient closes the client and empties its slot.
func (h *Host) ReleaseClient() error {
	c := h.client.Swap(nil)
	if c == nil {
		return nil
	}
	return c.Close()
}

// Close stops the server and releases the client.
func (h *Host) Close() error {
	h.RequestStop()
	return h.ReleaseClient()
}
