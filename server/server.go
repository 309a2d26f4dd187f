package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerdrop/file"
	"github.com/opd-ai/peerdrop/limits"
	"github.com/opd-ai/peerdrop/transport"
)

// DefaultIOTimeout bounds every single read or write within a session.
const DefaultIOTimeout = 2 * time.Minute

// State is the lifecycle state of a Server.
type State uint8

const (
	// StateUnbound means no listener exists yet.
	StateUnbound State = iota
	// StateBound means the listener is bound but Serve has not been called.
	StateBound
	// StateListening means Serve is waiting for the next connection.
	StateListening
	// StateServing means a session is in progress.
	StateServing
	// StateStopped means the listener is closed for good.
	StateStopped
)

// String returns the string representation of the State
func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBound:
		return "bound"
	case StateListening:
		return "listening"
	case StateServing:
		return "serving"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Config configures a Server.
type Config struct {
	// Addr is the TCP address to bind, for example "0.0.0.0:8080".
	Addr string
	// Root is the directory served to and written by clients.
	Root string
	// BufferSize is the chunk size in bytes. Zero selects limits.DefaultBufferSize.
	BufferSize int
	// AllowOverwrite lets uploads replace existing files.
	AllowOverwrite bool
	// IOTimeout bounds each read or write. Zero selects DefaultIOTimeout;
	// a negative value disables it.
	IOTimeout time.Duration
	// RateLimit caps each session's throughput in bytes per second. Zero means unlimited.
	RateLimit int
	// TimeProvider overrides the clock used for transfer statistics.
	TimeProvider file.TimeProvider
}

// Server accepts connections and serves one session per connection.
type Server struct {
	cfg      Config
	root     *file.Root
	listener net.Listener

	mu        sync.Mutex
	state     State
	onSession func(SessionResult)

	stopOnce sync.Once
	done     chan struct{}
}

// New validates the root directory and binds the listener. It fails with
// file.ErrNotDirectory when cfg.Root is unusable and with transport.ErrBind
// when the address cannot be bound.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.BufferSize == 0 {
		cfg.BufferSize = limits.DefaultBufferSize
	}
	if err := limits.ValidateBufferSize(cfg.BufferSize); err != nil {
		return nil, err
	}
	switch {
	case cfg.IOTimeout == 0:
		cfg.IOTimeout = DefaultIOTimeout
	case cfg.IOTimeout < 0:
		cfg.IOTimeout = 0
	}

	root, err := file.NewRoot(cfg.Root)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "New",
			"root":     cfg.Root,
			"error":    err.Error(),
		}).Error("Invalid server root")
		return nil, err
	}

	listener, err := transport.Listen(ctx, cfg.Addr)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":        "New",
		"local_addr":      listener.Addr().String(),
		"root":            root.Dir(),
		"buffer_size":     cfg.BufferSize,
		"allow_overwrite": cfg.AllowOverwrite,
	}).Info("Server bound")

	return &Server{
		cfg:      cfg,
		root:     root,
		listener: listener,
		state:    StateBound,
		done:     make(chan struct{}),
	}, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Root returns the absolute directory the server is confined to.
func (s *Server) Root() string {
	return s.root.Dir()
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnSession registers a callback invoked after every session. It runs on the
// serving goroutine.
func (s *Server) OnSession(callback func(SessionResult)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSession = callback
}

// Serve accepts connections until Stop is called or ctx is done. Sessions
// are handled one at a time on the calling goroutine. It returns nil after a
// requested stop, ErrServerClosed if the server was already stopped, and the
// accept error if the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		return ErrServerClosed
	case StateListening, StateServing:
		s.mu.Unlock()
		return ErrAlreadyServing
	}
	s.state = StateListening
	s.mu.Unlock()

	stopWatch := context.AfterFunc(ctx, s.Stop)
	defer stopWatch()

	logrus.WithFields(logrus.Fields{
		"function":   "Serve",
		"local_addr": s.listener.Addr().String(),
	}).Info("Server listening")

	// Sessions must not be cut short by a stop request.
	sessionCtx := context.WithoutCancel(ctx)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.stopping() {
				s.setState(StateStopped)
				logrus.WithFields(logrus.Fields{
					"function": "Serve",
				}).Info("Server stopped")
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			logrus.WithFields(logrus.Fields{
				"function": "Serve",
				"error":    err.Error(),
			}).Error("Accept failed")
			s.Stop()
			s.setState(StateStopped)
			return fmt.Errorf("server: accept: %w", err)
		}

		s.setState(StateServing)
		result := s.serveSession(sessionCtx, conn)

		s.mu.Lock()
		callback := s.onSession
		s.mu.Unlock()
		if callback != nil {
			callback(result)
		}

		if s.stopping() {
			s.setState(StateStopped)
			logrus.WithFields(logrus.Fields{
				"function": "Serve",
			}).Info("Server stopped after finishing session")
			return nil
		}
		s.setState(StateListening)
	}
}

// Stop closes the listener. It is safe to call more than once and from any
// goroutine. A session in progress runs to completion.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if err := s.listener.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Stop",
				"error":    err.Error(),
			}).Warn("Failed to close listener")
		}

		s.mu.Lock()
		if s.state == StateBound {
			s.state = StateStopped
		}
		s.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "Stop",
		}).Info("Server stop requested")
	})
}

// Done returns a channel that is closed once Stop has been called.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) stopping() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Server) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
