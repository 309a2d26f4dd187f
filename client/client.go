package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerdrop/file"
	"github.com/opd-ai/peerdrop/limits"
	"github.com/opd-ai/peerdrop/protocol"
	"github.com/opd-ai/peerdrop/transport"
)

const (
	// DefaultDialTimeout bounds Connect when Options.DialTimeout is zero.
	DefaultDialTimeout = 10 * time.Second
	// DefaultIOTimeout bounds each read or write when Options.IOTimeout is zero.
	DefaultIOTimeout = 2 * time.Minute

	// refusalWait bounds the attempt to read the server's verdict after an
	// upload broke off.
	refusalWait = 2 * time.Second
)

// State is the position of a Client in its session.
type State uint8

const (
	// StateUnconnected means no connection is open.
	StateUnconnected State = iota
	// StateConnected means a connection is open and no request was sent.
	StateConnected
	// StateRequestSent means the server accepted the request.
	StateRequestSent
	// StateTransferring means a transfer frame is being sent or received.
	StateTransferring
	// StateDone means the session completed and the connection is closed.
	StateDone
	// StateFailed means the session failed and the connection is closed.
	StateFailed
)

// String returns the string representation of the State
func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnected:
		return "connected"
	case StateRequestSent:
		return "request-sent"
	case StateTransferring:
		return "transferring"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Options configures a Client. The zero value is usable.
type Options struct {
	// BufferSize is the chunk size in bytes. Zero selects limits.DefaultBufferSize.
	BufferSize int
	// DialTimeout bounds Connect. Zero selects DefaultDialTimeout.
	DialTimeout time.Duration
	// IOTimeout bounds each read or write. Zero selects DefaultIOTimeout; a
	// negative value disables it.
	IOTimeout time.Duration
	// RateLimit caps throughput in bytes per second. Zero means unlimited.
	RateLimit int
	// AllowOverwrite lets Download replace existing local files.
	AllowOverwrite bool
	// TimeProvider overrides the clock used for transfer statistics.
	TimeProvider file.TimeProvider
}

// Client runs one session at a time against a server: Connect, SendRequest,
// then Send or Download. After the session ends in StateDone or StateFailed
// the same Client may Connect again.
//
// Session methods must not be called concurrently. State may be called from
// any goroutine.
type Client struct {
	localDir   string
	serverAddr *net.TCPAddr
	opts       Options

	mu    sync.Mutex
	state State

	conn       *transport.Conn
	request    protocol.Request
	onProgress file.ProgressFunc
}

// New creates a client for the server at serverAddr whose local files live
// in localDir. serverAddr may omit the port, in which case
// transport.DefaultPort is used. New performs no I/O.
func New(localDir, serverAddr string, opts Options) (*Client, error) {
	if localDir == "" {
		localDir = "."
	}
	addr, err := transport.ParseServerAddress(serverAddr, transport.DefaultPort)
	if err != nil {
		return nil, err
	}

	if opts.BufferSize == 0 {
		opts.BufferSize = limits.DefaultBufferSize
	}
	if err := limits.ValidateBufferSize(opts.BufferSize); err != nil {
		return nil, err
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	switch {
	case opts.IOTimeout == 0:
		opts.IOTimeout = DefaultIOTimeout
	case opts.IOTimeout < 0:
		opts.IOTimeout = 0
	}

	return &Client{
		localDir:   localDir,
		serverAddr: addr,
		opts:       opts,
	}, nil
}

// LocalDir returns the directory uploads are read from and downloads written to.
func (c *Client) LocalDir() string {
	return c.localDir
}

// ServerAddr returns the server address.
func (c *Client) ServerAddr() *net.TCPAddr {
	return c.serverAddr
}

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnProgress registers a callback for per-file progress of Send and Download.
func (c *Client) OnProgress(callback file.ProgressFunc) {
	c.onProgress = callback
}

// Connect opens a connection to the server. Failures wrap
// transport.ErrConnect and leave the client unconnected, so Connect may be
// retried.
func (c *Client) Connect(ctx context.Context) error {
	switch c.State() {
	case StateConnected, StateRequestSent, StateTransferring:
		return ErrAlreadyConnected
	}

	raw, err := transport.Dial(ctx, c.serverAddr.String(), c.opts.DialTimeout)
	if err != nil {
		c.setState(StateUnconnected)
		return err
	}

	c.conn = transport.NewConn(raw, transport.ConnOptions{
		BufferSize: c.opts.BufferSize,
		IOTimeout:  c.opts.IOTimeout,
		Limiter:    transport.NewLimiter(c.opts.RateLimit, c.opts.BufferSize),
	})
	c.request = protocol.Request{}
	c.setState(StateConnected)

	c.log().WithFields(logrus.Fields{
		"function":   "Connect",
		"local_addr": c.conn.LocalAddr().String(),
	}).Info("Connected to server")
	return nil
}

// SendRequest writes req and waits for the server to accept it. A refusal is
// returned as a *protocol.StatusError and ends the session. Calling it other
// than directly after Connect fails with protocol.ErrInvalidState and
// performs no I/O.
func (c *Client) SendRequest(ctx context.Context, req protocol.Request) error {
	if state := c.State(); state != StateConnected {
		return invalidState("SendRequest", state)
	}
	if err := req.Validate(); err != nil {
		return err
	}

	if err := protocol.WriteRequest(c.conn.WriterContext(ctx), req); err != nil {
		return c.fail("SendRequest", err)
	}
	c.request = req
	c.setState(StateRequestSent)

	if err := c.readStatus(ctx); err != nil {
		return c.fail("SendRequest", err)
	}

	c.log().WithFields(logrus.Fields{
		"function": "SendRequest",
		"request":  req.String(),
	}).Debug("Request accepted")
	return nil
}

// Send uploads the file or directory tree at localPath, which is relative to
// the local directory unless absolute, and waits for the server to confirm
// every file was stored. It is valid only after an accepted Upload request.
// An unreadable local path wraps file.ErrIO; a dropped connection wraps
// transport.ErrTransport.
func (c *Client) Send(ctx context.Context, localPath string) (*file.Summary, error) {
	if state := c.State(); state != StateRequestSent || c.request.Kind != protocol.KindUpload {
		return nil, invalidState("Send", state)
	}

	entries, err := file.ListPath(c.localPath(localPath))
	if err != nil {
		if !errors.Is(err, file.ErrIO) {
			err = fmt.Errorf("%w: %w", file.ErrIO, err)
		}
		return nil, c.fail("Send", err)
	}

	c.setState(StateTransferring)
	summary, err := file.Send(ctx, c.conn, entries, file.SendOptions{
		OnProgress:   c.onProgress,
		TimeProvider: c.opts.TimeProvider,
	})
	if err != nil {
		// The server stops reading when it refuses a file; its verdict
		// explains the broken pipe better than the pipe does.
		if errors.Is(err, transport.ErrTransport) && !errors.Is(err, transport.ErrTimeout) && ctx.Err() == nil {
			if refusal := c.readRefusal(ctx); refusal != nil {
				err = errors.Join(refusal, err)
			}
		}
		return summary, c.fail("Send", err)
	}

	if err := c.readStatus(ctx); err != nil {
		return summary, c.fail("Send", err)
	}
	c.finish("Send", summary)
	return summary, nil
}

// Download receives the files named by the accepted Get request into the
// local directory, keeping the relative paths sent by the server. Each file
// is written to a temporary name and renamed once complete, so a failed
// download leaves no partial file behind. Existing files are replaced only
// with Options.AllowOverwrite.
func (c *Client) Download(ctx context.Context) (*file.Summary, error) {
	if state := c.State(); state != StateRequestSent || c.request.Kind != protocol.KindGet {
		return nil, invalidState("Download", state)
	}

	root, err := file.NewRoot(c.localDir)
	if err != nil {
		return nil, c.fail("Download", err)
	}

	c.setState(StateTransferring)
	summary, err := file.Receive(ctx, c.conn, root, file.ReceiveOptions{
		AllowOverwrite: c.opts.AllowOverwrite,
		OnProgress:     c.onProgress,
		TimeProvider:   c.opts.TimeProvider,
	})
	if err != nil {
		return summary, c.fail("Download", err)
	}
	c.finish("Download", summary)
	return summary, nil
}

// Close closes an open connection. An unfinished session returns the client
// to StateUnconnected; a finished one keeps its final state.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil

	c.mu.Lock()
	switch c.state {
	case StateConnected, StateRequestSent, StateTransferring:
		c.state = StateUnconnected
	}
	c.mu.Unlock()
	return err
}

func (c *Client) localPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.localDir, p)
}

// readStatus reads one response frame and converts a refusal into an error.
func (c *Client) readStatus(ctx context.Context) error {
	resp, err := protocol.ReadResponse(c.conn.ReaderContext(ctx))
	if err != nil {
		return err
	}
	return resp.Err(statusKinds)
}

// readRefusal returns the server's refusal if one arrives shortly.
func (c *Client) readRefusal(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, refusalWait)
	defer cancel()

	resp, err := protocol.ReadResponse(c.conn.ReaderContext(ctx))
	if err != nil {
		return nil
	}
	return resp.Err(statusKinds)
}

// fail ends the session with err.
func (c *Client) fail(op string, err error) error {
	c.closeConn()
	c.setState(StateFailed)

	c.log().WithFields(logrus.Fields{
		"function": op,
		"request":  c.request.String(),
		"error":    err.Error(),
	}).Warn("Session failed")
	return err
}

// finish ends the session successfully.
func (c *Client) finish(op string, summary *file.Summary) {
	c.closeConn()
	c.setState(StateDone)

	c.log().WithFields(logrus.Fields{
		"function": op,
		"request":  c.request.String(),
		"files":    len(summary.Files),
		"bytes":    summary.Bytes,
		"elapsed":  summary.Elapsed.String(),
	}).Info("Session completed")
}

func (c *Client) closeConn() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil {
		c.log().WithFields(logrus.Fields{
			"function": "closeConn",
			"error":    err.Error(),
		}).Debug("Failed to close connection")
	}
	c.conn = nil
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Client) log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"server_addr": c.serverAddr.String(),
		"local_dir":   c.localDir,
	})
}
