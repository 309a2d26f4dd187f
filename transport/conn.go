// Package transport implements network transport for peerdrop.
//
// This file implements the chunked connection used by both session engines to
// move frames and file payloads in bounded buffers.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/opd-ai/peerdrop/limits"
)

var (
	// ErrSource indicates the local reader feeding SendFrom failed or came up short.
	ErrSource = errors.New("reading local source")

	// ErrSink indicates the local writer fed by ReceiveTo failed.
	ErrSink = errors.New("writing local sink")
)

// aLongTimeAgo is a non-zero time far in the past, used to unblock pending I/O.
var aLongTimeAgo = time.Unix(1, 0)

// ProgressFunc is called after each chunk with the number of bytes it carried.
type ProgressFunc func(n int)

// ConnOptions configures a Conn.
type ConnOptions struct {
	// BufferSize is the chunk size in bytes. Zero selects limits.DefaultBufferSize.
	BufferSize int
	// IOTimeout bounds every single read or write. Zero disables it.
	IOTimeout time.Duration
	// Limiter caps throughput in bytes per second. Nil disables it.
	Limiter *rate.Limiter
}

// NewLimiter returns a limiter for bytesPerSecond whose burst admits a whole
// chunk, or nil when bytesPerSecond is not positive.
func NewLimiter(bytesPerSecond, bufferSize int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := bytesPerSecond
	if bufferSize > burst {
		burst = bufferSize
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}

// Conn moves bytes over a net.Conn in chunks of at most BufferSize bytes.
// Writes never return short and reads never return fewer bytes than asked
// for without an error. It is not safe for concurrent use.
type Conn struct {
	conn net.Conn
	opts ConnOptions
	buf  []byte
	addr string
}

// NewConn wraps c. Invalid buffer sizes fall back to limits.DefaultBufferSize.
func NewConn(c net.Conn, opts ConnOptions) *Conn {
	if err := limits.ValidateBufferSize(opts.BufferSize); err != nil {
		if opts.BufferSize != 0 {
			logrus.WithFields(logrus.Fields{
				"function":    "NewConn",
				"buffer_size": opts.BufferSize,
				"default":     limits.DefaultBufferSize,
			}).Warn("Invalid buffer size, using default")
		}
		opts.BufferSize = limits.DefaultBufferSize
	}

	var addr string
	if ra := c.RemoteAddr(); ra != nil {
		addr = ra.String()
	}

	return &Conn{
		conn: c,
		opts: opts,
		buf:  make([]byte, opts.BufferSize),
		addr: addr,
	}
}

// BufferSize returns the chunk size in bytes.
func (c *Conn) BufferSize() int {
	return c.opts.BufferSize
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Drain half-closes the connection for writing and discards whatever the
// peer still sends, for at most d. Closing a TCP socket with unread input
// sends a reset that can destroy a response the peer has not read yet.
func (c *Conn) Drain(d time.Duration) {
	if cw, ok := c.conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return
	}
	n, _ := io.Copy(io.Discard, c.conn)
	if n > 0 {
		logrus.WithFields(logrus.Fields{
			"function":    "Drain",
			"remote_addr": c.addr,
			"discarded":   n,
		}).Debug("Discarded unread input")
	}
}

// Read performs a single read of at most BufferSize bytes. A graceful close
// by the peer is reported as a bare io.EOF so io.ReadFull keeps its contract.
func (c *Conn) Read(p []byte) (int, error) {
	return c.read(context.Background(), p)
}

// Write writes all of p in chunks. It implements io.Writer.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.WriteAll(context.Background(), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// ReaderContext returns an io.Reader over c whose reads are cancelled with ctx.
func (c *Conn) ReaderContext(ctx context.Context) io.Reader {
	return ctxReader{c: c, ctx: ctx}
}

// WriterContext returns an io.Writer over c whose writes are cancelled with ctx.
func (c *Conn) WriterContext(ctx context.Context) io.Writer {
	return ctxWriter{c: c, ctx: ctx}
}

type ctxReader struct {
	c   *Conn
	ctx context.Context
}

func (r ctxReader) Read(p []byte) (int, error) {
	return r.c.read(r.ctx, p)
}

type ctxWriter struct {
	c   *Conn
	ctx context.Context
}

func (w ctxWriter) Write(p []byte) (int, error) {
	if err := w.c.WriteAll(w.ctx, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAll writes all of p in chunks of at most BufferSize bytes, checking ctx
// between chunks.
func (c *Conn) WriteAll(ctx context.Context, p []byte) error {
	defer c.watch(ctx)()
	return c.writeAll(ctx, p)
}

// ReadExact reads exactly n bytes in chunks of at most BufferSize bytes.
func (c *Conn) ReadExact(ctx context.Context, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("read exact: negative length %d", n)
	}
	defer c.watch(ctx)()

	out := make([]byte, n)
	if err := c.readFull(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendFrom copies exactly n bytes from r to the connection. A reader that
// ends early fails with ErrSource.
func (c *Conn) SendFrom(ctx context.Context, r io.Reader, n int64, progress ProgressFunc) error {
	defer c.watch(ctx)()

	for remaining := n; remaining > 0; {
		chunk := c.buf[:minInt64(int64(len(c.buf)), remaining)]
		if _, err := io.ReadFull(r, chunk); err != nil {
			return fmt.Errorf("%w: %w", ErrSource, err)
		}
		if err := c.writeAll(ctx, chunk); err != nil {
			return err
		}
		remaining -= int64(len(chunk))
		if progress != nil {
			progress(len(chunk))
		}
	}
	return nil
}

// ReceiveTo copies exactly n bytes from the connection to w.
func (c *Conn) ReceiveTo(ctx context.Context, w io.Writer, n int64, progress ProgressFunc) error {
	defer c.watch(ctx)()

	for remaining := n; remaining > 0; {
		chunk := c.buf[:minInt64(int64(len(c.buf)), remaining)]
		if err := c.readFull(ctx, chunk); err != nil {
			return err
		}
		written, err := w.Write(chunk)
		if err == nil && written != len(chunk) {
			err = io.ErrShortWrite
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSink, err)
		}
		remaining -= int64(len(chunk))
		if progress != nil {
			progress(len(chunk))
		}
	}
	return nil
}

// read performs one bounded read observing ctx.
func (c *Conn) read(ctx context.Context, p []byte) (int, error) {
	if len(p) > c.opts.BufferSize {
		p = p[:c.opts.BufferSize]
	}
	defer c.watch(ctx)()

	if err := c.setReadDeadline(ctx); err != nil {
		return 0, c.classifyCtx(ctx, "read", err)
	}
	if err := ctx.Err(); err != nil {
		return 0, newError("read", c.addr, ErrTransport, err)
	}
	n, err := c.conn.Read(p)
	if err != nil && err != io.EOF {
		return n, c.classifyCtx(ctx, "read", err)
	}
	return n, err
}

// writeAll is WriteAll without registering a context watcher.
func (c *Conn) writeAll(ctx context.Context, p []byte) error {
	for len(p) > 0 {
		n := len(p)
		if n > c.opts.BufferSize {
			n = c.opts.BufferSize
		}
		if err := c.wait(ctx, n); err != nil {
			return c.classifyCtx(ctx, "write", err)
		}
		if err := c.setWriteDeadline(ctx); err != nil {
			return c.classifyCtx(ctx, "write", err)
		}
		if err := ctx.Err(); err != nil {
			return newError("write", c.addr, ErrTransport, err)
		}

		written, err := c.conn.Write(p[:n])
		if err == nil && written != n {
			err = io.ErrShortWrite
		}
		if err != nil {
			return c.classifyCtx(ctx, "write", err)
		}
		p = p[n:]
	}
	return nil
}

// readFull fills p, retrying short reads and reading at most BufferSize bytes per call.
func (c *Conn) readFull(ctx context.Context, p []byte) error {
	read := 0
	for read < len(p) {
		end := read + c.opts.BufferSize
		if end > len(p) {
			end = len(p)
		}
		if err := c.wait(ctx, end-read); err != nil {
			return c.classifyCtx(ctx, "read", err)
		}
		if err := c.setReadDeadline(ctx); err != nil {
			return c.classifyCtx(ctx, "read", err)
		}
		if err := ctx.Err(); err != nil {
			return newError("read", c.addr, ErrTransport, err)
		}

		n, err := c.conn.Read(p[read:end])
		read += n
		if err != nil {
			if err == io.EOF {
				if read == len(p) {
					return nil
				}
				if read > 0 {
					err = io.ErrUnexpectedEOF
				}
			}
			return c.classifyCtx(ctx, "read", err)
		}
	}
	return nil
}

// wait blocks on the rate limiter for n bytes, splitting requests larger than its burst.
func (c *Conn) wait(ctx context.Context, n int) error {
	l := c.opts.Limiter
	if l == nil {
		return nil
	}
	for n > 0 {
		step := n
		if burst := l.Burst(); burst > 0 && step > burst {
			step = burst
		}
		if err := l.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// watch unblocks pending I/O once ctx is done. The returned func must be called
// when the operation ends.
func (c *Conn) watch(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(aLongTimeAgo)
	})
	return func() { stop() }
}

func (c *Conn) setReadDeadline(ctx context.Context) error {
	return c.conn.SetReadDeadline(c.deadline(ctx))
}

func (c *Conn) setWriteDeadline(ctx context.Context) error {
	return c.conn.SetWriteDeadline(c.deadline(ctx))
}

// deadline returns the earlier of the per-call timeout and the context deadline,
// or the zero time when neither applies.
func (c *Conn) deadline(ctx context.Context) time.Time {
	var d time.Time
	if c.opts.IOTimeout > 0 {
		d = time.Now().Add(c.opts.IOTimeout)
	}
	if cd, ok := ctx.Deadline(); ok && (d.IsZero() || cd.Before(d)) {
		d = cd
	}
	return d
}

// classifyCtx reports the context error when ctx ended the operation.
func (c *Conn) classifyCtx(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return newError(op, c.addr, ErrTransport, ctxErr)
	}
	return c.classify(op, err)
}

// classify maps a raw I/O error onto the transport error classes.
func (c *Conn) classify(op string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return newError(op, c.addr, ErrPeerClosed, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return newError(op, c.addr, ErrTimeout, err)
	default:
		return newError(op, c.addr, ErrTransport, err)
	}
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
