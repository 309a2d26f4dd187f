package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerdrop/file"
	"github.com/opd-ai/peerdrop/protocol"
	"github.com/opd-ai/peerdrop/transport"
)

// drainTimeout bounds how long a failed upload keeps reading the rest of the
// client's frame after the failure response.
const drainTimeout = time.Second

// SessionResult describes a finished session.
type SessionResult struct {
	ID         string
	RemoteAddr string
	Request    protocol.Request
	// Status is the last status sent to the client.
	Status  protocol.Status
	Summary *file.Summary
	Err     error
	Elapsed time.Duration
}

// session carries the per-connection state of one exchange.
type session struct {
	id     string
	server *Server
	conn   *transport.Conn
	result SessionResult
}

// serveSession runs one request/response/transfer exchange on raw and
// closes it.
func (s *Server) serveSession(ctx context.Context, raw net.Conn) SessionResult {
	start := time.Now()
	sess := &session{
		id:     uuid.NewString(),
		server: s,
		conn: transport.NewConn(raw, transport.ConnOptions{
			BufferSize: s.cfg.BufferSize,
			IOTimeout:  s.cfg.IOTimeout,
			Limiter:    transport.NewLimiter(s.cfg.RateLimit, s.cfg.BufferSize),
		}),
	}
	sess.result = SessionResult{ID: sess.id, RemoteAddr: raw.RemoteAddr().String()}
	defer sess.conn.Close()

	sess.log().Info("Session started")

	err := sess.run(ctx)
	sess.result.Err = err
	sess.result.Elapsed = time.Since(start)

	fields := logrus.Fields{
		"function": "serveSession",
		"request":  sess.result.Request.String(),
		"status":   sess.result.Status.String(),
		"elapsed":  sess.result.Elapsed.String(),
	}
	if sess.result.Summary != nil {
		fields["files"] = len(sess.result.Summary.Files)
		fields["bytes"] = sess.result.Summary.Bytes
	}
	if err != nil {
		fields["error"] = err.Error()
		sess.log().WithFields(fields).Warn("Session failed")
	} else {
		sess.log().WithFields(fields).Info("Session completed")
	}
	return sess.result
}

func (sess *session) log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"session_id":  sess.id,
		"remote_addr": sess.result.RemoteAddr,
	})
}

func (sess *session) run(ctx context.Context) error {
	req, err := protocol.ReadRequest(sess.conn.ReaderContext(ctx))
	if err != nil {
		if errors.Is(err, protocol.ErrProtocol) {
			sess.fail(ctx, err)
		}
		return fmt.Errorf("reading request: %w", err)
	}
	sess.result.Request = req

	switch req.Kind {
	case protocol.KindGet:
		return sess.handleGet(ctx, req.Path)
	case protocol.KindUpload:
		return sess.handleUpload(ctx)
	default:
		sess.respond(ctx, protocol.StatusBadRequest, "unsupported request")
		return fmt.Errorf("%w: %s", protocol.ErrUnknownRequest, req.Kind)
	}
}

// handleGet sends the file or directory tree named by p.
func (sess *session) handleGet(ctx context.Context, p string) error {
	entries, err := sess.server.root.List(p)
	if err != nil {
		sess.fail(ctx, err)
		return err
	}

	if err := sess.respond(ctx, protocol.StatusOK, fmt.Sprintf("%d files", len(entries))); err != nil {
		return err
	}

	summary, err := file.Send(ctx, sess.conn, entries, file.SendOptions{
		TimeProvider: sess.server.cfg.TimeProvider,
	})
	sess.result.Summary = summary
	return err
}

// handleUpload receives a transfer frame into the root and acknowledges it.
func (sess *session) handleUpload(ctx context.Context) error {
	if err := sess.server.root.CheckWritable(); err != nil {
		sess.respond(ctx, protocol.StatusUnavailable, clientMessage(protocol.StatusUnavailable, err))
		return err
	}

	if err := sess.respond(ctx, protocol.StatusOK, ""); err != nil {
		return err
	}

	summary, err := file.Receive(ctx, sess.conn, sess.server.root, file.ReceiveOptions{
		AllowOverwrite: sess.server.cfg.AllowOverwrite,
		TimeProvider:   sess.server.cfg.TimeProvider,
	})
	sess.result.Summary = summary
	if err != nil {
		// The peer may already be gone; the status is best effort.
		sess.fail(ctx, err)
		sess.conn.Drain(drainTimeout)
		return err
	}

	return sess.respond(ctx, protocol.StatusOK,
		fmt.Sprintf("received %d files (%d bytes)", len(summary.Files), summary.Bytes))
}

// fail reports err to the client with the matching status.
func (sess *session) fail(ctx context.Context, err error) {
	status := statusFor(err)
	_ = sess.respond(ctx, status, clientMessage(status, err))
}

// respond writes a response frame and records its status.
func (sess *session) respond(ctx context.Context, status protocol.Status, message string) error {
	sess.result.Status = status
	err := protocol.WriteResponse(sess.conn.WriterContext(ctx), protocol.Response{Status: status, Message: message})
	if err != nil {
		sess.log().WithFields(logrus.Fields{
			"function": "respond",
			"status":   status.String(),
			"error":    err.Error(),
		}).Debug("Failed to send response")
	}
	return err
}
