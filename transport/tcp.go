package transport

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// Listen binds a TCP listener on addr. Failures are reported as ErrBind.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Listen",
			"addr":     addr,
			"error":    err.Error(),
		}).Error("Failed to bind listener")
		return nil, newError("listen", addr, ErrBind, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Listen",
		"local_addr": listener.Addr().String(),
	}).Info("Listener bound")
	return listener, nil
}

// Dial connects to addr over TCP. If timeout is 0, only ctx bounds the attempt.
// Failures are reported as ErrConnect.
func Dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Dial",
			"addr":     addr,
			"error":    err.Error(),
		}).Warn("Failed to connect")
		return nil, newError("dial", addr, ErrConnect, err)
	}
	return conn, nil
}
