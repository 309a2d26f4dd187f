// Package transport provides the network layer for peerdrop: a chunked,
// deadline-aware connection wrapper, TCP listen and dial helpers, and the
// reachability resolver that decides which address a server advertises.
//
// # Chunked I/O
//
// Conn wraps a net.Conn and moves data in chunks no larger than the
// configured buffer size:
//
//	conn := transport.NewConn(raw, transport.ConnOptions{
//	    BufferSize: 4096,
//	    IOTimeout:  2 * time.Minute,
//	    Limiter:    transport.NewLimiter(1<<20, 4096),
//	})
//	err := conn.SendFrom(ctx, file, size, nil)
//
// SendFrom and ReceiveTo transfer exactly the requested number of bytes or
// fail. The context is checked between chunks and cancels blocked reads and
// writes. Each chunk waits on the optional rate limiter.
//
// # Reachability
//
// Resolver first asks a UPnP Internet Gateway Device to forward the
// preferred TCP port. When that fails it looks for a global IPv6 address on
// the local interfaces and then via STUN:
//
//	res, err := transport.NewResolver().Resolve(ctx, 8080)
//	if errors.Is(err, transport.ErrReachability) {
//	    // no server can be started
//	}
//	fmt.Println(res.Method, res.Addr)
//
// Port mapping leases are not renewed. A mapping that expires while a server
// is running makes it unreachable to new clients; established connections
// are unaffected.
//
// # Errors
//
// Every failure is an *Error whose Kind is one of ErrReachability, ErrBind,
// ErrConnect or ErrTransport. ErrPeerClosed and ErrTimeout refine
// ErrTransport, so errors.Is(err, ErrTransport) holds for both.
package transport
