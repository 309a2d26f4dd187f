// Package server implements the peerdrop server session engine.
//
// A Server binds a TCP listener, confines every request to a root directory
// and serves one session per accepted connection. Sessions run one at a time:
// a client that connects while another session is active waits in the
// listen backlog.
//
//	srv, err := server.New(ctx, server.Config{Addr: ":8080", Root: "/srv/share"})
//	if err != nil {
//	    return err // file.ErrNotDirectory or transport.ErrBind
//	}
//	go func() {
//	    <-shutdown
//	    srv.Stop()
//	}()
//	err = srv.Serve(ctx)
//
// # Session
//
// A session reads one request frame and answers with a response frame. For a
// Get request an OK response is followed by a transfer frame. For an Upload
// request the server reads the client's transfer frame and answers with a
// second response that reports whether every file was committed.
//
// # Failure Handling
//
// A failing session is logged and its connection closed; the server keeps
// listening. Files of an upload are committed one by one, and a file that
// fails leaves the earlier ones in place, except for a path that escapes the
// root: that rejects the whole upload and the files it created are removed. Stop, or cancellation of the context passed to Serve, closes the
// listener at once but lets an in-flight session finish.
package server
