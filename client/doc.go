// Package client implements the peerdrop client session engine.
//
// A session is a fixed sequence of calls. Each call is valid in exactly one
// state; a call out of order fails with protocol.ErrInvalidState before any
// byte is read or written.
//
//	Unconnected --Connect--> Connected --SendRequest--> RequestSent
//	RequestSent --Send (Upload) or Download (Get)--> Transferring --> Done | Failed
//
// Done and Failed close the connection and permit a new Connect.
//
// Uploading a directory tree:
//
//	c, err := client.New("/home/me/photos", "192.0.2.10:8080", client.Options{})
//	if err != nil {
//	    return err
//	}
//	if err := c.Connect(ctx); err != nil {
//	    return err // wraps transport.ErrConnect
//	}
//	if err := c.SendRequest(ctx, protocol.Upload()); err != nil {
//	    return err
//	}
//	summary, err := c.Send(ctx, ".")
//
// Downloading works the same way with protocol.Get and Download. Server
// refusals are returned as *protocol.StatusError values that unwrap to
// file.ErrPathEscape, file.ErrFileExists, protocol.ErrNotFound or
// protocol.ErrRejected.
package client
