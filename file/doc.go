// Package file implements the filesystem side of peerdrop transfers: the
// rooted directory a server exposes, deterministic listing of the files a
// request selects, and streaming whole transfer frames to and from a
// transport.Conn.
//
// # Rooted Paths
//
// A Root is resolved once to an absolute path without symlinks. Every path a
// peer names is resolved against it:
//
//	root, err := file.NewRoot("/srv/share")
//	abs, err := root.Resolve("/docs/report.pdf") // Get paths, "/" is the root
//	abs, err := root.ResolveUpload("docs/new.txt") // frame paths, relative only
//
// Paths with ".." segments that leave the root, absolute upload paths, NUL
// bytes and symlinks pointing outside the root fail with ErrPathEscape.
//
// # Listing
//
// List on a directory returns every regular file below it, named relative to
// that directory and sorted by path. List on a file returns one entry named
// by its base name. Empty directories, symlinks and special files are not
// transferred.
//
// # Streaming
//
// Send writes the file count and then a header and payload per file. Receive
// reads the same frame and writes each file through a temporary file that is
// renamed into place once the last byte arrived, so an interrupted transfer
// never leaves a partial file behind:
//
//	summary, err := file.Receive(ctx, conn, root, file.ReceiveOptions{
//	    OnProgress: func(p file.Progress) { fmt.Printf("%s %.0f%%\n", p.Path, p.Percent()) },
//	})
//
// Both sides compute a BLAKE2b-256 digest of every payload and report it in
// the Summary.
//
// # Deterministic Testing
//
// Transfer speed is measured through the TimeProvider interface, which tests
// replace with a fixed clock.
package file
