// Package peerdrop moves files and directory trees between two peers over a
// single TCP connection, without a relay in between.
//
// One peer runs a server that shares a directory. Before binding, the server
// works out how the other peer can reach it: first by asking the local
// gateway for a UPnP port mapping, then by falling back to a global IPv6
// address found on an interface or through STUN. The other peer runs a
// client that either uploads files into the shared directory or downloads a
// file or subtree from it.
//
// # Getting Started
//
// Share a directory:
//
//	host, err := peerdrop.NewHost(peerdrop.NewOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := host.CreateServer(ctx, "/srv/share")
//	if err != nil {
//	    log.Fatal(err) // transport.ErrReachability or transport.ErrBind
//	}
//	fmt.Println("share this address:", res.Advertised())
//
//	done, err := host.StartServing()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	<-interrupt
//	host.RequestStop()
//	<-done
//
// Fetch everything from it:
//
//	err = host.CreateClient("/home/me/inbox", "203.0.113.7:8080")
//	err = host.ConnectClient(ctx)
//	err = host.IssueRequest(ctx, protocol.Get("/"))
//	summary, err := host.DownloadInto(ctx)
//
// # Core Types
//
//   - [Host]: holds at most one server and one client, created on demand
//   - [Options]: configuration shared by both, loadable from YAML with
//     [LoadOptionsFile]
//   - [Resolver]: reachability strategy; [transport.Resolver] by default
//
// The engines themselves live in the server and client packages and can be
// used without a Host. The wire format is defined in package protocol.
//
// # Configuration
//
// Options can be read from a YAML file. Unknown keys are rejected:
//
//	port: 8080
//	buffer_size: 65536
//	allow_overwrite: false
//	io_timeout: 2m
//	rate_limit: 10485760
//	disable_port_mapping: false
//	mapping_lease: 1h
//	stun_servers:
//	  - stun.l.google.com:19302
//
// # Thread Safety
//
// Host methods are safe for concurrent use. Creating a server or client
// while one already exists fails with [ErrServerExists] or
// [ErrClientExists]; the existing instance is never replaced. The client
// session itself is sequential, so its operations must not be issued
// concurrently.
package peerdrop
