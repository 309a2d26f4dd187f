package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/opd-ai/peerdrop"
	"github.com/opd-ai/peerdrop/server"
)

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:     "serve",
		Usage:    "Share a directory until interrupted",
		Action:   execServe,
		Category: categoryServer,
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "dir", Aliases: []string{"d"}, Value: ".", Usage: "share directory `DIR`"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "map and bind `PORT` (default: 8080)"},
			&cli.StringFlag{Name: "listen", Aliases: []string{"l"}, Usage: "bind `[ADDR]:PORT` as is and skip reachability discovery"},
			&cli.BoolFlag{Name: "no-port-mapping", Usage: "do not ask the gateway for a port mapping, use IPv6 only"},
			&cli.StringSliceFlag{Name: "stun-server", Usage: "query STUN server `HOST:PORT` for the public IPv6 address"},
		}, transferFlags()...),
		Description: `Share a directory with one peer at a time.

Before binding, the server asks the local gateway to forward the port via UPnP.
Without a gateway it looks for a global IPv6 address instead. The address the
other side should use is printed once the server is up. Clients may download
anything below the directory and upload new files into it.

Examples:
  peerdrop serve --dir ~/share              # Share ~/share on port 8080
  peerdrop serve --listen 0.0.0.0:9000      # Bind directly, no UPnP/IPv6 discovery
  peerdrop serve --no-port-mapping -d .     # Reachable over IPv6 only`,
	}
}

func execServe(c *cli.Context) error {
	opts, err := loadOptions(c)
	if err != nil {
		return err
	}
	host, err := peerdrop.NewHost(opts)
	if err != nil {
		return err
	}
	defer host.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := host.CreateServer(ctx, c.String("dir"))
	if err != nil {
		return err
	}
	srv := host.Server()
	srv.OnSession(func(r server.SessionResult) {
		printSession(c, r)
	})

	done, err := host.StartServing()
	if err != nil {
		return err
	}
	printf(c, "Serving %s\n", srv.Root())
	printf(c, "Reachable at %s (%s)\n", res.Advertised(), res.Method)

	select {
	case <-ctx.Done():
		printf(c, "Stopping\n")
		host.RequestStop()
		return <-done
	case err := <-done:
		return err
	}
}

func printSession(c *cli.Context, r server.SessionResult) {
	if r.Err != nil {
		printf(c, "%s %s from %s failed: %s\n", r.ID[:8], r.Request, r.RemoteAddr, r.Err)
		return
	}
	var files int
	var bytes uint64
	if r.Summary != nil {
		files, bytes = len(r.Summary.Files), r.Summary.Bytes
	}
	printf(c, "%s %s from %s: %d files, %s in %s\n", r.ID[:8], r.Request, r.RemoteAddr,
		files, humanBytes(bytes), r.Elapsed.Round(time.Millisecond))
}
