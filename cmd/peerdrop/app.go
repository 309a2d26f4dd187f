package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/opd-ai/peerdrop"
)

const (
	categoryServer = "Server-side commands"
	categoryClient = "Client-side commands"
)

// transferFlags returns the flags shared by every command that moves files.
func transferFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "buffer-size", Usage: "transfer data in chunks of `BYTES`"},
		&cli.IntFlag{Name: "rate-limit", Usage: "cap throughput at `BYTES` per second"},
		&cli.DurationFlag{Name: "io-timeout", Usage: "abort when a single read or write takes longer than `DURATION` (0 disables)"},
		&cli.BoolFlag{Name: "allow-overwrite", Usage: "replace files that already exist"},
		&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "do not show progress"},
	}
}

// newApp creates the CLI application.
func newApp() *cli.App {
	return &cli.App{
		Name:                   "peerdrop",
		Usage:                  "send files directly between two machines",
		UsageText:              "peerdrop [--config FILE] COMMAND [OPTION..] [ARG..]",
		HideVersion:            true,
		EnableBashCompletion:   true,
		UseShortOptionHandling: true,
		Reader:                 os.Stdin,
		Writer:                 os.Stdout,
		ErrWriter:              os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "load options from YAML `FILE`"},
			&cli.StringFlag{Name: "log-level", Value: "warn", Usage: "log at `LEVEL` (trace, debug, info, warn, error)"},
			&cli.BoolFlag{Name: "log-json", Usage: "write logs as JSON"},
		},
		Before: setupLogging,
		Commands: []*cli.Command{
			newServeCommand(),
			newUploadCommand(),
			newDownloadCommand(),
		},
	}
}

// setupLogging configures the global logger from the app flags.
func setupLogging(c *cli.Context) error {
	level, err := logrus.ParseLevel(c.String("log-level"))
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	logrus.SetOutput(c.App.ErrWriter)
	if c.Bool("log-json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// loadOptions reads the --config file, if any, and applies the command line
// overrides on top.
func loadOptions(c *cli.Context) (*peerdrop.Options, error) {
	opts := peerdrop.NewOptions()
	if filename := c.String("config"); filename != "" {
		var err error
		if opts, err = peerdrop.LoadOptionsFile(filename); err != nil {
			return nil, err
		}
		logrus.WithFields(logrus.Fields{
			"function": "loadOptions",
			"path":     filename,
		}).Info("Loaded options")
	}

	if c.IsSet("buffer-size") {
		opts.BufferSize = c.Int("buffer-size")
	}
	if c.IsSet("rate-limit") {
		opts.RateLimit = c.Int("rate-limit")
	}
	if c.IsSet("io-timeout") {
		opts.IOTimeout = c.Duration("io-timeout")
	}
	if c.IsSet("allow-overwrite") {
		opts.AllowOverwrite = c.Bool("allow-overwrite")
	}
	if c.IsSet("dial-timeout") {
		opts.DialTimeout = c.Duration("dial-timeout")
	}
	if c.IsSet("port") {
		opts.Port = c.Int("port")
	}
	if c.IsSet("listen") {
		opts.Listen = c.String("listen")
	}
	if c.IsSet("no-port-mapping") {
		opts.DisablePortMapping = c.Bool("no-port-mapping")
	}
	if c.IsSet("stun-server") {
		opts.STUNServers = c.StringSlice("stun-server")
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

func printf(c *cli.Context, format string, args ...any) {
	fmt.Fprintf(c.App.Writer, format, args...)
}
