package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/opd-ai/peerdrop"
	"github.com/opd-ai/peerdrop/file"
	"github.com/opd-ai/peerdrop/protocol"
)

func clientFlags() []cli.Flag {
	return append([]cli.Flag{
		&cli.StringFlag{Name: "server", Aliases: []string{"S"}, Required: true, Usage: "connect to `ADDR[:PORT]` (default port: 8080)"},
		&cli.StringFlag{Name: "dir", Aliases: []string{"d"}, Value: ".", Usage: "read and write local files relative to `DIR`"},
		&cli.DurationFlag{Name: "dial-timeout", Usage: "give up connecting after `DURATION`"},
	}, transferFlags()...)
}

func newUploadCommand() *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Aliases:   []string{"up"},
		Usage:     "Upload a file or directory tree to a server",
		UsageText: "peerdrop upload --server ADDR [OPTION..] PATH",
		Action:    execUpload,
		Category:  categoryClient,
		Flags:     clientFlags(),
		Description: `Upload PATH, a file or a directory, into the shared directory of a server.

A file is stored under its base name. A directory is sent recursively and its
contents are stored relative to the shared directory. Existing files on the
server are never replaced unless the server allows it.

Examples:
  peerdrop upload -S 203.0.113.7 report.pdf       # Upload one file
  peerdrop upload -S [2001:db8::7]:9000 -d ~ pics # Upload ~/pics recursively`,
	}
}

func newDownloadCommand() *cli.Command {
	return &cli.Command{
		Name:      "download",
		Aliases:   []string{"down"},
		Usage:     "Download a file or directory tree from a server",
		UsageText: "peerdrop download --server ADDR [OPTION..] [PATH]",
		Action:    execDownload,
		Category:  categoryClient,
		Flags:     clientFlags(),
		Description: `Download PATH from the shared directory of a server into the local directory.

PATH is relative to the shared directory and defaults to all of it. A file is
stored under its base name; a directory is fetched recursively with its
relative paths kept. Local files are not replaced without --allow-overwrite.

Examples:
  peerdrop download -S 203.0.113.7                  # Fetch everything
  peerdrop download -S 203.0.113.7 -d inbox docs    # Fetch docs/ into ./inbox`,
	}
}

func execUpload(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("upload needs exactly one PATH, see 'peerdrop upload --help'")
	}
	return runClient(c, protocol.Upload(), func(ctx context.Context, host *peerdrop.Host) (*file.Summary, error) {
		return host.UploadFrom(ctx, c.Args().First())
	})
}

func execDownload(c *cli.Context) error {
	if c.NArg() > 1 {
		return errors.New("download takes at most one PATH, see 'peerdrop download --help'")
	}
	remotePath := "/"
	if c.NArg() == 1 {
		remotePath = c.Args().First()
	}
	return runClient(c, protocol.Get(remotePath), func(ctx context.Context, host *peerdrop.Host) (*file.Summary, error) {
		return host.DownloadInto(ctx)
	})
}

// runClient performs one client session: connect, send req, then transfer.
func runClient(c *cli.Context, req protocol.Request, transfer func(context.Context, *peerdrop.Host) (*file.Summary, error)) error {
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

	if err := host.CreateClient(c.String("dir"), c.String("server")); err != nil {
		return err
	}
	if !c.Bool("quiet") {
		if progress := newProgressPrinter(c.App.ErrWriter); progress != nil {
			host.Client().OnProgress(progress.update)
		}
	}

	if err := host.ConnectClient(ctx); err != nil {
		return err
	}
	if err := host.IssueRequest(ctx, req); err != nil {
		return err
	}
	summary, err := transfer(ctx, host)
	if err != nil {
		return err
	}

	printSummary(c, summary)
	return nil
}

// printSummary prints one line per file with its digest and a total.
func printSummary(c *cli.Context, summary *file.Summary) {
	for _, entry := range summary.Files {
		printf(c, "%s  %10s  %s\n", shortDigest(entry.Digest), humanBytes(entry.Size), entry.Path)
	}
	printf(c, "%d files, %s in %s (%s/s)\n", len(summary.Files), humanBytes(summary.Bytes),
		summary.Elapsed.Round(time.Millisecond), humanBytes(rate(summary)))
}

func shortDigest(digest string) string {
	if len(digest) > 16 {
		return digest[:16]
	}
	return digest
}

func rate(summary *file.Summary) uint64 {
	seconds := summary.Elapsed.Seconds()
	if seconds <= 0 {
		return 0
	}
	return uint64(float64(summary.Bytes) / seconds)
}
