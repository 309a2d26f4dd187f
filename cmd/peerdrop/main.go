// Command peerdrop shares a directory with, or fetches files from, another
// machine over a direct TCP connection.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	cli.AppHelpTemplate += fmt.Sprintf(`
Try 'peerdrop COMMAND --help' for more information.

peerdrop %s, runtime %s
`, version, runtime.Version())

	app := newApp()
	app.Version = version

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
