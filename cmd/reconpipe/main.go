// Command reconpipe runs the two-stage discovery and inspection pipeline.
package main

import (
	"os"

	"github.com/anstrom/reconpipe/cmd/cli"
)

// Build information, set by ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	os.Exit(cli.Execute())
}
