// Xylem - provenance for AI-assisted work.
// Content-addressed lineage of who made what, from which inputs, with which tools.
package main

import (
	"fmt"
	"os"

	"github.com/CanopyHQ/xylem/cmd"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.SetVersion(version, commit, date)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
