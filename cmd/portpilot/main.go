// Package main is the entry point for the portpilot CLI.
//
// portpilot launches a bundled backend on a free loopback port and reports
// the URL a desktop shell should load. All functionality lives in the
// internal/cli package.
//
// Build-time variables (version, commit, date) are injected via ldflags
// during the release build and default to "dev", "none" and "unknown".
package main

import (
	"github.com/shinji-kodama/portpilot/internal/cli"
)

// Set at build time via -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.Version = version
	cli.Commit = commit
	cli.Date = date

	rootCmd := cli.NewRootCommand()
	cli.Execute(rootCmd)
}
