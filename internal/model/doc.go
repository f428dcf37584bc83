// Package model defines the domain types and value objects for the
// portpilot CLI.
//
// This package contains pure data structures with no external dependencies.
// Nothing here is persisted: a backend's port and lifecycle state live only
// for as long as the launcher process that owns them, and container backends
// are reconstructed from Docker labels on demand.
//
// The package also defines exit codes (ExitCode) and a custom error type
// (CLIError) that carries exit codes for proper OS process exit handling.
package model
