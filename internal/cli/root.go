// Package cli implements the cobra-based CLI commands for portpilot.
//
// Each subcommand (port, ports, run, ps, stop) is defined in its own file
// within this package. This file defines the root command that serves as
// the parent for all subcommands and handles global flags.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shinji-kodama/portpilot/internal/config"
	"github.com/shinji-kodama/portpilot/internal/logging"
	"github.com/shinji-kodama/portpilot/internal/model"
	"github.com/shinji-kodama/portpilot/internal/port"
)

// Global flag variables shared across all subcommands. They are bound to
// persistent flags on the root command.
var (
	// jsonOutput switches command output (and errors) to JSON.
	jsonOutput bool

	// verbose lowers the log level to debug.
	verbose bool

	// configPath points at an explicit config file. Empty means search.
	configPath string

	// logFormat overrides log.format from the config ("console" or "json").
	logFormat string
)

// Version, Commit and Date are set at build time via ldflags, injected from
// the main package.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// NewRootCommand creates the root cobra command with every subcommand
// registered.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "portpilot",
		Short: "Launch a local backend on a free loopback port",
		Long: `portpilot finds a free TCP port on the loopback interface, starts the
bundled backend on it, waits until the backend answers HTTP and prints the
URL a desktop shell should load.

The backend runs as a child process by default, or as a Docker container
with --mode container.`,

		// Errors are printed by Execute in text or JSON.
		SilenceUsage:  true,
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose (debug) logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a config file (.json, .jsonc, .yaml)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: console or json (default from config)")

	rootCmd.AddCommand(NewPortCommand())
	rootCmd.AddCommand(NewPortsCommand())
	rootCmd.AddCommand(NewRunCommand())
	rootCmd.AddCommand(NewPsCommand())
	rootCmd.AddCommand(NewStopCommand())

	return rootCmd
}

// Execute runs the root command and exits with the code matching the
// returned error.
func Execute(rootCmd *cobra.Command) {
	if err := rootCmd.Execute(); err != nil {
		printError(os.Stderr, err)
		os.Exit(int(ExitCodeFor(err)))
	}
}

// ExitCodeFor translates an error into a process exit code. CLIErrors
// carry their own code; bare port errors are classified by kind; anything
// else is a general error.
func ExitCodeFor(err error) model.ExitCode {
	if err == nil {
		return model.ExitSuccess
	}
	var cliErr *model.CLIError
	if errors.As(err, &cliErr) {
		return cliErr.Code
	}
	switch {
	case errors.Is(err, port.ErrPortRangeExhausted):
		return model.ExitPortRangeExhausted
	case errors.Is(err, port.ErrProbeFailed):
		return model.ExitProbeFailed
	case errors.Is(err, port.ErrInvalidRange):
		return model.ExitConfigError
	}
	return model.ExitGeneralError
}

// printError writes err to w as "Error: ..." text, or as a JSON object
// when --json is set.
func printError(w io.Writer, err error) {
	message := err.Error()
	var detail error
	var cliErr *model.CLIError
	if errors.As(err, &cliErr) {
		message = cliErr.Message
		detail = cliErr.Err
	}

	if jsonOutput {
		errObj := map[string]any{
			"message": message,
			"code":    int(ExitCodeFor(err)),
		}
		if detail != nil {
			errObj["detail"] = detail.Error()
		}
		data, _ := json.MarshalIndent(map[string]any{"error": errObj}, "", "  ")
		fmt.Fprintln(w, string(data))
		return
	}

	if detail != nil {
		fmt.Fprintf(w, "Error: %s: %v\n", message, detail)
	} else {
		fmt.Fprintf(w, "Error: %s\n", message)
	}
}

// IsJSONOutput returns whether the --json flag is set.
func IsJSONOutput() bool {
	return jsonOutput
}

// loadConfig loads the configuration named by --config (or the default
// search) and returns it together with a logger writing to the command's
// stderr.
func loadConfig(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	logger, err := logging.New(cmd.ErrOrStderr(), logging.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Verbose: verbose,
	})
	if err != nil {
		return nil, zerolog.Nop(), model.WrapCLIError(model.ExitConfigError, "invalid logging configuration", err)
	}
	logger.Debug().Str("config", configPath).Str("ports", cfg.Ports.String()).Msg("configuration loaded")
	return cfg, logger, nil
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
