// stop.go implements the "portpilot stop" command.
//
// stop gracefully stops a named container backend and removes it, freeing
// its host port for the next launch.
package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shinji-kodama/portpilot/internal/docker"
)

// NewStopCommand creates the "stop" cobra command.
func NewStopCommand() *cobra.Command {
	var keep bool

	cmd := &cobra.Command{
		Use:   "stop <name>",
		Short: "Stop and remove a container backend",
		Long: `Stop the named container backend (SIGTERM, then SIGKILL after the
configured grace period) and remove the container.

Examples:
  portpilot stop schema-validator
  portpilot stop --keep schema-validator`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			cli, err := docker.NewClient()
			if err != nil {
				return err
			}
			defer func() { _ = cli.Close() }()
			if err := cli.Ping(cmd.Context()); err != nil {
				return err
			}

			return runStop(cmd.Context(), cmd.OutOrStdout(), cli, logger, args[0], cfg.Shutdown.GracePeriod.D(), keep)
		},
	}

	cmd.Flags().BoolVar(&keep, "keep", false, "Stop the container but do not remove it")
	return cmd
}

func runStop(ctx context.Context, w io.Writer, cli *docker.Client, logger zerolog.Logger, name string, grace time.Duration, keep bool) error {
	info, err := docker.FindBackend(ctx, cli, name)
	if err != nil {
		return err
	}
	logger.Debug().Str("container", info.ContainerID).Str("status", info.Status).Msg("found backend")

	if info.Status == "running" {
		if err := docker.StopContainer(ctx, cli, info.ContainerID, grace); err != nil {
			return err
		}
	}
	removed := false
	if !keep {
		if err := docker.RemoveContainer(ctx, cli, info.ContainerID, true); err != nil {
			return err
		}
		removed = true
	}

	if IsJSONOutput() {
		return printJSON(w, map[string]any{
			"name":     name,
			"action":   "stopped",
			"hostPort": info.HostPort,
			"removed":  removed,
		})
	}
	_, err = fmt.Fprintf(w, "Stopped backend %q (port %d)\n", name, info.HostPort)
	return err
}
