// ps.go implements the "portpilot ps" command.
//
// ps lists container backends started by portpilot, found through the
// "portpilot.managed-by" label. Process backends are children of a running
// `portpilot run` and are not tracked here.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/portpilot/internal/docker"
	"github.com/shinji-kodama/portpilot/internal/launcher"
	"github.com/shinji-kodama/portpilot/internal/model"
)

// NewPsCommand creates the "ps" cobra command.
func NewPsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List managed container backends",
		Long: `List every container backend started by portpilot, running or stopped,
with the loopback port it is published on.

Examples:
  portpilot ps
  portpilot ps --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := loadConfig(cmd)
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
			logger.Debug().Msg("connected to Docker daemon")

			return runPs(cmd.Context(), cmd.OutOrStdout(), cli)
		},
	}
	return cmd
}

func runPs(ctx context.Context, w io.Writer, cli *docker.Client) error {
	backends, err := docker.ListManagedBackends(ctx, cli)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		type resultJSON struct {
			Backends []model.BackendInfo `json:"backends"`
		}
		// An empty slice renders as [] rather than null.
		if backends == nil {
			backends = []model.BackendInfo{}
		}
		return printJSON(w, resultJSON{Backends: backends})
	}

	printPsText(w, backends)
	return nil
}

// printPsText renders backends as a table:
//
//	NAME              STATUS    URL                     CONTAINER     IMAGE
//	schema-validator  running   http://127.0.0.1:8004   0123456789ab  example/validator:latest
func printPsText(w io.Writer, backends []model.BackendInfo) {
	if len(backends) == 0 {
		fmt.Fprintln(w, "No container backends found.")
		return
	}

	fmt.Fprintf(w, "%-20s %-10s %-24s %-14s %s\n", "NAME", "STATUS", "URL", "CONTAINER", "IMAGE")
	for _, b := range backends {
		id := b.ContainerID
		if len(id) > 12 {
			id = id[:12]
		}
		fmt.Fprintf(w, "%-20s %-10s %-24s %-14s %s\n",
			b.Name,
			b.Status,
			launcher.BaseURL(b.Host, b.HostPort),
			id,
			b.Image,
		)
	}
}
