// ports.go implements the "portpilot ports" command, which
// lists the ports in the range that cannot currently be bound.
package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/portpilot/internal/launcher"
	"github.com/shinji-kodama/portpilot/internal/logging"
	"github.com/shinji-kodama/portpilot/internal/model"
	"github.com/shinji-kodama/portpilot/internal/port"
)

// NewPortsCommand creates the "ports" cobra command.
func NewPortsCommand() *cobra.Command {
	flags := &rangeFlags{}

	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List ports in the range that are in use",
		Long: `Probe every port in [start, limit] and list the ones that cannot be bound.

Examples:
  portpilot ports --start 8000 --limit 8010
  portpilot ports --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := flags.apply(cmd, cfg); err != nil {
				return err
			}

			prober := port.NewProber(port.WithHost(cfg.Host), port.WithLogger(logging.Component(logger, "port")))
			return runPorts(cmd.Context(), cmd.OutOrStdout(), prober, cfg.Ports)
		},
	}
	flags.register(cmd)
	return cmd
}

func runPorts(ctx context.Context, w io.Writer, prober *port.Prober, r model.PortRange) error {
	if ctx == nil {
		ctx = context.Background()
	}
	used, err := prober.UsedPorts(ctx, r.Start, r.Limit)
	if err != nil {
		return launcher.PortError(err)
	}

	if IsJSONOutput() {
		if used == nil {
			used = []int{}
		}
		return printJSON(w, map[string]any{
			"host":  prober.Host(),
			"start": r.Start,
			"limit": r.Limit,
			"used":  used,
		})
	}

	if len(used) == 0 {
		_, err = fmt.Fprintf(w, "No ports in use between %s on %s.\n", r, prober.Host())
		return err
	}
	_, err = fmt.Fprintf(w, "%d of %d ports in use on %s: %s\n", len(used), r.Size(), prober.Host(), FormatPortsList(used))
	return err
}

// FormatPortsList joins ports with commas, or returns "-" for none.
func FormatPortsList(ports []int) string {
	if len(ports) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		parts = append(parts, strconv.Itoa(p))
	}
	return strings.Join(parts, ",")
}
