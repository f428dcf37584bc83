// port.go implements the "portpilot port" command.
//
// The port command prints the lowest free TCP port in the configured range
// on the loopback interface. The port is probed and released, not held, so
// a script can hand it to a process it starts next.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/portpilot/internal/config"
	"github.com/shinji-kodama/portpilot/internal/launcher"
	"github.com/shinji-kodama/portpilot/internal/logging"
	"github.com/shinji-kodama/portpilot/internal/model"
	"github.com/shinji-kodama/portpilot/internal/port"
)

// rangeFlags are the probe window overrides shared by port and ports.
type rangeFlags struct {
	start int
	limit int
	host  string
}

func (f *rangeFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.start, "start", 0, "First port to try (default from config, 8000)")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "Last port to try (default from config, 9000)")
	cmd.Flags().StringVar(&f.host, "host", "", "Address to bind (default from config, 127.0.0.1)")
}

// apply overlays the flags the user actually set onto cfg.
func (f *rangeFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("start") {
		cfg.Ports.Start = f.start
	}
	if cmd.Flags().Changed("limit") {
		cfg.Ports.Limit = f.limit
	}
	if cmd.Flags().Changed("host") {
		cfg.Host = f.host
	}
	if err := cfg.Ports.Validate(); err != nil {
		return model.WrapCLIError(model.ExitConfigError, "invalid port range", err)
	}
	return nil
}

// NewPortCommand creates the "port" cobra command.
func NewPortCommand() *cobra.Command {
	flags := &rangeFlags{}

	cmd := &cobra.Command{
		Use:   "port",
		Short: "Print the first free port in the range",
		Long: `Print the lowest TCP port in [start, limit] that can be bound on the
loopback interface.

Ports are tried in ascending order. A port that is in use is skipped; any
other bind error stops the search.

Examples:
  portpilot port
  portpilot port --start 8000 --limit 8100
  portpilot port --json`,
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
			return runPort(cmd.Context(), cmd.OutOrStdout(), prober, cfg.Ports)
		},
	}
	flags.register(cmd)
	return cmd
}

func runPort(ctx context.Context, w io.Writer, prober *port.Prober, r model.PortRange) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p, err := prober.FindAvailablePort(ctx, r.Start, r.Limit)
	if err != nil {
		return launcher.PortError(err)
	}

	if IsJSONOutput() {
		return printJSON(w, map[string]any{
			"host": prober.Host(),
			"port": p,
		})
	}
	_, err = fmt.Fprintln(w, p)
	return err
}
