// run.go implements the "portpilot run" command.
//
// run selects a free port, launches the backend on it (as a child process
// or a Docker container), waits until the backend answers HTTP, prints the
// URL, and supervises the backend until it exits or portpilot receives
// SIGINT/SIGTERM. On a signal the backend is stopped gracefully.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shinji-kodama/portpilot/internal/backend"
	"github.com/shinji-kodama/portpilot/internal/config"
	"github.com/shinji-kodama/portpilot/internal/docker"
	"github.com/shinji-kodama/portpilot/internal/launcher"
	"github.com/shinji-kodama/portpilot/internal/logging"
	"github.com/shinji-kodama/portpilot/internal/model"
	"github.com/shinji-kodama/portpilot/internal/port"
)

// stopSlack is added to the grace period when bounding a final stop.
const stopSlack = 10 * time.Second

// runFlags holds the flag values for the run command.
type runFlags struct {
	dev     bool
	reserve bool
	mode    string
	name    string
	image   string
	ranges  rangeFlags
}

// NewRunCommand creates the "run" cobra command.
func NewRunCommand() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run [-- backend args...]",
		Short: "Launch the backend on a free port and supervise it",
		Long: `Launch the configured backend on the first free loopback port, wait until
it answers HTTP, and print its URL. portpilot keeps running until the
backend exits or it receives SIGINT/SIGTERM, then stops the backend
(SIGTERM, then SIGKILL after the grace period).

Arguments after "--" are appended to the backend's configured arguments.

Examples:
  portpilot run
  portpilot run --dev
  portpilot run --reserve --json
  portpilot run --mode container --image example/validator:latest`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := flags.apply(cmd, cfg, args); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runRun(ctx, cmd.OutOrStdout(), cfg, logger)
		},
	}

	cmd.Flags().BoolVar(&flags.dev, "dev", false, "Use the development backend command")
	cmd.Flags().BoolVar(&flags.reserve, "reserve", false, "Keep the port bound and pass the socket to the backend")
	cmd.Flags().StringVar(&flags.mode, "mode", "", "Backend mode: process or container (default from config)")
	cmd.Flags().StringVar(&flags.name, "name", "", "Backend name (default from config)")
	cmd.Flags().StringVar(&flags.image, "image", "", "Container image for --mode container")
	flags.ranges.register(cmd)

	return cmd
}

// apply overlays run flags and extra backend args onto cfg and revalidates.
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config, extraArgs []string) error {
	if cmd.Flags().Changed("dev") {
		cfg.Backend.Dev = f.dev
	}
	if cmd.Flags().Changed("reserve") {
		cfg.Reserve = f.reserve
	}
	if f.mode != "" {
		cfg.Backend.Mode = f.mode
	}
	if f.name != "" {
		cfg.Name = f.name
	}
	if f.image != "" {
		cfg.Backend.Image = f.image
	}
	if len(extraArgs) > 0 {
		if cfg.Backend.Dev && cfg.Backend.DevCommand != "" {
			cfg.Backend.DevArgs = append(cfg.Backend.DevArgs, extraArgs...)
		} else {
			cfg.Backend.Args = append(cfg.Backend.Args, extraArgs...)
		}
	}
	if err := f.ranges.apply(cmd, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return model.WrapCLIError(model.ExitConfigError, "invalid configuration", err)
	}
	return nil
}

// runRun drives one launcher from start to shutdown.
func runRun(ctx context.Context, w io.Writer, cfg *config.Config, logger zerolog.Logger) error {
	prober := port.NewProber(port.WithHost(cfg.Host), port.WithLogger(logging.Component(logger, "port")))
	opts := []launcher.Option{
		launcher.WithLogger(logging.Component(logger, "launcher")),
		launcher.WithProber(prober),
	}

	var runner launcher.Runner
	switch cfg.Mode() {
	case model.ModeContainer:
		cli, err := docker.NewClient()
		if err != nil {
			return err
		}
		defer func() { _ = cli.Close() }()
		if err := cli.Ping(ctx); err != nil {
			return err
		}

		// Skip host ports already promised to other container backends,
		// running or not.
		backends, err := docker.ListManagedBackends(ctx, cli)
		if err != nil {
			return err
		}
		alloc := port.NewAllocator(prober)
		alloc.SetClaimed(docker.ClaimedPorts(otherBackends(backends, cfg.Name)))
		opts = append(opts, launcher.WithAllocator(alloc))

		runner = docker.NewContainerRunner(cli, docker.RunnerOptions{
			Name:          cfg.Name,
			Image:         cfg.Backend.Image,
			ContainerPort: cfg.Backend.ContainerPort,
			Env:           cfg.Backend.Env,
			Args:          cfg.Backend.Args,
			Logger:        logging.Component(logger, "container"),
		})

	default:
		spec := backend.SpecFromConfig(cfg.Backend)
		if spec.Command == "" {
			return model.WrapCLIError(model.ExitConfigError,
				"set backend.command (or backend.devCommand with --dev)", backend.ErrNoCommand)
		}
		runner = backend.NewProcess(spec, logging.Component(logger, "backend"))
	}

	l := launcher.New(cfg, runner, opts...)
	defer stopLauncher(l, cfg, logger)

	result, err := l.Start(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return model.WrapCLIError(model.ExitGeneralError, "interrupted while starting backend", err)
		}
		return err
	}
	if err := printRunResult(w, result); err != nil {
		return err
	}

	err = l.Wait(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info().Msg("shutting down")
		return nil
	}
	return err
}

// stopLauncher stops the backend with a fresh context: the command's
// context is usually already cancelled by the signal that got us here.
func stopLauncher(l *launcher.Launcher, cfg *config.Config, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.GracePeriod.D()+stopSlack)
	defer cancel()
	if err := l.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to stop backend")
	}
}

// otherBackends drops the backend called name: its own stale container is
// replaced, so its port is free for reuse.
func otherBackends(backends []model.BackendInfo, name string) []model.BackendInfo {
	out := make([]model.BackendInfo, 0, len(backends))
	for _, b := range backends {
		if b.Name != name {
			out = append(out, b)
		}
	}
	return out
}

func printRunResult(w io.Writer, result *model.LaunchResult) error {
	if IsJSONOutput() {
		return printJSON(w, result)
	}
	id := result.ContainerID
	if result.PID != 0 {
		id = fmt.Sprintf("pid %d", result.PID)
	}
	_, err := fmt.Fprintf(w, "Backend %q ready at %s (%s, %s)\n", result.Name, result.URL, result.Mode, id)
	return err
}
