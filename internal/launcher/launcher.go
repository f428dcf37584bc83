// Package launcher owns one backend run from port selection to shutdown.
//
// A Launcher replaces process-wide state (the backend handle and its port)
// with a single value that the CLI creates, starts, waits on and stops.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shinji-kodama/portpilot/internal/backend"
	"github.com/shinji-kodama/portpilot/internal/config"
	"github.com/shinji-kodama/portpilot/internal/model"
	"github.com/shinji-kodama/portpilot/internal/port"
)

// Runner runs the backend on a given port. backend.Process and
// docker.ContainerRunner implement it.
type Runner interface {
	// Start launches the backend. extraFiles, when non-empty, carry a
	// reserved listening socket for the backend to inherit.
	Start(ctx context.Context, host string, port int, extraFiles []*os.File) error
	// Done is closed once the backend has exited.
	Done() <-chan struct{}
	// Err is the exit error after Done; nil for a clean or requested exit.
	Err() error
	// Stop asks the backend to exit and forces it after grace.
	Stop(ctx context.Context, grace time.Duration) error
	// ID is the PID or container ID.
	ID() string
}

// pider is implemented by runners backed by a local process.
type pider interface {
	PID() int
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Launcher) { l.logger = logger }
}

// WithProber replaces the default prober bound to the configured host.
func WithProber(p *port.Prober) Option {
	return func(l *Launcher) {
		if p != nil {
			l.prober = p
		}
	}
}

// WithAllocator makes port selection skip ports claimed by other managed
// backends. Ignored when the configuration asks for a reservation.
func WithAllocator(a *port.Allocator) Option {
	return func(l *Launcher) { l.allocator = a }
}

// WithHTTPClient sets the client used for readiness requests.
func WithHTTPClient(c *http.Client) Option {
	return func(l *Launcher) { l.client = c }
}

// Launcher drives one backend through its lifecycle:
//
//	created -> starting -> running -> stopping -> stopped
//	               \          \
//	                `-> failed `-> failed
//
// A Launcher is single-use.
type Launcher struct {
	cfg       *config.Config
	runner    Runner
	prober    *port.Prober
	allocator *port.Allocator
	client    *http.Client
	logger    zerolog.Logger
	now       func() time.Time

	mu     sync.Mutex
	state  model.BackendState
	result *model.LaunchResult
}

// New creates a Launcher for cfg that runs the backend with runner.
func New(cfg *config.Config, runner Runner, opts ...Option) *Launcher {
	l := &Launcher{
		cfg:    cfg,
		runner: runner,
		logger: zerolog.Nop(),
		now:    time.Now,
		state:  model.StateCreated,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.prober == nil {
		l.prober = port.NewProber(port.WithHost(cfg.Host), port.WithLogger(l.logger))
	}
	return l
}

// State returns the current lifecycle state.
func (l *Launcher) State() model.BackendState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Result returns the launch result once the backend is running.
func (l *Launcher) Result() *model.LaunchResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.result
}

func (l *Launcher) setState(s model.BackendState) {
	l.mu.Lock()
	prev := l.state
	l.state = s
	l.mu.Unlock()
	if prev != s {
		l.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("backend state changed")
	}
}

// Start selects a port, launches the backend on it and waits until it
// answers HTTP. On any failure the backend is stopped and the launcher
// ends in StateFailed.
func (l *Launcher) Start(ctx context.Context) (*model.LaunchResult, error) {
	l.mu.Lock()
	if l.state != model.StateCreated {
		state := l.state
		l.mu.Unlock()
		return nil, fmt.Errorf("launcher already used (state %s)", state)
	}
	l.state = model.StateStarting
	l.mu.Unlock()

	host := l.prober.Host()
	portNum, files, release, err := l.selectPort(ctx)
	if err != nil {
		l.setState(model.StateFailed)
		return nil, err
	}
	l.logger.Info().Str("host", host).Int("port", portNum).Bool("reserved", len(files) > 0).Msg("selected port")

	err = l.runner.Start(ctx, host, portNum, files)
	// The child holds its own copy of any inherited socket now.
	release()
	if err != nil {
		l.setState(model.StateFailed)
		return nil, model.WrapCLIError(model.ExitBackendFailed, "failed to start backend", err)
	}

	baseURL := BaseURL(host, portNum)
	readyURL := baseURL + l.cfg.Readiness.Path
	err = backend.WaitReady(ctx, readyURL, backend.ReadyOptions{
		InitialDelay:   l.cfg.Readiness.InitialDelay.D(),
		RequestTimeout: l.cfg.Readiness.RequestTimeout.D(),
		Deadline:       l.cfg.Readiness.Deadline.D(),
		Client:         l.client,
		Logger:         l.logger,
	}, l.runner.Done())
	if err != nil {
		if errors.Is(err, backend.ErrExitedBeforeReady) {
			if exitErr := l.runner.Err(); exitErr != nil {
				err = fmt.Errorf("%w: %v", err, exitErr)
			}
		}
		l.abort()
		return nil, model.WrapCLIError(model.ExitBackendFailed, "backend failed to become ready", err)
	}

	result := &model.LaunchResult{
		Name:      l.cfg.Name,
		Mode:      l.cfg.Mode(),
		Host:      host,
		Port:      portNum,
		URL:       baseURL,
		StartedAt: l.now(),
	}
	if p, ok := l.runner.(pider); ok {
		result.PID = p.PID()
	} else {
		result.ContainerID = l.runner.ID()
	}

	l.mu.Lock()
	if l.state != model.StateStarting {
		// Stop was called while the backend was coming up.
		l.mu.Unlock()
		return nil, model.NewCLIError(model.ExitBackendFailed, "backend stopped during startup")
	}
	l.result = result
	l.state = model.StateRunning
	l.mu.Unlock()
	l.logger.Info().Str("url", baseURL).Str("id", l.runner.ID()).Msg("backend ready")
	return result, nil
}

// selectPort picks the backend port. In reserve mode the listening socket
// stays open and is returned as an inheritable file; release closes the
// parent's copies.
func (l *Launcher) selectPort(ctx context.Context) (int, []*os.File, func(), error) {
	r := l.cfg.Ports
	noop := func() {}

	if l.cfg.Reserve {
		res, err := l.prober.Reserve(ctx, r.Start, r.Limit)
		if err != nil {
			return 0, nil, noop, PortError(err)
		}
		f, err := res.File()
		if err != nil {
			_ = res.Close()
			return 0, nil, noop, model.WrapCLIError(model.ExitProbeFailed, "failed to hand off reserved port", err)
		}
		return res.Port(), []*os.File{f}, func() {
			_ = f.Close()
			_ = res.Close()
		}, nil
	}

	var (
		p   int
		err error
	)
	if l.allocator != nil {
		var claimed []int
		for _, c := range l.allocator.Claimed() {
			if r.Contains(c) {
				claimed = append(claimed, c)
			}
		}
		if len(claimed) > 0 {
			l.logger.Debug().Ints("ports", claimed).Msg("skipping ports claimed by other backends")
		}
		p, err = l.allocator.Allocate(ctx, r, l.cfg.Name)
	} else {
		p, err = l.prober.FindAvailablePort(ctx, r.Start, r.Limit)
	}
	if err != nil {
		return 0, nil, noop, PortError(err)
	}
	return p, nil, noop, nil
}

// abort stops a backend that failed during startup.
func (l *Launcher) abort() {
	l.setState(model.StateFailed)
	stopCtx, cancel := context.WithTimeout(context.Background(), l.grace()+5*time.Second)
	defer cancel()
	if err := l.runner.Stop(stopCtx, l.grace()); err != nil {
		l.logger.Warn().Err(err).Msg("failed to stop backend after failed start")
	}
}

// Wait blocks until the backend exits or ctx is done. An exit that was not
// requested through Stop leaves the launcher in StateFailed when the
// backend reported an error, StateStopped otherwise.
func (l *Launcher) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.runner.Done():
	}

	err := l.runner.Err()

	l.mu.Lock()
	stopping := l.state == model.StateStopping || l.state == model.StateStopped
	l.mu.Unlock()
	if stopping {
		return nil
	}

	if err != nil {
		l.setState(model.StateFailed)
		return model.WrapCLIError(model.ExitBackendFailed, "backend exited unexpectedly", err)
	}
	l.setState(model.StateStopped)
	l.logger.Info().Msg("backend exited")
	return nil
}

// Stop shuts the backend down. It is idempotent and safe in any state.
func (l *Launcher) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.state == model.StateCreated {
		l.state = model.StateStopped
		l.mu.Unlock()
		return nil
	}
	if l.state.IsTerminal() || l.state == model.StateStopping {
		l.mu.Unlock()
		return nil
	}
	prev := l.state
	l.state = model.StateStopping
	l.mu.Unlock()
	l.logger.Debug().Str("from", prev.String()).Str("to", model.StateStopping.String()).Msg("backend state changed")

	if err := l.runner.Stop(ctx, l.grace()); err != nil {
		l.setState(model.StateFailed)
		return model.WrapCLIError(model.ExitBackendFailed, "failed to stop backend", err)
	}
	l.setState(model.StateStopped)
	l.logger.Info().Msg("backend stopped")
	return nil
}

func (l *Launcher) grace() time.Duration {
	return l.cfg.Shutdown.GracePeriod.D()
}

// BaseURL is the address a front end should load.
func BaseURL(host string, p int) string {
	return "http://" + net.JoinHostPort(host, strconv.Itoa(p))
}

// PortError maps prober errors onto CLI exit codes.
func PortError(err error) error {
	switch {
	case errors.Is(err, port.ErrPortRangeExhausted):
		return model.WrapCLIError(model.ExitPortRangeExhausted, "no free port for the backend", err)
	case errors.Is(err, port.ErrProbeFailed):
		return model.WrapCLIError(model.ExitProbeFailed, "port probe failed", err)
	case errors.Is(err, port.ErrInvalidRange):
		return model.WrapCLIError(model.ExitConfigError, "invalid port range", err)
	default:
		return model.WrapCLIError(model.ExitGeneralError, "port selection failed", err)
	}
}
