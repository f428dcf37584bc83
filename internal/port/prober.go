package port

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/shinji-kodama/portpilot/internal/model"
)

// DefaultHost is the loopback address probed when no host is configured.
// The backend is only ever exposed on the local machine.
const DefaultHost = model.DefaultHost

// ListenFunc opens a listener. It has the signature of
// (*net.ListenConfig).Listen so tests can substitute the bind step.
type ListenFunc func(ctx context.Context, network, address string) (net.Listener, error)

// Option configures a Prober.
type Option func(*Prober)

// WithHost sets the interface address to bind. Empty keeps DefaultHost.
func WithHost(host string) Option {
	return func(p *Prober) {
		if host != "" {
			p.host = host
		}
	}
}

// WithListenFunc replaces the bind step.
func WithListenFunc(fn ListenFunc) Option {
	return func(p *Prober) {
		if fn != nil {
			p.listen = fn
		}
	}
}

// WithLogger attaches a logger for per-port debug output.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Prober) {
		p.logger = logger
	}
}

// Prober checks TCP port availability by binding a listener on one host
// address. It holds no state between calls and is safe for concurrent use,
// although each individual scan is strictly sequential.
type Prober struct {
	host   string
	listen ListenFunc
	logger zerolog.Logger
}

// NewProber creates a Prober bound to DefaultHost unless WithHost says otherwise.
func NewProber(opts ...Option) *Prober {
	var lc net.ListenConfig
	p := &Prober{
		host:   DefaultHost,
		listen: lc.Listen,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Host returns the address the prober binds.
func (p *Prober) Host() string {
	return p.host
}

// FindAvailablePort returns the lowest port in [start, limit] that can be
// bound on the prober's host. The probing listener is closed before
// returning, so the port is free (not reserved) when the caller gets it.
//
// Errors:
//   - ErrInvalidRange when start/limit are not valid or start > limit
//   - *ProbeError (ErrProbeFailed) on the first bind error that is not
//     "address in use"; higher ports are not attempted
//   - *RangeExhaustedError (ErrPortRangeExhausted) when every port is in use
//   - the context error when ctx is cancelled between attempts
func (p *Prober) FindAvailablePort(ctx context.Context, start, limit int) (int, error) {
	ln, port, err := p.scan(ctx, start, limit, nil)
	if err != nil {
		return 0, err
	}
	if err := ln.Close(); err != nil {
		return 0, &ProbeError{Host: p.host, Port: port, Err: fmt.Errorf("releasing probe listener: %w", err)}
	}
	p.logger.Debug().Str("host", p.host).Int("port", port).Msg("found available port")
	return port, nil
}

// IsPortAvailable reports whether a single port can be bound right now.
// "Address in use" yields false with a nil error; any other bind failure is
// returned as a *ProbeError.
func (p *Prober) IsPortAvailable(ctx context.Context, port int) (bool, error) {
	ln, err := p.bind(ctx, port)
	if err == nil {
		_ = ln.Close()
		return true, nil
	}
	if IsAddrInUse(err) {
		return false, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, fmt.Errorf("port probe stopped at %d: %w", port, ctxErr)
	}
	return false, &ProbeError{Host: p.host, Port: port, Err: err}
}

// UsedPorts returns the ports in [start, limit] that are currently in use.
// It fails the same way FindAvailablePort does: ErrInvalidRange for a bad
// range, and a *ProbeError on the first bind error that is not "address in
// use", without probing further.
func (p *Prober) UsedPorts(ctx context.Context, start, limit int) ([]int, error) {
	if err := (model.PortRange{Start: start, Limit: limit}).Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRange, err)
	}
	var used []int
	for port := start; port <= limit; port++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("port probe stopped at %d: %w", port, err)
		}
		free, err := p.IsPortAvailable(ctx, port)
		if err != nil {
			return nil, err
		}
		if !free {
			used = append(used, port)
		}
	}
	return used, nil
}

// scan walks [start, limit] upward and returns the first open listener.
// Ports for which skip returns true are treated as in use without binding.
// The caller owns the returned listener.
func (p *Prober) scan(ctx context.Context, start, limit int, skip func(int) bool) (net.Listener, int, error) {
	if err := (model.PortRange{Start: start, Limit: limit}).Validate(); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidRange, err)
	}

	for port := start; port <= limit; port++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, fmt.Errorf("port probe stopped at %d: %w", port, err)
		}
		if skip != nil && skip(port) {
			continue
		}

		ln, err := p.bind(ctx, port)
		if err == nil {
			return ln, port, nil
		}
		if IsAddrInUse(err) {
			p.logger.Debug().Int("port", port).Msg("port in use")
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, 0, fmt.Errorf("port probe stopped at %d: %w", port, ctxErr)
		}
		return nil, 0, &ProbeError{Host: p.host, Port: port, Err: err}
	}

	return nil, 0, &RangeExhaustedError{Host: p.host, Start: start, Limit: limit}
}

func (p *Prober) bind(ctx context.Context, port int) (net.Listener, error) {
	return p.listen(ctx, "tcp", net.JoinHostPort(p.host, strconv.Itoa(port)))
}
