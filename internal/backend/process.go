package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// maxLineSize bounds a single relayed output line.
const maxLineSize = 1024 * 1024

// Process is one run of the backend command. It is single-use: after the
// child exits, create a new Process to launch again.
type Process struct {
	spec   Spec
	logger zerolog.Logger

	mu       sync.Mutex
	started  bool
	stopping bool
	pid      int
	proc     *os.Process

	done    chan struct{}
	waitErr error
}

// NewProcess creates a Process for spec.
func NewProcess(spec Spec, logger zerolog.Logger) *Process {
	return &Process{
		spec:   spec,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start spawns the backend for host:port. extraFiles are inherited by the
// child starting at descriptor 3. Start returns once the process has been
// created; it does not wait for readiness.
func (p *Process) Start(_ context.Context, host string, port int, extraFiles []*os.File) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("backend process already started (pid %d)", p.pid)
	}

	cmd, err := BuildCommand(p.spec, host, port)
	if err != nil {
		return err
	}
	if len(extraFiles) > 0 {
		cmd.ExtraFiles = extraFiles
		cmd.Env = append(cmd.Env, "LISTEN_FDS="+strconv.Itoa(len(extraFiles)))
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	p.logger.Info().
		Str("command", cmd.Path).
		Strs("args", cmd.Args[1:]).
		Int("port", port).
		Msg("starting backend process")

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", cmd.Path, err)
	}

	p.started = true
	p.proc = cmd.Process
	p.pid = cmd.Process.Pid

	var relays sync.WaitGroup
	relays.Add(2)
	go p.relay(&relays, stdout, "stdout")
	go p.relay(&relays, stderr, "stderr")

	go func() {
		// Wait must not run before the pipes are drained.
		relays.Wait()
		err := cmd.Wait()

		p.mu.Lock()
		stopping := p.stopping
		p.waitErr = err
		p.mu.Unlock()

		event := p.logger.Info()
		if err != nil && !stopping {
			event = p.logger.Error().Err(err)
		}
		event.Int("pid", cmd.Process.Pid).Int("exit_code", cmd.ProcessState.ExitCode()).Msg("backend process exited")
		close(p.done)
	}()

	return nil
}

// relay copies r line by line into the logger.
func (p *Process) relay(wg *sync.WaitGroup, r io.Reader, stream string) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		event := p.logger.Info()
		if stream == "stderr" {
			event = p.logger.Warn()
		}
		event.Str("stream", stream).Msg(scanner.Text())
	}
	// Keep draining after an oversized line so the child never blocks on a
	// full pipe.
	if scanner.Err() != nil {
		_, _ = io.Copy(io.Discard, r)
	}
}

// PID returns the child's process ID, or 0 before Start.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// ID returns the PID as a string.
func (p *Process) ID() string {
	return strconv.Itoa(p.PID())
}

// Done is closed when the child has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err returns the exit error once Done is closed. A clean exit, or an exit
// caused by Stop, returns nil.
func (p *Process) Err() error {
	select {
	case <-p.done:
	default:
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		return nil
	}
	return p.waitErr
}

// Stop terminates the child: SIGTERM first, SIGKILL once grace has elapsed
// or ctx is done. It is safe to call on an exited or never-started process.
func (p *Process) Stop(ctx context.Context, grace time.Duration) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	select {
	case <-p.done:
		p.mu.Unlock()
		return nil
	default:
	}
	p.stopping = true
	proc := p.proc
	pid := p.pid
	p.mu.Unlock()

	p.logger.Info().Int("pid", pid).Dur("grace", grace).Msg("stopping backend process")
	if err := terminate(proc); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Debug().Err(err).Msg("terminate signal failed, killing")
		return p.kill(proc)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
		p.logger.Warn().Int("pid", pid).Msg("backend did not exit within grace period, killing")
	case <-ctx.Done():
		p.logger.Warn().Int("pid", pid).Msg("stop cancelled, killing backend")
	}
	return p.kill(proc)
}

func (p *Process) kill(proc *os.Process) error {
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing backend process %d: %w", proc.Pid, err)
	}
	<-p.done
	return nil
}
