package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"runtime"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/portpilot/internal/config"
	"github.com/shinji-kodama/portpilot/internal/model"
	"github.com/shinji-kodama/portpilot/internal/port"
)

// fakeRunner is an in-memory Runner. With serve set it answers HTTP on the
// port it was started with.
type fakeRunner struct {
	serve    bool
	startErr error
	// exitErr, when set, makes the backend exit right after starting.
	exitErr error

	mu       sync.Mutex
	started  bool
	stopped  int
	host     string
	port     int
	files    []*os.File
	srv      *http.Server
	done     chan struct{}
	err      error
	doneOnce sync.Once
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{done: make(chan struct{})}
}

func (f *fakeRunner) Start(_ context.Context, host string, p int, files []*os.File) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	f.host, f.port, f.files = host, p, files

	if f.serve {
		var (
			ln  net.Listener
			err error
		)
		if len(files) > 0 {
			ln, err = net.FileListener(files[0])
		} else {
			ln, err = net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(p)))
		}
		if err != nil {
			return err
		}
		f.srv = &http.Server{Handler: http.NotFoundHandler()}
		go func() { _ = f.srv.Serve(ln) }()
	}

	if f.exitErr != nil {
		f.exit(f.exitErr)
	}
	return nil
}

func (f *fakeRunner) exit(err error) {
	f.doneOnce.Do(func() {
		f.err = err
		close(f.done)
	})
}

func (f *fakeRunner) Done() <-chan struct{} { return f.done }

func (f *fakeRunner) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeRunner) Stop(_ context.Context, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	if f.srv != nil {
		_ = f.srv.Close()
	}
	f.doneOnce.Do(func() { close(f.done) })
	return nil
}

func (f *fakeRunner) ID() string { return "fake-id" }

func (f *fakeRunner) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// pidRunner adds a PID to fakeRunner, like a process backend.
type pidRunner struct{ *fakeRunner }

func (pidRunner) PID() int { return 4242 }

// stubListener is a listener that was never bound to a real socket.
type stubListener struct{ addr string }

func (s stubListener) Accept() (net.Conn, error) { return nil, errors.New("stub") }
func (s stubListener) Close() error              { return nil }
func (s stubListener) Addr() net.Addr            { return &net.TCPAddr{} }

// stubProber treats every port in busy as in use and every other port as free.
func stubProber(busy ...int) *port.Prober {
	inUse := make(map[string]bool)
	for _, p := range busy {
		inUse[net.JoinHostPort(port.DefaultHost, fmt.Sprint(p))] = true
	}
	return port.NewProber(port.WithListenFunc(func(_ context.Context, _, addr string) (net.Listener, error) {
		if inUse[addr] {
			return nil, &net.OpError{Op: "listen", Net: "tcp", Err: os.NewSyscallError("bind", syscall.EADDRINUSE)}
		}
		return stubListener{addr: addr}, nil
	}))
}

// okClient answers every request with 204.
func okClient() *http.Client {
	return &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		rec := httptest.NewRecorder()
		rec.WriteHeader(http.StatusNoContent)
		return rec.Result(), nil
	})}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func testConfig(start, limit int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Ports = model.PortRange{Start: start, Limit: limit}
	cfg.Readiness.InitialDelay = 0
	cfg.Readiness.Deadline = config.Duration(5 * time.Second)
	cfg.Shutdown.GracePeriod = config.Duration(time.Second)
	return cfg
}

func exitCode(t *testing.T, err error) model.ExitCode {
	t.Helper()
	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr), "expected CLIError, got %T: %v", err, err)
	return cliErr.Code
}

func TestLauncher_StartAndStop(t *testing.T) {
	runner := newFakeRunner()
	l := New(testConfig(8000, 9000), runner,
		WithProber(stubProber(8000, 8001, 8002, 8003)),
		WithHTTPClient(okClient()))
	assert.Equal(t, model.StateCreated, l.State())

	res, err := l.Start(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.StateRunning, l.State())
	assert.Equal(t, 8004, res.Port)
	assert.Equal(t, "http://127.0.0.1:8004", res.URL)
	assert.Equal(t, "fake-id", res.ContainerID)
	assert.Equal(t, model.ModeProcess, res.Mode)
	assert.Equal(t, 8004, runner.port)
	assert.Same(t, res, l.Result())

	require.NoError(t, l.Stop(context.Background()))
	assert.Equal(t, model.StateStopped, l.State())
	require.NoError(t, l.Stop(context.Background()), "second stop is a no-op")
	assert.Equal(t, 1, runner.stopCount())
}

func TestLauncher_PIDForProcessRunners(t *testing.T) {
	l := New(testConfig(8000, 8000), pidRunner{newFakeRunner()},
		WithProber(stubProber()), WithHTTPClient(okClient()))

	res, err := l.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4242, res.PID)
	assert.Empty(t, res.ContainerID)
}

func TestLauncher_StartTwice(t *testing.T) {
	l := New(testConfig(8000, 8000), newFakeRunner(),
		WithProber(stubProber()), WithHTTPClient(okClient()))
	_, err := l.Start(context.Background())
	require.NoError(t, err)

	_, err = l.Start(context.Background())
	assert.ErrorContains(t, err, "already used")
}

func TestLauncher_PortErrors(t *testing.T) {
	t.Run("exhausted", func(t *testing.T) {
		runner := newFakeRunner()
		l := New(testConfig(8995, 9000), runner,
			WithProber(stubProber(8995, 8996, 8997, 8998, 8999, 9000)))

		_, err := l.Start(context.Background())
		require.Error(t, err)
		assert.Equal(t, model.ExitPortRangeExhausted, exitCode(t, err))
		assert.True(t, errors.Is(err, port.ErrPortRangeExhausted))
		assert.Equal(t, model.StateFailed, l.State())
		assert.False(t, runner.started)
	})

	t.Run("probe failed", func(t *testing.T) {
		prober := port.NewProber(port.WithListenFunc(func(context.Context, string, string) (net.Listener, error) {
			return nil, errors.New("permission denied")
		}))
		l := New(testConfig(8000, 9000), newFakeRunner(), WithProber(prober))

		_, err := l.Start(context.Background())
		assert.Equal(t, model.ExitProbeFailed, exitCode(t, err))
		assert.True(t, errors.Is(err, port.ErrProbeFailed))
	})

	t.Run("invalid range", func(t *testing.T) {
		l := New(testConfig(9000, 8000), newFakeRunner(), WithProber(stubProber()))
		_, err := l.Start(context.Background())
		assert.Equal(t, model.ExitConfigError, exitCode(t, err))
	})
}

func TestLauncher_RunnerStartFails(t *testing.T) {
	runner := newFakeRunner()
	runner.startErr = errors.New("exec: not found")
	l := New(testConfig(8000, 8000), runner, WithProber(stubProber()))

	_, err := l.Start(context.Background())
	assert.Equal(t, model.ExitBackendFailed, exitCode(t, err))
	assert.ErrorContains(t, err, "not found")
	assert.Equal(t, model.StateFailed, l.State())
}

func TestLauncher_ExitBeforeReady(t *testing.T) {
	runner := newFakeRunner()
	runner.exitErr = errors.New("exit status 1")
	cfg := testConfig(8000, 8000)
	cfg.Readiness.InitialDelay = config.Duration(time.Hour)
	l := New(cfg, runner, WithProber(stubProber()))

	_, err := l.Start(context.Background())
	assert.Equal(t, model.ExitBackendFailed, exitCode(t, err))
	assert.ErrorContains(t, err, "exit status 1")
	assert.Equal(t, model.StateFailed, l.State())
}

func TestLauncher_NotReadyStopsBackend(t *testing.T) {
	runner := newFakeRunner()
	cfg := testConfig(8000, 8000)
	cfg.Readiness.Deadline = config.Duration(50 * time.Millisecond)
	failing := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})}
	l := New(cfg, runner, WithProber(stubProber()), WithHTTPClient(failing))

	_, err := l.Start(context.Background())
	assert.Equal(t, model.ExitBackendFailed, exitCode(t, err))
	assert.Equal(t, model.StateFailed, l.State())
	assert.Equal(t, 1, runner.stopCount())
}

func TestLauncher_WaitUnexpectedExit(t *testing.T) {
	runner := newFakeRunner()
	l := New(testConfig(8000, 8000), runner, WithProber(stubProber()), WithHTTPClient(okClient()))
	_, err := l.Start(context.Background())
	require.NoError(t, err)

	runner.exit(errors.New("exit status 2"))
	err = l.Wait(context.Background())
	assert.Equal(t, model.ExitBackendFailed, exitCode(t, err))
	assert.Equal(t, model.StateFailed, l.State())
}

func TestLauncher_WaitCleanExit(t *testing.T) {
	runner := newFakeRunner()
	l := New(testConfig(8000, 8000), runner, WithProber(stubProber()), WithHTTPClient(okClient()))
	_, err := l.Start(context.Background())
	require.NoError(t, err)

	runner.exit(nil)
	require.NoError(t, l.Wait(context.Background()))
	assert.Equal(t, model.StateStopped, l.State())
}

func TestLauncher_WaitContextDone(t *testing.T) {
	l := New(testConfig(8000, 8000), newFakeRunner(), WithProber(stubProber()), WithHTTPClient(okClient()))
	_, err := l.Start(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)
	assert.Equal(t, model.StateRunning, l.State())
}

func TestLauncher_StopBeforeStart(t *testing.T) {
	runner := newFakeRunner()
	l := New(testConfig(8000, 8000), runner)
	require.NoError(t, l.Stop(context.Background()))
	assert.Equal(t, model.StateStopped, l.State())
	assert.Equal(t, 0, runner.stopCount())
}

func TestLauncher_AllocatorSkipsClaimedPorts(t *testing.T) {
	prober := stubProber(8000)
	alloc := port.NewAllocator(prober)
	alloc.SetClaimed(map[int]string{8001: "other", 8002: "another"})

	l := New(testConfig(8000, 9000), newFakeRunner(),
		WithProber(prober), WithAllocator(alloc), WithHTTPClient(okClient()))
	res, err := l.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8003, res.Port)

	assert.Equal(t, []int{8001, 8002, 8003}, alloc.Claimed(), "the chosen port is claimed for this backend")
}

// TestLauncher_RealBackend runs the whole flow against a real loopback
// listener and HTTP readiness check.
func TestLauncher_RealBackend(t *testing.T) {
	runner := newFakeRunner()
	runner.serve = true
	l := New(testConfig(20000, 30000), runner)

	res, err := l.Start(context.Background())
	require.NoError(t, err)

	resp, err := http.Get(res.URL + "/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, l.Stop(context.Background()))
}

func TestLauncher_ReserveHandsOffSocket(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("listener sockets cannot be converted to files on windows")
	}
	runner := newFakeRunner()
	runner.serve = true
	cfg := testConfig(20000, 30000)
	cfg.Reserve = true
	l := New(cfg, runner)

	res, err := l.Start(context.Background())
	require.NoError(t, err)

	// The backend was handed exactly one inheritable socket for the
	// reported port, and served on it without binding the port itself.
	require.Len(t, runner.files, 1)
	assert.Equal(t, res.Port, runner.port)

	resp, err := http.Get(res.URL + "/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// The parent's copy is closed once the backend has started.
	_, err = runner.files[0].Stat()
	assert.ErrorIs(t, err, os.ErrClosed)

	require.NoError(t, l.Stop(context.Background()))
}

func TestLauncher_ReserveExhausted(t *testing.T) {
	runner := newFakeRunner()
	cfg := testConfig(8000, 8001)
	cfg.Reserve = true
	l := New(cfg, runner, WithProber(stubProber(8000, 8001)))

	_, err := l.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, model.ExitPortRangeExhausted, exitCode(t, err))
	assert.Equal(t, model.StateFailed, l.State())
	assert.False(t, runner.started)
}

func TestBaseURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8004", BaseURL("127.0.0.1", 8004))
	assert.Equal(t, "http://[::1]:8004", BaseURL("::1", 8004))
}
