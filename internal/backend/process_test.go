//go:build unix

package backend

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/portpilot/internal/port"
)

const helperEnv = "PORTPILOT_WANT_HELPER_PROCESS"

// TestHelperProcess is not a real test. It is the backend launched by the
// tests below, selected by PORTPILOT_HELPER_MODE.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}

	switch os.Getenv("PORTPILOT_HELPER_MODE") {
	case "echo":
		fmt.Fprintln(os.Stdout, "hello from stdout")
		fmt.Fprintln(os.Stderr, "hello from stderr")
		os.Exit(0)
	case "fail":
		fmt.Fprintln(os.Stderr, "boom")
		os.Exit(3)
	case "ignore-term":
		signal.Ignore(syscall.SIGTERM)
		time.Sleep(time.Minute)
		os.Exit(0)
	case "serve":
		ln, err := net.Listen("tcp", net.JoinHostPort(os.Getenv("HOST"), os.Getenv("PORT")))
		if err != nil {
			os.Exit(4)
		}
		_ = http.Serve(ln, http.NotFoundHandler())
	case "inherit":
		if os.Getenv("LISTEN_FDS") != "1" {
			os.Exit(5)
		}
		ln, err := net.FileListener(os.NewFile(3, "listener"))
		if err != nil {
			os.Exit(6)
		}
		_ = http.Serve(ln, http.NotFoundHandler())
	}
	os.Exit(2)
}

// helperSpec runs this test binary as the backend in the given mode.
func helperSpec(mode string) Spec {
	return Spec{
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperProcess$", "--", "{port}"},
		Env: map[string]string{
			helperEnv:               "1",
			"PORTPILOT_HELPER_MODE": mode,
		},
	}
}

// syncBuffer is a bytes.Buffer safe for the concurrent relay goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitDone(t *testing.T, p *Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(30 * time.Second):
		t.Fatal("backend process did not exit")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	p, err := port.NewProber().FindAvailablePort(context.Background(), 20000, 30000)
	require.NoError(t, err)
	return p
}

func TestProcess_RelaysOutput(t *testing.T) {
	var out syncBuffer
	p := NewProcess(helperSpec("echo"), zerolog.New(&out))

	require.NoError(t, p.Start(context.Background(), "127.0.0.1", 8000, nil))
	assert.NotZero(t, p.PID())
	assert.Equal(t, strconv.Itoa(p.PID()), p.ID())
	waitDone(t, p)

	assert.NoError(t, p.Err())
	logs := out.String()
	assert.Contains(t, logs, `"stream":"stdout"`)
	assert.Contains(t, logs, "hello from stdout")
	assert.Contains(t, logs, `"stream":"stderr"`)
	assert.Contains(t, logs, "hello from stderr")
}

func TestProcess_ExitErrorReported(t *testing.T) {
	p := NewProcess(helperSpec("fail"), zerolog.Nop())
	require.NoError(t, p.Start(context.Background(), "127.0.0.1", 8000, nil))
	waitDone(t, p)

	require.Error(t, p.Err())
	assert.Contains(t, p.Err().Error(), "exit status 3")
}

func TestProcess_StartTwice(t *testing.T) {
	p := NewProcess(helperSpec("echo"), zerolog.Nop())
	require.NoError(t, p.Start(context.Background(), "127.0.0.1", 8000, nil))
	defer waitDone(t, p)

	err := p.Start(context.Background(), "127.0.0.1", 8000, nil)
	assert.ErrorContains(t, err, "already started")
}

func TestProcess_StartMissingBinary(t *testing.T) {
	p := NewProcess(Spec{Command: "/nonexistent/portpilot-backend"}, zerolog.Nop())
	err := p.Start(context.Background(), "127.0.0.1", 8000, nil)
	require.Error(t, err)
	assert.Equal(t, 0, p.PID())
}

func TestProcess_StopNotStarted(t *testing.T) {
	p := NewProcess(helperSpec("echo"), zerolog.Nop())
	assert.NoError(t, p.Stop(context.Background(), time.Second))
	assert.NoError(t, p.Err())
}

func TestProcess_ServeAndStop(t *testing.T) {
	portNum := freePort(t)
	p := NewProcess(helperSpec("serve"), zerolog.Nop())
	require.NoError(t, p.Start(context.Background(), "127.0.0.1", portNum, nil))

	url := fmt.Sprintf("http://127.0.0.1:%d/", portNum)
	err := WaitReady(context.Background(), url, ReadyOptions{
		RequestTimeout: time.Second,
		Deadline:       20 * time.Second,
		PollInterval:   20 * time.Millisecond,
		Logger:         zerolog.Nop(),
	}, p.Done())
	require.NoError(t, err)

	require.NoError(t, p.Stop(context.Background(), 5*time.Second))
	waitDone(t, p)
	assert.NoError(t, p.Err(), "exit caused by Stop is not an error")

	// Second stop is a no-op.
	assert.NoError(t, p.Stop(context.Background(), time.Second))
}

func TestProcess_StopEscalatesToKill(t *testing.T) {
	p := NewProcess(helperSpec("ignore-term"), zerolog.Nop())
	require.NoError(t, p.Start(context.Background(), "127.0.0.1", 8000, nil))

	// Give the helper time to install its signal handler.
	time.Sleep(300 * time.Millisecond)

	start := time.Now()
	require.NoError(t, p.Stop(context.Background(), 200*time.Millisecond))
	waitDone(t, p)
	assert.Less(t, time.Since(start), 20*time.Second)
	assert.NoError(t, p.Err())
}

func TestProcess_InheritsReservedListener(t *testing.T) {
	res, err := port.NewProber().Reserve(context.Background(), 20000, 30000)
	require.NoError(t, err)
	defer res.Close()

	f, err := res.File()
	require.NoError(t, err)

	p := NewProcess(helperSpec("inherit"), zerolog.Nop())
	require.NoError(t, p.Start(context.Background(), "127.0.0.1", res.Port(), []*os.File{f}))
	require.NoError(t, f.Close())
	require.NoError(t, res.Close())

	url := fmt.Sprintf("http://127.0.0.1:%d/", res.Port())
	err = WaitReady(context.Background(), url, ReadyOptions{
		RequestTimeout: time.Second,
		Deadline:       20 * time.Second,
		PollInterval:   20 * time.Millisecond,
		Logger:         zerolog.Nop(),
	}, p.Done())
	require.NoError(t, err)

	require.NoError(t, p.Stop(context.Background(), 5*time.Second))
}
