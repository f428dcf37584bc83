//go:build windows

package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Microsoft/go-winio"
)

const defaultPipePath = `\\.\pipe\docker_engine`

// detectNamedPipe dials the pipe briefly, since os.Stat does not work on
// named pipes, and returns it as an npipe:// host.
func detectNamedPipe(path string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, err := winio.DialPipeContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("Docker named pipe not found at %s: %w", path, err)
	}
	_ = conn.Close()
	return pipeHost(path), nil
}

// pipeHost converts \\.\pipe\name into npipe:////./pipe/name.
func pipeHost(path string) string {
	return "npipe://" + strings.ReplaceAll(path, `\`, "/")
}
