//go:build !windows

package docker

import (
	"fmt"
	"time"
)

const defaultPipePath = `\\.\pipe\docker_engine`

// detectNamedPipe only exists on Windows.
func detectNamedPipe(path string, _ time.Duration) (string, error) {
	return "", fmt.Errorf("named pipe %s is only available on windows", path)
}
