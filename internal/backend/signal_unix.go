//go:build unix

package backend

import (
	"os"
	"syscall"
)

// terminate asks the process to shut down.
func terminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
