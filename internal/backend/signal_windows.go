//go:build windows

package backend

import "os"

// terminate stops the process. Windows has no SIGTERM for console-less
// children, so the grace period is skipped.
func terminate(p *os.Process) error {
	return p.Kill()
}
