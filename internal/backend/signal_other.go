//go:build !unix && !windows

package backend

import "os"

func terminate(p *os.Process) error {
	return p.Signal(os.Interrupt)
}
