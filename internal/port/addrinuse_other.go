//go:build !unix && !windows

package port

import (
	"errors"
	"syscall"
)

// IsAddrInUse reports whether err is the OS "address already in use" error.
func IsAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
