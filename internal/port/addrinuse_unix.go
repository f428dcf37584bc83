//go:build unix

package port

import (
	"errors"

	"golang.org/x/sys/unix"
)

// IsAddrInUse reports whether err is the OS "address already in use" error.
// net.Listen wraps it as *net.OpError -> *os.SyscallError -> errno.
func IsAddrInUse(err error) bool {
	return errors.Is(err, unix.EADDRINUSE)
}
