//go:build windows

package port

import (
	"errors"
	"syscall"

	"golang.org/x/sys/windows"
)

// IsAddrInUse reports whether err is the OS "address already in use" error.
// Winsock reports WSAEADDRINUSE; syscall.EADDRINUSE is the portable
// invented errno some callers construct.
func IsAddrInUse(err error) bool {
	return errors.Is(err, windows.WSAEADDRINUSE) || errors.Is(err, syscall.EADDRINUSE)
}
