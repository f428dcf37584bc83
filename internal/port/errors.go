package port

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

var (
	// ErrPortRangeExhausted is matched by errors.Is when every port in the
	// requested range was in use.
	ErrPortRangeExhausted = errors.New("no port available")

	// ErrProbeFailed is matched by errors.Is when a bind failed for a reason
	// other than "address already in use".
	ErrProbeFailed = errors.New("port probe failed")

	// ErrInvalidRange is returned before any bind when start/limit are not
	// valid port numbers or start > limit.
	ErrInvalidRange = errors.New("invalid port range")
)

// RangeExhaustedError reports that no port in [Start, Limit] could be bound.
type RangeExhaustedError struct {
	Host  string
	Start int
	Limit int
}

func (e *RangeExhaustedError) Error() string {
	return fmt.Sprintf("no available ports found between %d-%d on %s", e.Start, e.Limit, e.Host)
}

// Is makes errors.Is(err, ErrPortRangeExhausted) true.
func (e *RangeExhaustedError) Is(target error) bool {
	return target == ErrPortRangeExhausted
}

// ProbeError reports a bind failure that is not "address already in use".
// The scan stops at Port; no higher port was attempted.
type ProbeError struct {
	Host string
	Port int
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probing %s: %v", net.JoinHostPort(e.Host, strconv.Itoa(e.Port)), e.Err)
}

// Unwrap returns the underlying bind error.
func (e *ProbeError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrProbeFailed) true.
func (e *ProbeError) Is(target error) bool {
	return target == ErrProbeFailed
}
