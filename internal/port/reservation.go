package port

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
)

// Reservation is a port whose probing listener was kept open. While the
// reservation lives no other process can bind the port, which removes the
// window between probe and handoff that FindAvailablePort leaves open.
//
// The usual handoff is to pass File() to a child via exec.Cmd.ExtraFiles and
// then Close the reservation once the child has started.
type Reservation struct {
	ln   net.Listener
	host string
	port int

	once     sync.Once
	closeErr error
}

// Reserve scans [start, limit] exactly like FindAvailablePort but returns the
// first bound listener instead of releasing it.
func (p *Prober) Reserve(ctx context.Context, start, limit int) (*Reservation, error) {
	ln, port, err := p.scan(ctx, start, limit, nil)
	if err != nil {
		return nil, err
	}
	p.logger.Debug().Str("host", p.host).Int("port", port).Msg("reserved port")
	return &Reservation{ln: ln, host: p.host, port: port}, nil
}

// Port returns the reserved port number.
func (r *Reservation) Port() int {
	return r.port
}

// Host returns the address the reservation is bound to.
func (r *Reservation) Host() string {
	return r.host
}

// File returns a duplicate of the listening socket's descriptor. The
// returned file is independent of the reservation and must be closed by
// the caller.
func (r *Reservation) File() (*os.File, error) {
	tl, ok := r.ln.(*net.TCPListener)
	if !ok {
		return nil, fmt.Errorf("reservation on port %d is not a TCP listener", r.port)
	}
	f, err := tl.File()
	if err != nil {
		return nil, fmt.Errorf("duplicating listener for port %d: %w", r.port, err)
	}
	return f, nil
}

// Close releases the port. It is safe to call more than once.
func (r *Reservation) Close() error {
	r.once.Do(func() {
		r.closeErr = r.ln.Close()
	})
	return r.closeErr
}
