package port

import (
	"context"
	"sort"
	"sync"

	"github.com/shinji-kodama/portpilot/internal/model"
)

// Allocator picks ports while avoiding ones already claimed by other
// managed backends.
//
// The OS probe alone misses stopped container backends: a stopped container
// holds no socket, yet its published port mapping comes back when it is
// restarted. Claimed ports are therefore skipped as if they were in use.
type Allocator struct {
	prober *Prober

	mu      sync.Mutex
	claimed map[int]string
}

// NewAllocator creates an Allocator on top of prober.
func NewAllocator(prober *Prober) *Allocator {
	return &Allocator{
		prober:  prober,
		claimed: make(map[int]string),
	}
}

// SetClaimed replaces the set of claimed ports. Keys are ports, values the
// owning backend name.
func (a *Allocator) SetClaimed(claims map[int]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.claimed = make(map[int]string, len(claims))
	for p, owner := range claims {
		a.claimed[p] = owner
	}
}

// Claimed returns the claimed ports in ascending order.
func (a *Allocator) Claimed() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	ports := make([]int, 0, len(a.claimed))
	for p := range a.claimed {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

// Allocate returns the lowest port in r that is neither claimed nor bound
// by another process, and claims it for owner. Errors are the same as
// Prober.FindAvailablePort.
func (a *Allocator) Allocate(ctx context.Context, r model.PortRange, owner string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ln, port, err := a.prober.scan(ctx, r.Start, r.Limit, func(p int) bool {
		claimant, taken := a.claimed[p]
		if taken {
			a.prober.logger.Debug().Int("port", p).Str("owner", claimant).Msg("port claimed by another backend")
		}
		return taken
	})
	if err != nil {
		return 0, err
	}
	if err := ln.Close(); err != nil {
		return 0, &ProbeError{Host: a.prober.host, Port: port, Err: err}
	}

	a.claimed[port] = owner
	return port, nil
}
