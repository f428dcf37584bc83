package docker

import (
	"context"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
)

// fakeAPI is an in-memory Docker daemon holding a fixed container list.
type fakeAPI struct {
	mu         sync.Mutex
	containers []container.Summary
	listErr    error
	listOpts   container.ListOptions
	pingErr    error

	stopped []string
	removed []string
	timeout *int

	// waits delivers the wait result for each container ID.
	waits map[string]chan container.WaitResponse
}

func newFakeAPI(containers ...container.Summary) *fakeAPI {
	return &fakeAPI{
		containers: containers,
		waits:      make(map[string]chan container.WaitResponse),
	}
}

func (f *fakeAPI) waitChan(id string) chan container.WaitResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.waits[id]
	if !ok {
		ch = make(chan container.WaitResponse, 1)
		f.waits[id] = ch
	}
	return ch
}

func (f *fakeAPI) Ping(context.Context) (types.Ping, error) {
	return types.Ping{}, f.pingErr
}

func (f *fakeAPI) ContainerList(_ context.Context, opts container.ListOptions) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listOpts = opts
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]container.Summary(nil), f.containers...), nil
}

func (f *fakeAPI) ContainerStop(_ context.Context, id string, opts container.StopOptions) error {
	f.mu.Lock()
	f.stopped = append(f.stopped, id)
	f.timeout = opts.Timeout
	f.mu.Unlock()

	// Stopping makes the container's wait return.
	select {
	case f.waitChan(id) <- container.WaitResponse{StatusCode: 143}:
	default:
	}
	return nil
}

func (f *fakeAPI) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeAPI) ContainerWait(_ context.Context, id string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	return f.waitChan(id), make(chan error)
}

func (f *fakeAPI) Close() error { return nil }
