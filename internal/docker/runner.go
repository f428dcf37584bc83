package docker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/rs/zerolog"

	"github.com/shinji-kodama/portpilot/internal/model"
)

// RunFunc starts a container and returns its ID. RunBackend is the default.
type RunFunc func(ctx context.Context, opts RunOptions) (string, error)

// ContainerRunner runs the backend image as a container. It has the same
// lifecycle surface as backend.Process so the launcher can drive either.
type ContainerRunner struct {
	cli           *Client
	name          string
	image         string
	containerPort int
	env           map[string]string
	args          []string
	logger        zerolog.Logger
	run           RunFunc
	now           func() time.Time

	mu       sync.Mutex
	id       string
	stopping bool
	done     chan struct{}
	err      error
}

// RunnerOptions configures a ContainerRunner.
type RunnerOptions struct {
	Name          string
	Image         string
	ContainerPort int
	Env           map[string]string
	Args          []string
	Logger        zerolog.Logger
	// Run replaces RunBackend.
	Run RunFunc
}

// NewContainerRunner creates a runner for one container backend.
func NewContainerRunner(cli *Client, opts RunnerOptions) *ContainerRunner {
	run := opts.Run
	if run == nil {
		run = RunBackend
	}
	return &ContainerRunner{
		cli:           cli,
		name:          opts.Name,
		image:         opts.Image,
		containerPort: opts.ContainerPort,
		env:           opts.Env,
		args:          opts.Args,
		logger:        opts.Logger,
		run:           run,
		now:           time.Now,
		done:          make(chan struct{}),
	}
}

// Start runs the container with host:port published to the container port.
// A leftover stopped backend with the same name is removed first; a
// running one is an error.
func (r *ContainerRunner) Start(ctx context.Context, host string, port int, extraFiles []*os.File) error {
	if len(extraFiles) > 0 {
		return errors.New("container backends cannot inherit a reserved socket")
	}
	if r.image == "" {
		return errors.New("no backend image configured")
	}

	r.mu.Lock()
	if r.id != "" {
		r.mu.Unlock()
		return fmt.Errorf("container backend %q already started", r.name)
	}
	r.mu.Unlock()

	existing, err := FindBackend(ctx, r.cli, r.name)
	if err == nil {
		if existing.Status == "running" {
			return fmt.Errorf("backend %q is already running in container %s", r.name, shortID(existing.ContainerID))
		}
		r.logger.Info().Str("container", shortID(existing.ContainerID)).Msg("removing stale backend container")
		if err := RemoveContainer(ctx, r.cli, existing.ContainerID, true); err != nil {
			return err
		}
	} else if !isNotFound(err) {
		return err
	}

	id, err := r.run(ctx, RunOptions{
		Name:          r.name,
		Image:         r.image,
		Host:          host,
		HostPort:      port,
		ContainerPort: r.containerPort,
		Env:           r.env,
		Args:          r.args,
		CreatedAt:     r.now(),
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.id = id
	r.mu.Unlock()
	r.logger.Info().Str("container", shortID(id)).Str("image", r.image).Int("port", port).Msg("started backend container")

	go r.wait(id)
	return nil
}

// wait closes done once the container stops running.
func (r *ContainerRunner) wait(id string) {
	statusCh, errCh := r.cli.Inner().ContainerWait(context.Background(), id, container.WaitConditionNotRunning)

	var exitErr error
	select {
	case status := <-statusCh:
		if status.Error != nil {
			exitErr = fmt.Errorf("container %s: %s", shortID(id), status.Error.Message)
		} else if status.StatusCode != 0 {
			exitErr = fmt.Errorf("container %s exited with status %d", shortID(id), status.StatusCode)
		}
	case err := <-errCh:
		exitErr = fmt.Errorf("waiting for container %s: %w", shortID(id), err)
	}

	r.mu.Lock()
	r.err = exitErr
	r.mu.Unlock()
	r.logger.Info().Str("container", shortID(id)).AnErr("exit", exitErr).Msg("backend container stopped")
	close(r.done)
}

// ID returns the container ID, empty before Start.
func (r *ContainerRunner) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// Done is closed when the container is no longer running.
func (r *ContainerRunner) Done() <-chan struct{} {
	return r.done
}

// Err returns the exit error once Done is closed. A stop requested via
// Stop is not an error.
func (r *ContainerRunner) Err() error {
	select {
	case <-r.done:
	default:
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopping {
		return nil
	}
	return r.err
}

// Stop stops the container with grace as the SIGTERM timeout and removes
// it. Container backends are ephemeral, like `docker run --rm`.
func (r *ContainerRunner) Stop(ctx context.Context, grace time.Duration) error {
	r.mu.Lock()
	id := r.id
	if id == "" {
		r.mu.Unlock()
		return nil
	}
	r.stopping = true
	r.mu.Unlock()

	if err := StopContainer(ctx, r.cli, id, grace); err != nil {
		return err
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return RemoveContainer(ctx, r.cli, id, true)
}

func isNotFound(err error) bool {
	var cliErr *model.CLIError
	return errors.As(err, &cliErr) && cliErr.Code == model.ExitBackendNotFound
}

// shortID truncates a container ID the way the docker CLI displays it.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
