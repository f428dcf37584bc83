// container.go implements the container lifecycle for the "container"
// backend mode: run the backend image with its port published on loopback,
// list and find managed backends, and stop or remove them.
//
// All managed containers carry the "portpilot.managed-by" label, which
// separates them from unrelated containers on the same host.
package docker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"

	"github.com/shinji-kodama/portpilot/internal/model"
)

// ListManagedBackends returns every container labelled as a portpilot
// backend, including stopped ones: a stopped backend still owns its host
// port mapping until it is removed.
//
// Containers whose labels cannot be parsed are skipped.
func ListManagedBackends(ctx context.Context, cli *Client) ([]model.BackendInfo, error) {
	// Docker filters server-side, which is cheaper than listing everything.
	filterArgs := filters.NewArgs()
	for k, v := range FilterLabels() {
		filterArgs.Add("label", k+"="+v)
	}

	containers, err := cli.Inner().ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, model.WrapCLIError(model.ExitDockerNotRunning, "failed to list Docker containers", err)
	}

	result := make([]model.BackendInfo, 0, len(containers))
	for _, c := range containers {
		info, err := summaryToBackend(c)
		if err != nil {
			continue
		}
		result = append(result, *info)
	}

	slices.SortFunc(result, func(a, b model.BackendInfo) int {
		return strings.Compare(a.Name, b.Name)
	})
	return result, nil
}

// summaryToBackend maps a container listing entry onto BackendInfo.
// Docker reports names with a leading "/", which is stripped.
func summaryToBackend(c container.Summary) (*model.BackendInfo, error) {
	info, err := ParseLabels(c.Labels)
	if err != nil {
		return nil, err
	}

	if len(c.Names) > 0 {
		info.ContainerName = strings.TrimPrefix(c.Names[0], "/")
	}
	info.ContainerID = c.ID
	info.Image = c.Image
	info.Status = c.State
	return info, nil
}

// FindBackend returns the managed backend called name.
//
// Returns a model.CLIError with ExitBackendNotFound when there is none.
func FindBackend(ctx context.Context, cli *Client, name string) (*model.BackendInfo, error) {
	backends, err := ListManagedBackends(ctx, cli)
	if err != nil {
		return nil, err
	}
	for i := range backends {
		if backends[i].Name == name {
			return &backends[i], nil
		}
	}
	return nil, model.NewCLIError(model.ExitBackendNotFound, fmt.Sprintf("backend %q not found", name))
}

// ClaimedPorts maps each host port held by a managed backend to the
// backend's name. The result feeds port.Allocator.SetClaimed.
func ClaimedPorts(backends []model.BackendInfo) map[int]string {
	claims := make(map[int]string, len(backends))
	for _, b := range backends {
		if b.HostPort != 0 {
			claims[b.HostPort] = b.Name
		}
	}
	return claims
}

// RunOptions describes one container backend launch.
type RunOptions struct {
	Name          string
	Image         string
	Host          string
	HostPort      int
	ContainerPort int
	Env           map[string]string
	Args          []string
	CreatedAt     time.Time
}

// BuildRunArgs returns the `docker run` arguments for opts. The backend
// port is published only on opts.Host, and PORT inside the container is
// set to the container port.
func BuildRunArgs(opts RunOptions) []string {
	args := make([]string, 0, 16+len(opts.Env)*2+len(opts.Args))
	args = append(args, "run", "-d", "--name", opts.Name)
	args = append(args, LabelArgs(BuildLabels(opts.Name, opts.Host, opts.HostPort, opts.ContainerPort, opts.CreatedAt))...)
	// JoinHostPort brackets IPv6 hosts, as "docker run -p" requires.
	publish := net.JoinHostPort(opts.Host, strconv.Itoa(opts.HostPort)) + ":" + strconv.Itoa(opts.ContainerPort)
	args = append(args, "-p", publish)
	args = append(args, "-e", "PORT="+strconv.Itoa(opts.ContainerPort))

	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+opts.Env[k])
	}

	args = append(args, opts.Image)
	args = append(args, opts.Args...)
	return args
}

// RunBackend starts a container backend with "docker run -d" and returns
// the new container's ID.
//
// The docker CLI is used instead of ContainerCreate+ContainerStart because
// it pulls missing images and accepts the familiar flag syntax.
func RunBackend(ctx context.Context, opts RunOptions) (string, error) {
	// #nosec G204 -- image and args come from the user's own configuration
	cmd := exec.CommandContext(ctx, "docker", BuildRunArgs(opts)...)
	output, err := cmd.Output()
	if err != nil {
		detail := ""
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			detail = strings.TrimSpace(string(exitErr.Stderr))
		}
		return "", model.WrapCLIError(
			model.ExitBackendFailed,
			fmt.Sprintf("docker run failed for backend %q: %s", opts.Name, detail),
			err,
		)
	}

	id := strings.TrimSpace(string(output))
	if id == "" {
		return "", model.NewCLIError(model.ExitBackendFailed,
			fmt.Sprintf("docker run for backend %q returned no container ID", opts.Name))
	}
	return id, nil
}

// StopContainer stops a container, giving it timeout to exit after SIGTERM
// before Docker sends SIGKILL.
func StopContainer(ctx context.Context, cli *Client, containerID string, timeout time.Duration) error {
	secs := int(timeout.Round(time.Second) / time.Second)
	err := cli.Inner().ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs})
	if err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to stop container %q", containerID),
			err,
		)
	}
	return nil
}

// RemoveContainer removes a container. With force a running container is
// killed first.
func RemoveContainer(ctx context.Context, cli *Client, containerID string, force bool) error {
	err := cli.Inner().ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force: force,
	})
	if err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to remove container %q", containerID),
			err,
		)
	}
	return nil
}
