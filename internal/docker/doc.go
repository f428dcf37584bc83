// Package docker runs portpilot backends as Docker containers.
//
// This package handles:
//   - Docker client initialization with automatic socket detection
//     (Linux, macOS, Windows)
//   - Container labels recording each backend's name and published port
//     (labels are the only state portpilot keeps about containers)
//   - Container lifecycle: run, wait, stop, remove
//   - ContainerRunner, the launcher's runner for the "container" mode
//
// The package uses github.com/docker/docker/client with API version
// negotiation enabled. Containers are started through the docker CLI.
package docker
