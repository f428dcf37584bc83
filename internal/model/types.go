package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	// MinPort and MaxPort bound every port number handled by portpilot.
	MinPort = 1
	MaxPort = 65535

	// DefaultHost is the loopback address backends are exposed on.
	DefaultHost = "127.0.0.1"
)

// BackendState represents the lifecycle state of a launched backend.
// The state transitions are:
//
//	Created → Starting → Running → Stopping → Stopped
//	Starting/Running → Failed
type BackendState string

const (
	// StateCreated is the state of a launcher that has not started anything yet.
	StateCreated BackendState = "created"

	// StateStarting covers port probing, spawning and the readiness wait.
	StateStarting BackendState = "starting"

	// StateRunning indicates the backend answered its readiness check.
	StateRunning BackendState = "running"

	// StateStopping indicates a stop signal has been sent.
	StateStopping BackendState = "stopping"

	// StateStopped indicates the backend has exited after a stop request.
	StateStopped BackendState = "stopped"

	// StateFailed indicates the backend never became ready or died unexpectedly.
	StateFailed BackendState = "failed"
)

// String returns the string representation of BackendState.
func (s BackendState) String() string {
	return string(s)
}

// IsValid checks whether the BackendState value is one of the
// predefined valid states.
func (s BackendState) IsValid() bool {
	switch s {
	case StateCreated, StateStarting, StateRunning, StateStopping, StateStopped, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s BackendState) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// BackendMode selects how the backend is run.
type BackendMode string

const (
	// ModeProcess runs the backend as a child process of portpilot.
	ModeProcess BackendMode = "process"

	// ModeContainer runs the backend image in a Docker container that
	// publishes the chosen loopback port.
	ModeContainer BackendMode = "container"
)

// String returns the string representation of BackendMode.
func (m BackendMode) String() string {
	return string(m)
}

// IsValid checks whether the BackendMode is known.
func (m BackendMode) IsValid() bool {
	return m == ModeProcess || m == ModeContainer
}

// ParseBackendMode converts a string to a BackendMode.
// An empty string selects ModeProcess.
func ParseBackendMode(s string) (BackendMode, error) {
	if s == "" {
		return ModeProcess, nil
	}
	mode := BackendMode(strings.ToLower(s))
	if !mode.IsValid() {
		return "", fmt.Errorf("invalid backend mode: %q (valid: process, container)", s)
	}
	return mode, nil
}

// PortRange is an inclusive window of candidate ports, such as 8000-9000.
type PortRange struct {
	Start int `json:"start" yaml:"start"`
	Limit int `json:"limit" yaml:"limit"`
}

// Validate checks that both bounds are real port numbers and Start <= Limit.
func (r PortRange) Validate() error {
	if r.Start < MinPort || r.Start > MaxPort {
		return fmt.Errorf("port range: start %d out of range (%d-%d)", r.Start, MinPort, MaxPort)
	}
	if r.Limit < MinPort || r.Limit > MaxPort {
		return fmt.Errorf("port range: limit %d out of range (%d-%d)", r.Limit, MinPort, MaxPort)
	}
	if r.Start > r.Limit {
		return fmt.Errorf("port range: start %d is greater than limit %d", r.Start, r.Limit)
	}
	return nil
}

// Contains reports whether p lies inside the range.
func (r PortRange) Contains(p int) bool {
	return p >= r.Start && p <= r.Limit
}

// Size returns the number of ports in the range.
func (r PortRange) Size() int {
	if r.Limit < r.Start {
		return 0
	}
	return r.Limit - r.Start + 1
}

// String formats the range as "start-limit".
func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.Limit)
}

// LaunchResult describes a backend that is up and answering requests.
type LaunchResult struct {
	// Name identifies the backend; container backends use it as the
	// container name.
	Name string `json:"name"`

	Mode BackendMode `json:"mode"`

	// Host and Port are where the backend listens. URL is derived from them.
	Host string `json:"host"`
	Port int    `json:"port"`
	URL  string `json:"url"`

	// PID is set for process backends, ContainerID for container backends.
	PID         int    `json:"pid,omitempty"`
	ContainerID string `json:"containerId,omitempty"`

	StartedAt time.Time `json:"startedAt"`
}

// BackendInfo is a container backend as reconstructed from Docker labels.
type BackendInfo struct {
	Name          string    `json:"name"`
	ContainerID   string    `json:"containerId"`
	ContainerName string    `json:"containerName"`
	Image         string    `json:"image,omitempty"`
	Status        string    `json:"status"`
	Host          string    `json:"host"`
	HostPort      int       `json:"hostPort"`
	ContainerPort int       `json:"containerPort"`
	CreatedAt     time.Time `json:"createdAt"`

	Labels map[string]string `json:"labels,omitempty"`
}

// nameRegex validates backend names: alphanumeric + hyphens only,
// must start and end with alphanumeric.
var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]*[a-zA-Z0-9]$|^[a-zA-Z0-9]$`)

// ValidateName checks if the given name is a valid backend name.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("backend name must not be empty")
	}
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("invalid backend name %q: must contain only alphanumeric characters and hyphens, and start/end with alphanumeric", name)
	}
	return nil
}

// ExitCode defines the CLI exit codes. Scripts and desktop shells use them
// to tell apart "no free port" from "backend crashed".
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitConfigError indicates the configuration file or flags are invalid.
	ExitConfigError ExitCode = 2

	// ExitDockerNotRunning indicates the Docker daemon is not accessible.
	ExitDockerNotRunning ExitCode = 3

	// ExitPortRangeExhausted indicates every port in the range was in use.
	ExitPortRangeExhausted ExitCode = 4

	// ExitProbeFailed indicates a bind failed for a reason other than
	// "address in use" (permissions, bad interface).
	ExitProbeFailed ExitCode = 5

	// ExitBackendFailed indicates the backend could not be started, never
	// became ready, or exited with an error.
	ExitBackendFailed ExitCode = 6

	// ExitBackendNotFound indicates the named container backend does not exist.
	ExitBackendNotFound ExitCode = 7
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}
