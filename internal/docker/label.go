package docker

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shinji-kodama/portpilot/internal/model"
)

// Label key constants define the Docker label keys used to persist backend
// metadata on containers. Labels are the only record of which containers
// portpilot started and which host ports they hold; there is no state file.
//
// All keys share the "portpilot." prefix so they never collide with labels
// set by other tools.
const (
	// LabelPrefix is the common prefix for all portpilot labels.
	LabelPrefix = "portpilot."

	// LabelManagedBy identifies containers managed by portpilot.
	// Key: "portpilot.managed-by", Value: always "portpilot".
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelName stores the backend name (e.g., "schema-validator").
	LabelName = LabelPrefix + "name"

	// LabelHost stores the host address the port is published on.
	// Optional when parsing; absent means model.DefaultHost.
	LabelHost = LabelPrefix + "host"

	// LabelHostPort stores the loopback port published on the host.
	LabelHostPort = LabelPrefix + "host-port"

	// LabelContainerPort stores the port the backend listens on inside
	// the container.
	LabelContainerPort = LabelPrefix + "container-port"

	// LabelCreatedAt stores the RFC3339 timestamp of the launch.
	LabelCreatedAt = LabelPrefix + "created-at"
)

// ManagedByValue is the constant value for the LabelManagedBy label.
const ManagedByValue = "portpilot"

// BuildLabels constructs the label map applied to a container backend.
// ParseLabels reverses it, so `portpilot ps` can rebuild the backend list
// from container inspection alone.
func BuildLabels(name, host string, hostPort, containerPort int, createdAt time.Time) map[string]string {
	return map[string]string{
		LabelManagedBy:     ManagedByValue,
		LabelName:          name,
		LabelHost:          host,
		LabelHostPort:      strconv.Itoa(hostPort),
		LabelContainerPort: strconv.Itoa(containerPort),
		// UTC keeps the value independent of the host's timezone.
		LabelCreatedAt: createdAt.UTC().Format(time.RFC3339),
	}
}

// ParseLabels reconstructs BackendInfo from container labels. Only the
// label-derived fields are filled; container ID, name, image and status
// come from the container itself.
//
// All labels written by BuildLabels are required. Missing ones are
// reported together so a damaged container is easy to diagnose.
func ParseLabels(labels map[string]string) (*model.BackendInfo, error) {
	requiredKeys := []string{
		LabelManagedBy,
		LabelName,
		LabelHostPort,
		LabelContainerPort,
		LabelCreatedAt,
	}

	var missing []string
	for _, key := range requiredKeys {
		if _, ok := labels[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required Docker labels: %s", strings.Join(missing, ", "))
	}

	if labels[LabelManagedBy] != ManagedByValue {
		return nil, fmt.Errorf(
			"label %s has unexpected value %q (expected %q)",
			LabelManagedBy, labels[LabelManagedBy], ManagedByValue,
		)
	}

	hostPort, err := parsePortLabel(labels, LabelHostPort)
	if err != nil {
		return nil, err
	}
	containerPort, err := parsePortLabel(labels, LabelContainerPort)
	if err != nil {
		return nil, err
	}

	createdAt, err := time.Parse(time.RFC3339, labels[LabelCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("invalid label %s: %w", LabelCreatedAt, err)
	}

	host := labels[LabelHost]
	if host == "" {
		host = model.DefaultHost
	}

	return &model.BackendInfo{
		Name:          labels[LabelName],
		Host:          host,
		HostPort:      hostPort,
		ContainerPort: containerPort,
		CreatedAt:     createdAt,
		Labels:        labels,
	}, nil
}

func parsePortLabel(labels map[string]string, key string) (int, error) {
	p, err := strconv.Atoi(labels[key])
	if err != nil {
		return 0, fmt.Errorf("invalid label %s=%q: %w", key, labels[key], err)
	}
	if p < model.MinPort || p > model.MaxPort {
		return 0, fmt.Errorf("invalid label %s=%q: port out of range", key, labels[key])
	}
	return p, nil
}

// FilterLabels returns the label selector matching every container
// managed by portpilot.
func FilterLabels() map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedByValue,
	}
}

// LabelArgs renders labels as "--label key=value" pairs for `docker run`,
// sorted by key so the command line is stable.
func LabelArgs(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	args := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		args = append(args, "--label", k+"="+labels[k])
	}
	return args
}
