package docker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBuildLabels verifies that BuildLabels records the backend name and
// both ports along with the management marker.
func TestBuildLabels(t *testing.T) {
	createdAt := time.Date(2026, 2, 28, 19, 0, 0, 0, time.FixedZone("JST", 9*3600))

	labels := BuildLabels("schema-validator", "127.0.0.1", 8004, 5000, createdAt)

	assert.Equal(t, ManagedByValue, labels[LabelManagedBy],
		"managed-by label should always be set to the constant value")
	assert.Equal(t, "schema-validator", labels[LabelName])
	assert.Equal(t, "127.0.0.1", labels[LabelHost])
	assert.Equal(t, "8004", labels[LabelHostPort])
	assert.Equal(t, "5000", labels[LabelContainerPort])
	assert.Equal(t, "2026-02-28T10:00:00Z", labels[LabelCreatedAt], "timestamps are stored in UTC")
	assert.Len(t, labels, 6)
}

func TestParseLabels(t *testing.T) {
	labels := BuildLabels("validator", "::1", 8100, 8000, time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC))

	info, err := ParseLabels(labels)
	require.NoError(t, err)

	assert.Equal(t, "validator", info.Name)
	assert.Equal(t, "::1", info.Host)
	assert.Equal(t, 8100, info.HostPort)
	assert.Equal(t, 8000, info.ContainerPort)
	assert.True(t, info.CreatedAt.Equal(time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, labels, info.Labels)
}

func TestParseLabels_HostDefaultsToLoopback(t *testing.T) {
	labels := BuildLabels("validator", "", 8100, 8000, time.Now())
	delete(labels, LabelHost)

	info, err := ParseLabels(labels)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", info.Host)
}

// TestParseLabels_MissingRequired checks that every missing label is
// reported in one error.
func TestParseLabels_MissingRequired(t *testing.T) {
	_, err := ParseLabels(map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelName:      "validator",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), LabelHostPort)
	assert.Contains(t, err.Error(), LabelContainerPort)
	assert.Contains(t, err.Error(), LabelCreatedAt)
}

func TestParseLabels_Invalid(t *testing.T) {
	valid := func() map[string]string {
		return BuildLabels("validator", "127.0.0.1", 8100, 8000, time.Now())
	}

	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"foreign manager", LabelManagedBy, "someone-else", "unexpected value"},
		{"host port not a number", LabelHostPort, "http", LabelHostPort},
		{"host port out of range", LabelHostPort, "70000", "out of range"},
		{"container port zero", LabelContainerPort, "0", "out of range"},
		{"bad timestamp", LabelCreatedAt, "yesterday", LabelCreatedAt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			labels := valid()
			labels[tt.key] = tt.value
			_, err := ParseLabels(labels)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFilterLabels(t *testing.T) {
	assert.Equal(t, map[string]string{"portpilot.managed-by": "portpilot"}, FilterLabels())
}

func TestLabelArgs(t *testing.T) {
	args := LabelArgs(map[string]string{"b": "2", "a": "1"})
	assert.Equal(t, []string{"--label", "a=1", "--label", "b=2"}, args)
}
