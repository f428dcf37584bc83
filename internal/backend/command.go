package backend

import (
	"errors"
	"os"
	"os/exec"
	"runtime"
	"slices"
	"strconv"
	"strings"

	"github.com/shinji-kodama/portpilot/internal/config"
)

// ErrNoCommand is returned when no backend command is configured.
var ErrNoCommand = errors.New("no backend command configured")

// Placeholders expanded in the command and its arguments.
const (
	PlaceholderPort     = "{port}"
	PlaceholderHost     = "{host}"
	PlaceholderPlatform = "{platform}"
)

// Spec is a resolved backend command line.
type Spec struct {
	Command string
	Args    []string
	Env     map[string]string
	WorkDir string
}

// SpecFromConfig picks the dev or bundled command from cfg. In dev mode the
// DevCommand/DevArgs pair is used when set; otherwise it falls back to
// Command/Args.
func SpecFromConfig(cfg config.BackendConfig) Spec {
	spec := Spec{
		Command: cfg.Command,
		Args:    cfg.Args,
		Env:     cfg.Env,
		WorkDir: cfg.WorkDir,
	}
	if cfg.Dev && cfg.DevCommand != "" {
		spec.Command = cfg.DevCommand
		spec.Args = cfg.DevArgs
	}
	return spec
}

// PlatformDir maps a GOOS value to the directory name bundled backends are
// usually shipped under.
func PlatformDir(goos string) string {
	switch goos {
	case "darwin":
		return "mac"
	case "windows":
		return "win"
	default:
		return goos
	}
}

// Expand returns the command and arguments with placeholders replaced.
// When no argument references {port}, "--port <port>" is appended.
func (s Spec) Expand(host string, port int) (string, []string) {
	r := strings.NewReplacer(
		PlaceholderPort, strconv.Itoa(port),
		PlaceholderHost, host,
		PlaceholderPlatform, PlatformDir(runtime.GOOS),
	)

	args := make([]string, 0, len(s.Args)+2)
	mentionsPort := false
	for _, a := range s.Args {
		if strings.Contains(a, PlaceholderPort) {
			mentionsPort = true
		}
		args = append(args, r.Replace(a))
	}
	if !mentionsPort {
		args = append(args, "--port", strconv.Itoa(port))
	}

	return r.Replace(s.Command), args
}

// Environ returns the child environment: the parent's environment, then
// PORT and HOST, then the configured extras (sorted by key).
func (s Spec) Environ(host string, port int) []string {
	env := os.Environ()
	env = append(env, "PORT="+strconv.Itoa(port), "HOST="+host)

	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		env = append(env, k+"="+s.Env[k])
	}
	return env
}

// BuildCommand creates the *exec.Cmd for the backend. The command is not
// bound to a context: stopping is done explicitly by Process.Stop so the
// backend gets a chance to exit gracefully.
func BuildCommand(spec Spec, host string, port int) (*exec.Cmd, error) {
	if spec.Command == "" {
		return nil, ErrNoCommand
	}
	name, args := spec.Expand(host, port)

	// #nosec G204 -- the command comes from the user's own configuration
	cmd := exec.Command(name, args...)
	cmd.Env = spec.Environ(host, port)
	cmd.Dir = spec.WorkDir
	return cmd, nil
}
