// Package config loads portpilot's launcher configuration.
//
// Sources are applied in this order, later ones winning:
//   - built-in defaults (DefaultConfig)
//   - a config file: JSONC (.json/.jsonc, comments allowed, parsed via
//     github.com/tidwall/jsonc) or YAML (.yaml/.yml, gopkg.in/yaml.v3)
//   - a .env file next to the working directory or the executable
//   - PORTPILOT_* environment variables
//
// CLI flags are applied on top by the cli package.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/portpilot/internal/model"
)

// DefaultFileNames are searched, in order, when no --config path is given.
var DefaultFileNames = []string{
	"portpilot.jsonc",
	"portpilot.json",
	"portpilot.yaml",
	"portpilot.yml",
}

// Environment variable names understood by ApplyEnv.
const (
	EnvPortStart      = "PORTPILOT_PORT_START"
	EnvPortLimit      = "PORTPILOT_PORT_LIMIT"
	EnvHost           = "PORTPILOT_HOST"
	EnvReserve        = "PORTPILOT_RESERVE"
	EnvBackendMode    = "PORTPILOT_BACKEND_MODE"
	EnvBackendCommand = "PORTPILOT_BACKEND_COMMAND"
	EnvBackendImage   = "PORTPILOT_BACKEND_IMAGE"
	EnvDev            = "PORTPILOT_DEV"
	EnvLogLevel       = "PORTPILOT_LOG_LEVEL"
	EnvLogFormat      = "PORTPILOT_LOG_FORMAT"

	// EnvNodeEnv set to "development" also selects the dev backend command,
	// matching how desktop shells usually signal development builds.
	EnvNodeEnv = "NODE_ENV"
)

// Config is the complete launcher configuration.
type Config struct {
	// Name identifies the backend in logs and as the container name.
	Name string `json:"name" yaml:"name"`

	// Host is the loopback address probed and handed to the backend.
	Host string `json:"host" yaml:"host"`

	// Ports is the probe window. Defaults to 8000-9000.
	Ports model.PortRange `json:"ports" yaml:"ports"`

	// Reserve keeps the probe socket open and passes it to the backend
	// as an inherited descriptor instead of releasing it.
	Reserve bool `json:"reserve" yaml:"reserve"`

	Backend   BackendConfig   `json:"backend" yaml:"backend"`
	Readiness ReadinessConfig `json:"readiness" yaml:"readiness"`
	Shutdown  ShutdownConfig  `json:"shutdown" yaml:"shutdown"`
	Log       LogConfig       `json:"log" yaml:"log"`
}

// BackendConfig describes what to launch.
type BackendConfig struct {
	// Mode is "process" (default) or "container".
	Mode string `json:"mode" yaml:"mode"`

	// Command and Args start the bundled backend. Args may contain the
	// placeholders {port}, {host} and Command may contain {platform}.
	Command string   `json:"command" yaml:"command"`
	Args    []string `json:"args" yaml:"args"`

	// DevCommand and DevArgs replace Command/Args when Dev is true.
	DevCommand string   `json:"devCommand" yaml:"devCommand"`
	DevArgs    []string `json:"devArgs" yaml:"devArgs"`
	Dev        bool     `json:"dev" yaml:"dev"`

	Env     map[string]string `json:"env" yaml:"env"`
	WorkDir string            `json:"workDir" yaml:"workDir"`

	// Image and ContainerPort are used in container mode.
	Image         string `json:"image" yaml:"image"`
	ContainerPort int    `json:"containerPort" yaml:"containerPort"`
}

// ReadinessConfig controls how portpilot decides the backend is up.
type ReadinessConfig struct {
	Path           string   `json:"path" yaml:"path"`
	InitialDelay   Duration `json:"initialDelay" yaml:"initialDelay"`
	RequestTimeout Duration `json:"requestTimeout" yaml:"requestTimeout"`
	Deadline       Duration `json:"deadline" yaml:"deadline"`
}

// ShutdownConfig controls how the backend is stopped.
type ShutdownConfig struct {
	// GracePeriod is the wait between SIGTERM and SIGKILL.
	GracePeriod Duration `json:"gracePeriod" yaml:"gracePeriod"`
}

// LogConfig selects log verbosity and output format.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
// The timings are those of a typical bundled HTTP backend: give it 3s to
// boot, 5s per health request, 5s to exit after SIGTERM.
func DefaultConfig() *Config {
	return &Config{
		Name:  "backend",
		Host:  "127.0.0.1",
		Ports: model.PortRange{Start: 8000, Limit: 9000},
		Backend: BackendConfig{
			Mode:          string(model.ModeProcess),
			ContainerPort: 8000,
		},
		Readiness: ReadinessConfig{
			Path:           "/",
			InitialDelay:   Duration(3 * time.Second),
			RequestTimeout: Duration(5 * time.Second),
			Deadline:       Duration(30 * time.Second),
		},
		Shutdown: ShutdownConfig{
			GracePeriod: Duration(5 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds the configuration from all sources. When path is empty the
// DefaultFileNames are searched in the working directory and then in the
// executable's directory; finding none is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = findConfigFile(searchDirs())
	}
	if path != "" {
		if err := LoadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	LoadDotEnv(searchDirs())

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError, "invalid environment override", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError, "invalid configuration", err)
	}
	return cfg, nil
}

// LoadFile overlays the file at path onto cfg. The format is chosen by
// extension; unknown extensions are parsed as JSONC.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.WrapCLIError(model.ExitConfigError,
				fmt.Sprintf("config file not found: %s", path), err)
		}
		return model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("failed to read config file %s", path), err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(jsonc.ToJSON(data), cfg)
	}
	if err != nil {
		return model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("failed to parse config file %s", path), err)
	}
	return nil
}

// LoadDotEnv loads the first .env file found in dirs. Variables already set
// in the environment are left untouched.
func LoadDotEnv(dirs []string) {
	for _, dir := range dirs {
		p := filepath.Join(dir, ".env")
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
			return
		}
	}
}

// ApplyEnv overlays PORTPILOT_* variables onto cfg using lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPortStart); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPortStart, err)
		}
		cfg.Ports.Start = n
	}
	if v, ok := lookup(EnvPortLimit); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPortLimit, err)
		}
		cfg.Ports.Limit = n
	}
	if v, ok := lookup(EnvHost); ok && v != "" {
		cfg.Host = v
	}
	if v, ok := lookup(EnvReserve); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvReserve, err)
		}
		cfg.Reserve = b
	}
	if v, ok := lookup(EnvBackendMode); ok && v != "" {
		cfg.Backend.Mode = v
	}
	if v, ok := lookup(EnvBackendCommand); ok && v != "" {
		cfg.Backend.Command = v
	}
	if v, ok := lookup(EnvBackendImage); ok && v != "" {
		cfg.Backend.Image = v
	}
	if v, ok := lookup(EnvDev); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDev, err)
		}
		cfg.Backend.Dev = b
	}
	if v, ok := lookup(EnvNodeEnv); ok && v == "development" {
		cfg.Backend.Dev = true
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Log.Level = v
	}
	if v, ok := lookup(EnvLogFormat); ok && v != "" {
		cfg.Log.Format = v
	}
	return nil
}

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	if err := model.ValidateName(c.Name); err != nil {
		return err
	}
	if c.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if err := c.Ports.Validate(); err != nil {
		return err
	}

	mode, err := model.ParseBackendMode(c.Backend.Mode)
	if err != nil {
		return err
	}
	if mode == model.ModeContainer {
		if c.Reserve {
			return fmt.Errorf("reserve is not supported in container mode")
		}
		if c.Backend.ContainerPort < model.MinPort || c.Backend.ContainerPort > model.MaxPort {
			return fmt.Errorf("backend.containerPort %d out of range (%d-%d)",
				c.Backend.ContainerPort, model.MinPort, model.MaxPort)
		}
	}

	if c.Readiness.RequestTimeout <= 0 {
		return fmt.Errorf("readiness.requestTimeout must be positive")
	}
	if c.Readiness.InitialDelay < 0 || c.Readiness.Deadline < 0 || c.Shutdown.GracePeriod < 0 {
		return fmt.Errorf("durations must not be negative")
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format %q (valid: console, json)", c.Log.Format)
	}
	return nil
}

// Mode returns the parsed backend mode. Call Validate first.
func (c *Config) Mode() model.BackendMode {
	mode, _ := model.ParseBackendMode(c.Backend.Mode)
	return mode
}

func searchDirs() []string {
	dirs := []string{"."}
	if execPath, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(execPath))
	}
	return dirs
}

func findConfigFile(dirs []string) string {
	for _, dir := range dirs {
		for _, name := range DefaultFileNames {
			p := filepath.Join(dir, name)
			if info, err := os.Stat(p); err == nil && !info.IsDir() {
				return p
			}
		}
	}
	return ""
}
