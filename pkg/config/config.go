package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/burrow/pkg/ports"
	"github.com/cuemby/burrow/pkg/services"
	"github.com/cuemby/burrow/pkg/types"
)

// Environment overrides
const (
	EnvDisableCleanup   = "DISABLE_CLEANUP"
	EnvDataDir          = "BURROW_DATA_DIR"
	EnvContainerdSocket = "BURROW_CONTAINERD_SOCKET"
	EnvLogLevel         = "BURROW_LOG_LEVEL"
	EnvProject          = "BURROW_PROJECT"
)

// Runtime names
const (
	RuntimeContainerd = "containerd"
	RuntimeProcess    = "process"
)

// Config is a cluster environment file plus process-level settings
type Config struct {
	Project          string        `yaml:"project,omitempty"`
	DataDir          string        `yaml:"data_dir,omitempty"`
	Runtime          string        `yaml:"runtime,omitempty"`
	ContainerdSocket string        `yaml:"containerd_socket,omitempty"`
	Namespace        string        `yaml:"namespace,omitempty"`
	LogLevel         string        `yaml:"log_level,omitempty"`
	WorkerPorts      []int         `yaml:"worker_ports,omitempty"`
	DisableCleanup   bool          `yaml:"disable_cleanup,omitempty"`
	PullAttempts     int           `yaml:"pull_attempts,omitempty"`
	StopTimeout      time.Duration `yaml:"stop_timeout,omitempty"`

	Instances []Instance                             `yaml:"instances"`
	Services  map[types.Capability]services.Override `yaml:"services,omitempty"`
}

// Instance declares one instance under test
type Instance struct {
	Name         string             `yaml:"name"`
	Image        string             `yaml:"image"`
	Command      []string           `yaml:"command,omitempty"`
	Env          map[string]string  `yaml:"env,omitempty"`
	With         []types.Capability `yaml:"with,omitempty"`
	Mounts       []types.Mount      `yaml:"mounts,omitempty"`
	PortEnv      string             `yaml:"port_env,omitempty"`
	StartTimeout time.Duration      `yaml:"start_timeout,omitempty"`
	// ConnectionTimeout extends StartTimeout while the server log grows
	ConnectionTimeout time.Duration `yaml:"connection_timeout,omitempty"`
	LogDir            string        `yaml:"log_dir,omitempty"`
	LogFile           string        `yaml:"log_file,omitempty"`
}

// Spec converts the declaration into an instance spec
func (i Instance) Spec() *types.InstanceSpec {
	return &types.InstanceSpec{
		Name:              i.Name,
		Image:             i.Image,
		Command:           i.Command,
		Env:               i.Env,
		Capabilities:      i.With,
		Mounts:            i.Mounts,
		PortEnv:           i.PortEnv,
		StartTimeout:      i.StartTimeout,
		ConnectionTimeout: i.ConnectionTimeout,
		LogDir:            i.LogDir,
		LogFile:           i.LogFile,
	}
}

// Default returns the configuration used when nothing is set
func Default() Config {
	return Config{
		Project:      DefaultProject(),
		DataDir:      filepath.Join(os.TempDir(), "burrow"),
		Runtime:      RuntimeContainerd,
		LogLevel:     "info",
		PullAttempts: 5,
		StopTimeout:  20 * time.Second,
	}
}

// DefaultProject derives a project name from the user and working
// directory, keeping only lowercase letters and digits
func DefaultProject() string {
	name := "burrow"
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	if wd, err := os.Getwd(); err == nil {
		name += filepath.Base(wd)
	}
	return SanitizeProject(name)
}

// SanitizeProject lowercases name and drops everything but [a-z0-9]
func SanitizeProject(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "burrow"
	}
	return b.String()
}

// Load reads the environment file at path over the defaults and applies
// environment overrides
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read environment file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse environment file %s: %w", path, err)
		}
	}

	if err := ApplyEnv(&cfg, os.Getenv); err != nil {
		return Config{}, err
	}
	cfg.Project = SanitizeProject(cfg.Project)
	return cfg, nil
}

// ApplyEnv overrides cfg from environment variables
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if raw := getenv(ports.WorkerPortsEnv); raw != "" {
		p, err := ports.ParseWorkerPorts(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", ports.WorkerPortsEnv, err)
		}
		cfg.WorkerPorts = p
	}
	if v := getenv(EnvDisableCleanup); v != "" {
		cfg.DisableCleanup = v == "1" || strings.EqualFold(v, "true")
	}
	if v := getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := getenv(EnvContainerdSocket); v != "" {
		cfg.ContainerdSocket = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv(EnvProject); v != "" {
		cfg.Project = v
	}
	return nil
}

// Validate rejects configurations a cluster could not run
func (c Config) Validate(registry *services.Registry) error {
	if c.Project == "" {
		return fmt.Errorf("project name is empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory is empty")
	}
	if c.Runtime != RuntimeContainerd && c.Runtime != RuntimeProcess {
		return fmt.Errorf("unknown runtime %q", c.Runtime)
	}
	if len(c.WorkerPorts) == 0 {
		return fmt.Errorf("no worker ports: set %s or worker_ports", ports.WorkerPortsEnv)
	}
	if c.PullAttempts < 1 {
		return fmt.Errorf("pull_attempts must be at least 1")
	}

	seen := make(map[string]bool, len(c.Instances))
	for i, inst := range c.Instances {
		if inst.Name == "" {
			return fmt.Errorf("instance %d has no name", i)
		}
		if seen[inst.Name] {
			return fmt.Errorf("duplicate instance name %q", inst.Name)
		}
		seen[inst.Name] = true
		if inst.Image == "" {
			return fmt.Errorf("instance %s has no image", inst.Name)
		}
		if inst.ConnectionTimeout > 0 && inst.ConnectionTimeout < inst.StartTimeout {
			return fmt.Errorf("instance %s: connection_timeout %v is below start_timeout %v", inst.Name, inst.ConnectionTimeout, inst.StartTimeout)
		}
		for _, want := range inst.With {
			if _, ok := registry.Lookup(want); !ok {
				return fmt.Errorf("instance %s: unknown capability %q", inst.Name, want)
			}
		}
	}

	for capability := range c.Services {
		if _, ok := registry.Lookup(capability); !ok {
			return fmt.Errorf("override for unknown capability %q", capability)
		}
	}
	return nil
}
