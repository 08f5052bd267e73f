package manifest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/burrow/pkg/types"
)

// NetworkModeHost means the container shares the host network namespace
const NetworkModeHost = "host"

// Descriptor describes how one container of the cluster is run. It is
// written next to the instance or service files before start so a failed
// run can be inspected or reproduced by hand.
type Descriptor struct {
	Name      string            `yaml:"name"`
	Image     string            `yaml:"image"`
	Command   []string          `yaml:"command,omitempty"`
	EnvFile   string            `yaml:"env_file,omitempty"`
	Env       map[string]string `yaml:"environment,omitempty"`
	Mounts    []types.Mount     `yaml:"volumes,omitempty"`
	Network   Network           `yaml:"network"`
	DependsOn []string          `yaml:"depends_on,omitempty"`
	Labels    map[string]string `yaml:"labels,omitempty"`
}

// Network is the network identity of a container
type Network struct {
	Mode    string `yaml:"mode"`
	Address string `yaml:"address,omitempty"`
	Ports   []int  `yaml:"ports,omitempty"`
}

// WriteDescriptor writes d as YAML to path
func WriteDescriptor(path string, d *Descriptor) error {
	data, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode descriptor %s: %w", d.Name, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write descriptor %s: %w", d.Name, err)
	}
	return nil
}

// ReadDescriptor loads a descriptor written by WriteDescriptor
func ReadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor: %w", err)
	}

	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse descriptor %s: %w", path, err)
	}
	return &d, nil
}
