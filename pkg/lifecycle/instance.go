package lifecycle

import (
	"path/filepath"
	"strconv"
	"sync"

	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/volume"
)

const (
	// DefaultPortEnv carries the leased port into the instance container
	DefaultPortEnv = "BURROW_TCP_PORT"

	// DefaultLogDir is where instances write server logs inside the container
	DefaultLogDir = "/var/log/burrow"

	// DefaultLogFile is the server log file name inside the log directory
	DefaultLogFile = "server.log"

	// StderrLogFile receives the container's stdout and stderr on the host
	StderrLogFile = "stderr.log"

	descriptorFile = "descriptor.yml"
)

// Instance is one registered unit under test
type Instance struct {
	spec types.InstanceSpec

	mu          sync.RWMutex
	state       types.InstanceState
	port        int
	address     string
	containerID string
	dirs        volume.Dirs
}

func newInstance(spec *types.InstanceSpec) *Instance {
	s := *spec
	if s.PortEnv == "" {
		s.PortEnv = DefaultPortEnv
	}
	if s.LogDir == "" {
		s.LogDir = DefaultLogDir
	}
	if s.LogFile == "" {
		s.LogFile = DefaultLogFile
	}
	s.Capabilities = append([]types.Capability(nil), spec.Capabilities...)

	inst := &Instance{spec: s, state: types.InstanceStateDeclared}
	metrics.InstancesTotal.WithLabelValues(string(inst.state)).Inc()
	return inst
}

// Name returns the instance name
func (i *Instance) Name() string {
	return i.spec.Name
}

// Spec returns a copy of the declaration with defaults applied
func (i *Instance) Spec() types.InstanceSpec {
	return i.spec
}

func (i *Instance) State() types.InstanceState {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// Port returns the leased TCP port, zero before Start leases one
func (i *Instance) Port() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.port
}

// Address returns host:port once the container has started
func (i *Instance) Address() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.address
}

func (i *Instance) ContainerID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.containerID
}

// Dirs returns the host directories of the instance
func (i *Instance) Dirs() volume.Dirs {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.dirs
}

// StderrLog is the host path of the captured container output
func (i *Instance) StderrLog() string {
	return filepath.Join(i.Dirs().Logs, StderrLogFile)
}

// ServerLog is the host path of the server log written through the mount
func (i *Instance) ServerLog() string {
	return filepath.Join(i.Dirs().Logs, i.spec.LogFile)
}

func (i *Instance) setState(s types.InstanceState) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == s {
		return
	}
	metrics.InstancesTotal.WithLabelValues(string(i.state)).Dec()
	metrics.InstancesTotal.WithLabelValues(string(s)).Inc()
	i.state = s
}

func (i *Instance) provision(dirs volume.Dirs, port int) {
	i.mu.Lock()
	i.dirs = dirs
	i.port = port
	i.mu.Unlock()
	i.setState(types.InstanceStateProvisioned)
}

func (i *Instance) created(containerID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.containerID = containerID
}

func (i *Instance) started(host string) {
	i.mu.Lock()
	i.address = host + ":" + strconv.Itoa(i.port)
	i.mu.Unlock()
	i.setState(types.InstanceStateStarted)
}
