package lifecycle

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/logscan"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/ports"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/services"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/volume"
)

const (
	DefaultStartTimeout   = 300 * time.Second
	DefaultServiceTimeout = 180 * time.Second
	DefaultStopTimeout    = 20 * time.Second
	DefaultProbeInterval  = 100 * time.Millisecond
	DefaultPullAttempts   = 5
	DefaultPullDelay      = time.Second

	// EnvFile is written into the project directory before anything starts
	EnvFile = ".env"

	// CombinedLogFile collects every container's output, prefixed by name
	CombinedLogFile = "combined.log"
)

// Config holds configuration for creating a Cluster
type Config struct {
	// Project names the cluster; it prefixes container IDs and labels every
	// container. Generated when empty.
	Project string

	Runtime  runtime.Runtime
	Pool     *ports.Pool
	Registry *services.Registry

	// DataDir holds the per-project directories
	DataDir string

	// Store is the resource ledger; optional
	Store storage.Store

	// Events receives lifecycle events; optional
	Events *events.Broker

	// DisableCleanup keeps container files on disk after shutdown
	DisableCleanup bool

	StartTimeout    time.Duration
	StopTimeout     time.Duration
	ProbeInterval   time.Duration
	PullAttempts    int
	PullDelay       time.Duration
	CollectInterval time.Duration
}

type activation struct {
	capability  types.Capability
	provisioner services.Provisioner
}

// Cluster is one test cluster: a set of instances and the services they
// need, started together and torn down together
type Cluster struct {
	cfg     Config
	arbiter *ports.Arbiter
	dirs    *volume.LocalDriver
	logs    *logscan.Collector
	env     *services.Env

	mu        sync.Mutex
	state     types.ClusterState
	instances []*Instance
	byName    map[string]*Instance
	active    []activation
	started   []services.Provisioner
}

// NewCluster creates a cluster in the not-started state
func NewCluster(cfg Config) (*Cluster, error) {
	switch {
	case cfg.Runtime == nil:
		return nil, fmt.Errorf("cluster needs a container runtime")
	case cfg.Pool == nil:
		return nil, fmt.Errorf("cluster needs a port pool")
	case cfg.Registry == nil:
		return nil, fmt.Errorf("cluster needs a service registry")
	}

	if cfg.Project == "" {
		cfg.Project = "burrow" + uuid.New().String()[:8]
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.PullAttempts < 1 {
		cfg.PullAttempts = DefaultPullAttempts
	}
	if cfg.PullDelay <= 0 {
		cfg.PullDelay = DefaultPullDelay
	}

	dirs, err := volume.NewLocalDriver(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	c := &Cluster{
		cfg:     cfg,
		arbiter: cfg.Pool.NewArbiter(cfg.Project),
		dirs:    dirs,
		logs:    logscan.NewCollector(filepath.Join(dirs.ProjectPath(cfg.Project), CombinedLogFile), cfg.CollectInterval),
		state:   types.ClusterStateNotStarted,
		byName:  make(map[string]*Instance),
	}
	c.env = &services.Env{
		Project: cfg.Project,
		Runtime: cfg.Runtime,
		Arbiter: c.arbiter,
		Dirs:    dirs,
		Logs:    c.logs,
		Ledger:  cfg.Store,
	}
	metrics.ClusterState.WithLabelValues(string(c.state)).Inc()
	return c, nil
}

// Project returns the project name
func (c *Cluster) Project() string {
	return c.cfg.Project
}

// ProjectDir returns the host directory holding every file of the cluster
func (c *Cluster) ProjectDir() string {
	return c.dirs.ProjectPath(c.cfg.Project)
}

// AddInstance registers an instance and activates the services it asks for.
// Services are activated once, in the order they were first requested. On
// error the cluster is left unchanged.
func (c *Cluster) AddInstance(spec *types.InstanceSpec) (*Instance, error) {
	if spec == nil || spec.Name == "" {
		return nil, fmt.Errorf("instance has no name")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != types.ClusterStateNotStarted {
		return nil, fmt.Errorf("cannot add %s to %s cluster: %w", spec.Name, c.state, ErrAlreadyUp)
	}
	if _, ok := c.byName[spec.Name]; ok {
		return nil, fmt.Errorf("%s: %w", spec.Name, ErrDuplicateName)
	}
	start := spec.StartTimeout
	if start <= 0 {
		start = c.cfg.StartTimeout
	}
	if spec.ConnectionTimeout > 0 && spec.ConnectionTimeout < start {
		return nil, fmt.Errorf("instance %s: connection timeout %v is below start timeout %v",
			spec.Name, spec.ConnectionTimeout, start)
	}

	// Resolve everything before touching state
	var fresh []activation
	for _, capability := range spec.Capabilities {
		if c.activeLocked(capability) != nil || containsCapability(fresh, capability) {
			continue
		}
		factory, ok := c.cfg.Registry.Lookup(capability)
		if !ok {
			return nil, fmt.Errorf("instance %s: %q: %w", spec.Name, capability, ErrUnknownCapability)
		}
		fresh = append(fresh, activation{capability: capability, provisioner: factory(c.env)})
	}

	inst := newInstance(spec)
	c.instances = append(c.instances, inst)
	c.byName[inst.Name()] = inst

	logger := log.WithCluster(c.cfg.Project)
	for _, a := range fresh {
		c.active = append(c.active, a)
		logger.Debug().
			Str("service", a.provisioner.Name()).
			Str("instance", inst.Name()).
			Msg("Service activated")
		c.publish(events.EventServiceActivated, "service activated", map[string]string{
			"service":  a.provisioner.Name(),
			"instance": inst.Name(),
		})
	}

	return inst, nil
}

func containsCapability(list []activation, capability types.Capability) bool {
	for _, a := range list {
		if a.capability == capability {
			return true
		}
	}
	return false
}

func (c *Cluster) activeLocked(capability types.Capability) services.Provisioner {
	for _, a := range c.active {
		if a.capability == capability {
			return a.provisioner
		}
	}
	return nil
}

// State returns the cluster lifecycle state
func (c *Cluster) State() types.ClusterState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Instance returns a registered instance by name
func (c *Cluster) Instance(name string) (*Instance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.byName[name]
	return inst, ok
}

// Instances returns every instance in registration order
func (c *Cluster) Instances() []*Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Instance(nil), c.instances...)
}

// Services returns the activated capabilities in activation order
func (c *Cluster) Services() []types.Capability {
	c.mu.Lock()
	defer c.mu.Unlock()

	caps := make([]types.Capability, len(c.active))
	for i, a := range c.active {
		caps[i] = a.capability
	}
	return caps
}

// Service returns the provisioner of an activated capability
func (c *Cluster) Service(capability types.Capability) (services.Provisioner, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.activeLocked(capability)
	return p, p != nil
}

// Port returns a named port on the first node of an activated containerized
// service, leasing it on first use
func (c *Cluster) Port(capability types.Capability, name string) (int, error) {
	p, ok := c.Service(capability)
	if !ok {
		return 0, fmt.Errorf("service %q is not active", capability)
	}
	cs, ok := p.(*services.ContainerService)
	if !ok {
		return 0, fmt.Errorf("service %s does not expose ports", p.Name())
	}
	return cs.Port(1, name)
}

// Leased returns the ports this cluster currently holds
func (c *Cluster) Leased() []ports.Lease {
	return c.arbiter.Leased()
}

// transition moves the cluster from one of the allowed states to next and
// reports whether it did
func (c *Cluster) transition(next types.ClusterState, from ...types.ClusterState) (types.ClusterState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.state
	for _, f := range from {
		if cur == f {
			c.state = next
			metrics.ClusterState.WithLabelValues(string(cur)).Dec()
			metrics.ClusterState.WithLabelValues(string(next)).Inc()
			return cur, true
		}
	}
	return cur, false
}

func (c *Cluster) activations() []activation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]activation(nil), c.active...)
}

func (c *Cluster) markStarted(p services.Provisioner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, p)
}

func (c *Cluster) startedServices() []services.Provisioner {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]services.Provisioner(nil), c.started...)
}

func (c *Cluster) publish(t events.EventType, message string, metadata map[string]string) {
	if c.cfg.Events == nil {
		return
	}
	if metadata == nil {
		metadata = make(map[string]string)
	}
	metadata["cluster"] = c.cfg.Project
	c.cfg.Events.Publish(events.New(t, message, metadata))
}

// record adds a resource to the ledger; failures are logged only
func (c *Cluster) record(kind types.ResourceKind, id, detail string) {
	c.env.Record(kind, id, detail)
}

func (c *Cluster) forget(kind types.ResourceKind, id string) {
	if c.cfg.Store == nil {
		return
	}
	r := &types.Resource{Project: c.cfg.Project, Kind: kind, ID: id}
	if err := c.cfg.Store.Forget(r); err != nil {
		logger := log.WithCluster(c.cfg.Project)
		logger.Warn().
			Err(err).
			Str("resource", r.Key()).
			Msg("Failed to forget resource")
	}
}
