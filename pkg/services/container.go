package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/burrow/pkg/health"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/manifest"
	"github.com/cuemby/burrow/pkg/ports"
	"github.com/cuemby/burrow/pkg/retry"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/types"
)

const (
	// LocalHost is the address every service listens on; containers share
	// the host network namespace
	LocalHost = "127.0.0.1"

	// DefaultProbeInterval is the pause between readiness probes
	DefaultProbeInterval = 500 * time.Millisecond

	// DefaultStopTimeout bounds a graceful node stop before SIGKILL
	DefaultStopTimeout = 20 * time.Second

	containerLogFile = "container.log"
	descriptorFile   = "descriptor.yml"
)

// ErrNodeExited is returned while waiting on a node whose container exited
var ErrNodeExited = errors.New("container exited")

// ProbeKind selects how readiness of a node is checked
type ProbeKind string

const (
	ProbeTCP  ProbeKind = "tcp"
	ProbeHTTP ProbeKind = "http"
	ProbeExec ProbeKind = "exec"
)

// Node is one container of a service with its leased ports resolved
type Node struct {
	// Name is the node name, e.g. "zoo2"
	Name string
	// Index is 1-based
	Index int
	// Ports maps port names to leased host ports
	Ports map[string]int
	// Primary is the port clients connect to
	Primary int
}

// Address returns host:primary-port
func (n Node) Address() string {
	return LocalHost + ":" + strconv.Itoa(n.Primary)
}

// Definition describes a containerized service. Every node gets one leased
// port per entry in Ports; the first entry is the client port.
type Definition struct {
	Name       string
	NodePrefix string
	Image      string
	Nodes      int
	Ports      []string

	// Command and Env are rendered per node; peers includes the node itself
	Command func(n Node, peers []Node) []string
	Env     func(n Node, peers []Node) map[string]string

	// DataDir and LogDir are container paths bind mounted from the node's
	// host directories
	DataDir string
	LogDir  string

	Probe         ProbeKind
	ProbePort     string
	HTTPPath      string
	ExecProbe     func(n Node) []string
	ProbeInterval time.Duration
	ReadyTimeout  time.Duration
	StopTimeout   time.Duration

	// Export adds variables for instances on top of <NAME>_HOST, <NAME>_PORT
	// and, for ensembles, <NAME>_NODES
	Export func(nodes []Node) map[string]string
}

// ContainerService is a Provisioner running a Definition as one or more
// sibling containers
type ContainerService struct {
	def Definition
	env *Env

	ports [][]*ports.LazyPort

	mu      sync.Mutex
	started map[string]string
}

// NewContainerService binds a definition to a cluster
func NewContainerService(def Definition, env *Env) *ContainerService {
	if def.Nodes < 1 {
		def.Nodes = 1
	}
	if len(def.Ports) == 0 {
		def.Ports = []string{"client"}
	}
	if def.NodePrefix == "" {
		def.NodePrefix = def.Name
	}
	if def.Probe == "" {
		def.Probe = ProbeTCP
	}
	if def.ProbeInterval <= 0 {
		def.ProbeInterval = DefaultProbeInterval
	}
	if def.StopTimeout <= 0 {
		def.StopTimeout = DefaultStopTimeout
	}

	lazy := make([][]*ports.LazyPort, def.Nodes)
	for i := range lazy {
		lazy[i] = make([]*ports.LazyPort, len(def.Ports))
		for j := range def.Ports {
			if env != nil && env.Arbiter != nil {
				lazy[i][j] = ports.NewLazyPort(env.Arbiter)
			}
		}
	}

	return &ContainerService{
		def:     def,
		env:     env,
		ports:   lazy,
		started: make(map[string]string),
	}
}

// Factory returns a registry factory for the definition
func (d Definition) Factory() Factory {
	return func(env *Env) Provisioner {
		return NewContainerService(d, env)
	}
}

func (s *ContainerService) Name() string {
	return s.def.Name
}

func (s *ContainerService) Images() []string {
	return []string{s.def.Image}
}

func (s *ContainerService) ReadyTimeout() time.Duration {
	return s.def.ReadyTimeout
}

// NeedsRollback is false: service containers carry the project label and
// are stopped and removed with the rest of the cluster
func (s *ContainerService) NeedsRollback() bool {
	return false
}

// Definition returns the definition the service was built from
func (s *ContainerService) Definition() Definition {
	return s.def
}

// Port returns the named port of a node (1-based), leasing it on first use
func (s *ContainerService) Port(node int, name string) (int, error) {
	if node < 1 || node > s.def.Nodes {
		return 0, fmt.Errorf("%s has no node %d", s.def.Name, node)
	}
	for j, pn := range s.def.Ports {
		if pn == name {
			lp := s.ports[node-1][j]
			if lp == nil {
				return 0, fmt.Errorf("%s: no port arbiter", s.def.Name)
			}
			return lp.Get()
		}
	}
	return 0, fmt.Errorf("%s has no port named %q", s.def.Name, name)
}

// Nodes resolves every node and its ports
func (s *ContainerService) Nodes() ([]Node, error) {
	nodes := make([]Node, s.def.Nodes)
	for i := range nodes {
		n := Node{
			Name:  s.def.NodePrefix + strconv.Itoa(i+1),
			Index: i + 1,
			Ports: make(map[string]int, len(s.def.Ports)),
		}
		for _, pn := range s.def.Ports {
			port, err := s.Port(i+1, pn)
			if err != nil {
				return nil, fmt.Errorf("failed to lease %s port for %s: %w", pn, n.Name, err)
			}
			n.Ports[pn] = port
		}
		n.Primary = n.Ports[s.def.Ports[0]]
		nodes[i] = n
	}
	return nodes, nil
}

// Exports returns the connection variables for instances
func (s *ContainerService) Exports() (map[string]string, error) {
	nodes, err := s.Nodes()
	if err != nil {
		return nil, err
	}

	prefix := EnvPrefix(s.def.Name)
	vars := map[string]string{
		prefix + "_HOST": LocalHost,
		prefix + "_PORT": strconv.Itoa(nodes[0].Primary),
	}
	if len(nodes) > 1 {
		addrs := make([]string, len(nodes))
		for i, n := range nodes {
			addrs[i] = n.Address()
		}
		vars[prefix+"_NODES"] = strings.Join(addrs, ",")
	}
	if s.def.Export != nil {
		for k, v := range s.def.Export(nodes) {
			vars[k] = v
		}
	}
	return vars, nil
}

// Start creates and starts every node concurrently
func (s *ContainerService) Start(ctx context.Context) error {
	if err := requireEnv(s.env); err != nil {
		return fmt.Errorf("%s: %w", s.def.Name, err)
	}

	nodes, err := s.Nodes()
	if err != nil {
		return err
	}

	return s.fanOut(ctx, nodes, func(ctx context.Context, n Node) error {
		return s.startNode(ctx, n, nodes)
	})
}

func (s *ContainerService) startNode(ctx context.Context, n Node, peers []Node) error {
	env := s.env
	logger := log.WithService(s.def.Name)

	dirs, err := env.Dirs.Create(env.Project, n.Name)
	if err != nil {
		return err
	}
	env.Record(types.ResourceDirectory, n.Name, dirs.Root)

	var mounts []types.Mount
	if s.def.DataDir != "" {
		mounts = append(mounts, types.Mount{Source: dirs.Data, Destination: s.def.DataDir})
	}
	if s.def.LogDir != "" {
		mounts = append(mounts, types.Mount{Source: dirs.Logs, Destination: s.def.LogDir})
	}

	vars := map[string]string{}
	if s.def.Env != nil {
		vars = s.def.Env(n, peers)
	}
	var command []string
	if s.def.Command != nil {
		command = s.def.Command(n, peers)
	}

	id := env.ContainerID(n.Name)
	logPath := filepath.Join(dirs.Root, containerLogFile)
	portList := make([]int, 0, len(n.Ports))
	for _, pn := range s.def.Ports {
		portList = append(portList, n.Ports[pn])
	}

	desc := &manifest.Descriptor{
		Name:    n.Name,
		Image:   s.def.Image,
		Command: command,
		Env:     vars,
		Mounts:  mounts,
		Network: manifest.Network{Mode: manifest.NetworkModeHost, Address: LocalHost, Ports: portList},
		Labels:  map[string]string{runtime.LabelProject: env.Project},
	}
	if err := manifest.WriteDescriptor(filepath.Join(dirs.Root, descriptorFile), desc); err != nil {
		return err
	}

	env.Record(types.ResourceContainer, id, s.def.Name)
	if _, err := env.Runtime.CreateContainer(ctx, &types.ContainerSpec{
		ID:      id,
		Project: env.Project,
		Image:   s.def.Image,
		Command: command,
		Env:     manifest.EnvList(vars),
		Mounts:  mounts,
		Labels:  map[string]string{"burrow.service": s.def.Name},
		LogPath: logPath,
	}); err != nil {
		return fmt.Errorf("failed to create %s: %w", n.Name, err)
	}
	if env.Logs != nil {
		env.Logs.Add(n.Name, logPath)
	}

	if err := env.Runtime.StartContainer(ctx, id); err != nil {
		return fmt.Errorf("failed to start %s: %w", n.Name, err)
	}

	s.mu.Lock()
	s.started[n.Name] = id
	s.mu.Unlock()

	logger.Info().
		Str("node", n.Name).
		Int("port", n.Primary).
		Msg("Service node started")
	return nil
}

// WaitReady probes every node concurrently until all answer or timeout passes
func (s *ContainerService) WaitReady(ctx context.Context, timeout time.Duration) error {
	nodes, err := s.Nodes()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, n := range nodes {
		g.Go(func() error {
			return s.waitNode(gctx, n, timeout)
		})
	}
	return g.Wait()
}

func (s *ContainerService) waitNode(ctx context.Context, n Node, timeout time.Duration) error {
	checker, err := s.checker(n)
	if err != nil {
		return err
	}
	id := s.env.ContainerID(n.Name)

	policy := retry.Fixed(s.def.ProbeInterval, timeout).WithRetryable(func(err error) bool {
		return !errors.Is(err, ErrNodeExited)
	})
	return policy.Poll(ctx, fmt.Sprintf("%s node %s", s.def.Name, n.Name), func(ctx context.Context) error {
		if status, err := s.env.Runtime.ContainerStatus(ctx, id); err == nil && status == types.ContainerStatusExited {
			return fmt.Errorf("%s: %w", n.Name, ErrNodeExited)
		}
		return health.Probe(ctx, checker)
	})
}

func (s *ContainerService) checker(n Node) (health.Checker, error) {
	port := n.Primary
	if s.def.ProbePort != "" {
		p, ok := n.Ports[s.def.ProbePort]
		if !ok {
			return nil, fmt.Errorf("%s has no port named %q", s.def.Name, s.def.ProbePort)
		}
		port = p
	}
	addr := LocalHost + ":" + strconv.Itoa(port)

	switch s.def.Probe {
	case ProbeHTTP:
		return health.NewHTTPChecker("http://" + addr + s.def.HTTPPath).WithTimeout(5 * time.Second), nil
	case ProbeExec:
		if s.def.ExecProbe == nil {
			return nil, fmt.Errorf("%s: exec probe without command", s.def.Name)
		}
		return health.NewExecChecker(s.def.ExecProbe(n)).WithContainer(s.env.ContainerID(n.Name), s.env.Runtime), nil
	default:
		return health.NewTCPChecker(addr).WithTimeout(time.Second), nil
	}
}

// Stop stops every started node, escalating to SIGKILL on failure or when
// kill is set
func (s *ContainerService) Stop(ctx context.Context, kill bool) error {
	nodes, err := s.startedNodes(nil)
	if err != nil {
		return err
	}
	return s.fanOut(ctx, nodes, func(ctx context.Context, n Node) error {
		return s.stopNode(ctx, n, kill)
	})
}

// StopNodes gracefully stops the given nodes (1-based)
func (s *ContainerService) StopNodes(ctx context.Context, indexes ...int) error {
	nodes, err := s.startedNodes(indexes)
	if err != nil {
		return err
	}
	return s.fanOut(ctx, nodes, func(ctx context.Context, n Node) error {
		return s.stopNode(ctx, n, false)
	})
}

// KillNodes force kills the given nodes (1-based)
func (s *ContainerService) KillNodes(ctx context.Context, indexes ...int) error {
	nodes, err := s.startedNodes(indexes)
	if err != nil {
		return err
	}
	return s.fanOut(ctx, nodes, func(ctx context.Context, n Node) error {
		return s.env.Runtime.KillContainer(ctx, s.env.ContainerID(n.Name))
	})
}

// StartNodes restarts previously stopped nodes (1-based)
func (s *ContainerService) StartNodes(ctx context.Context, indexes ...int) error {
	nodes, err := s.startedNodes(indexes)
	if err != nil {
		return err
	}
	return s.fanOut(ctx, nodes, func(ctx context.Context, n Node) error {
		return s.env.Runtime.StartContainer(ctx, s.env.ContainerID(n.Name))
	})
}

func (s *ContainerService) stopNode(ctx context.Context, n Node, kill bool) error {
	id := s.env.ContainerID(n.Name)
	if !kill {
		err := s.env.Runtime.StopContainer(ctx, id, s.def.StopTimeout)
		if err == nil {
			return nil
		}
		logger := log.WithService(s.def.Name)
		logger.Warn().
			Err(err).
			Str("node", n.Name).
			Msg("Graceful stop failed, killing")
	}
	return s.env.Runtime.KillContainer(ctx, id)
}

// startedNodes returns the started nodes among indexes (all when nil)
func (s *ContainerService) startedNodes(indexes []int) ([]Node, error) {
	all, err := s.Nodes()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if indexes == nil {
		var nodes []Node
		for _, n := range all {
			if _, ok := s.started[n.Name]; ok {
				nodes = append(nodes, n)
			}
		}
		return nodes, nil
	}

	nodes := make([]Node, 0, len(indexes))
	for _, i := range indexes {
		if i < 1 || i > len(all) {
			return nil, fmt.Errorf("%s has no node %d", s.def.Name, i)
		}
		n := all[i-1]
		if _, ok := s.started[n.Name]; !ok {
			return nil, fmt.Errorf("%s node %s was never started", s.def.Name, n.Name)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// fanOut runs fn for every node concurrently and joins before returning
func (s *ContainerService) fanOut(ctx context.Context, nodes []Node, fn func(context.Context, Node) error) error {
	if len(nodes) == 0 {
		return nil
	}
	if len(nodes) == 1 {
		return fn(ctx, nodes[0])
	}

	// Siblings keep going when one fails
	var g errgroup.Group
	g.SetLimit(len(nodes))
	for _, n := range nodes {
		g.Go(func() error {
			return fn(ctx, n)
		})
	}
	return g.Wait()
}
