package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/logscan"
	"github.com/cuemby/burrow/pkg/ports"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/volume"
)

// Provisioner starts, probes and stops one optional service of a cluster
type Provisioner interface {
	// Name is the service name used in logs, events and metrics
	Name() string

	// Images lists the images Start needs; they are pulled before any start
	Images() []string

	// Start launches the service. Called at most once per cluster.
	Start(ctx context.Context) error

	// WaitReady blocks until the service serves requests or timeout passes
	WaitReady(ctx context.Context, timeout time.Duration) error

	// ReadyTimeout is the default readiness deadline for this service
	ReadyTimeout() time.Duration

	// Stop stops the service, force killing it when kill is set
	Stop(ctx context.Context, kill bool) error

	// NeedsRollback reports whether teardown must call Stop. Services whose
	// containers carry the project label are removed with the cluster anyway.
	NeedsRollback() bool

	// Exports returns the variables instances need to reach the service.
	// Ports are leased on first call.
	Exports() (map[string]string, error)
}

// Env is what a provisioner gets from the cluster that activates it
type Env struct {
	Project string
	Runtime runtime.Runtime
	Arbiter *ports.Arbiter
	Dirs    *volume.LocalDriver

	// Logs receives each container log for the combined log; may be nil
	Logs *logscan.Collector

	// Ledger records created resources; may be nil
	Ledger storage.Store
}

// ContainerID returns the container ID of a named node in this project
func (e *Env) ContainerID(name string) string {
	return e.Project + "-" + name
}

// Record adds a resource to the ledger. Ledger failures are logged, not
// returned, so a broken ledger never blocks a test run.
func (e *Env) Record(kind types.ResourceKind, id, detail string) {
	if e.Ledger == nil {
		return
	}
	r := &types.Resource{Project: e.Project, ID: id, Kind: kind, Detail: detail, CreatedAt: time.Now()}
	if err := e.Ledger.Record(r); err != nil {
		logger := log.WithCluster(e.Project)
		logger.Warn().
			Err(err).
			Str("resource", r.Key()).
			Msg("Failed to record resource")
	}
}

// Factory builds a provisioner bound to a cluster
type Factory func(env *Env) Provisioner

// Registry maps capabilities to provisioner factories
type Registry struct {
	mu        sync.RWMutex
	factories map[types.Capability]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[types.Capability]Factory)}
}

// Register adds or replaces the factory for a capability
func (r *Registry) Register(c types.Capability, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[c] = f
}

// Lookup returns the factory for a capability
func (r *Registry) Lookup(c types.Capability) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[c]
	return f, ok
}

// Names returns the registered capabilities in sorted order
func (r *Registry) Names() []types.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]types.Capability, 0, len(r.factories))
	for c := range r.factories {
		names = append(names, c)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// EnvPrefix turns a service name into an environment variable prefix
func EnvPrefix(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}

func requireEnv(env *Env) error {
	switch {
	case env == nil:
		return fmt.Errorf("no cluster environment")
	case env.Runtime == nil:
		return fmt.Errorf("no container runtime")
	case env.Arbiter == nil:
		return fmt.Errorf("no port arbiter")
	case env.Dirs == nil:
		return fmt.Errorf("no data directory")
	}
	return nil
}
