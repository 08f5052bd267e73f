package types

import (
	"fmt"
	"time"
)

// ClusterState is the lifecycle state of a test cluster
type ClusterState string

const (
	ClusterStateNotStarted   ClusterState = "not-started"
	ClusterStateStarting     ClusterState = "starting"
	ClusterStateUp           ClusterState = "up"
	ClusterStateShuttingDown ClusterState = "shutting-down"
	ClusterStateDown         ClusterState = "down"
)

// InstanceState is the lifecycle state of a single instance under test
type InstanceState string

const (
	InstanceStateDeclared    InstanceState = "declared"
	InstanceStateProvisioned InstanceState = "provisioned"
	InstanceStateStarted     InstanceState = "started"
	InstanceStateProbing     InstanceState = "probing"
	InstanceStateReady       InstanceState = "ready"
	InstanceStateFailed      InstanceState = "failed"
	InstanceStateStopped     InstanceState = "stopped"
)

// Capability names an optional service an instance can request
type Capability string

const (
	CapabilityZooKeeper Capability = "zookeeper"
	CapabilityKeeper    Capability = "keeper"
	CapabilityKafka     Capability = "kafka"
	CapabilityMinIO     Capability = "minio"
	CapabilityPostgres  Capability = "postgres"
	CapabilityMySQL     Capability = "mysql"
	CapabilityRedis     Capability = "redis"
	CapabilityNATS      Capability = "nats"
	CapabilityRabbitMQ  Capability = "rabbitmq"
	CapabilityAzurite   Capability = "azurite"
)

// InstanceSpec declares one addressable unit under test
type InstanceSpec struct {
	Name         string
	Image        string
	Command      []string
	Env          map[string]string
	Capabilities []Capability
	Mounts       []Mount
	Labels       map[string]string

	// PortEnv is the environment variable carrying the leased TCP port
	// the instance must listen on (default: BURROW_TCP_PORT)
	PortEnv string

	// StartTimeout bounds the TCP readiness wait (default: 300s)
	StartTimeout time.Duration

	// ConnectionTimeout, when set, lets the readiness wait run past
	// StartTimeout up to this bound for as long as the container is running
	// and its server log keeps growing. Must not be below StartTimeout.
	ConnectionTimeout time.Duration

	// LogDir is where the instance writes its own server logs inside the
	// container; it is bind mounted from the instance directory
	LogDir string

	// LogFile is the server log file name inside LogDir (default: server.log)
	LogFile string
}

// Requests reports whether the spec asks for the given capability
func (s *InstanceSpec) Requests(c Capability) bool {
	for _, have := range s.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Mount is a host bind mount
type Mount struct {
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
	ReadOnly    bool   `yaml:"read_only,omitempty"`
}

// ContainerSpec is what the runtime needs to create one container
type ContainerSpec struct {
	ID      string
	Project string
	Image   string
	Command []string
	Env     []string
	Mounts  []Mount
	Labels  map[string]string

	// LogPath receives the container's stdout and stderr on the host
	LogPath string
}

// ContainerStatus is the coarse runtime status of a container
type ContainerStatus string

const (
	ContainerStatusCreated ContainerStatus = "created"
	ContainerStatusRunning ContainerStatus = "running"
	ContainerStatusExited  ContainerStatus = "exited"
	ContainerStatusUnknown ContainerStatus = "unknown"
)

// ResourceKind classifies ledger entries
type ResourceKind string

const (
	ResourceContainer ResourceKind = "container"
	ResourceDirectory ResourceKind = "directory"
	ResourceLease     ResourceKind = "lease"
)

// Resource is one thing a cluster created and must remove on teardown
type Resource struct {
	Project   string       `json:"project"`
	ID        string       `json:"id"`
	Kind      ResourceKind `json:"kind"`
	Detail    string       `json:"detail,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// Key returns the ledger key of the resource
func (r *Resource) Key() string {
	return fmt.Sprintf("%s/%s/%s", r.Project, r.Kind, r.ID)
}
