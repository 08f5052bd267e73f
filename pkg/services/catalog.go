package services

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// Override adjusts a built-in service definition
type Override struct {
	Image        string        `yaml:"image,omitempty"`
	ReadyTimeout time.Duration `yaml:"ready_timeout,omitempty"`
	Nodes        int           `yaml:"nodes,omitempty"`
}

// Apply returns def with the non-zero fields of o applied
func (o Override) Apply(def Definition) Definition {
	if o.Image != "" {
		def.Image = o.Image
	}
	if o.ReadyTimeout > 0 {
		def.ReadyTimeout = o.ReadyTimeout
	}
	if o.Nodes > 0 {
		def.Nodes = o.Nodes
	}
	return def
}

const (
	minioUser      = "minio"
	minioPassword  = "minio123"
	postgresPass   = "mysecretpassword"
	mysqlRootPass  = "clickhouse"
	rabbitUser     = "root"
	rabbitPassword = "clickhouse"
	azuriteAccount = "devstoreaccount1"
)

func port(p int) string {
	return strconv.Itoa(p)
}

// Catalog returns the built-in service definitions keyed by capability
func Catalog() map[types.Capability]Definition {
	return map[types.Capability]Definition{
		types.CapabilityZooKeeper: {
			Name:       "zookeeper",
			NodePrefix: "zoo",
			Image:      "zookeeper:3.8.4",
			Nodes:      3,
			Ports:      []string{"client", "quorum", "election"},
			DataDir:    "/data",
			LogDir:     "/datalog",
			Env: func(n Node, peers []Node) map[string]string {
				servers := make([]string, len(peers))
				for i, p := range peers {
					servers[i] = fmt.Sprintf("server.%d=%s:%d:%d;%d",
						p.Index, LocalHost, p.Ports["quorum"], p.Ports["election"], p.Ports["client"])
				}
				return map[string]string{
					"ZOO_MY_ID":                  strconv.Itoa(n.Index),
					"ZOO_SERVERS":                strings.Join(servers, " "),
					"ZOO_ADMINSERVER_ENABLED":    "false",
					"ZOO_4LW_COMMANDS_WHITELIST": "*",
				}
			},
			Probe:        ProbeTCP,
			ReadyTimeout: 180 * time.Second,
		},
		types.CapabilityKeeper: {
			Name:       "keeper",
			NodePrefix: "keeper",
			Image:      "clickhouse/clickhouse-keeper:latest",
			Nodes:      3,
			Ports:      []string{"client", "raft"},
			DataDir:    "/var/lib/clickhouse",
			LogDir:     "/var/log/clickhouse-keeper",
			Env: func(n Node, peers []Node) map[string]string {
				raft := make([]string, len(peers))
				for i, p := range peers {
					raft[i] = fmt.Sprintf("%d@%s:%d", p.Index, LocalHost, p.Ports["raft"])
				}
				return map[string]string{
					"KEEPER_SERVER_ID": strconv.Itoa(n.Index),
					"KEEPER_TCP_PORT":  port(n.Ports["client"]),
					"KEEPER_RAFT_PORT": port(n.Ports["raft"]),
					"KEEPER_PEERS":     strings.Join(raft, ","),
				}
			},
			Probe:        ProbeTCP,
			ReadyTimeout: 180 * time.Second,
		},
		types.CapabilityKafka: {
			Name:    "kafka",
			Image:   "apache/kafka:3.7.0",
			Ports:   []string{"client", "controller"},
			DataDir: "/var/lib/kafka/data",
			Env: func(n Node, _ []Node) map[string]string {
				client := fmt.Sprintf("%s:%d", LocalHost, n.Ports["client"])
				controller := fmt.Sprintf("%s:%d", LocalHost, n.Ports["controller"])
				return map[string]string{
					"KAFKA_NODE_ID":                          "1",
					"KAFKA_PROCESS_ROLES":                    "broker,controller",
					"KAFKA_LISTENERS":                        "PLAINTEXT://" + client + ",CONTROLLER://" + controller,
					"KAFKA_ADVERTISED_LISTENERS":             "PLAINTEXT://" + client,
					"KAFKA_CONTROLLER_LISTENER_NAMES":        "CONTROLLER",
					"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":   "CONTROLLER:PLAINTEXT,PLAINTEXT:PLAINTEXT",
					"KAFKA_CONTROLLER_QUORUM_VOTERS":         "1@" + controller,
					"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR": "1",
					"KAFKA_LOG_DIRS":                         "/var/lib/kafka/data",
				}
			},
			Probe:        ProbeTCP,
			ReadyTimeout: 180 * time.Second,
		},
		types.CapabilityMinIO: {
			Name:    "minio",
			Image:   "minio/minio:latest",
			Ports:   []string{"api", "console"},
			DataDir: "/data",
			Command: func(n Node, _ []Node) []string {
				return []string{
					"server", "/data",
					"--address", fmt.Sprintf("%s:%d", LocalHost, n.Ports["api"]),
					"--console-address", fmt.Sprintf("%s:%d", LocalHost, n.Ports["console"]),
				}
			},
			Env: func(Node, []Node) map[string]string {
				return map[string]string{
					"MINIO_ROOT_USER":     minioUser,
					"MINIO_ROOT_PASSWORD": minioPassword,
				}
			},
			Probe:        ProbeHTTP,
			HTTPPath:     "/minio/health/live",
			ReadyTimeout: 180 * time.Second,
			Export: func([]Node) map[string]string {
				return map[string]string{
					"MINIO_ACCESS_KEY": minioUser,
					"MINIO_SECRET_KEY": minioPassword,
				}
			},
		},
		types.CapabilityPostgres: {
			Name:    "postgres",
			Image:   "postgres:16",
			DataDir: "/var/lib/postgresql/data",
			LogDir:  "/postgres-logs",
			Env: func(n Node, _ []Node) map[string]string {
				return map[string]string{
					"POSTGRES_PASSWORD": postgresPass,
					"PGPORT":            port(n.Primary),
				}
			},
			Probe: ProbeExec,
			ExecProbe: func(n Node) []string {
				return []string{"pg_isready", "-h", LocalHost, "-p", port(n.Primary), "-U", "postgres"}
			},
			ReadyTimeout: 260 * time.Second,
			Export: func([]Node) map[string]string {
				return map[string]string{"POSTGRES_PASSWORD": postgresPass}
			},
		},
		types.CapabilityMySQL: {
			Name:    "mysql",
			Image:   "mysql:8.0",
			DataDir: "/var/lib/mysql",
			LogDir:  "/mysql",
			Env: func(n Node, _ []Node) map[string]string {
				return map[string]string{
					"MYSQL_ROOT_PASSWORD": mysqlRootPass,
					"MYSQL_ROOT_HOST":     "%",
					"MYSQL_TCP_PORT":      port(n.Primary),
				}
			},
			Probe: ProbeExec,
			ExecProbe: func(n Node) []string {
				return []string{"mysqladmin", "ping", "-h", LocalHost, "-P", port(n.Primary), "-uroot", "-p" + mysqlRootPass}
			},
			ReadyTimeout: 180 * time.Second,
			Export: func([]Node) map[string]string {
				return map[string]string{"MYSQL_ROOT_PASSWORD": mysqlRootPass}
			},
		},
		types.CapabilityRedis: {
			Name:  "redis",
			Image: "redis:7.2",
			Command: func(n Node, _ []Node) []string {
				return []string{"redis-server", "--port", port(n.Primary), "--bind", LocalHost}
			},
			Probe: ProbeExec,
			ExecProbe: func(n Node) []string {
				return []string{"redis-cli", "-h", LocalHost, "-p", port(n.Primary), "ping"}
			},
			ReadyTimeout: 30 * time.Second,
		},
		types.CapabilityNATS: {
			Name:  "nats",
			Image: "nats:2.10",
			Ports: []string{"client", "monitor"},
			Command: func(n Node, _ []Node) []string {
				return []string{"-a", LocalHost, "-p", port(n.Ports["client"]), "-m", port(n.Ports["monitor"])}
			},
			Probe:        ProbeHTTP,
			ProbePort:    "monitor",
			HTTPPath:     "/healthz",
			ReadyTimeout: 30 * time.Second,
		},
		types.CapabilityRabbitMQ: {
			Name:    "rabbitmq",
			Image:   "rabbitmq:3.13-management",
			Ports:   []string{"client", "dist"},
			DataDir: "/var/lib/rabbitmq",
			LogDir:  "/rabbitmq_logs",
			Env: func(n Node, _ []Node) map[string]string {
				return map[string]string{
					"RABBITMQ_NODE_PORT":    port(n.Ports["client"]),
					"RABBITMQ_DIST_PORT":    port(n.Ports["dist"]),
					"RABBITMQ_NODENAME":     "rabbit@localhost",
					"RABBITMQ_DEFAULT_USER": rabbitUser,
					"RABBITMQ_DEFAULT_PASS": rabbitPassword,
					"RABBITMQ_LOG_BASE":     "/rabbitmq_logs",
				}
			},
			Probe: ProbeExec,
			ExecProbe: func(Node) []string {
				return []string{"rabbitmqctl", "await_startup"}
			},
			ReadyTimeout: 120 * time.Second,
			Export: func([]Node) map[string]string {
				return map[string]string{
					"RABBITMQ_USER":     rabbitUser,
					"RABBITMQ_PASSWORD": rabbitPassword,
				}
			},
		},
		types.CapabilityAzurite: {
			Name:    "azurite",
			Image:   "mcr.microsoft.com/azure-storage/azurite:latest",
			DataDir: "/data",
			Command: func(n Node, _ []Node) []string {
				return []string{"azurite-blob", "--blobHost", LocalHost, "--blobPort", port(n.Primary), "--location", "/data"}
			},
			Probe:        ProbeTCP,
			ReadyTimeout: 180 * time.Second,
			Export: func(nodes []Node) map[string]string {
				return map[string]string{
					"AZURITE_ACCOUNT":  azuriteAccount,
					"AZURITE_BLOB_URL": fmt.Sprintf("http://%s/%s", nodes[0].Address(), azuriteAccount),
				}
			},
		},
	}
}

// DefaultRegistry returns a registry of the built-in catalog with the given
// overrides applied
func DefaultRegistry(overrides map[types.Capability]Override) *Registry {
	r := NewRegistry()
	for c, def := range Catalog() {
		if o, ok := overrides[c]; ok {
			def = o.Apply(def)
		}
		r.Register(c, def.Factory())
	}
	return r
}
