package services

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/manifest"
	"github.com/cuemby/burrow/pkg/ports"
	"github.com/cuemby/burrow/pkg/retry"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/volume"
)

func alwaysFree(int) bool { return true }

func newTestEnv(t *testing.T, candidates []int) (*Env, *runtime.FakeRuntime) {
	t.Helper()

	dirs, err := volume.NewLocalDriver(t.TempDir())
	require.NoError(t, err)

	rt := runtime.NewFakeRuntime()
	pool := ports.NewPool(candidates).WithProbe(alwaysFree)

	return &Env{
		Project: "proj",
		Runtime: rt,
		Arbiter: pool.NewArbiter("proj"),
		Dirs:    dirs,
	}, rt
}

// listeners opens n loopback listeners and returns their ports
func listeners(t *testing.T, n int) []int {
	t.Helper()
	var out []int
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		t.Cleanup(func() { ln.Close() })
		go func() {
			for {
				c, err := ln.Accept()
				if err != nil {
					return
				}
				c.Close()
			}
		}()
		out = append(out, ln.Addr().(*net.TCPAddr).Port)
	}
	return out
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(types.CapabilityRedis, (&Definition{Name: "redis", Image: "redis"}).Factory())
	r.Register(types.CapabilityKafka, (&Definition{Name: "kafka", Image: "kafka"}).Factory())

	f, ok := r.Lookup(types.CapabilityKafka)
	require.True(t, ok)
	assert.Equal(t, "kafka", f(nil).Name())

	_, ok = r.Lookup(types.CapabilityMinIO)
	assert.False(t, ok)

	assert.Equal(t, []types.Capability{types.CapabilityKafka, types.CapabilityRedis}, r.Names())
}

func TestDefaultRegistryCatalog(t *testing.T) {
	r := DefaultRegistry(map[types.Capability]Override{
		types.CapabilityRedis: {Image: "redis:custom", ReadyTimeout: 5 * time.Second},
	})
	assert.Len(t, r.Names(), 10)

	env, _ := newTestEnv(t, []int{20001, 20002, 20003, 20004, 20005, 20006, 20007, 20008, 20009})

	tests := []struct {
		capability types.Capability
		name       string
		timeout    time.Duration
	}{
		{types.CapabilityZooKeeper, "zookeeper", 180 * time.Second},
		{types.CapabilityKeeper, "keeper", 180 * time.Second},
		{types.CapabilityKafka, "kafka", 180 * time.Second},
		{types.CapabilityMinIO, "minio", 180 * time.Second},
		{types.CapabilityPostgres, "postgres", 260 * time.Second},
		{types.CapabilityMySQL, "mysql", 180 * time.Second},
		{types.CapabilityRedis, "redis", 5 * time.Second},
		{types.CapabilityNATS, "nats", 30 * time.Second},
		{types.CapabilityRabbitMQ, "rabbitmq", 120 * time.Second},
		{types.CapabilityAzurite, "azurite", 180 * time.Second},
	}

	for _, tt := range tests {
		t.Run(string(tt.capability), func(t *testing.T) {
			f, ok := r.Lookup(tt.capability)
			require.True(t, ok)
			p := f(env)
			assert.Equal(t, tt.name, p.Name())
			assert.Equal(t, tt.timeout, p.ReadyTimeout())
			assert.Len(t, p.Images(), 1)
			assert.False(t, p.NeedsRollback())
		})
	}

	f, _ := r.Lookup(types.CapabilityRedis)
	assert.Equal(t, []string{"redis:custom"}, f(env).Images())
}

func TestZooKeeperEnsembleStart(t *testing.T) {
	env, rt := newTestEnv(t, []int{21001, 21002, 21003, 21004, 21005, 21006, 21007, 21008, 21009})
	def := Catalog()[types.CapabilityZooKeeper]
	svc := NewContainerService(def, env)

	vars, err := svc.Exports()
	require.NoError(t, err)
	assert.Equal(t, LocalHost, vars["ZOOKEEPER_HOST"])
	assert.Equal(t, "21001", vars["ZOOKEEPER_PORT"])
	assert.Equal(t, "127.0.0.1:21001,127.0.0.1:21004,127.0.0.1:21007", vars["ZOOKEEPER_NODES"])

	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, 3, rt.CallCount("start:"))

	zoo2, ok := rt.Container("proj-zoo2")
	require.True(t, ok)
	assert.Equal(t, types.ContainerStatusRunning, zoo2.Status)
	assert.Equal(t, "proj", zoo2.Spec.Project)
	assert.Contains(t, zoo2.Spec.Env, "ZOO_MY_ID=2")

	var servers string
	for _, kv := range zoo2.Spec.Env {
		if strings.HasPrefix(kv, "ZOO_SERVERS=") {
			servers = kv
		}
	}
	assert.Equal(t, "ZOO_SERVERS=server.1=127.0.0.1:21002:21003;21001 server.2=127.0.0.1:21005:21006;21004 server.3=127.0.0.1:21008:21009;21007", servers)

	dirs := env.Dirs.Path("proj", "zoo2")
	require.Len(t, zoo2.Spec.Mounts, 2)
	assert.Equal(t, dirs.Data, zoo2.Spec.Mounts[0].Source)
	assert.Equal(t, filepath.Join(dirs.Root, "container.log"), zoo2.Spec.LogPath)

	desc, err := manifest.ReadDescriptor(filepath.Join(dirs.Root, "descriptor.yml"))
	require.NoError(t, err)
	assert.Equal(t, manifest.NetworkModeHost, desc.Network.Mode)
	assert.Equal(t, []int{21004, 21005, 21006}, desc.Network.Ports)
}

func TestStartRecordsResources(t *testing.T) {
	env, _ := newTestEnv(t, []int{22001})
	ledger, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer ledger.Close()
	env.Ledger = ledger

	svc := NewContainerService(Definition{Name: "redis", Image: "redis:7.2"}, env)
	require.NoError(t, svc.Start(context.Background()))

	list, err := ledger.List("proj")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, types.ResourceContainer, list[0].Kind)
	assert.Equal(t, "proj-redis1", list[0].ID)
	assert.Equal(t, types.ResourceDirectory, list[1].Kind)
}

func TestWaitReadyTCP(t *testing.T) {
	open := listeners(t, 2)
	env, _ := newTestEnv(t, open)

	svc := NewContainerService(Definition{Name: "coord", Image: "coord", Nodes: 2, ProbeInterval: 10 * time.Millisecond}, env)
	require.NoError(t, svc.Start(context.Background()))

	assert.NoError(t, svc.WaitReady(context.Background(), 2*time.Second))
}

func TestWaitReadyTimesOut(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closed := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	// Nothing listens on the leased port
	env, _ := newTestEnv(t, []int{closed})
	svc := NewContainerService(Definition{Name: "coord", Image: "coord", ProbeInterval: 10 * time.Millisecond}, env)
	require.NoError(t, svc.Start(context.Background()))

	err = svc.WaitReady(context.Background(), 100*time.Millisecond)
	assert.True(t, retry.IsTimeout(err))
}

func TestWaitReadyFailsFastWhenNodeExits(t *testing.T) {
	env, rt := newTestEnv(t, []int{23001})
	rt.ExitOnStart("proj-broker1")

	svc := NewContainerService(Definition{Name: "broker", Image: "broker", ProbeInterval: 10 * time.Millisecond}, env)
	require.NoError(t, svc.Start(context.Background()))

	start := time.Now()
	err := svc.WaitReady(context.Background(), 10*time.Second)
	assert.ErrorIs(t, err, ErrNodeExited)
	assert.False(t, retry.IsTimeout(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWaitReadyExecProbe(t *testing.T) {
	env, rt := newTestEnv(t, []int{24001})
	attempts := 0
	rt.OnExec(func(id string, command []string) ([]byte, error) {
		assert.Equal(t, "proj-postgres1", id)
		assert.Equal(t, "pg_isready", command[0])
		attempts++
		if attempts < 3 {
			return []byte("no response"), errors.New("exit status 2")
		}
		return []byte("accepting connections"), nil
	})

	def := Catalog()[types.CapabilityPostgres]
	def.ProbeInterval = 10 * time.Millisecond
	svc := NewContainerService(def, env)
	require.NoError(t, svc.Start(context.Background()))

	require.NoError(t, svc.WaitReady(context.Background(), 2*time.Second))
	assert.Equal(t, 3, attempts)
}

func TestStopEscalatesToKill(t *testing.T) {
	env, rt := newTestEnv(t, []int{25001, 25002})
	rt.FailStop("proj-coord1", runtime.ErrStopTimeout)

	svc := NewContainerService(Definition{Name: "coord", Image: "coord", Nodes: 2}, env)
	require.NoError(t, svc.Start(context.Background()))

	require.NoError(t, svc.Stop(context.Background(), false))
	assert.Equal(t, 2, rt.CallCount("stop:"))
	assert.Equal(t, 1, rt.CallCount("kill:proj-coord1"))
	assert.Equal(t, 0, rt.CallCount("kill:proj-coord2"))

	require.NoError(t, svc.Stop(context.Background(), true))
	assert.Equal(t, 2, rt.CallCount("stop:"))
	assert.Equal(t, 3, rt.CallCount("kill:"))
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	env, rt := newTestEnv(t, []int{26001})
	svc := NewContainerService(Definition{Name: "coord", Image: "coord"}, env)

	require.NoError(t, svc.Stop(context.Background(), true))
	assert.Empty(t, rt.Calls())
}

func TestDisruptEnsembleNodes(t *testing.T) {
	env, rt := newTestEnv(t, []int{27001, 27002, 27003})
	svc := NewContainerService(Definition{Name: "zookeeper", NodePrefix: "zoo", Image: "zk", Nodes: 3}, env)
	require.NoError(t, svc.Start(context.Background()))

	ctx := context.Background()
	require.NoError(t, svc.StopNodes(ctx, 1, 3))
	c, _ := rt.Container("proj-zoo1")
	assert.Equal(t, types.ContainerStatusExited, c.Status)
	c, _ = rt.Container("proj-zoo2")
	assert.Equal(t, types.ContainerStatusRunning, c.Status)

	require.NoError(t, svc.StartNodes(ctx, 1, 3))
	c, _ = rt.Container("proj-zoo3")
	assert.Equal(t, types.ContainerStatusRunning, c.Status)

	require.NoError(t, svc.KillNodes(ctx, 2))
	assert.Equal(t, 1, rt.CallCount("kill:proj-zoo2"))

	assert.Error(t, svc.StopNodes(ctx, 4))
}

func TestDisruptEnsembleNodesAsProcesses(t *testing.T) {
	env, _ := newTestEnv(t, []int{28001, 28002})
	rt := runtime.NewProcessRuntime()
	defer rt.Close()
	env.Runtime = rt

	svc := NewContainerService(Definition{
		Name:    "coord",
		Image:   "sh",
		Nodes:   2,
		Command: func(Node, []Node) []string { return []string{"sh", "-c", "exec sleep 30"} },
	}, env)
	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop(ctx, true)

	require.NoError(t, svc.StopNodes(ctx, 1))
	status, err := rt.ContainerStatus(ctx, "proj-coord1")
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStatusExited, status)

	require.NoError(t, svc.StartNodes(ctx, 1))
	status, err = rt.ContainerStatus(ctx, "proj-coord1")
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStatusRunning, status)
}

func TestPortIsMemoized(t *testing.T) {
	env, _ := newTestEnv(t, []int{28001, 28002})
	svc := NewContainerService(Definition{Name: "minio", Image: "minio", Ports: []string{"api", "console"}}, env)

	p1, err := svc.Port(1, "console")
	require.NoError(t, err)
	p2, err := svc.Port(1, "console")
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.Equal(t, 28001, p1)

	api, err := svc.Port(1, "api")
	require.NoError(t, err)
	assert.Equal(t, 28002, api)

	_, err = svc.Port(1, "admin")
	assert.Error(t, err)
	_, err = svc.Port(2, "api")
	assert.Error(t, err)
}

func TestStartFailsWhenPoolExhausted(t *testing.T) {
	env, rt := newTestEnv(t, []int{29001})
	svc := NewContainerService(Definition{Name: "coord", Image: "coord", Nodes: 2}, env)

	err := svc.Start(context.Background())
	assert.ErrorIs(t, err, ports.ErrPoolExhausted)
	assert.Empty(t, rt.Calls())
}

func TestNodeLogFileIsCreated(t *testing.T) {
	env, _ := newTestEnv(t, []int{30001})
	svc := NewContainerService(Definition{Name: "nats", Image: "nats"}, env)
	require.NoError(t, svc.Start(context.Background()))

	// FakeRuntime writes a line to the container log on start
	data, err := os.ReadFile(filepath.Join(env.Dirs.Path("proj", "nats1").Root, "container.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "started proj-nats1")
}

func TestFuncProvisioner(t *testing.T) {
	calls := 0
	f := &Func{
		ServiceName: "catalog",
		Timeout:     time.Second,
		Interval:    5 * time.Millisecond,
		Rollback:    true,
		Vars:        map[string]string{"CATALOG_URL": "http://127.0.0.1:8181"},
		Ready: func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("not yet")
			}
			return nil
		},
	}

	require.NoError(t, f.Start(context.Background()))
	require.NoError(t, f.WaitReady(context.Background(), time.Second))
	assert.Equal(t, 3, calls)
	assert.True(t, f.NeedsRollback())
	assert.NoError(t, f.Stop(context.Background(), true))

	vars, err := f.Exports()
	require.NoError(t, err)
	vars["CATALOG_URL"] = "mutated"
	again, _ := f.Exports()
	assert.Equal(t, "http://127.0.0.1:8181", again["CATALOG_URL"])

	never := &Func{ServiceName: "never", Ready: func(context.Context) error { return errors.New("down") }}
	assert.True(t, retry.IsTimeout(never.WaitReady(context.Background(), 50*time.Millisecond)))
}

func TestEnvPrefix(t *testing.T) {
	assert.Equal(t, "ZOOKEEPER", EnvPrefix("zookeeper"))
	assert.Equal(t, "AZURE_BLOB", EnvPrefix("azure-blob"))
}
