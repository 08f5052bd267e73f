package integration

import (
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/lifecycle"
	"github.com/cuemby/burrow/pkg/ports"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/services"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
)

func freePorts(t *testing.T, n int) []int {
	t.Helper()
	var out []int
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		out = append(out, ln.Addr().(*net.TCPAddr).Port)
		defer ln.Close()
	}
	return out
}

// TestProcessClusterLifecycle runs a real server process as the instance and
// a scripted service, then tears everything down
func TestProcessClusterLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}

	dataDir := t.TempDir()
	store, err := storage.NewBoltStore(dataDir)
	require.NoError(t, err)
	defer store.Close()

	var stopped bool
	registry := services.NewRegistry()
	registry.Register(types.CapabilityRedis, func(*services.Env) services.Provisioner {
		return &services.Func{
			ServiceName: "redis",
			Timeout:     time.Second,
			Rollback:    true,
			Vars:        map[string]string{"REDIS_HOST": "127.0.0.1"},
			OnStop: func(context.Context, bool) error {
				stopped = true
				return nil
			},
		}
	})

	rt := runtime.NewProcessRuntime()
	defer rt.Close()

	cluster, err := lifecycle.NewCluster(lifecycle.Config{
		Project:  "processit",
		Runtime:  rt,
		Pool:     ports.NewPool(freePorts(t, 2)),
		Registry: registry,
		DataDir:  dataDir,
		Store:    store,
	})
	require.NoError(t, err)

	inst, err := cluster.AddInstance(&types.InstanceSpec{
		Name:         "node1",
		Image:        "sh",
		Command:      []string{"sh", "-c", "exec python3 -m http.server --bind 127.0.0.1 $BURROW_TCP_PORT"},
		Capabilities: []types.Capability{types.CapabilityRedis},
		StartTimeout: 20 * time.Second,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, cluster.Start(ctx))
	assert.Equal(t, types.InstanceStateReady, inst.State())

	conn, err := net.DialTimeout("tcp", inst.Address(), time.Second)
	require.NoError(t, err)
	conn.Close()

	require.NoError(t, cluster.Shutdown(ctx, lifecycle.DefaultShutdownOptions()))
	assert.True(t, stopped)
	assert.Empty(t, cluster.Leased())

	_, err = os.Stat(cluster.ProjectDir())
	assert.True(t, errors.Is(err, os.ErrNotExist))

	left, err := store.List("processit")
	require.NoError(t, err)
	assert.Empty(t, left)
}

// TestProcessClusterInstanceExits checks that an instance exiting during
// start fails Start without waiting for the probe deadline
func TestProcessClusterInstanceExits(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	rt := runtime.NewProcessRuntime()
	defer rt.Close()

	cluster, err := lifecycle.NewCluster(lifecycle.Config{
		Project:  "processexit",
		Runtime:  rt,
		Pool:     ports.NewPool(freePorts(t, 1)),
		Registry: services.NewRegistry(),
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)

	_, err = cluster.AddInstance(&types.InstanceSpec{
		Name:         "node1",
		Image:        "sh",
		Command:      []string{"sh", "-c", "echo 'bad config' >&2; exit 3"},
		StartTimeout: time.Minute,
	})
	require.NoError(t, err)

	begin := time.Now()
	err = cluster.Start(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(begin), 30*time.Second)

	var startErr *lifecycle.InstanceStartError
	require.ErrorAs(t, err, &startErr)
	assert.Contains(t, startErr.LogExcerpt, "bad config")
	assert.Equal(t, types.ClusterStateDown, cluster.State())
}
