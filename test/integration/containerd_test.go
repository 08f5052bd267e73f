package integration

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/types"
)

func containerdRuntime(t *testing.T) *runtime.ContainerdRuntime {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	socket := os.Getenv("BURROW_CONTAINERD_SOCKET")
	if socket == "" {
		socket = runtime.DefaultSocketPath
	}
	if _, err := os.Stat(socket); err != nil {
		t.Skipf("Containerd not available: %v", err)
	}

	rt, err := runtime.NewContainerdRuntime(socket, "burrow-test")
	if err != nil {
		t.Skipf("Containerd not available: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	return rt
}

// TestContainerdBasicWorkflow tests the basic containerd workflow:
// pull image → create container → start → check status → stop → delete
func TestContainerdBasicWorkflow(t *testing.T) {
	rt := containerdRuntime(t)
	ctx := context.Background()

	project := "it" + uuid.New().String()[:8]
	logPath := filepath.Join(t.TempDir(), "stderr.log")
	spec := &types.ContainerSpec{
		ID:      project + "-node1",
		Project: project,
		Image:   "docker.io/library/busybox:latest",
		Command: []string{"sh", "-c", "echo ready; exec sleep 300"},
		Env:     []string{"TEST=integration"},
		LogPath: logPath,
	}

	t.Log("Step 1: Pulling busybox image...")
	if err := rt.PullImage(ctx, spec.Image); err != nil {
		t.Fatalf("Failed to pull image: %v", err)
	}

	t.Log("Step 2: Creating container...")
	containerID, err := rt.CreateContainer(ctx, spec)
	if err != nil {
		t.Fatalf("Failed to create container: %v", err)
	}
	defer func() {
		if err := rt.DeleteContainer(ctx, containerID); err != nil {
			t.Logf("Warning: Failed to delete container: %v", err)
		}
	}()

	t.Log("Step 3: Starting container...")
	if err := rt.StartContainer(ctx, containerID); err != nil {
		t.Fatalf("Failed to start container: %v", err)
	}

	t.Log("Step 4: Checking container status...")
	status, err := rt.ContainerStatus(ctx, containerID)
	if err != nil {
		t.Fatalf("Failed to get container status: %v", err)
	}
	if status != types.ContainerStatusRunning {
		t.Errorf("Expected container to be running, got: %s", status)
	}

	t.Log("Step 5: Listing project containers...")
	ids, err := rt.ListContainers(ctx, project)
	if err != nil {
		t.Fatalf("Failed to list containers: %v", err)
	}
	if len(ids) != 1 || ids[0] != containerID {
		t.Errorf("Expected [%s], got %v", containerID, ids)
	}

	t.Log("Step 6: Exec into container...")
	out, err := rt.Exec(ctx, containerID, []string{"cat", "/proc/1/cmdline"})
	if err != nil {
		t.Fatalf("Failed to exec: %v", err)
	}
	if !strings.Contains(string(out), "sleep") {
		t.Errorf("Unexpected exec output: %q", out)
	}

	t.Log("Step 7: Stopping container...")
	err = rt.StopContainer(ctx, containerID, 2*time.Second)
	if err != nil {
		// sleep as PID 1 ignores SIGTERM
		if err := rt.KillContainer(ctx, containerID); err != nil {
			t.Fatalf("Failed to kill container: %v", err)
		}
	}

	status, err = rt.ContainerStatus(ctx, containerID)
	if err != nil {
		t.Fatalf("Failed to get container status: %v", err)
	}
	if status == types.ContainerStatusRunning {
		t.Error("Container should be stopped")
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read container log: %v", err)
	}
	if !strings.Contains(string(data), "ready") {
		t.Errorf("Container output not captured: %q", data)
	}
}

// TestContainerdPullUnknownImage checks a missing image is a permanent error
func TestContainerdPullUnknownImage(t *testing.T) {
	rt := containerdRuntime(t)

	err := rt.PullImage(context.Background(), "docker.io/library/does-not-exist-burrow:never")
	if err == nil {
		t.Fatal("Expected pull of unknown image to fail")
	}
	if runtime.IsTransient(err) {
		t.Errorf("Unknown image should not be retried: %v", err)
	}
}
