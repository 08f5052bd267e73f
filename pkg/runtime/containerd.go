package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace for test clusters
	DefaultNamespace = "burrow"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdRuntime implements Runtime using containerd. Containers share
// the host network namespace; each instance listens on a leased port.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdRuntime creates a new containerd runtime client
func NewContainerdRuntime(socketPath, namespace string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	client, err := containerd.New(socketPath, containerd.WithTimeout(10*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: namespace,
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// PullImage pulls a container image from a registry
func (r *ContainerdRuntime) PullImage(ctx context.Context, imageRef string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	if _, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}

	return nil
}

// CreateContainer creates a container attached to the host network
func (r *ContainerdRuntime) CreateContainer(ctx context.Context, spec *types.ContainerSpec) (string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", fmt.Errorf("failed to get image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostHostsFile,
		oci.WithHostResolvconf,
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}
	if len(spec.Mounts) > 0 {
		opts = append(opts, oci.WithMounts(toOCIMounts(spec.Mounts)))
	}

	labels := map[string]string{LabelProject: spec.Project}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	if spec.LogPath != "" {
		labels[LabelLogPath] = spec.LogPath
	}

	container, err := r.client.NewContainer(
		ctx,
		spec.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.ID, err)
	}

	return container.ID(), nil
}

func toOCIMounts(mounts []types.Mount) []specs.Mount {
	out := make([]specs.Mount, 0, len(mounts))
	for _, m := range mounts {
		options := []string{"rbind"}
		if m.ReadOnly {
			options = append(options, "ro")
		} else {
			options = append(options, "rw")
		}
		out = append(out, specs.Mount{
			Source:      m.Source,
			Destination: m.Destination,
			Type:        "bind",
			Options:     options,
		})
	}
	return out
}

// StartContainer starts a container, sending its output to the log file
// recorded at creation
func (r *ContainerdRuntime) StartContainer(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.load(ctx, containerID)
	if err != nil {
		return err
	}

	labels, err := container.Labels(ctx)
	if err != nil {
		return fmt.Errorf("failed to read labels of %s: %w", containerID, err)
	}

	// A task that exited on its own is left behind; clear it so the
	// container can be started again
	if old, err := container.Task(ctx, nil); err == nil {
		if st, err := old.Status(ctx); err == nil && st.Status == containerd.Running {
			return fmt.Errorf("container %s is already running", containerID)
		}
		if _, err := old.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to remove exited task of %s: %w", containerID, err)
		}
	}

	creator := cio.NullIO
	if path := labels[LabelLogPath]; path != "" {
		creator = cio.LogFile(path)
	}

	task, err := container.NewTask(ctx, creator)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx, containerd.WithProcessKill)
		return fmt.Errorf("failed to start task: %w", err)
	}

	return nil
}

// StopContainer sends SIGTERM and waits up to timeout. It does not force
// kill; ErrStopTimeout tells the caller to escalate.
func (r *ContainerdRuntime) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.load(ctx, containerID)
	if err != nil {
		return err
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to get task: %w", err)
	}

	// Wait must be registered before the signal or the exit can be missed
	statusC, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	if err := task.Kill(ctx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to signal task: %w", err)
	}

	select {
	case <-statusC:
	case <-time.After(timeout):
		return fmt.Errorf("%s: %w", containerID, ErrStopTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	return nil
}

// KillContainer force kills every process of the container
func (r *ContainerdRuntime) KillContainer(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.load(ctx, containerID)
	if err != nil {
		return err
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to get task: %w", err)
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	if err := task.Kill(ctx, syscall.SIGKILL, containerd.WithKillAll); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	select {
	case <-statusC:
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	return nil
}

// DeleteContainer removes a container and its snapshot
func (r *ContainerdRuntime) DeleteContainer(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			logger := log.WithComponent("runtime")
			logger.Warn().
				Err(err).
				Str("container", containerID).
				Msg("Failed to delete task before container removal")
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	return nil
}

// ContainerStatus returns the status of a container
func (r *ContainerdRuntime) ContainerStatus(ctx context.Context, containerID string) (types.ContainerStatus, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.load(ctx, containerID)
	if err != nil {
		return types.ContainerStatusUnknown, err
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return types.ContainerStatusCreated, nil
		}
		return types.ContainerStatusUnknown, fmt.Errorf("failed to get task: %w", err)
	}

	st, err := task.Status(ctx)
	if err != nil {
		return types.ContainerStatusUnknown, fmt.Errorf("failed to get task status: %w", err)
	}

	switch st.Status {
	case containerd.Running, containerd.Paused, containerd.Pausing:
		return types.ContainerStatusRunning, nil
	case containerd.Stopped:
		return types.ContainerStatusExited, nil
	case containerd.Created:
		return types.ContainerStatusCreated, nil
	default:
		return types.ContainerStatusUnknown, nil
	}
}

// ContainerLogs opens the host log file the container writes to
func (r *ContainerdRuntime) ContainerLogs(ctx context.Context, containerID string) (io.ReadCloser, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.load(ctx, containerID)
	if err != nil {
		return nil, err
	}

	labels, err := container.Labels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read labels of %s: %w", containerID, err)
	}

	path := labels[LabelLogPath]
	if path == "" {
		return nil, fmt.Errorf("container %s has no log file", containerID)
	}
	return os.Open(path)
}

// Exec runs a command inside the container's running task
func (r *ContainerdRuntime) Exec(ctx context.Context, containerID string, command []string) ([]byte, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	if len(command) == 0 {
		return nil, fmt.Errorf("no command to exec in %s", containerID)
	}

	container, err := r.load(ctx, containerID)
	if err != nil {
		return nil, err
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("container %s is not running: %w", containerID, err)
	}

	spec, err := container.Spec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec of %s: %w", containerID, err)
	}

	pspec := *spec.Process
	pspec.Args = command
	pspec.Terminal = false

	out := &outputBuffer{}
	execID := "exec-" + uuid.New().String()[:8]
	process, err := task.Exec(ctx, execID, &pspec, cio.NewCreator(cio.WithStreams(nil, out, out)))
	if err != nil {
		return nil, fmt.Errorf("failed to exec in %s: %w", containerID, err)
	}
	defer func() {
		_, _ = process.Delete(ctx, containerd.WithProcessKill)
	}()

	statusC, err := process.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for exec: %w", err)
	}

	if err := process.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start exec: %w", err)
	}

	var exit containerd.ExitStatus
	select {
	case exit = <-statusC:
	case <-ctx.Done():
		_ = process.Kill(context.WithoutCancel(ctx), syscall.SIGKILL)
		return nil, ctx.Err()
	}
	process.IO().Wait()

	code, _, err := exit.Result()
	if err != nil {
		return out.Bytes(), fmt.Errorf("exec in %s: %w", containerID, err)
	}
	if code != 0 {
		return out.Bytes(), fmt.Errorf("exec %v in %s: exit status %d", command, containerID, code)
	}

	return out.Bytes(), nil
}

// ListContainers returns the containers labelled with project
func (r *ContainerdRuntime) ListContainers(ctx context.Context, project string) ([]string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	filter := fmt.Sprintf("labels.%q==%q", LabelProject, project)
	containers, err := r.client.Containers(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}

	return ids, nil
}

func (r *ContainerdRuntime) load(ctx context.Context, containerID string) (containerd.Container, error) {
	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%s: %w", containerID, ErrContainerNotFound)
		}
		return nil, fmt.Errorf("failed to load container %s: %w", containerID, err)
	}
	return container, nil
}
