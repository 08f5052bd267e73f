package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/health"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/manifest"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/retry"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/services"
	"github.com/cuemby/burrow/pkg/types"
)

// LabelInstance tags instance containers with the instance name
const LabelInstance = "burrow.instance"

// logTailBytes bounds the log excerpt attached to start failures
const logTailBytes = 4096

// Start brings the cluster up: images are pulled, every activated service is
// started and awaited in activation order, then instance containers are
// started and probed over TCP. Any failure tears the cluster down before
// Start returns, so callers never see a half-started cluster.
func (c *Cluster) Start(ctx context.Context) error {
	if cur, ok := c.transition(types.ClusterStateStarting, types.ClusterStateNotStarted); !ok {
		return fmt.Errorf("cannot start %s cluster: %w", cur, ErrAlreadyUp)
	}

	logger := log.WithCluster(c.cfg.Project)
	logger.Info().
		Int("instances", len(c.Instances())).
		Int("services", len(c.activations())).
		Msg("Starting cluster")
	c.publish(events.EventClusterStarting, "cluster starting", nil)

	timer := metrics.NewTimer()
	if err := c.start(ctx); err != nil {
		logger.Error().
			Err(err).
			Dur("elapsed", timer.Duration()).
			Msg("Failed to start cluster")

		// Teardown must run even when ctx is what failed
		if serr := c.teardown(context.WithoutCancel(ctx), ShutdownOptions{Kill: true, IgnoreFatal: true}); serr != nil {
			return errors.Join(err, serr)
		}
		return err
	}

	if cur, ok := c.transition(types.ClusterStateUp, types.ClusterStateStarting); !ok {
		logger.Warn().
			Str("state", string(cur)).
			Msg("Cluster was shut down before it came up")
		return fmt.Errorf("cluster is %s: %w", cur, ErrInterrupted)
	}
	logger.Info().
		Dur("elapsed", timer.Duration()).
		Msg("Cluster is up")
	c.publish(events.EventClusterUp, "cluster up", nil)
	return nil
}

func (c *Cluster) start(ctx context.Context) error {
	if err := Reap(ctx, c.cfg.Runtime, c.cfg.Store, c.cfg.Project); err != nil {
		logger := log.WithCluster(c.cfg.Project)
		logger.Warn().
			Err(err).
			Msg("Failed to remove leftovers of a previous run")
	}

	if err := c.provision(); err != nil {
		return err
	}
	if err := c.writeManifests(); err != nil {
		return err
	}
	if err := c.pullImages(ctx); err != nil {
		return err
	}
	if err := c.logs.Start(); err != nil {
		return err
	}
	if err := c.startServices(ctx); err != nil {
		return err
	}
	if err := c.startInstances(ctx); err != nil {
		return err
	}
	return c.waitInstances(ctx)
}

// stillStarting fails once a concurrent Shutdown has taken the cluster out
// of the starting state, so no container is created after teardown began
func (c *Cluster) stillStarting() error {
	if cur := c.State(); cur != types.ClusterStateStarting {
		return fmt.Errorf("cluster is %s: %w", cur, ErrInterrupted)
	}
	return nil
}

// provision creates instance directories and leases instance ports
func (c *Cluster) provision() error {
	if err := os.MkdirAll(c.ProjectDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create project directory: %w", err)
	}

	for _, inst := range c.Instances() {
		dirs, err := c.dirs.Create(c.cfg.Project, inst.Name())
		if err != nil {
			return fmt.Errorf("instance %s: %w", inst.Name(), err)
		}
		c.record(types.ResourceDirectory, inst.Name(), dirs.Root)

		port, err := c.arbiter.Acquire()
		if err != nil {
			return fmt.Errorf("instance %s: %w", inst.Name(), err)
		}
		c.record(types.ResourceLease, strconv.Itoa(port), inst.Name())

		inst.provision(dirs, port)
	}
	return nil
}

// exports merges the connection variables of every activated service
func (c *Cluster) exports() (map[string]string, error) {
	vars := make(map[string]string)
	for _, a := range c.activations() {
		ex, err := a.provisioner.Exports()
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", a.provisioner.Name(), err)
		}
		for k, v := range ex {
			vars[k] = v
		}
	}
	return vars, nil
}

// writeManifests writes the project env file and one descriptor per instance
func (c *Cluster) writeManifests() error {
	vars, err := c.exports()
	if err != nil {
		return err
	}
	vars["BURROW_PROJECT"] = c.cfg.Project
	for _, inst := range c.Instances() {
		vars[services.EnvPrefix(inst.Name())+"_PORT"] = strconv.Itoa(inst.Port())
	}
	if err := manifest.WriteEnvFile(filepath.Join(c.ProjectDir(), EnvFile), vars); err != nil {
		return err
	}

	for _, inst := range c.Instances() {
		spec, err := c.containerSpec(inst)
		if err != nil {
			return err
		}
		desc := &manifest.Descriptor{
			Name:      inst.Name(),
			Image:     spec.Image,
			Command:   spec.Command,
			EnvFile:   filepath.Join(c.ProjectDir(), EnvFile),
			Env:       inst.Spec().Env,
			Mounts:    spec.Mounts,
			Network:   manifest.Network{Mode: manifest.NetworkModeHost, Address: services.LocalHost, Ports: []int{inst.Port()}},
			DependsOn: c.dependencies(inst),
			Labels:    spec.Labels,
		}
		if err := manifest.WriteDescriptor(filepath.Join(inst.Dirs().Root, descriptorFile), desc); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cluster) dependencies(inst *Instance) []string {
	var deps []string
	for _, want := range inst.Spec().Capabilities {
		if p, ok := c.Service(want); ok {
			deps = append(deps, p.Name())
		}
	}
	return deps
}

// containerSpec renders the container of an instance: its own env on top of
// the exports of the services it asked for, plus the leased port
func (c *Cluster) containerSpec(inst *Instance) (*types.ContainerSpec, error) {
	spec := inst.Spec()
	dirs := inst.Dirs()

	vars := make(map[string]string)
	for _, want := range spec.Capabilities {
		p, ok := c.Service(want)
		if !ok {
			continue
		}
		ex, err := p.Exports()
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", p.Name(), err)
		}
		for k, v := range ex {
			vars[k] = v
		}
	}
	for k, v := range spec.Env {
		vars[k] = v
	}
	vars[spec.PortEnv] = strconv.Itoa(inst.Port())

	mounts := append([]types.Mount(nil), spec.Mounts...)
	mounts = append(mounts, types.Mount{Source: dirs.Logs, Destination: spec.LogDir})

	labels := map[string]string{LabelInstance: spec.Name}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	return &types.ContainerSpec{
		ID:      c.env.ContainerID(spec.Name),
		Project: c.cfg.Project,
		Image:   spec.Image,
		Command: spec.Command,
		Env:     manifest.EnvList(vars),
		Mounts:  mounts,
		Labels:  labels,
		LogPath: filepath.Join(dirs.Logs, StderrLogFile),
	}, nil
}

// pullImages pulls every distinct image once, retrying transient failures
// with backoff
func (c *Cluster) pullImages(ctx context.Context) error {
	var images []string
	seen := make(map[string]bool)
	add := func(ref string) {
		if ref == "" || seen[ref] {
			return
		}
		seen[ref] = true
		images = append(images, ref)
	}
	for _, a := range c.activations() {
		for _, ref := range a.provisioner.Images() {
			add(ref)
		}
	}
	for _, inst := range c.Instances() {
		add(inst.Spec().Image)
	}

	logger := log.WithCluster(c.cfg.Project)
	for _, ref := range images {
		attempt := 0
		err := retry.Retry(ctx, c.cfg.PullAttempts, c.cfg.PullDelay, runtime.IsTransient, func() error {
			attempt++
			if attempt > 1 {
				metrics.ImagePullRetries.Inc()
				logger.Debug().
					Str("image", ref).
					Int("attempt", attempt).
					Msg("Retrying image pull")
			}
			return c.cfg.Runtime.PullImage(ctx, ref)
		})
		if err != nil {
			return fmt.Errorf("failed to pull %s: %w", ref, err)
		}
	}
	return nil
}

// startServices starts each activated service and waits for it before the
// next one starts
func (c *Cluster) startServices(ctx context.Context) error {
	for _, a := range c.activations() {
		if err := c.stillStarting(); err != nil {
			return err
		}
		p := a.provisioner
		logger := log.WithService(p.Name())

		timeout := p.ReadyTimeout()
		if timeout <= 0 {
			timeout = DefaultServiceTimeout
		}

		timer := metrics.NewTimer()
		c.markStarted(p)
		metrics.UpdateComponent(metrics.KindService, p.Name(), metrics.ComponentPending, "")
		logger.Info().
			Str("cluster", c.cfg.Project).
			Msg("Starting service")
		if err := p.Start(ctx); err != nil {
			c.serviceFailed(p, err)
			return fmt.Errorf("failed to start service %s: %w", p.Name(), err)
		}

		if err := p.WaitReady(ctx, timeout); err != nil {
			c.serviceFailed(p, err)
			if retry.IsTimeout(err) {
				metrics.ServiceReadyTimeouts.WithLabelValues(p.Name()).Inc()
				return &ServiceTimeoutError{Service: p.Name(), Timeout: timeout, Err: err}
			}
			return fmt.Errorf("service %s failed readiness: %w", p.Name(), err)
		}

		timer.ObserveDurationVec(metrics.ServiceStartDuration, p.Name())
		metrics.UpdateComponent(metrics.KindService, p.Name(), metrics.ComponentReady, "")
		logger.Info().
			Str("cluster", c.cfg.Project).
			Dur("elapsed", timer.Duration()).
			Msg("Service ready")
		c.publish(events.EventServiceReady, "service ready", map[string]string{"service": p.Name()})
	}
	return nil
}

func (c *Cluster) serviceFailed(p services.Provisioner, err error) {
	metrics.UpdateComponent(metrics.KindService, p.Name(), metrics.ComponentFailed, err.Error())
	c.publish(events.EventServiceFailed, err.Error(), map[string]string{"service": p.Name()})
}

func (c *Cluster) startInstances(ctx context.Context) error {
	for _, inst := range c.Instances() {
		if err := c.stillStarting(); err != nil {
			return err
		}
		spec, err := c.containerSpec(inst)
		if err != nil {
			return err
		}

		c.record(types.ResourceContainer, spec.ID, inst.Name())
		id, err := c.cfg.Runtime.CreateContainer(ctx, spec)
		if err != nil {
			inst.setState(types.InstanceStateFailed)
			return fmt.Errorf("failed to create instance %s: %w", inst.Name(), err)
		}
		inst.created(id)
		c.logs.Add(inst.Name(), spec.LogPath)

		if err := c.cfg.Runtime.StartContainer(ctx, id); err != nil {
			inst.setState(types.InstanceStateFailed)
			return fmt.Errorf("failed to start instance %s: %w", inst.Name(), err)
		}
		inst.started(services.LocalHost)
		metrics.UpdateComponent(metrics.KindInstance, inst.Name(), metrics.ComponentPending, inst.Address())

		logger := log.WithInstance(inst.Name())
		logger.Info().
			Str("cluster", c.cfg.Project).
			Str("container_id", id).
			Int("port", inst.Port()).
			Msg("Instance started")
		c.publish(events.EventInstanceStarted, "instance started", map[string]string{"instance": inst.Name()})
	}
	return nil
}

// waitInstances polls a TCP connect to every instance. A refused connection
// is retried until the deadline; an exited container fails at once.
func (c *Cluster) waitInstances(ctx context.Context) error {
	for _, inst := range c.Instances() {
		if err := c.waitInstance(ctx, inst); err != nil {
			inst.setState(types.InstanceStateFailed)
			metrics.UpdateComponent(metrics.KindInstance, inst.Name(), metrics.ComponentFailed, err.Error())
			c.publish(events.EventInstanceFailed, err.Error(), map[string]string{"instance": inst.Name()})
			return err
		}
	}
	return nil
}

func (c *Cluster) waitInstance(ctx context.Context, inst *Instance) error {
	timeout := inst.Spec().StartTimeout
	if timeout <= 0 {
		timeout = c.cfg.StartTimeout
	}
	deadline := timeout
	if extended := inst.Spec().ConnectionTimeout; extended > deadline {
		deadline = extended
	}
	inst.setState(types.InstanceStateProbing)

	timer := metrics.NewTimer()
	checker := health.NewTCPChecker(inst.Address()).WithTimeout(time.Second)
	policy := retry.Fixed(c.cfg.ProbeInterval, deadline).WithRetryable(health.IsNotListening)
	progress := &logProgress{path: inst.ServerLog()}

	var lastErr error
	err := policy.Poll(ctx, "instance "+inst.Name(), func(ctx context.Context) error {
		status, err := c.cfg.Runtime.ContainerStatus(ctx, inst.ContainerID())
		if err == nil && status == types.ContainerStatusExited {
			return ErrInstanceExited
		}
		// Past StartTimeout only a running server that still logs gets more time
		active := progress.active(time.Now())
		if deadline > timeout && timer.Duration() >= timeout && !(status == types.ContainerStatusRunning && active) {
			stalled := fmt.Errorf("no connection after %v: %w", timeout, ErrLogStalled)
			if lastErr != nil {
				stalled = fmt.Errorf("%w (last error: %v)", stalled, lastErr)
			}
			return stalled
		}
		lastErr = health.Probe(ctx, checker)
		return lastErr
	})
	if err != nil {
		return c.instanceStartError(ctx, inst, err)
	}

	timer.ObserveDuration(metrics.InstanceStartDuration)
	inst.setState(types.InstanceStateReady)
	metrics.UpdateComponent(metrics.KindInstance, inst.Name(), metrics.ComponentReady, inst.Address())

	logger := log.WithInstance(inst.Name())
	logger.Info().
		Str("cluster", c.cfg.Project).
		Str("address", inst.Address()).
		Dur("elapsed", timer.Duration()).
		Msg("Instance ready")
	c.publish(events.EventInstanceReady, "instance ready", map[string]string{
		"instance": inst.Name(),
		"address":  inst.Address(),
	})
	return nil
}

func (c *Cluster) instanceStartError(ctx context.Context, inst *Instance, err error) error {
	status, serr := c.cfg.Runtime.ContainerStatus(ctx, inst.ContainerID())
	if serr != nil {
		status = types.ContainerStatusUnknown
	}
	return &InstanceStartError{
		Instance:   inst.Name(),
		Address:    inst.Address(),
		Status:     status,
		LogExcerpt: c.logTail(ctx, inst),
		Err:        err,
	}
}

// logTail returns the end of the container output, best effort
func (c *Cluster) logTail(ctx context.Context, inst *Instance) string {
	rc, err := c.cfg.Runtime.ContainerLogs(ctx, inst.ContainerID())
	if err != nil {
		return ""
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, 16*logTailBytes))
	if err != nil {
		return ""
	}
	if len(data) > logTailBytes {
		data = data[len(data)-logTailBytes:]
	}
	return string(data)
}

// logProgressWindow is how recently the server log must have grown for an
// instance to count as still starting
const logProgressWindow = 5 * time.Second

// logProgress watches a server log for growth between polls
type logProgress struct {
	path     string
	size     int64
	lastGrew time.Time
}

func (p *logProgress) active(now time.Time) bool {
	if info, err := os.Stat(p.path); err == nil && info.Size() > p.size {
		p.size = info.Size()
		p.lastGrew = now
	}
	return !p.lastGrew.IsZero() && now.Sub(p.lastGrew) < logProgressWindow
}
