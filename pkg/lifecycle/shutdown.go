package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/logscan"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/types"
)

// fatalContext is how many lines after a fatal log line are kept
const fatalContext = 10

// ShutdownOptions controls teardown
type ShutdownOptions struct {
	// Kill stops every container before the log scan, escalating to SIGKILL
	// when the graceful stop fails. Without it containers are only killed
	// during removal.
	Kill bool

	// IgnoreFatal skips the scan for fatal server log lines
	IgnoreFatal bool
}

// DefaultShutdownOptions stops containers and ignores fatal log lines
func DefaultShutdownOptions() ShutdownOptions {
	return ShutdownOptions{Kill: true, IgnoreFatal: true}
}

// Shutdown tears the cluster down. Every teardown step runs even when an
// earlier one failed; step failures are logged, not returned. A *MarkerError
// is returned once everything is cleaned up if instance logs hold sanitizer
// reports or fatal lines. Shutdown on a cluster that never started or is
// already down only logs.
func (c *Cluster) Shutdown(ctx context.Context, opts ShutdownOptions) error {
	return c.teardown(ctx, opts)
}

type teardownStep struct {
	name string
	run  func(ctx context.Context) error
}

func (c *Cluster) teardown(ctx context.Context, opts ShutdownOptions) error {
	logger := log.WithCluster(c.cfg.Project)

	prev, ok := c.transition(types.ClusterStateShuttingDown, types.ClusterStateStarting, types.ClusterStateUp)
	if !ok {
		if prev == types.ClusterStateNotStarted {
			// Ports resolved before Start stay leased; services cache them
			logger.Warn().Msg("Cluster was never started, nothing to shut down")
		} else {
			logger.Debug().
				Str("state", string(prev)).
				Msg("Cluster already shut down")
		}
		return nil
	}

	logger.Info().
		Str("from", string(prev)).
		Bool("kill", opts.Kill).
		Msg("Shutting down cluster")

	markers := &MarkerError{}
	steps := []teardownStep{
		{"rollback", c.rollbackServices},
	}
	if opts.Kill {
		steps = append(steps, teardownStep{"stop", c.stopContainers})
	}
	steps = append(steps,
		teardownStep{"scan", func(context.Context) error { return c.scanLogs(markers, opts.IgnoreFatal) }},
		teardownStep{"collector", func(context.Context) error { return c.logs.Stop() }},
		teardownStep{"combined", func(context.Context) error { return c.scanCombined(markers) }},
		teardownStep{"remove", c.removeContainers},
	)
	if !c.cfg.DisableCleanup {
		steps = append(steps, teardownStep{"directories", c.removeDirectories})
	}
	steps = append(steps, teardownStep{"ports", c.releasePorts})

	for _, step := range steps {
		if err := step.run(ctx); err != nil {
			metrics.TeardownStepFailures.WithLabelValues(step.name).Inc()
			logger.Warn().
				Err(err).
				Str("step", step.name).
				Msg("Teardown step failed")
			c.publish(events.EventTeardownStepFailed, err.Error(), map[string]string{"step": step.name})
		}
	}

	for _, inst := range c.Instances() {
		inst.setState(types.InstanceStateStopped)
		metrics.RemoveComponent(metrics.KindInstance, inst.Name())
	}
	for _, p := range c.startedServices() {
		metrics.RemoveComponent(metrics.KindService, p.Name())
	}
	c.transition(types.ClusterStateDown, types.ClusterStateShuttingDown)
	logger.Info().Msg("Cluster is down")
	c.publish(events.EventClusterDown, "cluster down", nil)

	if markers.empty() {
		return nil
	}
	return markers
}

// rollbackServices stops, in reverse start order, the started services whose
// resources the cluster does not remove by itself
func (c *Cluster) rollbackServices(ctx context.Context) error {
	started := c.startedServices()
	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		p := started[i]
		if !p.NeedsRollback() {
			continue
		}
		if err := p.Stop(ctx, true); err != nil {
			errs = append(errs, fmt.Errorf("service %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// containers returns every container of the project: instance containers
// plus whatever the runtime reports under the project label
func (c *Cluster) containers(ctx context.Context) ([]string, error) {
	var ids []string
	seen := make(map[string]bool)
	for _, inst := range c.Instances() {
		if id := inst.ContainerID(); id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	listed, err := c.cfg.Runtime.ListContainers(ctx, c.cfg.Project)
	for _, id := range listed {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, err
}

// stopContainers stops every container concurrently, killing the ones that
// do not stop gracefully
func (c *Cluster) stopContainers(ctx context.Context) error {
	ids, err := c.containers(ctx)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(8)
	for _, id := range ids {
		g.Go(func() error {
			err := c.cfg.Runtime.StopContainer(ctx, id, c.cfg.StopTimeout)
			if err == nil || errors.Is(err, runtime.ErrContainerNotFound) {
				return nil
			}
			logger := log.WithCluster(c.cfg.Project)
			logger.Warn().
				Err(err).
				Str("container_id", id).
				Msg("Graceful stop failed, killing")
			if kerr := c.cfg.Runtime.KillContainer(ctx, id); kerr != nil && !errors.Is(kerr, runtime.ErrContainerNotFound) {
				return fmt.Errorf("failed to kill %s: %w", id, kerr)
			}
			return nil
		})
	}
	return g.Wait()
}

// scanLogs records the first sanitizer report and, unless ignored, the
// first fatal server log line across instances
func (c *Cluster) scanLogs(markers *MarkerError, ignoreFatal bool) error {
	var errs []error
	for _, inst := range c.Instances() {
		if inst.Dirs().Root == "" {
			continue
		}

		if markers.SanitizerInstance == "" {
			m, err := logscan.FindFirst(inst.StderrLog(), logscan.SanitizerMarker, logscan.SanitizerContext)
			if err != nil {
				errs = append(errs, err)
			} else if m != nil {
				markers.SanitizerInstance = inst.Name()
				markers.SanitizerExcerpt = m.Excerpt
				metrics.LogMarkersFound.WithLabelValues("sanitizer").Inc()
				logger := log.WithInstance(inst.Name())
				logger.Error().
					Str("file", m.File).
					Int("line", m.Line).
					Msg("Sanitizer assert found in instance log")
			}
		}

		if ignoreFatal || markers.FatalInstance != "" {
			continue
		}
		m, err := logscan.FindFirst(inst.ServerLog(), logscan.FatalMarker, fatalContext)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		// A server killed by the harness logs a fatal line too
		if m == nil || strings.Contains(m.Excerpt, logscan.KilledBySignal9) {
			continue
		}
		markers.FatalInstance = inst.Name()
		markers.FatalExcerpt = m.Excerpt
		metrics.LogMarkersFound.WithLabelValues("fatal").Inc()
		logger := log.WithInstance(inst.Name())
		logger.Error().
			Str("file", m.File).
			Int("line", m.Line).
			Msg("Fatal messages found in instance log")
	}
	return errors.Join(errs...)
}

// scanCombined looks for a sanitizer report in the combined log when the
// instance logs had none
func (c *Cluster) scanCombined(markers *MarkerError) error {
	if markers.SanitizerInstance != "" {
		return nil
	}
	name, found, err := logscan.FindInCombined(c.logs.Path(), logscan.SanitizerMarker)
	if err != nil || !found {
		return err
	}
	markers.SanitizerInstance = name
	metrics.LogMarkersFound.WithLabelValues("sanitizer").Inc()
	logger := log.WithCluster(c.cfg.Project)
	logger.Error().
		Str("container", name).
		Msg("Sanitizer assert found in combined log")
	return nil
}

// removeContainers kills whatever still runs and deletes every container,
// carrying on past individual failures
func (c *Cluster) removeContainers(ctx context.Context) error {
	ids, err := c.containers(ctx)
	errs := []error{err}
	for _, id := range ids {
		if err := removeContainer(ctx, c.cfg.Runtime, id); err != nil {
			errs = append(errs, err)
			continue
		}
		c.forget(types.ResourceContainer, id)
	}
	return errors.Join(errs...)
}

func removeContainer(ctx context.Context, rt runtime.Runtime, id string) error {
	status, err := rt.ContainerStatus(ctx, id)
	if errors.Is(err, runtime.ErrContainerNotFound) {
		return nil
	}
	if err == nil && status == types.ContainerStatusRunning {
		if err := rt.KillContainer(ctx, id); err != nil && !errors.Is(err, runtime.ErrContainerNotFound) {
			return fmt.Errorf("failed to kill %s: %w", id, err)
		}
	}
	if err := rt.DeleteContainer(ctx, id); err != nil {
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}
	return nil
}

// removeDirectories deletes the project directory. Directories of kept
// projects stay in the ledger so a later cleanup can find them.
func (c *Cluster) removeDirectories(context.Context) error {
	if err := c.dirs.DeleteProject(c.cfg.Project); err != nil {
		return err
	}
	if c.cfg.Store == nil {
		return nil
	}
	resources, err := c.cfg.Store.List(c.cfg.Project)
	if err != nil {
		return err
	}
	for _, r := range resources {
		if r.Kind == types.ResourceDirectory {
			c.forget(r.Kind, r.ID)
		}
	}
	return nil
}

func (c *Cluster) releasePorts(context.Context) error {
	for _, l := range c.arbiter.Leased() {
		c.forget(types.ResourceLease, strconv.Itoa(l.Port))
	}
	c.arbiter.ReleaseAll()
	return nil
}
