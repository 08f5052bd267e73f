/*
Package metrics provides Prometheus metrics and health endpoints for Burrow.

Metrics are registered with the default Prometheus registry at package init
and served by Handler. The burrow CLI exposes them together with /health and
/ready when started with --metrics-addr.

# Metrics

burrow_cluster_state{state}:
  - Type: Gauge
  - Clusters in each lifecycle state (not-started, starting, up,
    shutting-down, down)

burrow_instances_total{state}:
  - Type: Gauge
  - Instances in each state (declared through stopped)

burrow_ports_leased:
  - Type: Gauge
  - Ports currently leased from the worker pool

burrow_service_start_duration_seconds{service}:
  - Type: Histogram
  - Time from service start until its readiness probe passed

burrow_service_ready_timeouts_total{service}:
  - Type: Counter
  - Services that never became ready within their timeout

burrow_instance_start_duration_seconds:
  - Type: Histogram
  - Time for an instance to accept TCP connections

burrow_image_pull_retries_total:
  - Type: Counter
  - Pull attempts repeated after a transient error

burrow_teardown_step_failures_total{step}:
  - Type: Counter
  - Teardown steps that failed and were skipped over

burrow_log_markers_found_total{kind}:
  - Type: Counter
  - Sanitizer or fatal markers found in instance logs

# Health

The readiness board tracks every service and instance of the running cluster
as pending, ready or failed. Require names the components /ready waits for;
/health turns 503 as soon as one component failed.

	metrics.Require(metrics.KindService, "zookeeper")
	metrics.UpdateComponent(metrics.KindService, "zookeeper", metrics.ComponentReady, "")

# Timing

	timer := metrics.NewTimer()
	// ... wait for the service ...
	timer.ObserveDurationVec(metrics.ServiceStartDuration, "zookeeper")

# Useful queries

  - Slow services: histogram_quantile(0.95, burrow_service_start_duration_seconds_bucket)
  - Flaky registries: rate(burrow_image_pull_retries_total[1h])
  - Dirty teardowns: sum by (step) (burrow_teardown_step_failures_total)
*/
package metrics
