/*
Package lifecycle runs test clusters: a set of instances under test plus the
optional services they depend on.

A Cluster goes through not-started, starting, up, shutting-down and down.
Instances are added while it is not started; each capability an instance
asks for activates its service once, in first-request order.

Start reaps leftovers of a previous run of the same project, lays out
directories, leases ports, writes the env file and descriptors, pulls images
with retry, then starts and awaits every service before the instance
containers are started and probed over TCP. Any failure tears the cluster
down before Start returns.

Shutdown runs independent teardown steps: service rollback, container stop
with SIGKILL escalation, log marker scan, combined log scan, container and
directory removal and port release. A failed step is logged and the next one
runs. Sanitizer and fatal markers found in instance logs are returned as a
*MarkerError only after everything is cleaned up.

	cluster, err := lifecycle.NewCluster(lifecycle.Config{
		Runtime:  rt,
		Pool:     pool,
		Registry: services.DefaultRegistry(nil),
		DataDir:  dataDir,
	})
	cluster.AddInstance(&types.InstanceSpec{
		Name:         "node1",
		Image:        "clickhouse/integration-test",
		Capabilities: []types.Capability{types.CapabilityZooKeeper},
	})
	if err := cluster.Start(ctx); err != nil {
		return err
	}
	defer cluster.Shutdown(ctx, lifecycle.DefaultShutdownOptions())
*/
package lifecycle
