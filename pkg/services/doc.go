/*
Package services provisions the optional dependencies of a test cluster.

A cluster asks for capabilities ("zookeeper", "minio", ...) and looks each
one up in a Registry. The factory found there builds a Provisioner bound to
the cluster's Env: its project, container runtime, port arbiter and data
directories. Adding a dependency is one Register call; nothing else in the
lifecycle changes.

Most services are a ContainerService built from a Definition. Each node of
the service is a container on the host network with one leased port per
named port in the definition, its own data and log directories, and a
descriptor file. Nodes of an ensemble are started, stopped and probed
concurrently. Readiness is a TCP connect, an HTTP GET or a command run
inside the container, polled until the service timeout; a node whose
container exits ends the wait at once with ErrNodeExited.

Func builds a Provisioner from closures, for dependencies that are not a
container or for tests.
*/
package services
