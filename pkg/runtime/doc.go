/*
Package runtime abstracts the container engine that runs test clusters.

The Runtime interface covers the whole container life of a test instance or
service node: pull, create, start, stop, kill, delete, status, logs, exec
and listing by project label. Three implementations are provided:

  - ContainerdRuntime talks to containerd. Containers share the host network
    namespace, so each instance is addressed as 127.0.0.1 plus a port leased
    from package ports. Stdout and stderr go to a per-container host file via
    cio.LogFile, and every container carries the burrow.project label so
    leftovers of a crashed run can be found and removed.
  - ProcessRuntime runs local binaries as if they were containers. It is the
    quickest way to test a freshly built server.
  - FakeRuntime keeps containers in memory and lets tests script pull
    failures, early exits and stop or kill errors.

# Stop and kill

StopContainer only sends SIGTERM and waits. When the timeout passes it
returns ErrStopTimeout without escalating; the caller decides whether to
call KillContainer. This keeps the escalation policy in one place, the
cluster teardown.

# Transient errors

IsTransient classifies errors worth retrying during image pulls: containerd
"unavailable" errors, gRPC Unavailable, DeadlineExceeded, ResourceExhausted
and Aborted codes, connection resets and network timeouts.
*/
package runtime
