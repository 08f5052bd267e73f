// Package config loads cluster environment files. A file declares the
// instances to run and optional per-capability overrides; process-level
// settings such as the worker port pool come from the environment
// (WORKER_FREE_PORTS, DISABLE_CLEANUP, BURROW_*) and win over the file.
package config
