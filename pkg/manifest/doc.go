// Package manifest writes the files that describe a cluster on disk: the
// shared KEY=VALUE environment file and one YAML descriptor per container.
package manifest
