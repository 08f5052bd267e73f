/*
Package log provides structured logging for Burrow using zerolog.

A package-level Logger is configured once with Init and shared by every
package. Child loggers attach the field a line belongs to, so the output of
several clusters running in one test worker can be told apart.

# Architecture

	┌──────────────────── LOGGING ─────────────────────────────┐
	│                                                            │
	│  log.Init(Config{Level, JSONOutput, Output})               │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │            Global Logger                    │           │
	│  │  - zerolog instance with timestamps         │           │
	│  │  - console writer unless JSONOutput         │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │           Child Loggers                     │           │
	│  │  - WithComponent("runtime")                 │           │
	│  │  - WithCluster("rootintegration")           │           │
	│  │  - WithService("zookeeper")                 │           │
	│  │  - WithInstance("node1")                    │           │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────────┘

# Levels

ParseLevel maps debug, info, warn and error to zerolog levels; anything else
is info. The burrow CLI takes the level from --log-level or BURROW_LOG_LEVEL.

Teardown steps that fail log at warn and the next step still runs. Start
failures log at error before the cluster is torn down. Probe attempts and
pull retries log at debug.

# Usage

Child loggers are values whose event methods need an addressable receiver,
so bind them to a variable first:

	logger := log.WithCluster(project)
	logger.Info().
		Str("instance", name).
		Int("port", port).
		Msg("Instance started")

For tests, send output to a buffer and parse the JSON lines:

	var buf bytes.Buffer
	log.Init(log.Config{Level: log.DebugLevel, JSONOutput: true, Output: &buf})
*/
package log
