/*
Package log provides structured logging for Golem using zerolog.

The package wraps zerolog with JSON-structured output, configurable levels, and
helper constructors for per-component, per-worker, per-shard, and per-node child
loggers. All entries carry a timestamp and are filterable by severity.

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	log.Logger.Info().Str("worker_id", id.String()).Msg("worker activated")

	workerLog := log.WithWorker(id.String())
	workerLog.Error().Err(err).Msg("invocation failed")

# Context loggers

  - WithComponent: tags logs with a subsystem name (e.g. "oplog", "router")
  - WithWorker: tags logs with a worker id
  - WithShard: tags logs with a shard id
  - WithNode: tags logs with an executor/node id

The module's own packages do not call these; they log through the
package-level Debug/Info/Warn/Error helpers with key/value pairs.

# Log levels

Debug is for development and replay tracing; Info is the default production
level; Warn marks recoverable anomalies (a failed update, a denied admission);
Error marks operation failures. Fatal logs at fatal level and then exits the
process.
*/
package log
