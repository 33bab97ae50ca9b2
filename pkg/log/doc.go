/*
Package log provides structured logging for AppOS using zerolog.

A single global logger is configured once at startup via Init and consumed
through package-level helpers or component-scoped child loggers:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("executor")
	logger.Info().Str("instance_id", id).Msg("instance started")

Console output (human-readable, RFC3339 timestamps) is the default; JSON
output is intended for production where entries are shipped to a collector.
*/
package log
