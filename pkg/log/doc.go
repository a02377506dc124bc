/*
Package log provides structured logging for the provisioner using
zerolog.

Call Init once at startup; JSON output is meant for production and the
console writer for terminals. Components take a child logger:

	logger := log.WithComponent("registry")
	logger.Info().Str("workerType", name).Msg("Worker type created")

WithWorkerType tags a logger with the worker type a message is about.
*/
package log
