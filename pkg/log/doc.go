/*
Package log provides structured logging for Memoir using zerolog.

The root logger is built once via log.New and handed to components at
construction time. Components derive child loggers with WithComponent,
WithIndex, WithDocumentID, or WithContentID so every line carries the
context needed to trace a single document or content record through the
pipeline and the write engine.

JSON output is intended for production; console output for development:

	logger := log.New(log.Config{Level: log.InfoLevel, JSONOutput: true})
	orchLog := log.WithComponent(logger, "orchestrator")
	orchLog.Info().Str("step", "extract").Msg("step completed")
*/
package log
