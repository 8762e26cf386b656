/*
Package log provides structured logging for Hearth built on zerolog.

Call Init once at process startup, then either use the package-level helpers
for simple messages or derive child loggers that carry contextual fields:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("streamer")
	logger.Info().Str("stream", "events").Int64("token", tok).Msg("batch sent")

Child-logger helpers exist for the fields that recur throughout the
codebase: component, room_id, stream, and instance. Prefer those over ad-hoc
field names so log output stays queryable.
*/
package log
