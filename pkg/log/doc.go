/*
Package log provides structured logging for outpost using zerolog.

A single global Logger is configured once by Init from the log section of the
configuration file. Packages derive child loggers that carry their context:

	logger := log.WithExposure("reconciler", "a.example")
	logger.Info().Str("stack_name", name).Msg("stack ready")

	stackLogger := log.WithStack("outpost-a-example", "us-east-2")
	stackLogger.Warn().Msg("delete requested")

Console output is used by default; JSON output is selected with `log.json: true`
and is what container deployments should use.

Key material is never passed to the logger. The keys package redacts keys in
their String method so an accidental Interface() or Stringer() call cannot leak
them either.
*/
package log
