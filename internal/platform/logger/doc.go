// Package logger configures the process-wide slog JSON logger and carries
// request- and task-scoped loggers through context.Context.
//
// Workers attach task_id, task_type and attempt attributes before a handler
// runs, so handlers should log through FromContextOrDefault rather than the
// global logger.
package logger
