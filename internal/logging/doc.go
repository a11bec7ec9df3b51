// Package logging builds the process-wide slog logger and provides the
// attribute helpers and context plumbing used across the pipeline.
package logging
