// Package ffmpeg wraps the FFmpeg CLI for audio extraction, window
// cutting, and segment trimming. Every spawned process joins its own
// process group and is tracked in a registry keyed by episode file, so
// cancellation can tear down the whole group.
package ffmpeg
