// Package config loads and validates the TOML configuration file and
// exposes the detection and worker tunables used across the pipeline.
package config
