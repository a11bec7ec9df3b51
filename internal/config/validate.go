package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateSonarr(); err != nil {
		return err
	}
	if err := c.validateDetection(); err != nil {
		return err
	}
	if err := c.validateWorkers(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.TempDir == "" {
		return errors.New("paths.temp_dir must be set")
	}
	if c.Paths.OutputDir == "" {
		return errors.New("paths.output_dir must be set")
	}
	return nil
}

func (c *Config) validateSonarr() error {
	switch c.Sonarr.ImportMode {
	case ImportModeAuto, ImportModeImport, ImportModeNone:
	default:
		return fmt.Errorf("sonarr.import_mode must be auto, import, or none (got %q)", c.Sonarr.ImportMode)
	}
	if c.Sonarr.PollingInterval < 60 || c.Sonarr.PollingInterval > 86400 {
		return fmt.Errorf("sonarr.polling_interval must be between 60 and 86400 seconds (got %d)", c.Sonarr.PollingInterval)
	}
	return nil
}

func (c *Config) validateDetection() error {
	d := c.Detection
	if d.StepSeconds > d.WindowSeconds {
		return errors.New("detection.step_seconds must not exceed detection.window_seconds")
	}
	if d.HammingThreshold <= 0 || d.HammingThreshold >= 1 {
		return errors.New("detection.hamming_threshold must be in (0, 1)")
	}
	if d.MatchFraction <= 0 || d.MatchFraction > 1 {
		return errors.New("detection.match_fraction must be in (0, 1]")
	}
	if d.MinConfidence < 0 || d.MinConfidence > 1 {
		return errors.New("detection.min_confidence must be between 0 and 1")
	}
	return nil
}

func (c *Config) validateWorkers() error {
	w := c.Workers
	if w.CPULimit < 0 || w.CPULimit > MaxCPUWorkers {
		return fmt.Errorf("workers.cpu_limit must be between 0 and %d (got %d)", MaxCPUWorkers, w.CPULimit)
	}
	if w.GPULimit < 0 || w.GPULimit > MaxGPUWorkers {
		return fmt.Errorf("workers.gpu_limit must be between 0 and %d (got %d)", MaxGPUWorkers, w.GPULimit)
	}
	// Broker redelivery must never race an in-flight subprocess.
	longest := w.ExtractTimeoutSeconds
	if w.FingerprintTimeoutSecs > longest {
		longest = w.FingerprintTimeoutSecs
	}
	if w.TrimTimeoutSeconds > longest {
		longest = w.TrimTimeoutSeconds
	}
	if w.VisibilityTimeoutSeconds < longest {
		return fmt.Errorf("workers.visibility_timeout_seconds (%d) must cover the longest stage deadline (%d)", w.VisibilityTimeoutSeconds, longest)
	}
	return nil
}
