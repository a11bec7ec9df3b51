package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeSonarr()
	c.normalizeRedis()
	c.normalizeDetection()
	c.normalizeWorkers()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.TempDir, err = expandPath(c.Paths.TempDir); err != nil {
		return fmt.Errorf("paths.temp_dir: %w", err)
	}
	if c.Paths.OutputDir, err = expandPath(c.Paths.OutputDir); err != nil {
		return fmt.Errorf("paths.output_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	return nil
}

func (c *Config) normalizeSonarr() {
	if c.Sonarr.APIKey == "" {
		if value, ok := os.LookupEnv("SONARR_API_KEY"); ok {
			c.Sonarr.APIKey = value
		}
	}
	c.Sonarr.URL = strings.TrimRight(strings.TrimSpace(c.Sonarr.URL), "/")
	c.Sonarr.ImportMode = strings.ToLower(strings.TrimSpace(c.Sonarr.ImportMode))
	if c.Sonarr.ImportMode == "" {
		c.Sonarr.ImportMode = defaultImportMode
	}
	if c.Sonarr.PollingInterval == 0 {
		c.Sonarr.PollingInterval = defaultPollingInterval
	}
}

func (c *Config) normalizeRedis() {
	c.Redis.Addr = strings.TrimSpace(c.Redis.Addr)
	if c.Redis.Addr == "" {
		c.Redis.Addr = defaultRedisAddr
	}
	c.Redis.KeyPrefix = strings.TrimSpace(c.Redis.KeyPrefix)
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = defaultKeyPrefix
	}
}

func (c *Config) normalizeDetection() {
	d := &c.Detection
	if d.WindowSeconds <= 0 {
		d.WindowSeconds = defaultWindowSeconds
	}
	if d.StepSeconds <= 0 {
		d.StepSeconds = defaultStepSeconds
	}
	if d.SampleRate <= 0 {
		d.SampleRate = defaultSampleRate
	}
	if d.HammingThreshold <= 0 {
		d.HammingThreshold = defaultHammingThreshold
	}
	if d.MatchFraction <= 0 {
		d.MatchFraction = defaultMatchFraction
	}
	if d.CohortMinReady <= 0 {
		d.CohortMinReady = defaultCohortMinReady
	}
	if d.DebounceSeconds <= 0 {
		d.DebounceSeconds = defaultDebounceSeconds
	}
	if d.MinSegmentSeconds <= 0 {
		d.MinSegmentSeconds = d.WindowSeconds
	}
	if d.EdgeWindowFraction <= 0 {
		d.EdgeWindowFraction = defaultEdgeWindowFraction
	}
	if d.EdgeWindowCapSeconds <= 0 {
		d.EdgeWindowCapSeconds = defaultEdgeWindowCapSecs
	}
	if d.MinConfidence <= 0 {
		d.MinConfidence = defaultMinConfidence
	}
}

func (c *Config) normalizeWorkers() {
	w := &c.Workers
	if w.CPULimit == 0 && w.GPULimit == 0 {
		w.CPULimit = defaultCPULimit
		w.GPULimit = defaultGPULimit
	}
	if w.RetryLimit <= 0 {
		w.RetryLimit = defaultRetryLimit
	}
	if w.BackoffBaseSeconds <= 0 {
		w.BackoffBaseSeconds = defaultBackoffBaseSeconds
	}
	if w.VisibilityTimeoutSeconds <= 0 {
		w.VisibilityTimeoutSeconds = defaultVisibilitySeconds
	}
	if w.ExtractTimeoutSeconds <= 0 {
		w.ExtractTimeoutSeconds = defaultExtractTimeoutSecs
	}
	if w.FingerprintTimeoutSecs <= 0 {
		w.FingerprintTimeoutSecs = defaultFingerprintTimeout
	}
	if w.TrimTimeoutSeconds <= 0 {
		w.TrimTimeoutSeconds = defaultTrimTimeoutSeconds
	}
	if w.ShutdownGraceSeconds <= 0 {
		w.ShutdownGraceSeconds = defaultShutdownGraceSeconds
	}
	if w.QueuePollSeconds <= 0 {
		w.QueuePollSeconds = defaultQueuePollSeconds
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
