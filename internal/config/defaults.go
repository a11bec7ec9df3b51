package config

const (
	defaultDataDir   = "~/.local/share/cliparr"
	defaultTempDir   = "~/.local/share/cliparr/tmp"
	defaultOutputDir = "~/media/trimmed"
	defaultLogDir    = "~/.local/share/cliparr/logs"
	defaultAPIBind   = "127.0.0.1:8484"

	defaultImportMode      = "auto"
	defaultPollingInterval = 900

	defaultRedisAddr = "127.0.0.1:6379"
	defaultKeyPrefix = "cliparr"

	defaultWindowSeconds        = 10.0
	defaultStepSeconds          = 5.0
	defaultSampleRate           = 44100
	defaultHammingThreshold     = 0.15
	defaultMatchFraction        = 0.6
	defaultCohortMinReady       = 3
	defaultDebounceSeconds      = 30
	defaultMinSegmentSeconds    = 10.0
	defaultEdgeWindowFraction   = 0.2
	defaultEdgeWindowCapSecs    = 180.0
	defaultMinConfidence        = 0.8
	defaultCPULimit             = 2
	defaultGPULimit             = 1
	defaultRetryLimit           = 5
	defaultBackoffBaseSeconds   = 2
	defaultVisibilitySeconds    = 3600
	defaultExtractTimeoutSecs   = 1800
	defaultFingerprintTimeout   = 1800
	defaultTrimTimeoutSeconds   = 3600
	defaultShutdownGraceSeconds = 60
	defaultQueuePollSeconds     = 5

	defaultEncodePreset = "veryfast"
	defaultLogFormat    = "console"
	defaultLogLevel     = "info"

	// MaxCPUWorkers and MaxGPUWorkers bound the runtime-adjustable pools.
	MaxCPUWorkers = 16
	MaxGPUWorkers = 8
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:   defaultDataDir,
			TempDir:   defaultTempDir,
			OutputDir: defaultOutputDir,
			LogDir:    defaultLogDir,
			APIBind:   defaultAPIBind,
		},
		Sonarr: Sonarr{
			ImportMode:      defaultImportMode,
			PollingInterval: defaultPollingInterval,
		},
		Redis: Redis{
			Addr:      defaultRedisAddr,
			KeyPrefix: defaultKeyPrefix,
		},
		Detection: Detection{
			WindowSeconds:        defaultWindowSeconds,
			StepSeconds:          defaultStepSeconds,
			SampleRate:           defaultSampleRate,
			HammingThreshold:     defaultHammingThreshold,
			MatchFraction:        defaultMatchFraction,
			CohortMinReady:       defaultCohortMinReady,
			DebounceSeconds:      defaultDebounceSeconds,
			MinSegmentSeconds:    defaultMinSegmentSeconds,
			EdgeWindowFraction:   defaultEdgeWindowFraction,
			EdgeWindowCapSeconds: defaultEdgeWindowCapSecs,
			MinConfidence:        defaultMinConfidence,
		},
		Workers: Workers{
			CPULimit:                 defaultCPULimit,
			GPULimit:                 defaultGPULimit,
			RetryLimit:               defaultRetryLimit,
			BackoffBaseSeconds:       defaultBackoffBaseSeconds,
			VisibilityTimeoutSeconds: defaultVisibilitySeconds,
			ExtractTimeoutSeconds:    defaultExtractTimeoutSecs,
			FingerprintTimeoutSecs:   defaultFingerprintTimeout,
			TrimTimeoutSeconds:       defaultTrimTimeoutSeconds,
			ShutdownGraceSeconds:     defaultShutdownGraceSeconds,
			QueuePollSeconds:         defaultQueuePollSeconds,
		},
		Trim: Trim{
			BackupOriginals:     true,
			AutoProcessVerified: false,
			EncodePreset:        defaultEncodePreset,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
