package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir   string `toml:"data_dir"`
	TempDir   string `toml:"temp_dir"`
	OutputDir string `toml:"output_dir"`
	LogDir    string `toml:"log_dir"`
	APIBind   string `toml:"api_bind"`
}

// Import modes for the Sonarr collaborator.
const (
	ImportModeAuto   = "auto"
	ImportModeImport = "import"
	ImportModeNone   = "none"
)

// Sonarr contains the PVR import collaborator connection.
type Sonarr struct {
	URL             string `toml:"url"`
	APIKey          string `toml:"api_key"`
	ImportMode      string `toml:"import_mode"` // auto, import, none
	PollingInterval int    `toml:"polling_interval"`
}

// Redis contains the queue broker connection.
type Redis struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

// Detection contains the fingerprint clustering tunables.
type Detection struct {
	WindowSeconds        float64 `toml:"window_seconds"`
	StepSeconds          float64 `toml:"step_seconds"`
	SampleRate           int     `toml:"sample_rate"`
	HammingThreshold     float64 `toml:"hamming_threshold"`
	MatchFraction        float64 `toml:"match_fraction"`
	CohortMinReady       int     `toml:"cohort_min_ready"`
	DebounceSeconds      int     `toml:"debounce_seconds"`
	MinSegmentSeconds    float64 `toml:"min_segment_seconds"`
	EdgeWindowFraction   float64 `toml:"edge_window_fraction"`
	EdgeWindowCapSeconds float64 `toml:"edge_window_cap_seconds"`
	MinConfidence        float64 `toml:"min_confidence"`
}

// Workers contains pool sizes, retry policy, and subprocess deadlines.
type Workers struct {
	CPULimit                 int `toml:"cpu_limit"`
	GPULimit                 int `toml:"gpu_limit"`
	RetryLimit               int `toml:"retry_limit"`
	BackoffBaseSeconds       int `toml:"backoff_base_seconds"`
	VisibilityTimeoutSeconds int `toml:"visibility_timeout_seconds"`
	ExtractTimeoutSeconds    int `toml:"extract_timeout_seconds"`
	FingerprintTimeoutSecs   int `toml:"fingerprint_timeout_seconds"`
	TrimTimeoutSeconds       int `toml:"trim_timeout_seconds"`
	ShutdownGraceSeconds     int `toml:"shutdown_grace_seconds"`
	QueuePollSeconds         int `toml:"queue_poll_seconds"`
}

// Trim contains output policy for the trimming stage.
type Trim struct {
	BackupOriginals       bool   `toml:"backup_originals"`
	AutoProcessVerified   bool   `toml:"auto_process_verified"`
	AutoProcessDetections bool   `toml:"auto_process_detections"`
	TrimStingers          bool   `toml:"trim_stingers"`
	EncodePreset          string `toml:"encode_preset"`
	GPUEncoder            bool   `toml:"gpu_encoder"`
}

// Logging contains log output configuration.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the root configuration document.
type Config struct {
	Paths     Paths     `toml:"paths"`
	Sonarr    Sonarr    `toml:"sonarr"`
	Redis     Redis     `toml:"redis"`
	Detection Detection `toml:"detection"`
	Workers   Workers   `toml:"workers"`
	Trim      Trim      `toml:"trim"`
	Logging   Logging   `toml:"logging"`
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err = os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath("~/.config/cliparr/config.toml")
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("cliparr.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
// OutputDir is created on a best-effort basis so the daemon can run when
// external storage is temporarily unavailable.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir, c.AudioDir(), c.ChunkDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.OutputDir) != "" {
		_ = os.MkdirAll(c.Paths.OutputDir, 0o755)
	}
	return nil
}

// AudioDir returns the scratch directory holding extracted episode WAVs.
func (c *Config) AudioDir() string {
	return filepath.Join(c.Paths.TempDir, "audio")
}

// ChunkDir returns the scratch directory holding per-window chunk WAVs.
func (c *Config) ChunkDir() string {
	return filepath.Join(c.Paths.TempDir, "chunks")
}

// FFmpegBinary returns the ffmpeg executable name.
func (c *Config) FFmpegBinary() string { return "ffmpeg" }

// FFprobeBinary returns the ffprobe executable name used for media validation.
func (c *Config) FFprobeBinary() string { return "ffprobe" }

// FpcalcBinary returns the chromaprint fingerprint executable name.
func (c *Config) FpcalcBinary() string { return "fpcalc" }

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
