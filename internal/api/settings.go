package api

import (
	"fmt"
	"net/http"
	"strconv"

	"cliparr/internal/config"
	"cliparr/internal/logging"
)

// The settings surface exposes the runtime-tunable subset of the config.
// Updates persist to the settings table so they survive a restart, and
// take effect immediately where the running services allow it.

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.currentSettings())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decodeBody(r, &body); err != nil {
		s.writeBadRequest(w, "body must be a JSON object of settings")
		return
	}
	for key, value := range body {
		if err := s.applySetting(key, value); err != nil {
			s.writeBadRequest(w, err.Error())
			return
		}
	}
	ctx := r.Context()
	for key := range body {
		current := s.currentSettings()[key]
		if err := s.store.SetSetting(ctx, key, fmt.Sprint(current)); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.logger.Info("settings updated", logging.Int("fields", len(body)))
	writeJSON(w, http.StatusOK, s.currentSettings())
}

func (s *Server) currentSettings() map[string]any {
	cfg := s.cfg
	return map[string]any{
		"sonarr_url":               cfg.Sonarr.URL,
		"sonarr_api_key":           cfg.Sonarr.APIKey,
		"output_directory":         cfg.Paths.OutputDir,
		"temp_dir":                 cfg.Paths.TempDir,
		"min_confidence_threshold": cfg.Detection.MinConfidence,
		"backup_originals":         cfg.Trim.BackupOriginals,
		"auto_process_verified":    cfg.Trim.AutoProcessVerified,
		"auto_process_detections":  cfg.Trim.AutoProcessDetections,
		"import_mode":              cfg.Sonarr.ImportMode,
		"polling_interval":         cfg.Sonarr.PollingInterval,
		"cpu_worker_limit":         cfg.Workers.CPULimit,
		"gpu_worker_limit":         cfg.Workers.GPULimit,
	}
}

func (s *Server) applySetting(key string, value any) error {
	cfg := s.cfg
	switch key {
	case "sonarr_url":
		text, err := asString(key, value)
		if err != nil {
			return err
		}
		cfg.Sonarr.URL = text
	case "sonarr_api_key":
		text, err := asString(key, value)
		if err != nil {
			return err
		}
		cfg.Sonarr.APIKey = text
	case "output_directory":
		text, err := asString(key, value)
		if err != nil {
			return err
		}
		cfg.Paths.OutputDir = text
	case "temp_dir":
		text, err := asString(key, value)
		if err != nil {
			return err
		}
		cfg.Paths.TempDir = text
	case "min_confidence_threshold":
		number, err := asFloat(key, value)
		if err != nil {
			return err
		}
		if number < 0 || number > 1 {
			return fmt.Errorf("%s must be between 0 and 1", key)
		}
		cfg.Detection.MinConfidence = number
	case "backup_originals":
		flag, err := asBool(key, value)
		if err != nil {
			return err
		}
		cfg.Trim.BackupOriginals = flag
	case "auto_process_verified":
		flag, err := asBool(key, value)
		if err != nil {
			return err
		}
		cfg.Trim.AutoProcessVerified = flag
	case "auto_process_detections":
		flag, err := asBool(key, value)
		if err != nil {
			return err
		}
		cfg.Trim.AutoProcessDetections = flag
	case "import_mode":
		text, err := asString(key, value)
		if err != nil {
			return err
		}
		switch text {
		case config.ImportModeAuto, config.ImportModeImport, config.ImportModeNone:
		default:
			return fmt.Errorf("%s must be auto, import, or none", key)
		}
		cfg.Sonarr.ImportMode = text
	case "polling_interval":
		number, err := asInt(key, value)
		if err != nil {
			return err
		}
		if number < 60 || number > 86400 {
			return fmt.Errorf("%s must be between 60 and 86400", key)
		}
		cfg.Sonarr.PollingInterval = number
	case "cpu_worker_limit":
		number, err := asInt(key, value)
		if err != nil {
			return err
		}
		if number < 0 || number > config.MaxCPUWorkers {
			return fmt.Errorf("%s must be between 0 and %d", key, config.MaxCPUWorkers)
		}
		cfg.Workers.CPULimit = number
		s.pipeline.ResizeCPU(number)
	case "gpu_worker_limit":
		number, err := asInt(key, value)
		if err != nil {
			return err
		}
		if number < 0 || number > config.MaxGPUWorkers {
			return fmt.Errorf("%s must be between 0 and %d", key, config.MaxGPUWorkers)
		}
		cfg.Workers.GPULimit = number
		s.pipeline.ResizeGPU(number)
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	return nil
}

func asString(key string, value any) (string, error) {
	text, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", key)
	}
	return text, nil
}

func asFloat(key string, value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return parsed, nil
		}
	}
	return 0, fmt.Errorf("%s must be a number", key)
}

func asInt(key string, value any) (int, error) {
	number, err := asFloat(key, value)
	if err != nil {
		return 0, err
	}
	if number != float64(int(number)) {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return int(number), nil
}

func asBool(key string, value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		parsed, err := strconv.ParseBool(v)
		if err == nil {
			return parsed, nil
		}
	}
	return false, fmt.Errorf("%s must be a boolean", key)
}
