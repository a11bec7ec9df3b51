package ffmpeg

import (
	"strconv"
	"strings"
	"time"
)

// ProgressUpdate captures one FFmpeg progress tick.
type ProgressUpdate struct {
	Seconds float64
	Percent float64
	FPS     float64
}

// parseProgress extracts the time= and fps= fields from an FFmpeg stats
// line. Lines without a time= field are ignored.
func parseProgress(line string) (ProgressUpdate, bool) {
	timeValue, ok := fieldValue(line, "time=")
	if !ok {
		return ProgressUpdate{}, false
	}
	seconds, ok := parseClock(timeValue)
	if !ok {
		return ProgressUpdate{}, false
	}

	update := ProgressUpdate{Seconds: seconds}
	if fpsValue, ok := fieldValue(line, "fps="); ok {
		if fps, err := strconv.ParseFloat(fpsValue, 64); err == nil && fps >= 0 {
			update.FPS = fps
		}
	}
	return update, true
}

func fieldValue(line, field string) (string, bool) {
	idx := strings.Index(line, field)
	if idx < 0 {
		return "", false
	}
	rest := strings.TrimLeft(line[idx+len(field):], " ")
	end := strings.IndexByte(rest, ' ')
	if end < 0 {
		end = len(rest)
	}
	value := rest[:end]
	if value == "" {
		return "", false
	}
	return value, true
}

// parseClock converts FFmpeg's HH:MM:SS.cc clock to seconds. FFmpeg emits
// time=N/A before the first frame lands.
func parseClock(value string) (float64, bool) {
	if value == "N/A" {
		return 0, false
	}
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return 0, false
	}
	hours, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, false
	}
	minutes, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, false
	}
	total := hours*3600 + minutes*60 + seconds
	if total < 0 {
		return 0, false
	}
	return total, true
}

// progressThrottle limits how often updates reach a subscriber.
type progressThrottle struct {
	interval time.Duration
	last     time.Time
}

func newProgressThrottle(interval time.Duration) *progressThrottle {
	return &progressThrottle{interval: interval}
}

func (t *progressThrottle) allow(now time.Time) bool {
	if now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	return true
}
