package testsupport

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// StubProbe installs an ffprobe stand-in on PATH that reports the given
// container duration and, optionally, one audio stream. Tests that drive
// stage handlers use it so no real media tooling is required.
func StubProbe(t testing.TB, durationSeconds float64, hasAudio bool) {
	t.Helper()

	streams := ""
	if hasAudio {
		streams = `{"index":0,"codec_type":"audio","codec_name":"aac","sample_rate":"44100","channels":2}`
	}
	installProbe(t, streams, durationSeconds)
}

// StubProbeVideo installs an ffprobe stand-in reporting one video and one
// audio stream with the given codec names.
func StubProbeVideo(t testing.TB, durationSeconds float64, videoCodec, audioCodec string) {
	t.Helper()

	streams := fmt.Sprintf(
		`{"index":0,"codec_type":"video","codec_name":"%s"},{"index":1,"codec_type":"audio","codec_name":"%s","sample_rate":"44100","channels":2}`,
		videoCodec, audioCodec,
	)
	installProbe(t, streams, durationSeconds)
}

func installProbe(t testing.TB, streams string, durationSeconds float64) {
	t.Helper()

	payload := fmt.Sprintf(
		`{"streams":[%s],"format":{"duration":"%.3f","size":"1048576","format_name":"matroska"}}`,
		streams, durationSeconds,
	)
	script := fmt.Sprintf("#!/bin/sh\ncat <<'PROBE'\n%s\nPROBE\n", payload)

	binDir := filepath.Join(t.TempDir(), "probe-bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		t.Fatalf("mkdir probe bin: %v", err)
	}
	if err := os.WriteFile(filepath.Join(binDir, "ffprobe"), []byte(script), 0o755); err != nil {
		t.Fatalf("write ffprobe stub: %v", err)
	}
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
}
