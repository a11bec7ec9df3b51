package queue_test

import (
	"testing"

	"cliparr/internal/queue"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from queue.Status
		to   queue.Status
		want bool
	}{
		{queue.StatusScanning, queue.StatusExtractingAudio, true},
		{queue.StatusScanning, queue.StatusDetected, true},
		{queue.StatusDetecting, queue.StatusFingerprinting, false},
		{queue.StatusDetected, queue.StatusVerified, true},
		{queue.StatusDetected, queue.StatusTrimming, true},
		{queue.StatusTrimming, queue.StatusCompleted, true},
		{queue.StatusScanning, queue.StatusFailed, true},
		{queue.StatusCompleted, queue.StatusFailed, false},
		{queue.StatusFailed, queue.StatusScanning, false},
	}
	for _, tc := range cases {
		if got := queue.CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	status, ok := queue.ParseStatus("  Detected ")
	if !ok || status != queue.StatusDetected {
		t.Fatalf("ParseStatus normalized = %s, %v", status, ok)
	}
	if _, ok := queue.ParseStatus("ripping"); ok {
		t.Fatal("expected unknown status to be rejected")
	}
	if _, ok := queue.ParseStatus(""); ok {
		t.Fatal("expected empty status to be rejected")
	}
}

func TestIsProcessingStatus(t *testing.T) {
	if !queue.IsProcessingStatus(queue.StatusTrimming) {
		t.Fatal("trimming should count as processing")
	}
	if queue.IsProcessingStatus(queue.StatusAwaitingCohort) {
		t.Fatal("awaiting_cohort is idle, not processing")
	}
}
