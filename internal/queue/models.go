package queue

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a processing job.
type Status string

const (
	StatusScanning        Status = "scanning"
	StatusExtractingAudio Status = "extracting_audio"
	StatusFingerprinting  Status = "fingerprinting"
	StatusAwaitingCohort  Status = "awaiting_cohort"
	StatusDetecting       Status = "detecting"
	StatusDetected        Status = "detected"
	StatusVerified        Status = "verified"
	StatusTrimming        Status = "trimming"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
)

var allStatuses = []Status{
	StatusScanning,
	StatusExtractingAudio,
	StatusFingerprinting,
	StatusAwaitingCohort,
	StatusDetecting,
	StatusDetected,
	StatusVerified,
	StatusTrimming,
	StatusCompleted,
	StatusFailed,
}

// statusRank orders the forward progression. Jobs never move to a lower
// rank except through Requeue, which resets to scanning explicitly.
var statusRank = map[Status]int{
	StatusScanning:        0,
	StatusExtractingAudio: 1,
	StatusFingerprinting:  2,
	StatusAwaitingCohort:  3,
	StatusDetecting:       4,
	StatusDetected:        5,
	StatusVerified:        6,
	StatusTrimming:        7,
	StatusCompleted:       8,
	StatusFailed:          9,
}

var processingStatuses = map[Status]struct{}{
	StatusExtractingAudio: {},
	StatusFingerprinting:  {},
	StatusDetecting:       {},
	StatusTrimming:        {},
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusRank[normalized]
	return normalized, ok
}

// IsTerminal reports whether a status ends the pipeline for a job.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// AtLeast reports whether a status has progressed to or past the given
// milestone. Failed jobs never count as progressed.
func (s Status) AtLeast(milestone Status) bool {
	if s == StatusFailed {
		return false
	}
	rank, ok := statusRank[s]
	if !ok {
		return false
	}
	want, ok := statusRank[milestone]
	if !ok {
		return false
	}
	return rank >= want
}

// IsProcessing reports whether a status reflects an in-flight stage.
func IsProcessingStatus(status Status) bool {
	_, ok := processingStatuses[status]
	return ok
}

// CanTransition reports whether moving from one status to another respects
// the forward-only rule. Any state may fail; failed and completed accept
// nothing further.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	fromRank, okFrom := statusRank[from]
	toRank, okTo := statusRank[to]
	if !okFrom || !okTo {
		return false
	}
	return toRank > fromRank
}

// ApprovalStatus classifies a detection result for the trimmer.
type ApprovalStatus string

const (
	ApprovalPending        ApprovalStatus = "pending"
	ApprovalAutoApproved   ApprovalStatus = "auto_approved"
	ApprovalManualApproved ApprovalStatus = "manual_approved"
	ApprovalRejected       ApprovalStatus = "rejected"
)

// Approved reports whether the trimmer may consume the result.
func (a ApprovalStatus) Approved() bool {
	return a == ApprovalAutoApproved || a == ApprovalManualApproved
}

// Show is a series imported from the PVR.
type Show struct {
	ID         int64
	Title      string
	ExternalID int64
	Path       string
}

// Season groups episodes within a show.
type Season struct {
	ID           int64
	ShowID       int64
	SeasonNumber int
}

// Episode is a single episode within a season.
type Episode struct {
	ID            int64
	SeasonID      int64
	EpisodeNumber int
	Title         string
	ExternalID    int64
}

// EpisodeFile is an on-disk media file for an episode.
type EpisodeFile struct {
	ID        int64
	EpisodeID int64
	Path      string
	Size      int64
}

// FileMeta carries the joined library context for an episode file.
type FileMeta struct {
	EpisodeFileID int64
	Path          string
	Size          int64
	ShowID        int64
	ShowTitle     string
	ShowPath      string
	SeasonNumber  int
	EpisodeNumber int
	EpisodeTitle  string
}

// Job is a processing job persisted per episode file.
type Job struct {
	ID              int64
	EpisodeFileID   int64
	Status          Status
	ConfidenceScore float64
	IntroStart      *float64
	IntroEnd        *float64
	CreditsStart    *float64
	CreditsEnd      *float64
	ManualVerified  bool
	FailureReason   string
	ProcessingNotes string
	Attempts        int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Segment is a labeled time interval on one episode's timeline.
type Segment struct {
	Type  string  `json:"type,omitempty"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Duration returns the segment length in seconds.
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// DetectionResult records the detected segments for one episode.
type DetectionResult struct {
	ID              int64
	ShowID          int64
	SeasonNumber    int
	EpisodeNumber   int
	IntroStart      *float64
	IntroEnd        *float64
	CreditsStart    *float64
	CreditsEnd      *float64
	Stingers        []Segment
	Segments        []Segment
	ConfidenceScore float64
	DetectionMethod string
	ApprovalStatus  ApprovalStatus
	ProcessingNotes string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Fingerprint is one acoustic hash over a window of an episode file.
type Fingerprint struct {
	EpisodeFileID      int64
	WindowStartSeconds float64
	Hash               []byte
}

// JobWithMeta joins a job with its library context for API listings.
type JobWithMeta struct {
	Job Job
	FileMeta
}

// StatsByStatus is a count of jobs grouped by status.
type StatsByStatus map[Status]int
