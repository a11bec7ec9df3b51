package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage identifies one pipeline stage queue.
type Stage string

const (
	StageScan        Stage = "scan"
	StageExtract     Stage = "extract"
	StageFingerprint Stage = "fingerprint"
	StageDetect      Stage = "detect"
	StageTrim        Stage = "trim"
)

var allStages = []Stage{StageScan, StageExtract, StageFingerprint, StageDetect, StageTrim}

// AllStages returns the ordered list of stage queues.
func AllStages() []Stage {
	cp := make([]Stage, len(allStages))
	copy(cp, allStages)
	return cp
}

// ParseStage converts a string into a known Stage.
func ParseStage(value string) (Stage, bool) {
	stage := Stage(value)
	for _, known := range allStages {
		if stage == known {
			return stage, true
		}
	}
	return "", false
}

// Message is one unit of work flowing between stages.
type Message struct {
	Token         string `json:"token"`
	JobID         int64  `json:"job_id"`
	EpisodeFileID int64  `json:"episode_file_id"`
	Stage         Stage  `json:"stage"`
	Attempt       int    `json:"attempt"`
	EnqueuedAt    string `json:"enqueued_at"`

	raw string
}

// NewMessage builds a first-attempt message for a job.
func NewMessage(stage Stage, jobID, episodeFileID int64) *Message {
	return &Message{
		Token:         uuid.NewString(),
		JobID:         jobID,
		EpisodeFileID: episodeFileID,
		Stage:         stage,
		Attempt:       1,
		EnqueuedAt:    time.Now().UTC().Format(time.RFC3339),
	}
}

// Raw returns the payload exactly as stored in Redis. Empty until the
// message has been encoded or reserved.
func (m *Message) Raw() string {
	return m.raw
}

func (m *Message) encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	m.raw = string(data)
	return m.raw, nil
}

func decodeMessage(raw string) (*Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	msg.raw = raw
	return &msg, nil
}
