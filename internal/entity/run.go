package entity

import (
	"encoding/json"
	"time"

	"github.com/joseph-ayodele/specsheet-validator/constants"
)

// Run is the immutable record of one execution attempt of a Job.
type Run struct {
	ID         string              `json:"id"`
	JobToken   string              `json:"job_token"`
	SubjectID  string              `json:"subject_id"`
	Attempt    int                 `json:"attempt"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Status     constants.RunStatus `json:"status"`
	Score      *int                `json:"score,omitempty"`
	Bytes      int64               `json:"bytes"`
	Chars      int                 `json:"chars"`
	LogPath    string              `json:"log_path"`
	Summary    string              `json:"summary"`
	Details    json.RawMessage     `json:"details,omitempty"`
}

// RunFilter narrows a run history listing. Zero values mean "no constraint".
type RunFilter struct {
	SubjectID string
	JobToken  string
	From      *time.Time
	To        *time.Time
	Limit     int
}
