package entity

import (
	"time"

	"github.com/joseph-ayodele/specsheet-validator/constants"
)

// Job represents an analysis_jobs row for data transfer between layers.
type Job struct {
	ID          string              `json:"id"`
	Token       string              `json:"token"`
	SubjectID   string              `json:"subject_id"`
	Status      constants.JobStatus `json:"status"`
	Attempts    int                 `json:"attempts"`
	MaxAttempts int                 `json:"max_attempts"`
	CreatedAt   time.Time           `json:"created_at"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	FinishedAt  *time.Time          `json:"finished_at,omitempty"`
	ErrorMsg    *string             `json:"error_msg,omitempty"`
}

// Attempt is the 1-based number of the attempt a claimed job is about to run.
func (j *Job) Attempt() int {
	return j.Attempts + 1
}
