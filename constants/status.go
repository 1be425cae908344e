package constants

// JobStatus is the canonical status for rows in analysis_jobs.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobStatusQueued  JobStatus = "queued"  // waiting for a scheduler tick
	JobStatusRunning JobStatus = "running" // claimed by a tick
	JobStatusOK      JobStatus = "ok"      // terminal success
	JobStatusError   JobStatus = "error"   // terminal failure
)

// ActiveJobStatuses are the statuses that count toward the one-active-job-per-subject rule.
var ActiveJobStatuses = []JobStatus{JobStatusQueued, JobStatusRunning}

// IsTerminal reports whether no further transitions can happen from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusOK || s == JobStatusError
}

// RunStatus is the outcome stored on an analysis_runs row.
type RunStatus string

const (
	RunStatusOK    RunStatus = "ok"
	RunStatusError RunStatus = "error"
)

// SubjectState is the lifecycle state of a document under analysis.
type SubjectState string

const (
	SubjectStateDraft         SubjectState = "draft"
	SubjectStateSubmitted     SubjectState = "submitted"
	SubjectStatePendingReview SubjectState = "pending_review"
	SubjectStatePublished     SubjectState = "published"
	SubjectStateRejected      SubjectState = "rejected"
)

// IsLocked reports whether the subject is in a final state that analysis must not touch.
func (s SubjectState) IsLocked() bool {
	return s == SubjectStatePublished || s == SubjectStateRejected
}

// DefaultMaxAttempts is used when enqueue callers do not pass a budget.
const DefaultMaxAttempts = 3
