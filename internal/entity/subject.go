package entity

import (
	"time"

	"github.com/joseph-ayodele/specsheet-validator/constants"
)

// Subject is the document under analysis.
type Subject struct {
	ID          string                 `json:"id"`
	StorageKey  string                 `json:"storage_key"`
	Filename    string                 `json:"filename"`
	State       constants.SubjectState `json:"state"`
	Score       *int                   `json:"score,omitempty"`
	PublishedAt *time.Time             `json:"published_at,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}
