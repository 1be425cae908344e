// Package ingest registers local documents as subjects: the file is stored under a
// content-addressed key and a subject row is created for it.
package ingest

import (
	"context"
	"io"

	"github.com/joseph-ayodele/specsheet-validator/internal/entity"
	"github.com/joseph-ayodele/specsheet-validator/internal/storage"
)

// Result is the per-file ingest outcome.
type Result struct {
	SourcePath   string `json:"source_path"`
	SubjectID    string `json:"subject_id,omitempty"`
	StorageKey   string `json:"storage_key,omitempty"`
	HashHex      string `json:"hash,omitempty"`
	FileExt      string `json:"ext,omitempty"`
	Bytes        int64  `json:"bytes"`
	Deduplicated bool   `json:"deduplicated"`
	Err          string `json:"error,omitempty"`
}

// DirStats summarizes a directory ingest.
type DirStats struct {
	Scanned      uint32 `json:"scanned"`
	Matched      uint32 `json:"matched"`
	Succeeded    uint32 `json:"succeeded"`
	Deduplicated uint32 `json:"deduplicated"`
	Failed       uint32 `json:"failed"`
}

// SubjectStore is the subject ledger surface ingest needs.
type SubjectStore interface {
	Get(ctx context.Context, id string) (*entity.Subject, error)
	Create(ctx context.Context, s *entity.Subject) error
}

// ObjectWriter is the object store surface ingest needs.
type ObjectWriter interface {
	Stat(ctx context.Context, key string) (storage.ObjectInfo, error)
	Put(ctx context.Context, key string, r io.Reader, size int64) error
}
