package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joseph-ayodele/specsheet-validator/constants"
	"github.com/joseph-ayodele/specsheet-validator/internal/common"
	"github.com/joseph-ayodele/specsheet-validator/internal/entity"
	"github.com/joseph-ayodele/specsheet-validator/internal/repository"
	"github.com/joseph-ayodele/specsheet-validator/internal/storage"
)

// maxFilenameLen bounds the filename kept on the subject row.
const maxFilenameLen = 200

// FSIngestor reads documents from the local filesystem.
type FSIngestor struct {
	store    ObjectWriter
	subjects SubjectStore
	logger   *slog.Logger
}

func NewFSIngestor(store ObjectWriter, subjects SubjectStore, logger *slog.Logger) *FSIngestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSIngestor{store: store, subjects: subjects, logger: logger}
}

// AddSubject stores the file at path under subjects/<sha256>.<ext> and creates subject id in
// the submitted state. An empty id is derived from the content hash. Re-adding the same file
// under the same id is reported as deduplicated.
func (i *FSIngestor) AddSubject(ctx context.Context, id, path string) (Result, error) {
	out := Result{SourcePath: path}

	abs, err := filepath.Abs(path)
	if err != nil {
		return out, fmt.Errorf("abs path: %w", err)
	}
	out.SourcePath = abs

	ext := constants.NormalizeExt(filepath.Ext(abs))
	if ext == "" || !AllowedExt(ext) {
		return out, fmt.Errorf("%w: unsupported or missing extension %q", common.ErrInvalidInput, ext)
	}
	out.FileExt = ext

	f, err := os.Open(abs)
	if err != nil {
		return out, fmt.Errorf("open: %w", err)
	}
	defer func(f *os.File) {
		if err := f.Close(); err != nil {
			i.logger.Warn("ingest.close.failed", "path", abs, "error", err)
		}
	}(f)

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return out, fmt.Errorf("hash: %w", err)
	}
	if size == 0 {
		return out, fmt.Errorf("%w: %s is empty", common.ErrInvalidInput, abs)
	}
	out.Bytes = size
	out.HashHex = hex.EncodeToString(h.Sum(nil))
	out.StorageKey = SubjectKey(out.HashHex, ext)

	if id == "" {
		id = "sheet-" + out.HashHex[:16]
	}
	validator := common.NewValidator()
	validator.Field("subject_id", id, common.SubjectID)
	validator.Field("filename", filepath.Base(abs), common.MaxLength(maxFilenameLen))
	if validator.HasErrors() {
		return out, fmt.Errorf("%w: %s", common.ErrInvalidInput, validator.ErrorMessage())
	}
	out.SubjectID = id

	if existing, err := i.subjects.Get(ctx, id); err == nil {
		if existing.StorageKey != out.StorageKey {
			return out, fmt.Errorf("%w: subject %s already exists with different content", common.ErrConflict, id)
		}
		out.Deduplicated = true
		return out, nil
	} else if !errors.Is(err, repository.ErrSubjectNotFound) {
		return out, err
	}

	if _, err := i.store.Stat(ctx, out.StorageKey); errors.Is(err, storage.ErrObjectNotFound) {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return out, fmt.Errorf("rewind: %w", err)
		}
		if err := i.store.Put(ctx, out.StorageKey, f, size); err != nil {
			return out, common.WrapError(err, "store object")
		}
	} else if err != nil {
		return out, common.WrapError(err, "stat object")
	}

	if err := i.subjects.Create(ctx, &entity.Subject{
		ID:         id,
		StorageKey: out.StorageKey,
		Filename:   filepath.Base(abs),
		State:      constants.SubjectStateSubmitted,
	}); err != nil {
		return out, err
	}
	i.logger.Info("ingest.subject.added", "subject_id", id, "storage_key", out.StorageKey, "bytes", size)
	return out, nil
}
