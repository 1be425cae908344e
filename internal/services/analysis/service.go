// Package analysis is the external surface of the pipeline: enqueue, progress read and run history.
package analysis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/specsheet-validator/constants"
	"github.com/joseph-ayodele/specsheet-validator/internal/common"
	"github.com/joseph-ayodele/specsheet-validator/internal/entity"
	"github.com/joseph-ayodele/specsheet-validator/internal/metrics"
	"github.com/joseph-ayodele/specsheet-validator/internal/progress"
	"github.com/joseph-ayodele/specsheet-validator/internal/repository"
	"github.com/joseph-ayodele/specsheet-validator/internal/utils"
)

const maxListLimit = 1000

type SubjectReader interface {
	Get(ctx context.Context, id string) (*entity.Subject, error)
}

type JobQueue interface {
	Enqueue(ctx context.Context, subjectID string, maxAttempts int, now time.Time) (*entity.Job, error)
	GetByToken(ctx context.Context, token string) (*entity.Job, error)
}

type RunLister interface {
	List(ctx context.Context, filter entity.RunFilter) ([]*entity.Run, error)
}

type Exporter interface {
	ExportRunsXLSX(ctx context.Context, filter entity.RunFilter) ([]byte, error)
}

// Service handles enqueue, progress polling and run history. Errors are gRPC status errors.
type Service struct {
	subjects    SubjectReader
	jobs        JobQueue
	runs        RunLister
	progress    progress.Store
	exporter    Exporter
	metrics     *metrics.Collector
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

func NewService(
	subjects SubjectReader,
	jobs JobQueue,
	runs RunLister,
	store progress.Store,
	exporter Exporter,
	m *metrics.Collector,
	maxAttempts int,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = constants.DefaultMaxAttempts
	}
	return &Service{
		subjects:    subjects,
		jobs:        jobs,
		runs:        runs,
		progress:    store,
		exporter:    exporter,
		metrics:     m,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
	}
}

// Enqueue creates a queued job for the subject. The only rejection is an already active job;
// a missing or locked subject is left to the worker, which fails the job on its first attempt.
func (s *Service) Enqueue(ctx context.Context, subjectID string) (*entity.Job, error) {
	validator := common.NewValidator()
	validator.Field("subject_id", subjectID, common.Required, common.SubjectID)
	if err := common.ValidateAndReturnError(validator); err != nil {
		return nil, err
	}

	s.warnIfIneligible(ctx, subjectID)

	job, err := s.jobs.Enqueue(ctx, subjectID, s.maxAttempts, s.now())
	if err != nil {
		if errors.Is(err, repository.ErrActiveJobExists) {
			return nil, common.AlreadyExistsError("subject " + subjectID + " already has an active job")
		}
		return nil, common.InternalErrorf("enqueue job: %v", err)
	}
	s.metrics.RecordEnqueue()
	return job, nil
}

func (s *Service) warnIfIneligible(ctx context.Context, subjectID string) {
	subject, err := s.subjects.Get(ctx, subjectID)
	switch {
	case errors.Is(err, repository.ErrSubjectNotFound):
		s.logger.Warn("enqueue.subject.missing", "subject_id", subjectID)
	case err != nil:
		s.logger.Warn("enqueue.subject.lookup_failed", "subject_id", subjectID, "error", err)
	case subject.State.IsLocked():
		s.logger.Warn("enqueue.subject.locked", "subject_id", subjectID, "state", subject.State)
	}
}

// Progress returns the snapshot for token. Before the first claim, or after the snapshot
// expired, it is derived from the job row.
func (s *Service) Progress(ctx context.Context, token string) (progress.Snapshot, error) {
	validator := common.NewValidator()
	validator.Field("token", token, common.Required, common.JobToken)
	if err := common.ValidateAndReturnError(validator); err != nil {
		return progress.Snapshot{}, err
	}

	if s.progress != nil {
		snap, err := s.progress.Read(ctx, token)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, progress.ErrNotFound) {
			return progress.Snapshot{}, common.InternalErrorf("read progress: %v", err)
		}
	}

	job, err := s.jobs.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return progress.Snapshot{}, common.NotFoundError("no job with token " + token)
		}
		return progress.Snapshot{}, common.InternalErrorf("load job: %v", err)
	}
	s.logger.Debug("progress.snapshot.derived", "token", token, "status", job.Status)
	return snapshotFromJob(job), nil
}

func snapshotFromJob(job *entity.Job) progress.Snapshot {
	snap := progress.Snapshot{
		Token:     job.Token,
		Stage:     string(constants.StageQueued),
		Log:       []string{},
		UpdatedAt: job.CreatedAt,
	}
	switch job.Status {
	case constants.JobStatusRunning:
		snap.Stage = string(constants.StageClaimed)
		snap.Pct = constants.StageClaimed.Pct()
	case constants.JobStatusOK:
		snap.Stage = string(constants.StageDone)
		snap.Pct = 100
		snap.Done = true
	case constants.JobStatusError:
		snap.Stage = string(constants.StageFailed)
		snap.Pct = 100
		snap.Done = true
		snap.Error = utils.StrOrEmpty(job.ErrorMsg)
	}
	if job.FinishedAt != nil {
		snap.UpdatedAt = *job.FinishedAt
	}
	return snap
}

// ListRuns returns run history newest first.
func (s *Service) ListRuns(ctx context.Context, filter entity.RunFilter) ([]*entity.Run, error) {
	if err := validateFilter(filter); err != nil {
		return nil, err
	}
	if filter.Limit <= 0 || filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	runs, err := s.runs.List(ctx, filter)
	if err != nil {
		return nil, common.InternalErrorf("list runs: %v", err)
	}
	return runs, nil
}

// ExportRunsXLSX renders matching runs as an XLSX workbook.
func (s *Service) ExportRunsXLSX(ctx context.Context, filter entity.RunFilter) ([]byte, error) {
	if err := validateFilter(filter); err != nil {
		return nil, err
	}
	b, err := s.exporter.ExportRunsXLSX(ctx, filter)
	if err != nil {
		return nil, common.InternalErrorf("export runs: %v", err)
	}
	return b, nil
}

func validateFilter(f entity.RunFilter) error {
	validator := common.NewValidator()
	if f.SubjectID != "" {
		validator.Field("subject_id", f.SubjectID, common.SubjectID)
	}
	if f.JobToken != "" {
		validator.Field("job_token", f.JobToken, common.JobToken)
	}
	if err := common.ValidateAndReturnError(validator); err != nil {
		return err
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return common.InvalidArgumentErrorf("to (%s) must not be before from (%s)", f.To.Format(time.DateOnly), f.From.Format(time.DateOnly))
	}
	return nil
}
