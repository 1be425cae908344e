package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/specsheet-validator/constants"
	"github.com/joseph-ayodele/specsheet-validator/internal/common"
	"github.com/joseph-ayodele/specsheet-validator/internal/entity"
	"github.com/joseph-ayodele/specsheet-validator/internal/events"
	"github.com/joseph-ayodele/specsheet-validator/internal/metrics"
	"github.com/joseph-ayodele/specsheet-validator/internal/progress"
	"github.com/joseph-ayodele/specsheet-validator/internal/repository"
)

// TxRunner runs fn inside a ledger transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx *repository.Tx) error) error
}

// Attempt describes the execution being recorded.
type Attempt struct {
	Job       *entity.Job
	Number    int
	StartedAt time.Time
	LogPath   string
}

// Success is the measured outcome of a scored attempt.
type Success struct {
	Score   int
	Bytes   int64
	Chars   int
	Summary string
	Details json.RawMessage
}

// Recorder owns the terminal and retry transitions of a job attempt.
type Recorder struct {
	ledger   TxRunner
	jobs     repository.JobRepository
	progress progress.Store
	events   events.Sink
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time
}

func NewRecorder(ledger TxRunner, jobs repository.JobRepository, store progress.Store, sink events.Sink, m *metrics.Collector, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = events.Nop
	}
	return &Recorder{
		ledger:   ledger,
		jobs:     jobs,
		progress: store,
		events:   sink,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// RecordSuccess inserts the ok run, moves the subject to pending review and completes the job
// in one transaction, then freezes the progress snapshot. A subject locked in the meantime rolls
// the transaction back with SubjectLocked; other ledger errors come back as PersistFailure.
func (r *Recorder) RecordSuccess(ctx context.Context, a Attempt, s Success) error {
	now := r.now()
	score := s.Score
	run := &entity.Run{
		JobToken:   a.Job.Token,
		SubjectID:  a.Job.SubjectID,
		Attempt:    a.Number,
		StartedAt:  a.StartedAt,
		FinishedAt: now,
		Status:     constants.RunStatusOK,
		Score:      &score,
		Bytes:      s.Bytes,
		Chars:      s.Chars,
		LogPath:    a.LogPath,
		Summary:    s.Summary,
		Details:    s.Details,
	}
	err := r.ledger.WithTx(ctx, func(tx *repository.Tx) error {
		if err := tx.Runs.Insert(ctx, run); err != nil {
			return err
		}
		if err := tx.Subjects.MarkScored(ctx, a.Job.SubjectID, score, now); err != nil {
			return err
		}
		return tx.Jobs.Complete(ctx, a.Job.ID, now)
	})
	if errors.Is(err, repository.ErrSubjectLocked) {
		return common.JobErrorf(common.KindSubjectLocked, "subject %s was locked before the score was recorded", a.Job.SubjectID)
	}
	if err != nil {
		return common.NewJobError(common.KindPersistFailure, fmt.Errorf("record success: %w", err))
	}

	r.publish(ctx, a.Job.Token, progress.DonePatch(score, fmt.Sprintf("JOB DONE status=ok score=%d", score)))
	r.metrics.RecordOutcome(string(constants.JobStatusOK), "")
	r.events.Emit(ctx, events.Event{
		Kind:      events.KindDone,
		JobID:     a.Job.ID,
		Token:     a.Job.Token,
		SubjectID: a.Job.SubjectID,
		Attempt:   a.Number,
		Status:    string(constants.JobStatusOK),
		Score:     &score,
		Message:   s.Summary,
	})
	r.logger.Info("job.done", "job_id", a.Job.ID, "token", a.Job.Token, "attempt", a.Number, "score", score)
	return nil
}

// RecordFailure consumes one attempt and either requeues the job or fails it terminally.
// Terminal failures also write an error run. The returned status is the job's new status.
func (r *Recorder) RecordFailure(ctx context.Context, a Attempt, cause error) (constants.JobStatus, error) {
	kind := common.KindOf(cause)
	msg := common.UserMessage(cause)
	attempts := a.Job.Attempts + 1
	next := NextJobState(attempts, a.Job.MaxAttempts, kind)
	now := r.now()

	switch next {
	case constants.JobStatusQueued:
		if err := r.jobs.Requeue(ctx, a.Job.ID, attempts, msg); err != nil {
			return constants.JobStatusRunning, fmt.Errorf("requeue after %s: %w", kind, err)
		}
		r.publish(ctx, a.Job.Token, progress.StagePatch(constants.StageRetrying,
			fmt.Sprintf("attempt %d/%d failed: %s", attempts, a.Job.MaxAttempts, msg)))
	default:
		run := &entity.Run{
			JobToken:   a.Job.Token,
			SubjectID:  a.Job.SubjectID,
			Attempt:    a.Number,
			StartedAt:  a.StartedAt,
			FinishedAt: now,
			Status:     constants.RunStatusError,
			LogPath:    a.LogPath,
			Summary:    msg,
		}
		err := r.ledger.WithTx(ctx, func(tx *repository.Tx) error {
			if err := tx.Jobs.Fail(ctx, a.Job.ID, attempts, msg, now); err != nil {
				return err
			}
			return tx.Runs.Insert(ctx, run)
		})
		if err != nil {
			return constants.JobStatusRunning, fmt.Errorf("fail after %s: %w", kind, err)
		}
		r.publish(ctx, a.Job.Token, progress.FailedPatch(msg))
	}

	r.metrics.RecordOutcome(string(next), string(kind))
	r.events.Emit(ctx, events.Event{
		Kind:      events.KindError,
		JobID:     a.Job.ID,
		Token:     a.Job.Token,
		SubjectID: a.Job.SubjectID,
		Attempt:   a.Number,
		Status:    string(next),
		ErrorKind: string(kind),
		Message:   msg,
	})
	if next == constants.JobStatusError {
		r.events.Emit(ctx, events.Event{
			Kind:      events.KindDone,
			JobID:     a.Job.ID,
			Token:     a.Job.Token,
			SubjectID: a.Job.SubjectID,
			Attempt:   a.Number,
			Status:    string(next),
			ErrorKind: string(kind),
		})
	}
	r.logger.Warn("job.attempt.failed",
		"job_id", a.Job.ID, "token", a.Job.Token,
		"attempt", attempts, "max_attempts", a.Job.MaxAttempts,
		"kind", kind, "next", next, "error", cause,
	)
	return next, nil
}

func (r *Recorder) publish(ctx context.Context, token string, p progress.Patch) {
	if r.progress == nil {
		return
	}
	if _, err := r.progress.Publish(ctx, token, p); err != nil && !errors.Is(err, progress.ErrFrozen) {
		r.logger.Warn("progress.publish.failed", "token", token, "error", err)
	}
}
