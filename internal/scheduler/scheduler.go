// Package scheduler runs single-flight scheduling ticks over the job ledger.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/specsheet-validator/constants"
	"github.com/joseph-ayodele/specsheet-validator/internal/entity"
	"github.com/joseph-ayodele/specsheet-validator/internal/events"
	"github.com/joseph-ayodele/specsheet-validator/internal/metrics"
	"github.com/joseph-ayodele/specsheet-validator/internal/repository"
)

// JobStore is the slice of the job ledger a tick needs.
type JobStore interface {
	ListEligible(ctx context.Context, limit int) ([]*entity.Job, error)
	CountActive(ctx context.Context, subjectID string) (int, error)
	Claim(ctx context.Context, id string, now time.Time) (bool, error)
}

// Locker is the process-wide advisory lock. acquired=false means another instance holds it;
// a non-nil error means the ledger itself could not be reached.
type Locker interface {
	TryLock(ctx context.Context) (unlock repository.Unlock, acquired bool, err error)
}

// JobProcessor runs one claimed attempt and reports the job's resulting status.
type JobProcessor interface {
	Process(ctx context.Context, job *entity.Job) (constants.JobStatus, error)
}

type Heartbeater interface {
	Beat(ctx context.Context, workerID string, now time.Time) error
}

// TickReport summarizes one tick.
type TickReport struct {
	Skipped   bool `json:"skipped"`
	Selected  int  `json:"selected"`
	Claimed   int  `json:"claimed"`
	Deferred  int  `json:"deferred"`
	Lost      int  `json:"lost"`
	Succeeded int  `json:"succeeded"`
	Requeued  int  `json:"requeued"`
	Failed    int  `json:"failed"`
	// Unrecorded counts attempts whose outcome could not be written to the ledger.
	Unrecorded int `json:"unrecorded"`
}

type Scheduler struct {
	jobs      JobStore
	locker    Locker
	processor JobProcessor
	heartbeat Heartbeater
	events    events.Sink
	metrics   *metrics.Collector
	workerID  string
	logger    *slog.Logger
	now       func() time.Time
}

func New(jobs JobStore, locker Locker, processor JobProcessor, heartbeat Heartbeater, sink events.Sink, m *metrics.Collector, workerID string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = events.Nop
	}
	return &Scheduler{
		jobs:      jobs,
		locker:    locker,
		processor: processor,
		heartbeat: heartbeat,
		events:    sink,
		metrics:   m,
		workerID:  workerID,
		logger:    logger.With("worker_id", workerID),
		now:       time.Now,
	}
}

// Tick processes up to batchSize eligible jobs sequentially while holding the advisory lock.
// A busy lock is a normal skip. The returned error is tick-fatal: the ledger could not be
// reached or the lock could not be released.
func (s *Scheduler) Tick(ctx context.Context, batchSize int) (report TickReport, err error) {
	if batchSize <= 0 {
		batchSize = 10
	}
	defer s.beat(ctx)

	unlock, acquired, err := s.locker.TryLock(ctx)
	if err != nil {
		return report, s.fatal(ctx, "acquire lock", err)
	}
	if !acquired {
		report.Skipped = true
		s.logger.Info("scheduler.tick.skipped", "reason", "lock held elsewhere")
		s.metrics.RecordTick("skipped")
		s.events.Emit(ctx, events.Event{Kind: events.KindTick, WorkerID: s.workerID, Message: "skipped"})
		return report, nil
	}

	defer func() {
		// Released even when ctx is already cancelled.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if uerr := unlock(relCtx); uerr != nil {
			err = errors.Join(err, s.fatal(ctx, "release lock", uerr))
		}
		if err == nil {
			s.metrics.RecordTick("ran")
			s.events.Emit(ctx, events.Event{
				Kind:     events.KindTick,
				WorkerID: s.workerID,
				Message:  "done",
				Fields:   report.fields(),
			})
			s.logger.Info("scheduler.tick.done", report.attrs()...)
		}
	}()

	batch, err := s.jobs.ListEligible(ctx, batchSize)
	if err != nil {
		return report, s.fatal(ctx, "list eligible jobs", err)
	}
	report.Selected = len(batch)

	for _, job := range batch {
		if ctx.Err() != nil {
			s.logger.Warn("scheduler.tick.interrupted", "error", ctx.Err())
			break
		}

		active, err := s.jobs.CountActive(ctx, job.SubjectID)
		if err != nil {
			return report, s.fatal(ctx, "count active jobs", err)
		}
		if active > 1 {
			report.Deferred++
			s.metrics.RecordDeferred()
			s.logger.Info("job.deferred", "job_id", job.ID, "subject_id", job.SubjectID, "active", active)
			s.events.Emit(ctx, events.Event{
				Kind:      events.KindDefer,
				WorkerID:  s.workerID,
				JobID:     job.ID,
				Token:     job.Token,
				SubjectID: job.SubjectID,
				Fields:    map[string]any{"active": active},
			})
			continue
		}

		now := s.now()
		won, err := s.jobs.Claim(ctx, job.ID, now)
		if err != nil {
			return report, s.fatal(ctx, "claim job", err)
		}
		if !won {
			report.Lost++
			s.metrics.RecordClaimLost()
			continue
		}
		report.Claimed++
		s.metrics.RecordClaim()
		job.Status = constants.JobStatusRunning
		job.StartedAt = &now
		s.events.Emit(ctx, events.Event{
			Kind:      events.KindClaim,
			WorkerID:  s.workerID,
			JobID:     job.ID,
			Token:     job.Token,
			SubjectID: job.SubjectID,
			Attempt:   job.Attempt(),
		})

		status, err := s.processor.Process(ctx, job)
		if err != nil {
			report.Unrecorded++
			s.logger.Error("job.outcome.unrecorded", "job_id", job.ID, "token", job.Token, "error", err)
			continue
		}
		switch status {
		case constants.JobStatusOK:
			report.Succeeded++
		case constants.JobStatusQueued:
			report.Requeued++
		default:
			report.Failed++
		}
	}
	return report, nil
}

func (s *Scheduler) fatal(ctx context.Context, op string, err error) error {
	err = fmt.Errorf("tick: %s: %w", op, err)
	s.metrics.RecordTick("fatal")
	s.logger.Error("scheduler.tick.fatal", "op", op, "error", err)
	s.events.Emit(ctx, events.Event{Kind: events.KindFatal, WorkerID: s.workerID, Message: err.Error()})
	return err
}

func (s *Scheduler) beat(ctx context.Context) {
	if s.heartbeat == nil {
		return
	}
	hbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.heartbeat.Beat(hbCtx, s.workerID, s.now()); err != nil {
		s.logger.Warn("scheduler.heartbeat.failed", "error", err)
	}
}

func (r TickReport) attrs() []any {
	return []any{
		"selected", r.Selected, "claimed", r.Claimed, "deferred", r.Deferred, "lost", r.Lost,
		"succeeded", r.Succeeded, "requeued", r.Requeued, "failed", r.Failed, "unrecorded", r.Unrecorded,
	}
}

func (r TickReport) fields() map[string]any {
	a := r.attrs()
	out := make(map[string]any, len(a)/2)
	for i := 0; i+1 < len(a); i += 2 {
		out[a[i].(string)] = a[i+1]
	}
	return out
}
