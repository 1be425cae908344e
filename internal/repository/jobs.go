package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/specsheet-validator/constants"
	"github.com/joseph-ayodele/specsheet-validator/internal/common"
	"github.com/joseph-ayodele/specsheet-validator/internal/entity"
	"github.com/joseph-ayodele/specsheet-validator/internal/utils"
)

const jobsTable = "analysis_jobs"

var jobColumns = []string{
	"id", "token", "subject_id", "status", "attempts", "max_attempts",
	"created_at", "started_at", "finished_at", "error_msg",
}

var (
	// ErrActiveJobExists is returned by Enqueue when the subject already has a queued or running job.
	ErrActiveJobExists = fmt.Errorf("%w: subject already has an active job", common.ErrConflict)
	// ErrJobNotRunning is returned when a terminal or retry transition finds the job no longer running.
	ErrJobNotRunning = fmt.Errorf("%w: job is not running", common.ErrConflict)
	// ErrJobNotFound is returned when no job matches the lookup.
	ErrJobNotFound = fmt.Errorf("%w: job", common.ErrNotFound)
)

type JobRepository interface {
	Enqueue(ctx context.Context, subjectID string, maxAttempts int, now time.Time) (*entity.Job, error)
	GetByToken(ctx context.Context, token string) (*entity.Job, error)
	GetByID(ctx context.Context, id string) (*entity.Job, error)
	ListEligible(ctx context.Context, limit int) ([]*entity.Job, error)
	CountActive(ctx context.Context, subjectID string) (int, error)
	Claim(ctx context.Context, id string, now time.Time) (bool, error)
	Requeue(ctx context.Context, id string, attempts int, msg string) error
	Fail(ctx context.Context, id string, attempts int, msg string, now time.Time) error
	Complete(ctx context.Context, id string, now time.Time) error
	CountByStatus(ctx context.Context) (map[constants.JobStatus]int, error)
	OldestQueued(ctx context.Context) (*time.Time, error)
	CountStuckRunning(ctx context.Context, startedBefore time.Time) (int, error)
	PurgeTerminal(ctx context.Context, finishedBefore time.Time) (int64, error)
}

type jobRepo struct {
	q   querier
	b   *entsql.DialectBuilder
	log *slog.Logger
}

func NewJobRepository(l *Ledger, logger *slog.Logger) JobRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &jobRepo{q: l.DB, b: l.builder(), log: logger}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(s rowScanner) (*entity.Job, error) {
	var (
		j          entity.Job
		status     string
		createdAt  int64
		startedAt  sql.NullInt64
		finishedAt sql.NullInt64
		errMsg     sql.NullString
	)
	if err := s.Scan(&j.ID, &j.Token, &j.SubjectID, &status, &j.Attempts, &j.MaxAttempts,
		&createdAt, &startedAt, &finishedAt, &errMsg); err != nil {
		return nil, err
	}
	j.Status = constants.JobStatus(status)
	j.CreatedAt = utils.FromMillis(createdAt)
	j.StartedAt = utils.NullMillis(startedAt)
	j.FinishedAt = utils.NullMillis(finishedAt)
	j.ErrorMsg = utils.NullString(errMsg)
	return &j, nil
}

// Enqueue inserts a queued job. The partial unique index on active jobs turns a concurrent
// duplicate into ErrActiveJobExists.
func (r *jobRepo) Enqueue(ctx context.Context, subjectID string, maxAttempts int, now time.Time) (*entity.Job, error) {
	if maxAttempts <= 0 {
		maxAttempts = constants.DefaultMaxAttempts
	}
	job := &entity.Job{
		ID:          uuid.NewString(),
		Token:       utils.NewToken(),
		SubjectID:   subjectID,
		Status:      constants.JobStatusQueued,
		Attempts:    0,
		MaxAttempts: maxAttempts,
		CreatedAt:   utils.FromMillis(utils.ToMillis(now)),
	}
	query, args := r.b.Insert(jobsTable).
		Columns("id", "token", "subject_id", "status", "attempts", "max_attempts", "created_at").
		Values(job.ID, job.Token, job.SubjectID, string(job.Status), job.Attempts, job.MaxAttempts, utils.ToMillis(now)).
		Query()
	if _, err := r.q.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			r.log.Info("job.enqueue.rejected", "subject_id", subjectID, "reason", "active job exists")
			return nil, ErrActiveJobExists
		}
		r.log.Error("job.enqueue.failed", "subject_id", subjectID, "error", err)
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	r.log.Info("job.enqueued", "job_id", job.ID, "token", job.Token, "subject_id", subjectID)
	return job, nil
}

func (r *jobRepo) getOne(ctx context.Context, p *entsql.Predicate) (*entity.Job, error) {
	query, args := r.b.Select(jobColumns...).From(r.b.Table(jobsTable)).Where(p).Query()
	job, err := scanJob(r.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (r *jobRepo) GetByToken(ctx context.Context, token string) (*entity.Job, error) {
	return r.getOne(ctx, entsql.EQ("token", token))
}

func (r *jobRepo) GetByID(ctx context.Context, id string) (*entity.Job, error) {
	return r.getOne(ctx, entsql.EQ("id", id))
}

// ListEligible returns up to limit queued jobs with attempts left, oldest first.
func (r *jobRepo) ListEligible(ctx context.Context, limit int) ([]*entity.Job, error) {
	query, args := r.b.Select(jobColumns...).
		From(r.b.Table(jobsTable)).
		Where(entsql.And(
			entsql.EQ("status", string(constants.JobStatusQueued)),
			entsql.ColumnsLT("attempts", "max_attempts"),
		)).
		OrderBy("created_at", "id").
		Limit(limit).
		Query()
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list eligible jobs: %w", err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	var jobs []*entity.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *jobRepo) count(ctx context.Context, p *entsql.Predicate) (int, error) {
	query, args := r.b.Select().From(r.b.Table(jobsTable)).Where(p).Count().Query()
	var n int
	if err := r.q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// CountActive counts queued or running jobs for the subject.
func (r *jobRepo) CountActive(ctx context.Context, subjectID string) (int, error) {
	n, err := r.count(ctx, entsql.And(
		entsql.EQ("subject_id", subjectID),
		entsql.In("status", activeStatusArgs()...),
	))
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

func activeStatusArgs() []any {
	args := make([]any, len(constants.ActiveJobStatuses))
	for i, s := range constants.ActiveJobStatuses {
		args[i] = string(s)
	}
	return args
}

// Claim moves a job from queued to running. A false result means another claimer won.
func (r *jobRepo) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	query, args := r.b.Update(jobsTable).
		Set("status", string(constants.JobStatusRunning)).
		Set("started_at", utils.ToMillis(now)).
		Where(entsql.And(
			entsql.EQ("id", id),
			entsql.EQ("status", string(constants.JobStatusQueued)),
		)).
		Query()
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job rows affected: %w", err)
	}
	if n == 0 {
		r.log.Debug("job.claim.lost", "job_id", id)
		return false, nil
	}
	return true, nil
}

func (r *jobRepo) transition(ctx context.Context, id string, upd *entsql.UpdateBuilder, extra ...*entsql.Predicate) error {
	preds := append([]*entsql.Predicate{
		entsql.EQ("id", id),
		entsql.EQ("status", string(constants.JobStatusRunning)),
	}, extra...)
	query, args := upd.Where(entsql.And(preds...)).Query()
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotRunning
	}
	return nil
}

// Requeue returns a running job to the queue with its new attempt count. The update is
// refused when attempts would reach max_attempts, which keeps non-terminal jobs within budget.
func (r *jobRepo) Requeue(ctx context.Context, id string, attempts int, msg string) error {
	upd := r.b.Update(jobsTable).
		Set("status", string(constants.JobStatusQueued)).
		Set("attempts", attempts).
		Set("error_msg", msg).
		SetNull("started_at")
	if err := r.transition(ctx, id, upd, entsql.GT("max_attempts", attempts)); err != nil {
		r.log.Error("job.requeue.failed", "job_id", id, "attempts", attempts, "error", err)
		return fmt.Errorf("requeue job: %w", err)
	}
	r.log.Info("job.requeued", "job_id", id, "attempts", attempts)
	return nil
}

// Fail marks a running job terminally failed.
func (r *jobRepo) Fail(ctx context.Context, id string, attempts int, msg string, now time.Time) error {
	upd := r.b.Update(jobsTable).
		Set("status", string(constants.JobStatusError)).
		Set("attempts", attempts).
		Set("error_msg", msg).
		Set("finished_at", utils.ToMillis(now))
	if err := r.transition(ctx, id, upd, entsql.GTE("max_attempts", attempts)); err != nil {
		r.log.Error("job.fail.failed", "job_id", id, "attempts", attempts, "error", err)
		return fmt.Errorf("fail job: %w", err)
	}
	r.log.Warn("job.failed", "job_id", id, "attempts", attempts, "error", msg)
	return nil
}

// Complete marks a running job terminally successful.
func (r *jobRepo) Complete(ctx context.Context, id string, now time.Time) error {
	upd := r.b.Update(jobsTable).
		Set("status", string(constants.JobStatusOK)).
		Set("finished_at", utils.ToMillis(now)).
		SetNull("error_msg")
	if err := r.transition(ctx, id, upd); err != nil {
		r.log.Error("job.complete.failed", "job_id", id, "error", err)
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

func (r *jobRepo) CountByStatus(ctx context.Context) (map[constants.JobStatus]int, error) {
	query, args := r.b.Select("status", entsql.Count("*")).
		From(r.b.Table(jobsTable)).
		GroupBy("status").
		Query()
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	out := make(map[constants.JobStatus]int, 4)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		out[constants.JobStatus(status)] = n
	}
	return out, rows.Err()
}

// OldestQueued returns the creation time of the oldest queued job, or nil when the queue is empty.
func (r *jobRepo) OldestQueued(ctx context.Context) (*time.Time, error) {
	query, args := r.b.Select(entsql.Min("created_at")).
		From(r.b.Table(jobsTable)).
		Where(entsql.EQ("status", string(constants.JobStatusQueued))).
		Query()
	var ms sql.NullInt64
	if err := r.q.QueryRowContext(ctx, query, args...).Scan(&ms); err != nil {
		return nil, fmt.Errorf("oldest queued job: %w", err)
	}
	return utils.NullMillis(ms), nil
}

// CountStuckRunning counts running jobs claimed before the cutoff.
func (r *jobRepo) CountStuckRunning(ctx context.Context, startedBefore time.Time) (int, error) {
	n, err := r.count(ctx, entsql.And(
		entsql.EQ("status", string(constants.JobStatusRunning)),
		entsql.LT("started_at", utils.ToMillis(startedBefore)),
	))
	if err != nil {
		return 0, fmt.Errorf("count stuck jobs: %w", err)
	}
	return n, nil
}

// PurgeTerminal deletes terminal jobs finished before the cutoff whose runs are already gone.
func (r *jobRepo) PurgeTerminal(ctx context.Context, finishedBefore time.Time) (int64, error) {
	withRuns := r.b.Select("job_token").From(r.b.Table(runsTable))
	query, args := r.b.Delete(jobsTable).
		Where(entsql.And(
			entsql.In("status", string(constants.JobStatusOK), string(constants.JobStatusError)),
			entsql.LT("finished_at", utils.ToMillis(finishedBefore)),
			entsql.NotIn("token", withRuns),
		)).
		Query()
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return res.RowsAffected()
}
