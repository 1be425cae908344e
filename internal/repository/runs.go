package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/specsheet-validator/constants"
	"github.com/joseph-ayodele/specsheet-validator/internal/entity"
	"github.com/joseph-ayodele/specsheet-validator/internal/utils"
)

const runsTable = "analysis_runs"

var runColumns = []string{
	"id", "job_token", "subject_id", "attempt", "started_at", "finished_at",
	"status", "score", "bytes", "chars", "log_path", "summary", "details",
}

// RunRepository is append-only: runs are inserted once and only removed by retention.
type RunRepository interface {
	Insert(ctx context.Context, run *entity.Run) error
	List(ctx context.Context, filter entity.RunFilter) ([]*entity.Run, error)
	PurgeBefore(ctx context.Context, finishedBefore time.Time) (int64, error)
}

type runRepo struct {
	q   querier
	b   *entsql.DialectBuilder
	log *slog.Logger
}

func NewRunRepository(l *Ledger, logger *slog.Logger) RunRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &runRepo{q: l.DB, b: l.builder(), log: logger}
}

func (r *runRepo) Insert(ctx context.Context, run *entity.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	details := string(run.Details)
	if details == "" {
		details = "{}"
	}
	var score any
	if run.Score != nil {
		score = *run.Score
	}
	query, args := r.b.Insert(runsTable).
		Columns(runColumns...).
		Values(run.ID, run.JobToken, run.SubjectID, run.Attempt,
			utils.ToMillis(run.StartedAt), utils.ToMillis(run.FinishedAt),
			string(run.Status), score, run.Bytes, run.Chars, run.LogPath, run.Summary, details).
		Query()
	if _, err := r.q.ExecContext(ctx, query, args...); err != nil {
		r.log.Error("run.insert.failed", "job_token", run.JobToken, "error", err)
		return fmt.Errorf("insert run: %w", err)
	}
	r.log.Debug("run.inserted", "run_id", run.ID, "job_token", run.JobToken, "status", run.Status)
	return nil
}

// List returns runs newest first.
func (r *runRepo) List(ctx context.Context, filter entity.RunFilter) ([]*entity.Run, error) {
	var preds []*entsql.Predicate
	if filter.SubjectID != "" {
		preds = append(preds, entsql.EQ("subject_id", filter.SubjectID))
	}
	if filter.JobToken != "" {
		preds = append(preds, entsql.EQ("job_token", filter.JobToken))
	}
	if filter.From != nil {
		preds = append(preds, entsql.GTE("finished_at", utils.ToMillis(*filter.From)))
	}
	if filter.To != nil {
		preds = append(preds, entsql.LTE("finished_at", utils.ToMillis(*filter.To)))
	}

	sel := r.b.Select(runColumns...).From(r.b.Table(runsTable))
	if len(preds) > 0 {
		sel = sel.Where(entsql.And(preds...))
	}
	sel = sel.OrderBy(entsql.Desc("finished_at"), entsql.Desc("attempt"))
	if filter.Limit > 0 {
		sel = sel.Limit(filter.Limit)
	}
	query, args := sel.Query()

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	var out []*entity.Run
	for rows.Next() {
		var (
			run        entity.Run
			startedAt  int64
			finishedAt int64
			status     string
			score      sql.NullInt64
			details    string
		)
		if err := rows.Scan(&run.ID, &run.JobToken, &run.SubjectID, &run.Attempt, &startedAt, &finishedAt,
			&status, &score, &run.Bytes, &run.Chars, &run.LogPath, &run.Summary, &details); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.StartedAt = utils.FromMillis(startedAt)
		run.FinishedAt = utils.FromMillis(finishedAt)
		run.Status = constants.RunStatus(status)
		run.Score = utils.NullInt(score)
		run.Details = []byte(details)
		out = append(out, &run)
	}
	return out, rows.Err()
}

func (r *runRepo) PurgeBefore(ctx context.Context, finishedBefore time.Time) (int64, error) {
	query, args := r.b.Delete(runsTable).
		Where(entsql.LT("finished_at", utils.ToMillis(finishedBefore))).
		Query()
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purge runs: %w", err)
	}
	return res.RowsAffected()
}
