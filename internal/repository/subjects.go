package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/specsheet-validator/constants"
	"github.com/joseph-ayodele/specsheet-validator/internal/common"
	"github.com/joseph-ayodele/specsheet-validator/internal/entity"
	"github.com/joseph-ayodele/specsheet-validator/internal/utils"
)

const subjectsTable = "subjects"

var (
	// ErrSubjectNotFound is returned when no subject matches the id.
	ErrSubjectNotFound = fmt.Errorf("%w: subject", common.ErrNotFound)
	// ErrSubjectLocked is returned when a write would touch a published or rejected subject.
	ErrSubjectLocked = fmt.Errorf("%w: subject is published or rejected", common.ErrConflict)
)

type SubjectRepository interface {
	Get(ctx context.Context, id string) (*entity.Subject, error)
	Create(ctx context.Context, s *entity.Subject) error
	SetState(ctx context.Context, id string, state constants.SubjectState, now time.Time) error
	MarkScored(ctx context.Context, id string, score int, now time.Time) error
}

type subjectRepo struct {
	q   querier
	b   *entsql.DialectBuilder
	log *slog.Logger
}

func NewSubjectRepository(l *Ledger, logger *slog.Logger) SubjectRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &subjectRepo{q: l.DB, b: l.builder(), log: logger}
}

func (r *subjectRepo) Get(ctx context.Context, id string) (*entity.Subject, error) {
	query, args := r.b.Select("id", "storage_key", "filename", "state", "score", "published_at", "created_at", "updated_at").
		From(r.b.Table(subjectsTable)).
		Where(entsql.EQ("id", id)).
		Query()
	var (
		s           entity.Subject
		state       string
		score       sql.NullInt64
		publishedAt sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	err := r.q.QueryRowContext(ctx, query, args...).
		Scan(&s.ID, &s.StorageKey, &s.Filename, &state, &score, &publishedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubjectNotFound
	}
	if err != nil {
		r.log.Error("subject.get.failed", "subject_id", id, "error", err)
		return nil, fmt.Errorf("get subject: %w", err)
	}
	s.State = constants.SubjectState(state)
	s.Score = utils.NullInt(score)
	s.PublishedAt = utils.NullMillis(publishedAt)
	s.CreatedAt = utils.FromMillis(createdAt)
	s.UpdatedAt = utils.FromMillis(updatedAt)
	return &s, nil
}

func (r *subjectRepo) Create(ctx context.Context, s *entity.Subject) error {
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	if s.State == "" {
		s.State = constants.SubjectStateSubmitted
	}
	var published any
	if s.PublishedAt != nil {
		published = utils.ToMillis(*s.PublishedAt)
	}
	query, args := r.b.Insert(subjectsTable).
		Columns("id", "storage_key", "filename", "state", "published_at", "created_at", "updated_at").
		Values(s.ID, s.StorageKey, s.Filename, string(s.State), published,
			utils.ToMillis(s.CreatedAt), utils.ToMillis(s.UpdatedAt)).
		Query()
	if _, err := r.q.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: subject %s already exists", common.ErrConflict, s.ID)
		}
		r.log.Error("subject.create.failed", "subject_id", s.ID, "error", err)
		return fmt.Errorf("create subject: %w", err)
	}
	r.log.Info("subject.created", "subject_id", s.ID, "storage_key", s.StorageKey)
	return nil
}

// SetState moves a subject to an arbitrary lifecycle state; used by operators and tests.
func (r *subjectRepo) SetState(ctx context.Context, id string, state constants.SubjectState, now time.Time) error {
	upd := r.b.Update(subjectsTable).
		Set("state", string(state)).
		Set("updated_at", utils.ToMillis(now))
	if state == constants.SubjectStatePublished {
		upd = upd.Set("published_at", utils.ToMillis(now))
	}
	query, args := upd.Where(entsql.EQ("id", id)).Query()
	return r.execOne(ctx, query, args)
}

// MarkScored writes the score back and moves the subject to pending review. It never publishes
// and never touches a published or rejected subject; that case returns ErrSubjectLocked.
func (r *subjectRepo) MarkScored(ctx context.Context, id string, score int, now time.Time) error {
	query, args := r.b.Update(subjectsTable).
		Set("score", score).
		Set("state", string(constants.SubjectStatePendingReview)).
		Set("updated_at", utils.ToMillis(now)).
		Where(entsql.And(
			entsql.EQ("id", id),
			entsql.NotIn("state", string(constants.SubjectStatePublished), string(constants.SubjectStateRejected)),
		)).
		Query()
	err := r.execOne(ctx, query, args)
	if errors.Is(err, ErrSubjectNotFound) {
		if _, gerr := r.Get(ctx, id); gerr == nil {
			err = ErrSubjectLocked
		}
	}
	if err != nil {
		r.log.Error("subject.mark_scored.failed", "subject_id", id, "error", err)
		return err
	}
	return nil
}

func (r *subjectRepo) execOne(ctx context.Context, query string, args []any) error {
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update subject: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update subject: %w", err)
	}
	if n == 0 {
		return ErrSubjectNotFound
	}
	return nil
}
