package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/specsheet-validator/internal/utils"
)

const heartbeatsTable = "worker_heartbeats"

type HeartbeatRepository interface {
	Beat(ctx context.Context, workerID string, now time.Time) error
	Latest(ctx context.Context) (*time.Time, error)
}

type heartbeatRepo struct {
	q   querier
	b   *entsql.DialectBuilder
	log *slog.Logger
}

func NewHeartbeatRepository(l *Ledger, logger *slog.Logger) HeartbeatRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &heartbeatRepo{q: l.DB, b: l.builder(), log: logger}
}

// Beat upserts the worker's last-seen time.
func (r *heartbeatRepo) Beat(ctx context.Context, workerID string, now time.Time) error {
	query, args := r.b.Insert(heartbeatsTable).
		Columns("worker_id", "beat_at").
		Values(workerID, utils.ToMillis(now)).
		OnConflict(
			entsql.ConflictColumns("worker_id"),
			entsql.ResolveWithNewValues(),
		).
		Query()
	if _, err := r.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// Latest returns the most recent beat across all workers, or nil if none was ever recorded.
func (r *heartbeatRepo) Latest(ctx context.Context) (*time.Time, error) {
	query, args := r.b.Select(entsql.Max("beat_at")).From(r.b.Table(heartbeatsTable)).Query()
	var ms sql.NullInt64
	if err := r.q.QueryRowContext(ctx, query, args...).Scan(&ms); err != nil {
		return nil, fmt.Errorf("latest heartbeat: %w", err)
	}
	return utils.NullMillis(ms), nil
}
