package repository

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/joseph-ayodele/specsheet-validator/internal/utils"
)

const locksTable = "scheduler_locks"

// Unlock releases a held scheduler lock.
type Unlock func(ctx context.Context) error

// GenerateLockID derives a stable advisory lock key from the given parts.
func GenerateLockID(parts ...string) int64 {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
	}
	hash := h.Sum(nil)

	var id int64
	for i := range 8 {
		id = (id << 8) | int64(hash[i])
	}
	return id
}

// PGAdvisoryLocker takes a session-level advisory lock on a connection pinned for the tick.
type PGAdvisoryLocker struct {
	pool    *pgxpool.Pool
	lockID  int64
	timeout time.Duration
	log     *slog.Logger
}

func NewPGAdvisoryLocker(pool *pgxpool.Pool, name string, timeout time.Duration, logger *slog.Logger) *PGAdvisoryLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PGAdvisoryLocker{pool: pool, lockID: GenerateLockID(name), timeout: timeout, log: logger}
}

// TryLock never waits on the lock itself; the timeout only bounds acquiring a connection.
// A connection error is returned as an error, contention as acquired=false.
func (l *PGAdvisoryLocker) TryLock(ctx context.Context) (Unlock, bool, error) {
	acqCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		acqCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	conn, err := l.pool.Acquire(acqCtx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(acqCtx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		l.log.Debug("scheduler.lock.busy", "lock_id", l.lockID)
		return nil, false, nil
	}

	unlock := func(ctx context.Context) error {
		var released bool
		err := conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", l.lockID).Scan(&released)
		if err != nil {
			// closing the session drops any lock it still holds
			_ = conn.Conn().Close(ctx)
			conn.Release()
			return fmt.Errorf("advisory unlock: %w", err)
		}
		conn.Release()
		if !released {
			return fmt.Errorf("advisory lock %d was not held at release", l.lockID)
		}
		return nil
	}
	return unlock, true, nil
}

var errLeaseLost = errors.New("lease lock lost")

// LeaseLocker emulates an advisory lock on sqlite with an expiring row. While held, the lease
// is extended every third of its length so a long tick cannot outlive it.
type LeaseLocker struct {
	ledger *Ledger
	name   string
	holder string
	lease  time.Duration
	now    func() time.Time
	log    *slog.Logger
}

func NewLeaseLocker(l *Ledger, name, workerID string, lease time.Duration, logger *slog.Logger) *LeaseLocker {
	if logger == nil {
		logger = slog.Default()
	}
	if lease <= 0 {
		lease = 15 * time.Minute
	}
	return &LeaseLocker{ledger: l, name: name, holder: workerID, lease: lease, now: time.Now, log: logger}
}

// TryLock inserts the lease row, or takes it over when the previous lease expired.
func (l *LeaseLocker) TryLock(ctx context.Context) (Unlock, bool, error) {
	now := l.now()
	holder := l.holder + "/" + uuid.NewString()
	b := l.ledger.builder()
	query, args := b.Insert(locksTable).
		Columns("name", "holder", "expires_at").
		Values(l.name, holder, utils.ToMillis(now.Add(l.lease))).
		OnConflict(
			entsql.ConflictColumns("name"),
			entsql.ResolveWithNewValues(),
			entsql.UpdateWhere(entsql.LT("expires_at", utils.ToMillis(now))),
		).
		Query()
	res, err := l.ledger.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease lock: %w", err)
	}
	if n == 0 {
		l.log.Debug("scheduler.lock.busy", "name", l.name)
		return nil, false, nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(context.WithoutCancel(ctx), holder, stop, done)

	var once sync.Once
	unlock := func(ctx context.Context) error {
		once.Do(func() {
			close(stop)
			<-done
		})
		q, a := b.Delete(locksTable).
			Where(entsql.And(entsql.EQ("name", l.name), entsql.EQ("holder", holder))).
			Query()
		res, err := l.ledger.DB.ExecContext(ctx, q, a...)
		if err != nil {
			return fmt.Errorf("release lease lock: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return errors.Join(errors.New("lease lock lost before release"), err)
		}
		return nil
	}
	return unlock, true, nil
}

func (l *LeaseLocker) keepAlive(ctx context.Context, holder string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	every := l.lease / 3
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			renewCtx, cancel := context.WithTimeout(ctx, every)
			err := l.renew(renewCtx, holder)
			cancel()
			if errors.Is(err, errLeaseLost) {
				l.log.Error("scheduler.lock.lost", "name", l.name, "holder", holder)
				return
			}
			if err != nil {
				l.log.Warn("scheduler.lock.renew.failed", "name", l.name, "error", err)
			}
		}
	}
}

func (l *LeaseLocker) renew(ctx context.Context, holder string) error {
	query, args := l.ledger.builder().Update(locksTable).
		Set("expires_at", utils.ToMillis(l.now().Add(l.lease))).
		Where(entsql.And(entsql.EQ("name", l.name), entsql.EQ("holder", holder))).
		Query()
	res, err := l.ledger.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("renew lease lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("renew lease lock: %w", err)
	}
	if n == 0 {
		return errLeaseLost
	}
	return nil
}
