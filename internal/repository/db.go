package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/joseph-ayodele/specsheet-validator/db/schema"
)

type Config struct {
	Driver           string // postgres | sqlite
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Ledger is the relational store holding jobs, runs, subjects and heartbeats.
type Ledger struct {
	DB      *sql.DB
	Pool    *pgxpool.Pool // nil for sqlite
	dialect string
	logger  *slog.Logger
}

// Open connects to the configured ledger. Postgres goes through a pgx pool wrapped as *sql.DB;
// sqlite is opened with a single connection so writers serialize in-process.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Driver {
	case "", "postgres", "pgx":
		return openPostgres(ctx, cfg, logger)
	case "sqlite":
		return openSQLite(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported ledger driver: %q", cfg.Driver)
	}
}

func openPostgres(ctx context.Context, cfg Config, logger *slog.Logger) (*Ledger, error) {
	logger.Info("connecting to database", "driver", "postgres")
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, err
	}

	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pc.MinConns = cfg.MinConns
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "specsheet-validator"
	if cfg.StatementTimeout > 0 {
		pc.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", cfg.StatementTimeout.Milliseconds())
	}

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, err
	}

	logger.Info("successfully connected to database")
	return &Ledger{
		DB:      stdlib.OpenDBFromPool(pool),
		Pool:    pool,
		dialect: dialect.Postgres,
		logger:  logger,
	}, nil
}

func openSQLite(ctx context.Context, cfg Config, logger *slog.Logger) (*Ledger, error) {
	logger.Info("connecting to database", "driver", "sqlite", "dsn", cfg.DSN)
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		logger.Error("failed to connect to database", "error", err)
		return nil, err
	}
	logger.Info("successfully connected to database")
	return &Ledger{DB: db, dialect: dialect.SQLite, logger: logger}, nil
}

// Dialect returns the ent dialect name of the ledger.
func (l *Ledger) Dialect() string {
	return l.dialect
}

func (l *Ledger) builder() *entsql.DialectBuilder {
	return entsql.Dialect(l.dialect)
}

// Migrate applies the embedded idempotent schema.
func (l *Ledger) Migrate(ctx context.Context) error {
	ddl, err := schema.DDL(l.dialect)
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := l.DB.ExecContext(ctx, stmt); err != nil {
			l.logger.Error("ledger.migrate.failed", "error", err)
			return fmt.Errorf("migrate: %w", err)
		}
	}
	l.logger.Debug("ledger.migrate.ok", "dialect", l.dialect)
	return nil
}

// Tx exposes repositories bound to one transaction.
type Tx struct {
	Jobs     JobRepository
	Runs     RunRepository
	Subjects SubjectRepository
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
// fn must only touch the ledger through tx; sqlite has a single connection.
func (l *Ledger) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	tx := &Tx{
		Jobs:     &jobRepo{q: sqlTx, b: l.builder(), log: l.logger},
		Runs:     &runRepo{q: sqlTx, b: l.builder(), log: l.logger},
		Subjects: &subjectRepo{q: sqlTx, b: l.builder(), log: l.logger},
	}
	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			l.logger.Error("ledger.tx.rollback.failed", "error", rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Close closes the database connections gracefully
func (l *Ledger) Close() {
	l.logger.Info("closing database connections")
	if err := l.DB.Close(); err != nil {
		l.logger.Error("failed to close database", "error", err)
	}
	if l.Pool != nil {
		l.Pool.Close()
	}
	l.logger.Info("database connections closed")
}

// HealthCheck pings the ledger to catch DSN issues early.
func (l *Ledger) HealthCheck(ctx context.Context, timeout time.Duration) error {
	l.logger.Debug("pinging database")
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := l.DB.PingContext(ctx); err != nil {
		return err
	}
	l.logger.Debug("database ping successful")
	return nil
}

// isUniqueViolation reports whether err is a unique constraint failure on either dialect.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
