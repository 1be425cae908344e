package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/specsheet-validator/internal/common"
	"github.com/joseph-ayodele/specsheet-validator/internal/repository"
)

// ConnectDB opens the ledger described by cfg and applies the embedded schema.
func ConnectDB(ctx context.Context, cfg common.DatabaseConfig, logger *slog.Logger) (*repository.Ledger, error) {
	logger.Info("connecting to database", "driver", cfg.Driver)
	ledger, err := repository.Open(ctx, repository.Config{
		Driver:           cfg.Driver,
		DSN:              cfg.DSN,
		MaxConns:         cfg.MaxConns,
		MinConns:         cfg.MinConns,
		MaxConnLifetime:  cfg.MaxConnLifetime,
		MaxConnIdleTime:  cfg.MaxConnIdleTime,
		DialTimeout:      cfg.DialTimeout,
		StatementTimeout: cfg.StatementTimeout,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, err
	}
	if err := ledger.Migrate(ctx); err != nil {
		logger.Error("failed to apply schema", "error", err)
		ledger.Close()
		return nil, err
	}

	logger.Info("successfully connected to database", "dialect", ledger.Dialect())
	return ledger, nil
}

// PingDB pings the database to ensure it's responsive
func PingDB(ctx context.Context, ledger *repository.Ledger, logger *slog.Logger, timeout time.Duration) error {
	logger.Debug("pinging database")
	if err := ledger.HealthCheck(ctx, timeout); err != nil {
		logger.Error("database ping failed", "error", err)
		return err
	}
	logger.Debug("database ping successful")
	return nil
}

// CloseDB closes the ledger if it was opened.
func CloseDB(ledger *repository.Ledger) {
	if ledger != nil {
		ledger.Close()
	}
}
