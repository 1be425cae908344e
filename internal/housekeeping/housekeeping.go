// Package housekeeping purges expired pipeline state and reports ledger health.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/specsheet-validator/internal/metrics"
	"github.com/joseph-ayodele/specsheet-validator/internal/oplog"
	"github.com/joseph-ayodele/specsheet-validator/internal/progress"
)

type RunPurger interface {
	PurgeBefore(ctx context.Context, finishedBefore time.Time) (int64, error)
}

type JobPurger interface {
	PurgeTerminal(ctx context.Context, finishedBefore time.Time) (int64, error)
}

// Retention holds the age after which each kind of state is removed.
type Retention struct {
	Progress     time.Duration
	OperatorLogs time.Duration
	Runs         time.Duration
	Jobs         time.Duration
}

// Report counts what one pass removed.
type Report struct {
	Snapshots    int   `json:"snapshots"`
	OperatorLogs int   `json:"operator_logs"`
	Runs         int64 `json:"runs"`
	Jobs         int64 `json:"jobs"`
}

type Housekeeper struct {
	retention Retention
	progress  progress.Store
	logDir    string
	runs      RunPurger
	jobs      JobPurger
	metrics   *metrics.Collector
	logger    *slog.Logger
}

func NewHousekeeper(retention Retention, store progress.Store, logDir string, runs RunPurger, jobs JobPurger, m *metrics.Collector, logger *slog.Logger) *Housekeeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Housekeeper{
		retention: retention,
		progress:  store,
		logDir:    logDir,
		runs:      runs,
		jobs:      jobs,
		metrics:   m,
		logger:    logger,
	}
}

// Run purges snapshots, operator logs and runs, then terminal jobs whose runs are gone.
// A zero retention disables that step. Each step runs even if an earlier one failed, except
// that jobs are left alone when runs could not be purged.
func (h *Housekeeper) Run(ctx context.Context, now time.Time) (Report, error) {
	var (
		report Report
		errs   []error
	)

	if h.progress != nil && h.retention.Progress > 0 {
		n, err := h.progress.Purge(ctx, now.Add(-h.retention.Progress))
		report.Snapshots = n
		h.metrics.RecordPurged("progress", int64(n))
		if err != nil {
			errs = append(errs, fmt.Errorf("purge progress: %w", err))
		}
	}

	if h.logDir != "" && h.retention.OperatorLogs > 0 {
		n, err := oplog.Purge(h.logDir, now.Add(-h.retention.OperatorLogs))
		report.OperatorLogs = n
		h.metrics.RecordPurged("operator_logs", int64(n))
		if err != nil {
			errs = append(errs, fmt.Errorf("purge operator logs: %w", err))
		}
	}

	runsOK := true
	if h.runs != nil && h.retention.Runs > 0 {
		n, err := h.runs.PurgeBefore(ctx, now.Add(-h.retention.Runs))
		report.Runs = n
		h.metrics.RecordPurged("runs", n)
		if err != nil {
			runsOK = false
			errs = append(errs, fmt.Errorf("purge runs: %w", err))
		}
	}

	if runsOK && h.jobs != nil && h.retention.Jobs > 0 {
		n, err := h.jobs.PurgeTerminal(ctx, now.Add(-h.retention.Jobs))
		report.Jobs = n
		h.metrics.RecordPurged("jobs", n)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge jobs: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		h.logger.Error("housekeeping.failed", "error", err)
	}
	h.logger.Info("housekeeping.done",
		"snapshots", report.Snapshots,
		"operator_logs", report.OperatorLogs,
		"runs", report.Runs,
		"jobs", report.Jobs,
	)
	return report, err
}
