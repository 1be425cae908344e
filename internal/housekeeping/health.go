package housekeeping

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/joseph-ayodele/specsheet-validator/constants"
)

// JobStats is the read-only view of the job ledger the health check needs.
type JobStats interface {
	CountStuckRunning(ctx context.Context, startedBefore time.Time) (int, error)
	OldestQueued(ctx context.Context) (*time.Time, error)
	CountByStatus(ctx context.Context) (map[constants.JobStatus]int, error)
}

type HeartbeatReader interface {
	Latest(ctx context.Context) (*time.Time, error)
}

type Thresholds struct {
	StuckRunningAfter time.Duration
	BacklogMaxAge     time.Duration
	BacklogMaxCount   int
	HeartbeatMaxAge   time.Duration
}

type Status struct {
	OK      bool     `json:"ok"`
	Reasons []string `json:"reasons"`
}

// Line renders the monitor line: "[<RFC3339>] ok=<bool>; <reasons or healthy>".
func (s Status) Line(now time.Time) string {
	detail := "healthy"
	if len(s.Reasons) > 0 {
		detail = strings.Join(s.Reasons, ", ")
	}
	return fmt.Sprintf("[%s] ok=%t; %s", now.UTC().Format(time.RFC3339), s.OK, detail)
}

type HealthChecker struct {
	thresholds Thresholds
	jobs       JobStats
	heartbeats HeartbeatReader
	file       string
	onStatus   func(Status)
	logger     *slog.Logger
	mu         sync.Mutex
}

// NewHealthChecker builds a checker. file may be empty to skip the status file; onStatus,
// when set, observes every result.
func NewHealthChecker(t Thresholds, jobs JobStats, heartbeats HeartbeatReader, file string, onStatus func(Status), logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthChecker{
		thresholds: t,
		jobs:       jobs,
		heartbeats: heartbeats,
		file:       file,
		onStatus:   onStatus,
		logger:     logger,
	}
}

// Check evaluates the ledger. A ledger error is itself reported as an unhealthy reason and
// also returned so callers can exit non-zero.
func (h *HealthChecker) Check(ctx context.Context, now time.Time) (Status, error) {
	var (
		reasons  []string
		firstErr error
	)
	fail := func(reason string, err error) {
		reasons = append(reasons, reason)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if h.thresholds.StuckRunningAfter > 0 {
		n, err := h.jobs.CountStuckRunning(ctx, now.Add(-h.thresholds.StuckRunningAfter))
		switch {
		case err != nil:
			fail("ledger unavailable", err)
		case n > 0:
			fail(fmt.Sprintf("%d jobs running longer than %s", n, h.thresholds.StuckRunningAfter), nil)
		}
	}

	if firstErr == nil && h.thresholds.BacklogMaxAge > 0 {
		oldest, err := h.jobs.OldestQueued(ctx)
		if err != nil {
			fail("ledger unavailable", err)
		} else if oldest != nil && now.Sub(*oldest) > h.thresholds.BacklogMaxAge {
			counts, err := h.jobs.CountByStatus(ctx)
			if err != nil {
				fail("ledger unavailable", err)
			} else if queued := counts[constants.JobStatusQueued]; queued > h.thresholds.BacklogMaxCount {
				fail(fmt.Sprintf("backlog of %d queued jobs, oldest %s old", queued, now.Sub(*oldest).Round(time.Second)), nil)
			}
		}
	}

	if firstErr == nil && h.heartbeats != nil && h.thresholds.HeartbeatMaxAge > 0 {
		last, err := h.heartbeats.Latest(ctx)
		switch {
		case err != nil:
			fail("ledger unavailable", err)
		case last == nil:
			fail("no worker heartbeat recorded", nil)
		case now.Sub(*last) > h.thresholds.HeartbeatMaxAge:
			fail(fmt.Sprintf("last worker heartbeat %s ago", now.Sub(*last).Round(time.Second)), nil)
		}
	}

	st := Status{OK: len(reasons) == 0, Reasons: reasons}
	if st.Reasons == nil {
		st.Reasons = []string{}
	}
	if err := h.append(st.Line(now)); err != nil {
		h.logger.Warn("health.file.write.failed", "path", h.file, "error", err)
	}
	if h.onStatus != nil {
		h.onStatus(st)
	}
	if st.OK {
		h.logger.Debug("health.ok")
	} else {
		h.logger.Warn("health.degraded", "reasons", st.Reasons)
	}
	return st, firstErr
}

func (h *HealthChecker) append(line string) error {
	if h.file == "" {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(h.file), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(h.file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)
	_, err = f.WriteString(line + "\n")
	return err
}
