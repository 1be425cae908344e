package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/joseph-ayodele/specsheet-validator/internal/common"
)

var (
	errEmptyBody = errors.New("object body is empty")
	errMissing   = errors.New("object does not exist")
)

type FetcherConfig struct {
	MaxAttempts int           // default 3
	BackoffBase time.Duration // delay before attempt n+1 is BackoffBase*n
	MaxBytes    int64         // 0 disables the ceiling
	TempDir     string        // "" uses os.TempDir
}

// Fetcher downloads objects into caller-owned temp files with bounded retries.
type Fetcher struct {
	store  ObjectStore
	cfg    FetcherConfig
	logger *slog.Logger

	// Sleep waits between attempts; tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnAttempt, when set, observes every attempt outcome (nil err = success).
	OnAttempt func(attempt int, err error)
}

func NewFetcher(store ObjectStore, cfg FetcherConfig, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase < 0 {
		cfg.BackoffBase = 0
	}
	return &Fetcher{store: store, cfg: cfg, logger: logger, Sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Fetch downloads key to a temp file and returns its path and size. The caller owns the file.
// A size violation fails immediately; other failures are retried up to MaxAttempts.
func (f *Fetcher) Fetch(ctx context.Context, key string) (string, int64, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", 0, common.JobErrorf(common.KindMissingSourceKey, "subject has no storage key")
	}

	var lastErr error
	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := f.cfg.BackoffBase * time.Duration(attempt-1)
			f.logger.Info("storage.fetch.retry", "key", key, "attempt", attempt, "delay", delay, "last_error", lastErr)
			if err := f.Sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}

		p, size, err := f.fetchOnce(ctx, key)
		if f.OnAttempt != nil {
			f.OnAttempt(attempt, err)
		}
		if err == nil {
			f.logger.Debug("storage.fetch.ok", "key", key, "attempt", attempt, "bytes", size)
			return p, size, nil
		}
		var je *common.JobError
		if errors.As(err, &je) {
			return "", 0, err
		}
		lastErr = err
		f.logger.Warn("storage.fetch.failed", "key", key, "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return "", 0, common.NewJobError(common.KindDownloadFailed, fmt.Errorf("fetch %s: %w", key, lastErr))
}

func (f *Fetcher) fetchOnce(ctx context.Context, key string) (string, int64, error) {
	info, err := f.store.Stat(ctx, key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return "", 0, fmt.Errorf("%w: %v", errMissing, err)
		}
		return "", 0, err
	}
	if f.cfg.MaxBytes > 0 && info.Size > f.cfg.MaxBytes {
		return "", 0, common.JobErrorf(common.KindSizeExceeded, "object is %d bytes, limit %d", info.Size, f.cfg.MaxBytes)
	}
	if info.Size == 0 {
		return "", 0, errEmptyBody
	}

	rc, err := f.store.Open(ctx, key)
	if err != nil {
		return "", 0, err
	}
	defer func(rc io.ReadCloser) {
		_ = rc.Close()
	}(rc)

	tmp, err := os.CreateTemp(f.cfg.TempDir, "src-*"+path.Ext(key))
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	keep := false
	defer func() {
		if !keep {
			_ = os.Remove(tmp.Name())
		}
	}()

	var src io.Reader = rc
	if f.cfg.MaxBytes > 0 {
		src = io.LimitReader(rc, f.cfg.MaxBytes+1)
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, fmt.Errorf("download: %w", err)
	}
	if f.cfg.MaxBytes > 0 && n > f.cfg.MaxBytes {
		return "", 0, common.JobErrorf(common.KindSizeExceeded, "object exceeded %d bytes while downloading", f.cfg.MaxBytes)
	}
	if n == 0 {
		return "", 0, errEmptyBody
	}
	keep = true
	return tmp.Name(), n, nil
}
