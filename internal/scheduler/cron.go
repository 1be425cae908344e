package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is a periodic daemon job.
type Task struct {
	Name     string
	Schedule string // cron spec or descriptor such as "@every 1m"
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Cron drives tasks on their schedules. A task still running when its next slot
// arrives is skipped for that slot.
type Cron struct {
	c      *cron.Cron
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func NewCron(logger *slog.Logger) *Cron {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	ctx, cancel := context.WithCancel(context.Background())
	return &Cron{
		c: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers a task. The schedule is validated immediately.
func (c *Cron) Add(t Task) error {
	_, err := c.c.AddFunc(t.Schedule, func() {
		ctx := c.ctx
		if t.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, t.Timeout)
			defer cancel()
		}
		start := time.Now()
		if err := t.Run(ctx); err != nil {
			c.logger.Error("cron.task.failed", "task", t.Name, "duration_ms", time.Since(start).Milliseconds(), "error", err)
			return
		}
		c.logger.Debug("cron.task.ok", "task", t.Name, "duration_ms", time.Since(start).Milliseconds())
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", t.Name, t.Schedule, err)
	}
	c.logger.Info("cron.task.registered", "task", t.Name, "schedule", t.Schedule)
	return nil
}

func (c *Cron) Start() {
	c.c.Start()
}

// Stop cancels running tasks and waits for them to return or ctx to expire.
func (c *Cron) Stop(ctx context.Context) {
	done := c.c.Stop()
	c.cancel()
	select {
	case <-done.Done():
	case <-ctx.Done():
		c.logger.Warn("cron.stop.timeout")
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron."+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron."+msg, append(keysAndValues, "error", err)...)
}
