package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/joseph-ayodele/specsheet-validator/constants"
	"github.com/joseph-ayodele/specsheet-validator/internal/common"
	"github.com/joseph-ayodele/specsheet-validator/internal/entity"
	"github.com/joseph-ayodele/specsheet-validator/internal/events"
	"github.com/joseph-ayodele/specsheet-validator/internal/extract"
	"github.com/joseph-ayodele/specsheet-validator/internal/metrics"
	"github.com/joseph-ayodele/specsheet-validator/internal/oplog"
	"github.com/joseph-ayodele/specsheet-validator/internal/progress"
	"github.com/joseph-ayodele/specsheet-validator/internal/repository"
	"github.com/joseph-ayodele/specsheet-validator/internal/scoring"
	"github.com/joseph-ayodele/specsheet-validator/internal/utils"
)

// recordTimeout bounds writing an attempt's outcome after its stages finished.
const recordTimeout = 30 * time.Second

// SubjectReader loads the subject a job analyzes.
type SubjectReader interface {
	Get(ctx context.Context, id string) (*entity.Subject, error)
}

// Fetcher downloads a source object into a caller-owned temp file.
type Fetcher interface {
	Fetch(ctx context.Context, key string) (string, int64, error)
}

// TextExtractor turns a local document into normalized text.
type TextExtractor interface {
	ExtractText(ctx context.Context, sourcePath string, timeout time.Duration) (extract.Result, error)
}

type ProcessorConfig struct {
	OperatorLogDir string
	ExtractTimeout time.Duration
	MemoryLimit    int64 // bytes; 0 leaves the runtime limit unchanged
	WorkerID       string
}

// Processor runs one claimed job attempt: validate subject, download, extract, score, record.
type Processor struct {
	cfg       ProcessorConfig
	subjects  SubjectReader
	fetcher   Fetcher
	extractor TextExtractor
	scorer    *scoring.Scorer
	recorder  *Recorder
	progress  progress.Store
	events    events.Sink
	metrics   *metrics.Collector
	logger    *slog.Logger
	now       func() time.Time
}

func NewProcessor(
	cfg ProcessorConfig,
	subjects SubjectReader,
	fetcher Fetcher,
	extractor TextExtractor,
	scorer *scoring.Scorer,
	recorder *Recorder,
	store progress.Store,
	sink events.Sink,
	m *metrics.Collector,
	logger *slog.Logger,
) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = events.Nop
	}
	if cfg.OperatorLogDir == "" {
		cfg.OperatorLogDir = "./data/logs/jobs"
	}
	return &Processor{
		cfg:       cfg,
		subjects:  subjects,
		fetcher:   fetcher,
		extractor: extractor,
		scorer:    scorer,
		recorder:  recorder,
		progress:  store,
		events:    sink,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// attemptState carries the per-attempt log surfaces through the stages.
type attemptState struct {
	job     *entity.Job
	attempt int
	oplog   *oplog.Log
	logger  *slog.Logger
}

func (p *Processor) stage(ctx context.Context, st *attemptState, stage constants.Stage, line string) {
	st.oplog.Printf("%s", line)
	p.publish(ctx, st.job.Token, progress.StagePatch(stage, line))
	p.events.Emit(ctx, events.Event{
		Kind:      events.KindStage,
		WorkerID:  p.cfg.WorkerID,
		JobID:     st.job.ID,
		Token:     st.job.Token,
		SubjectID: st.job.SubjectID,
		Attempt:   st.attempt,
		Stage:     string(stage),
		Message:   line,
	})
}

func (p *Processor) publish(ctx context.Context, token string, patch progress.Patch) {
	if p.progress == nil {
		return
	}
	if _, err := p.progress.Publish(ctx, token, patch); err != nil && !errors.Is(err, progress.ErrFrozen) {
		p.logger.Warn("progress.publish.failed", "token", token, "error", err)
	}
}

// Process runs one attempt of a job already claimed as running and records its outcome.
// Per-job failures are recorded, not returned; the returned error means the outcome itself
// could not be written and the job may still read as running.
func (p *Processor) Process(ctx context.Context, job *entity.Job) (constants.JobStatus, error) {
	startedAt := p.now()
	if job.StartedAt != nil {
		startedAt = *job.StartedAt
	}
	st := &attemptState{
		job:     job,
		attempt: job.Attempt(),
		logger:  p.logger.With("job_id", job.ID, "token", job.Token, "attempt", job.Attempt()),
	}
	ctx = common.WithJobToken(ctx, job.Token)
	ctx = common.WithLogger(ctx, st.logger)

	l, err := oplog.Open(p.cfg.OperatorLogDir, job.Token, st.attempt)
	if err != nil {
		st.logger.Warn("oplog.open.failed", "error", err)
	}
	st.oplog = l
	defer func(l *oplog.Log) {
		_ = l.Close()
	}(l)

	if p.cfg.MemoryLimit > 0 {
		prev := debug.SetMemoryLimit(p.cfg.MemoryLimit)
		defer debug.SetMemoryLimit(prev)
	}

	st.oplog.Printf("JOB START token=%s subject=%s attempt=%d/%d worker=%s",
		job.Token, job.SubjectID, st.attempt, job.MaxAttempts, p.cfg.WorkerID)
	p.publish(ctx, job.Token, progress.StagePatch(constants.StageClaimed,
		fmt.Sprintf("attempt %d/%d started", st.attempt, job.MaxAttempts)))
	p.events.Emit(ctx, events.Event{
		Kind:      events.KindStart,
		WorkerID:  p.cfg.WorkerID,
		JobID:     job.ID,
		Token:     job.Token,
		SubjectID: job.SubjectID,
		Attempt:   st.attempt,
	})

	a := Attempt{Job: job, Number: st.attempt, StartedAt: startedAt, LogPath: st.oplog.Path()}
	success, runErr := p.run(ctx, st)

	// The outcome is written even when the tick was cancelled mid-attempt.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if runErr == nil {
		runErr = p.recorder.RecordSuccess(ctx, a, success)
		if runErr == nil {
			st.oplog.Printf("JOB DONE status=ok score=%d", success.Score)
			return constants.JobStatusOK, nil
		}
	}

	st.oplog.Printf("ERROR %s", common.UserMessage(runErr))
	next, err := p.recorder.RecordFailure(ctx, a, runErr)
	if err != nil {
		st.oplog.Printf("JOB ABORTED could not record failure: %v", err)
		st.logger.Error("job.record.failed", "error", err, "cause", runErr)
		return next, err
	}
	st.oplog.Printf("JOB DONE status=%s attempts=%d/%d", next, job.Attempts+1, job.MaxAttempts)
	return next, nil
}

// run executes the stages. Every temp file it creates is gone when it returns.
func (p *Processor) run(ctx context.Context, st *attemptState) (Success, error) {
	job := st.job

	p.stage(ctx, st, constants.StageValidating, "validating subject "+job.SubjectID)
	subject, err := p.subjects.Get(ctx, job.SubjectID)
	if err != nil {
		if errors.Is(err, repository.ErrSubjectNotFound) {
			return Success{}, common.JobErrorf(common.KindSubjectNotFound, "subject %s does not exist", job.SubjectID)
		}
		return Success{}, common.NewJobError(common.KindInternal, fmt.Errorf("load subject: %w", err))
	}
	if subject.State.IsLocked() {
		return Success{}, common.JobErrorf(common.KindSubjectLocked, "subject %s is %s", subject.ID, subject.State)
	}

	p.stage(ctx, st, constants.StageDownload, "downloading "+subject.StorageKey)
	srcPath, size, err := p.fetcher.Fetch(ctx, subject.StorageKey)
	if err != nil {
		return Success{}, err
	}
	defer func(path string) {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			st.logger.Warn("tempfile.remove.failed", "path", path, "error", rmErr)
		}
	}(srcPath)
	st.oplog.Printf("downloaded: %s (%d bytes)", subject.StorageKey, size)

	p.stage(ctx, st, constants.StageExtract, "extracting text")
	res, err := p.extractor.ExtractText(ctx, srcPath, p.cfg.ExtractTimeout)
	if err != nil {
		return Success{}, err
	}
	defer res.Cleanup()
	p.metrics.ObserveExtraction(res.Duration)
	st.oplog.Printf("extracted: %d chars, %d pages, encoding=%s in %s", res.Chars, res.Pages, res.Encoding, res.Duration.Round(time.Millisecond))
	if res.Stderr != "" {
		st.oplog.Printf("converter stderr: %s", utils.Truncate(res.Stderr, 500))
	}

	p.stage(ctx, st, constants.StageScoring, "scoring")
	scored := p.scorer.Score(res.Text, srcPath)
	summary := scoring.Summary(scored)
	st.oplog.Printf("scored: %s", summary)

	p.stage(ctx, st, constants.StageFinalizing, "recording run")
	return Success{
		Score:   scored.Score,
		Bytes:   size,
		Chars:   scored.Chars,
		Summary: summary,
		Details: scoring.Details(scored),
	}, nil
}
