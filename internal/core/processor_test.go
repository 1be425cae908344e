//go:build unix

package core

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/specsheet-validator/constants"
	"github.com/joseph-ayodele/specsheet-validator/internal/entity"
	"github.com/joseph-ayodele/specsheet-validator/internal/events"
	"github.com/joseph-ayodele/specsheet-validator/internal/extract"
	"github.com/joseph-ayodele/specsheet-validator/internal/oplog"
	"github.com/joseph-ayodele/specsheet-validator/internal/progress"
	"github.com/joseph-ayodele/specsheet-validator/internal/repository"
	"github.com/joseph-ayodele/specsheet-validator/internal/scoring"
	"github.com/joseph-ayodele/specsheet-validator/internal/storage"
)

const sampleSheet = `Model No: PX-200
Revision B 2024-01-10
Specifications
Supply voltage: 12 V
Current: 150 mA
Weight: 80 g
Dimensions
Length: 45 mm
Width: 20 mm
www.example-parts.com
`

type captureSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureSink) Emit(_ context.Context, e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureSink) kinds() []events.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Kind
	for _, e := range c.events {
		if e.Kind != events.KindStage {
			out = append(out, e.Kind)
		}
	}
	return out
}

type harness struct {
	ledger   *repository.Ledger
	jobs     repository.JobRepository
	runs     repository.RunRepository
	subjects repository.SubjectRepository
	objects  *storage.FSStore
	progress *progress.MemoryStore
	events   *captureSink
	proc     *Processor
	tempDir  string
	logDir   string
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHarness wires a processor on sqlite, a filesystem object store and a /bin/sh converter.
func newHarness(t *testing.T, script string) *harness {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	ctx := context.Background()
	root := t.TempDir()
	logger := quietLogger()

	dsn := "file:" + filepath.Join(root, "ledger.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	ledger, err := repository.Open(ctx, repository.Config{Driver: "sqlite", DSN: dsn}, logger)
	require.NoError(t, err)
	require.NoError(t, ledger.Migrate(ctx))
	t.Cleanup(ledger.Close)

	objects, err := storage.NewFSStore(filepath.Join(root, "objects"))
	require.NoError(t, err)

	h := &harness{
		ledger:   ledger,
		jobs:     repository.NewJobRepository(ledger, logger),
		runs:     repository.NewRunRepository(ledger, logger),
		subjects: repository.NewSubjectRepository(ledger, logger),
		objects:  objects,
		progress: progress.NewMemoryStore(),
		events:   &captureSink{},
		tempDir:  filepath.Join(root, "tmp"),
		logDir:   filepath.Join(root, "logs"),
	}
	require.NoError(t, os.MkdirAll(h.tempDir, 0o755))

	fetcher := storage.NewFetcher(objects, storage.FetcherConfig{MaxAttempts: 2, TempDir: h.tempDir}, logger)
	fetcher.Sleep = func(context.Context, time.Duration) error { return nil }
	extractor := extract.NewExtractor(extract.Config{
		Command: "/bin/sh",
		Args:    []string{"-c", script, "extract", "{input}", "{output}"},
		Timeout: 5 * time.Second,
		TempDir: h.tempDir,
	}, logger)
	rules, err := scoring.DefaultRules()
	require.NoError(t, err)

	recorder := NewRecorder(ledger, h.jobs, h.progress, h.events, nil, logger)
	h.proc = NewProcessor(
		ProcessorConfig{OperatorLogDir: h.logDir, WorkerID: "test-worker"},
		h.subjects, fetcher, extractor, scoring.New(rules), recorder, h.progress, h.events, nil, logger,
	)
	return h
}

func (h *harness) addSubject(t *testing.T, id string, state constants.SubjectState, body string) {
	t.Helper()
	ctx := context.Background()
	key := "subjects/" + id + ".pdf"
	if body != "" {
		require.NoError(t, h.objects.Put(ctx, key, strings.NewReader(body), int64(len(body))))
	}
	require.NoError(t, h.subjects.Create(ctx, &entity.Subject{ID: id, StorageKey: key, Filename: id + ".pdf", State: state}))
}

// claim moves a queued job to running the way a tick would and reloads it.
func (h *harness) claim(t *testing.T, job *entity.Job) *entity.Job {
	t.Helper()
	ctx := context.Background()
	ok, err := h.jobs.Claim(ctx, job.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	claimed, err := h.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	return claimed
}

func (h *harness) assertNoTempFiles(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp files must be removed on every path")
}

func TestProcess_EndToEndSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, `cp "$1" "$2"`)
	h.addSubject(t, "sheet-1", constants.SubjectStateSubmitted, sampleSheet)

	job, err := h.jobs.Enqueue(ctx, "sheet-1", 3, time.Now())
	require.NoError(t, err)
	status, err := h.proc.Process(ctx, h.claim(t, job))
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusOK, status)

	got, err := h.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusOK, got.Status)
	assert.NotNil(t, got.FinishedAt)
	assert.Zero(t, got.Attempts)

	runs, err := h.runs.List(ctx, entity.RunFilter{JobToken: job.Token})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, constants.RunStatusOK, run.Status)
	require.NotNil(t, run.Score)
	assert.GreaterOrEqual(t, *run.Score, 0)
	assert.LessOrEqual(t, *run.Score, 100)
	assert.EqualValues(t, len(sampleSheet), run.Bytes)
	assert.Positive(t, run.Chars)
	assert.Contains(t, run.Summary, "rules failed; score")
	assert.Equal(t, filepath.Join(h.logDir, "job_"+job.Token+"_1.log"), run.LogPath)

	subject, err := h.subjects.Get(ctx, "sheet-1")
	require.NoError(t, err)
	assert.Equal(t, constants.SubjectStatePendingReview, subject.State)
	require.NotNil(t, subject.Score)
	assert.Equal(t, *run.Score, *subject.Score)
	assert.Nil(t, subject.PublishedAt)

	snap, err := h.progress.Read(ctx, job.Token)
	require.NoError(t, err)
	assert.True(t, snap.Done)
	assert.Equal(t, 100, snap.Pct)
	require.NotNil(t, snap.Score)
	assert.Empty(t, snap.Error)

	oplogText, err := os.ReadFile(run.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(oplogText), "JOB START")
	assert.Contains(t, string(oplogText), "downloaded: subjects/sheet-1.pdf")
	assert.Contains(t, string(oplogText), "JOB DONE status=ok score=")

	assert.Equal(t, []events.Kind{events.KindStart, events.KindDone}, h.events.kinds())
	h.assertNoTempFiles(t)
}

func TestProcess_LockedSubjectFailsAfterOneAttempt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, `cp "$1" "$2"`)
	h.addSubject(t, "final", constants.SubjectStatePublished, sampleSheet)

	job, err := h.jobs.Enqueue(ctx, "final", 3, time.Now())
	require.NoError(t, err)
	status, err := h.proc.Process(ctx, h.claim(t, job))
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusError, status)

	got, err := h.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusError, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.NotNil(t, got.FinishedAt)
	require.NotNil(t, got.ErrorMsg)
	assert.True(t, strings.HasPrefix(*got.ErrorMsg, "SubjectLocked: "))

	snap, err := h.progress.Read(ctx, job.Token)
	require.NoError(t, err)
	assert.True(t, snap.Done)
	assert.Nil(t, snap.Score)
	assert.True(t, strings.HasPrefix(snap.Error, "SubjectLocked: "))

	runs, err := h.runs.List(ctx, entity.RunFilter{JobToken: job.Token})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, constants.RunStatusError, runs[0].Status)
	assert.Nil(t, runs[0].Score)

	subject, err := h.subjects.Get(ctx, "final")
	require.NoError(t, err)
	assert.Equal(t, constants.SubjectStatePublished, subject.State)
	h.assertNoTempFiles(t)
}

func TestProcess_MissingSubject(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, `cp "$1" "$2"`)

	job, err := h.jobs.Enqueue(ctx, "ghost", 3, time.Now())
	require.NoError(t, err)
	status, err := h.proc.Process(ctx, h.claim(t, job))
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusError, status)

	snap, err := h.progress.Read(ctx, job.Token)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(snap.Error, "SubjectNotFound: "))
}

func TestProcess_RetriesThenFailsTerminally(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, `echo "corrupt xref table" >&2; exit 3`)
	h.addSubject(t, "broken", constants.SubjectStateSubmitted, sampleSheet)

	job, err := h.jobs.Enqueue(ctx, "broken", 3, time.Now())
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		status, err := h.proc.Process(ctx, h.claim(t, job))
		require.NoError(t, err)
		assert.Equal(t, constants.JobStatusQueued, status, "attempt %d", attempt)

		got, err := h.jobs.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, constants.JobStatusQueued, got.Status)
		assert.Equal(t, attempt, got.Attempts)
		assert.Nil(t, got.FinishedAt)

		runs, err := h.runs.List(ctx, entity.RunFilter{JobToken: job.Token})
		require.NoError(t, err)
		assert.Empty(t, runs, "retried attempts write no run")

		snap, err := h.progress.Read(ctx, job.Token)
		require.NoError(t, err)
		assert.False(t, snap.Done)
		assert.Contains(t, strings.Join(snap.Log, "\n"), "corrupt xref table")
	}

	status, err := h.proc.Process(ctx, h.claim(t, job))
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusError, status)

	got, err := h.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, constants.JobStatusError, got.Status)

	snap, err := h.progress.Read(ctx, job.Token)
	require.NoError(t, err)
	assert.True(t, snap.Done)
	assert.True(t, strings.HasPrefix(snap.Error, "ExtractionFailed: "))

	for attempt := 1; attempt <= 3; attempt++ {
		assert.FileExists(t, filepath.Join(h.logDir, oplog.FileName(job.Token, attempt)))
	}
	h.assertNoTempFiles(t)
}

func TestProcess_MissingObjectIsRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, `cp "$1" "$2"`)
	h.addSubject(t, "no-body", constants.SubjectStateSubmitted, "")

	job, err := h.jobs.Enqueue(ctx, "no-body", 3, time.Now())
	require.NoError(t, err)
	status, err := h.proc.Process(ctx, h.claim(t, job))
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusQueued, status)

	got, err := h.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ErrorMsg)
	assert.True(t, strings.HasPrefix(*got.ErrorMsg, "DownloadFailed: "))
}

func TestProcess_RestoresMemoryLimit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, `cp "$1" "$2"`)
	h.proc.cfg.MemoryLimit = 1 << 40
	h.addSubject(t, "mem", constants.SubjectStateSubmitted, sampleSheet)

	before := debug.SetMemoryLimit(-1)
	job, err := h.jobs.Enqueue(ctx, "mem", 3, time.Now())
	require.NoError(t, err)
	_, err = h.proc.Process(ctx, h.claim(t, job))
	require.NoError(t, err)
	assert.Equal(t, before, debug.SetMemoryLimit(-1))
}

// publishAfterRead publishes the subject right after the processor validated it.
type publishAfterRead struct {
	repository.SubjectRepository
}

func (p publishAfterRead) Get(ctx context.Context, id string) (*entity.Subject, error) {
	s, err := p.SubjectRepository.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s, p.SetState(ctx, id, constants.SubjectStatePublished, time.Now())
}

func TestProcess_SubjectPublishedMidAttemptStaysPublished(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, `cp "$1" "$2"`)
	h.addSubject(t, "racing", constants.SubjectStateSubmitted, sampleSheet)
	h.proc.subjects = publishAfterRead{h.subjects}

	job, err := h.jobs.Enqueue(ctx, "racing", 3, time.Now())
	require.NoError(t, err)
	status, err := h.proc.Process(ctx, h.claim(t, job))
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusError, status)

	got, err := h.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusError, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.ErrorMsg)
	assert.True(t, strings.HasPrefix(*got.ErrorMsg, "SubjectLocked: "))

	subject, err := h.subjects.Get(ctx, "racing")
	require.NoError(t, err)
	assert.Equal(t, constants.SubjectStatePublished, subject.State)
	assert.Nil(t, subject.Score)
	assert.NotNil(t, subject.PublishedAt)

	runs, err := h.runs.List(ctx, entity.RunFilter{JobToken: job.Token})
	require.NoError(t, err)
	require.Len(t, runs, 1, "the ok run is rolled back with the subject update")
	assert.Equal(t, constants.RunStatusError, runs[0].Status)
	h.assertNoTempFiles(t)
}

// cancelDuringExtract cancels the attempt's context as extraction starts.
type cancelDuringExtract struct {
	TextExtractor
	cancel context.CancelFunc
}

func (c cancelDuringExtract) ExtractText(ctx context.Context, path string, timeout time.Duration) (extract.Result, error) {
	c.cancel()
	return c.TextExtractor.ExtractText(ctx, path, timeout)
}

func TestProcess_CancelledAttemptIsStillRecorded(t *testing.T) {
	h := newHarness(t, `sleep 2; cp "$1" "$2"`)
	h.addSubject(t, "interrupted", constants.SubjectStateSubmitted, sampleSheet)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.proc.extractor = cancelDuringExtract{TextExtractor: h.proc.extractor, cancel: cancel}

	job, err := h.jobs.Enqueue(context.Background(), "interrupted", 3, time.Now())
	require.NoError(t, err)
	status, err := h.proc.Process(ctx, h.claim(t, job))
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusQueued, status)

	got, err := h.jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusQueued, got.Status, "an interrupted attempt must not stay running")
	assert.Equal(t, 1, got.Attempts)
	h.assertNoTempFiles(t)
}
