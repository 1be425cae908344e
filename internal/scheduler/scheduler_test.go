package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/specsheet-validator/constants"
	"github.com/joseph-ayodele/specsheet-validator/internal/entity"
	"github.com/joseph-ayodele/specsheet-validator/internal/events"
	"github.com/joseph-ayodele/specsheet-validator/internal/repository"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	jobs      []*entity.Job
	active    map[string]int
	lose      map[string]bool
	listErr   error
	countErr  error
	claimed   []string
	listLimit int
}

func (f *fakeStore) ListEligible(_ context.Context, limit int) ([]*entity.Job, error) {
	f.listLimit = limit
	if f.listErr != nil {
		return nil, f.listErr
	}
	if len(f.jobs) > limit {
		return f.jobs[:limit], nil
	}
	return f.jobs, nil
}

func (f *fakeStore) CountActive(_ context.Context, subjectID string) (int, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	if n, ok := f.active[subjectID]; ok {
		return n, nil
	}
	return 1, nil
}

func (f *fakeStore) Claim(_ context.Context, id string, _ time.Time) (bool, error) {
	if f.lose[id] {
		return false, nil
	}
	f.claimed = append(f.claimed, id)
	return true, nil
}

type fakeLocker struct {
	busy      bool
	err       error
	unlockErr error
	unlocks   int
}

func (l *fakeLocker) TryLock(context.Context) (repository.Unlock, bool, error) {
	if l.err != nil {
		return nil, false, l.err
	}
	if l.busy {
		return nil, false, nil
	}
	return func(context.Context) error {
		l.unlocks++
		return l.unlockErr
	}, true, nil
}

type fakeProcessor struct {
	mu      sync.Mutex
	seen    []string
	outcome map[string]constants.JobStatus
	fail    map[string]error
}

func (p *fakeProcessor) Process(_ context.Context, job *entity.Job) (constants.JobStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, job.ID)
	if err := p.fail[job.ID]; err != nil {
		return constants.JobStatusRunning, err
	}
	if s, ok := p.outcome[job.ID]; ok {
		return s, nil
	}
	return constants.JobStatusOK, nil
}

type fakeHeartbeat struct {
	beats atomic.Int32
	err   error
}

func (h *fakeHeartbeat) Beat(context.Context, string, time.Time) error {
	h.beats.Add(1)
	return h.err
}

type captureSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureSink) Emit(_ context.Context, e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureSink) count(k events.Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

func jobsFor(ids ...string) []*entity.Job {
	out := make([]*entity.Job, len(ids))
	for i, id := range ids {
		out[i] = &entity.Job{ID: id, Token: "tok-" + id, SubjectID: "subj-" + id, Status: constants.JobStatusQueued, MaxAttempts: 3}
	}
	return out
}

type fixture struct {
	store *fakeStore
	lock  *fakeLocker
	proc  *fakeProcessor
	hb    *fakeHeartbeat
	sink  *captureSink
	sched *Scheduler
}

func newFixture(jobs ...*entity.Job) *fixture {
	f := &fixture{
		store: &fakeStore{jobs: jobs, active: map[string]int{}, lose: map[string]bool{}},
		lock:  &fakeLocker{},
		proc:  &fakeProcessor{outcome: map[string]constants.JobStatus{}, fail: map[string]error{}},
		hb:    &fakeHeartbeat{},
		sink:  &captureSink{},
	}
	f.sched = New(f.store, f.lock, f.proc, f.hb, f.sink, nil, "worker-1", quietLogger())
	return f
}

func TestTick_ProcessesBatchInOrder(t *testing.T) {
	f := newFixture(jobsFor("a", "b", "c")...)
	f.proc.outcome["b"] = constants.JobStatusQueued
	f.proc.outcome["c"] = constants.JobStatusError

	report, err := f.sched.Tick(context.Background(), 10)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, f.proc.seen)
	assert.Equal(t, TickReport{Selected: 3, Claimed: 3, Succeeded: 1, Requeued: 1, Failed: 1}, report)
	assert.Equal(t, 1, f.lock.unlocks)
	assert.EqualValues(t, 1, f.hb.beats.Load())
	assert.Equal(t, 3, f.sink.count(events.KindClaim))
	assert.Equal(t, 1, f.sink.count(events.KindTick))
}

func TestTick_BatchSizeBoundsSelection(t *testing.T) {
	f := newFixture(jobsFor("a", "b", "c")...)
	report, err := f.sched.Tick(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, f.store.listLimit)
	assert.Equal(t, 2, report.Claimed)
}

func TestTick_SkipsWhenLockBusy(t *testing.T) {
	f := newFixture(jobsFor("a")...)
	f.lock.busy = true

	report, err := f.sched.Tick(context.Background(), 10)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Empty(t, f.proc.seen)
	assert.Zero(t, f.store.listLimit, "no ledger reads without the lock")
	assert.EqualValues(t, 1, f.hb.beats.Load())
}

func TestTick_LockErrorIsFatal(t *testing.T) {
	f := newFixture(jobsFor("a")...)
	f.lock.err = errors.New("acquire conn: timeout")

	_, err := f.sched.Tick(context.Background(), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acquire lock")
	assert.Empty(t, f.proc.seen)
	assert.Equal(t, 1, f.sink.count(events.KindFatal))
	assert.EqualValues(t, 1, f.hb.beats.Load())
}

func TestTick_ReleaseFailureIsFatal(t *testing.T) {
	f := newFixture(jobsFor("a")...)
	f.lock.unlockErr = errors.New("conn closed")

	report, err := f.sched.Tick(context.Background(), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "release lock")
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, f.sink.count(events.KindFatal))
	assert.Zero(t, f.sink.count(events.KindTick))
}

func TestTick_LedgerReadFailureReleasesLock(t *testing.T) {
	f := newFixture()
	f.store.listErr = errors.New("db gone")

	_, err := f.sched.Tick(context.Background(), 10)
	require.Error(t, err)
	assert.Equal(t, 1, f.lock.unlocks)
	assert.EqualValues(t, 1, f.hb.beats.Load())
}

func TestTick_DefersSubjectWithSeveralActiveJobs(t *testing.T) {
	f := newFixture(jobsFor("a", "b")...)
	f.store.active["subj-a"] = 2

	report, err := f.sched.Tick(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deferred)
	assert.Equal(t, []string{"b"}, f.store.claimed)
	assert.Equal(t, []string{"b"}, f.proc.seen)
	assert.Equal(t, 1, f.sink.count(events.KindDefer))
}

func TestTick_LostClaimIsSkippedSilently(t *testing.T) {
	f := newFixture(jobsFor("a", "b")...)
	f.store.lose["a"] = true

	report, err := f.sched.Tick(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Lost)
	assert.Equal(t, []string{"b"}, f.proc.seen)
}

func TestTick_UnrecordedOutcomeDoesNotAbortBatch(t *testing.T) {
	f := newFixture(jobsFor("a", "b")...)
	f.proc.fail["a"] = errors.New("ledger write failed")

	report, err := f.sched.Tick(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unrecorded)
	assert.Equal(t, 1, report.Succeeded)
}

func TestTick_HeartbeatFailureIsNotFatal(t *testing.T) {
	f := newFixture(jobsFor("a")...)
	f.hb.err = errors.New("read-only")

	_, err := f.sched.Tick(context.Background(), 10)
	assert.NoError(t, err)
}

// Two schedulers share one sqlite ledger and lease lock; every job runs exactly once.
func TestTick_SingleFlightAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "ledger.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	ledger, err := repository.Open(ctx, repository.Config{Driver: "sqlite", DSN: dsn}, quietLogger())
	require.NoError(t, err)
	t.Cleanup(ledger.Close)
	require.NoError(t, ledger.Migrate(ctx))

	jobs := repository.NewJobRepository(ledger, quietLogger())
	for _, s := range []string{"s1", "s2", "s3", "s4"} {
		_, err := jobs.Enqueue(ctx, s, 3, time.Now())
		require.NoError(t, err)
	}

	proc := &fakeProcessor{outcome: map[string]constants.JobStatus{}, fail: map[string]error{}}
	var wg sync.WaitGroup
	var skipped atomic.Int32
	for i := 0; i < 2; i++ {
		worker := []string{"w1", "w2"}[i]
		locker := repository.NewLeaseLocker(ledger, "scheduler", worker, time.Minute, quietLogger())
		s := New(jobs, locker, proc, nil, nil, nil, worker, quietLogger())
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, err := s.Tick(ctx, 10)
			assert.NoError(t, err)
			if report.Skipped {
				skipped.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, proc.seen, 4)
	seen := map[string]int{}
	for _, id := range proc.seen {
		seen[id]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s processed more than once", id)
	}
}

func TestCron_RejectsBadScheduleAndRunsTasks(t *testing.T) {
	c := NewCron(quietLogger())
	err := c.Add(Task{Name: "bad", Schedule: "every minute", Run: func(context.Context) error { return nil }})
	require.Error(t, err)

	var runs atomic.Int32
	require.NoError(t, c.Add(Task{
		Name:     "tick",
		Schedule: "@every 1s",
		Timeout:  time.Second,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))
	c.Start()
	assert.Eventually(t, func() bool { return runs.Load() > 0 }, 5*time.Second, 50*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.Stop(stopCtx)
}
