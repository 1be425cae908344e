package progress

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/specsheet-validator/constants"
)

func intPtr(v int) *int { return &v }

func TestMerge(t *testing.T) {
	now := time.Unix(1700000000, 0)
	base := Snapshot{Token: "t", Pct: 40, Stage: "extracting", Log: []string{"a"}}

	tests := []struct {
		name  string
		patch Patch
		check func(t *testing.T, got Snapshot)
	}{
		{"pct never decreases", Patch{Pct: intPtr(15), Stage: "downloading"}, func(t *testing.T, got Snapshot) {
			assert.Equal(t, 40, got.Pct)
			assert.Equal(t, "downloading", got.Stage)
		}},
		{"pct advances", StagePatch(constants.StageScoring, "scoring"), func(t *testing.T, got Snapshot) {
			assert.Equal(t, 75, got.Pct)
			assert.Equal(t, []string{"a", "scoring"}, got.Log)
		}},
		{"done forces 100", DonePatch(88, "done"), func(t *testing.T, got Snapshot) {
			assert.True(t, got.Done)
			assert.Equal(t, 100, got.Pct)
			require.NotNil(t, got.Score)
			assert.Equal(t, 88, *got.Score)
		}},
		{"failure carries error", FailedPatch("DownloadFailed: boom"), func(t *testing.T, got Snapshot) {
			assert.True(t, got.Done)
			assert.Nil(t, got.Score)
			assert.Equal(t, "DownloadFailed: boom", got.Error)
		}},
		{"empty patch only touches timestamp", Patch{}, func(t *testing.T, got Snapshot) {
			assert.Equal(t, 40, got.Pct)
			assert.Equal(t, now, got.UpdatedAt)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Merge(base, tt.patch, now)
			require.NoError(t, err)
			tt.check(t, got)
			assert.Equal(t, []string{"a"}, base.Log, "input must not be mutated")
		})
	}
}

func TestMerge_FrozenAfterDone(t *testing.T) {
	done := Snapshot{Token: "t", Pct: 100, Done: true, Score: intPtr(70)}
	got, err := Merge(done, LinePatch("late"), time.Now())
	assert.ErrorIs(t, err, ErrFrozen)
	assert.Equal(t, done, got)
}

func TestMerge_LogIsBounded(t *testing.T) {
	s := Snapshot{}
	var err error
	for i := 0; i < MaxLogLines+10; i++ {
		s, err = Merge(s, LinePatch(fmt.Sprint(i)), time.Now())
		require.NoError(t, err)
	}
	require.Len(t, s.Log, MaxLogLines)
	assert.Equal(t, "10", s.Log[0])
}

func TestMemoryStore_ConcurrentPublishersKeepEveryLine(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Publish(ctx, "tok", LinePatch(fmt.Sprint(i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	snap, err := m.Read(ctx, "tok")
	require.NoError(t, err)
	assert.Len(t, snap.Log, 50)
	assert.Equal(t, "tok", snap.Token)
}

func TestMemoryStore_ReadMissingAndFrozen(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	_, err := m.Read(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Publish(ctx, "tok", DonePatch(90, "JOB DONE"))
	require.NoError(t, err)
	_, err = m.Publish(ctx, "tok", LinePatch("after"))
	assert.ErrorIs(t, err, ErrFrozen)

	snap, err := m.Read(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, []string{"JOB DONE"}, snap.Log)
}

func TestMemoryStore_Purge(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	clock := time.Unix(1000, 0)
	m.now = func() time.Time { return clock }

	_, _ = m.Publish(ctx, "old", LinePatch("x"))
	clock = clock.Add(time.Hour)
	_, _ = m.Publish(ctx, "new", LinePatch("y"))

	n, err := m.Purge(ctx, time.Unix(1000, 0).Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = m.Read(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Read(ctx, "new")
	assert.NoError(t, err)
}

type fakeEntry struct {
	key   string
	value []byte
	rev   uint64
}

func (e fakeEntry) Bucket() string                  { return "test" }
func (e fakeEntry) Key() string                     { return e.key }
func (e fakeEntry) Value() []byte                   { return e.value }
func (e fakeEntry) Revision() uint64                { return e.rev }
func (e fakeEntry) Created() time.Time              { return time.Time{} }
func (e fakeEntry) Delta() uint64                   { return 0 }
func (e fakeEntry) Operation() jetstream.KeyValueOp { return jetstream.KeyValuePut }

// fakeBucket mimics JetStream KV revision semantics.
type fakeBucket struct {
	mu      sync.Mutex
	data    map[string]fakeEntry
	seq     uint64
	updates int
	// beforeUpdate runs once ahead of the first Update, simulating a competing writer.
	beforeUpdate func(b *fakeBucket)
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{data: map[string]fakeEntry{}}
}

func (b *fakeBucket) put(key string, value []byte) uint64 {
	b.seq++
	b.data[key] = fakeEntry{key: key, value: value, rev: b.seq}
	return b.seq
}

func (b *fakeBucket) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return e, nil
}

func (b *fakeBucket) Create(_ context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.data[key]; ok {
		return 0, jetstream.ErrKeyExists
	}
	return b.put(key, value), nil
}

func (b *fakeBucket) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if hook := b.beforeUpdate; hook != nil {
		b.beforeUpdate = nil
		hook(b)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates++
	if e, ok := b.data[key]; !ok || e.rev != revision {
		return 0, jetstream.ErrKeyExists
	}
	return b.put(key, value), nil
}

func (b *fakeBucket) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

func (b *fakeBucket) Keys(_ context.Context, _ ...jetstream.WatchOpt) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data) == 0 {
		return nil, jetstream.ErrNoKeysFound
	}
	keys := make([]string, 0, len(b.data))
	for k := range b.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func TestKVStore_RetriesOnRevisionConflict(t *testing.T) {
	ctx := context.Background()
	b := newFakeBucket()
	s := newKVStore(b, nil)

	_, err := s.Publish(ctx, "tok", StagePatch(constants.StageDownload, "downloading"))
	require.NoError(t, err)

	// A competing writer appends a line between our read and our update.
	b.beforeUpdate = func(b *fakeBucket) {
		other := newKVStore(b, nil)
		_, err := other.Publish(ctx, "tok", LinePatch("from other writer"))
		require.NoError(t, err)
	}
	snap, err := s.Publish(ctx, "tok", StagePatch(constants.StageExtract, "extracting"))
	require.NoError(t, err)

	assert.Equal(t, []string{"downloading", "from other writer", "extracting"}, snap.Log)
	assert.Equal(t, constants.StageExtract.Pct(), snap.Pct)

	read, err := s.Read(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, snap.Log, read.Log)
}

func TestKVStore_FrozenAndPurge(t *testing.T) {
	ctx := context.Background()
	b := newFakeBucket()
	s := newKVStore(b, nil)
	clock := time.Unix(5000, 0)
	s.now = func() time.Time { return clock }

	_, err := s.Publish(ctx, "done", FailedPatch("SubjectLocked: subject is published"))
	require.NoError(t, err)
	_, err = s.Publish(ctx, "done", LinePatch("late"))
	assert.ErrorIs(t, err, ErrFrozen)

	clock = clock.Add(48 * time.Hour)
	_, err = s.Publish(ctx, "fresh", LinePatch("x"))
	require.NoError(t, err)

	n, err := s.Purge(ctx, time.Unix(5000, 0).Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.Read(ctx, "done")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err = newKVStore(newFakeBucket(), nil).Purge(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}
