package progress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore keeps snapshots in process memory. Each token owns an atomic pointer
// updated with a compare-and-swap loop, so concurrent publishers never lose a patch.
type MemoryStore struct {
	entries sync.Map // token -> *atomic.Pointer[Snapshot]
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (m *MemoryStore) slot(token string) *atomic.Pointer[Snapshot] {
	if v, ok := m.entries.Load(token); ok {
		return v.(*atomic.Pointer[Snapshot])
	}
	v, _ := m.entries.LoadOrStore(token, &atomic.Pointer[Snapshot]{})
	return v.(*atomic.Pointer[Snapshot])
}

func (m *MemoryStore) Publish(_ context.Context, token string, p Patch) (Snapshot, error) {
	slot := m.slot(token)
	for {
		old := slot.Load()
		cur := Snapshot{Token: token, Log: []string{}}
		if old != nil {
			cur = *old
		}
		next, err := Merge(cur, p, m.now())
		if err != nil {
			return cur, err
		}
		if slot.CompareAndSwap(old, &next) {
			return next, nil
		}
	}
}

func (m *MemoryStore) Read(_ context.Context, token string) (Snapshot, error) {
	v, ok := m.entries.Load(token)
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	s := v.(*atomic.Pointer[Snapshot]).Load()
	if s == nil {
		return Snapshot{}, ErrNotFound
	}
	out := *s
	out.Log = append([]string(nil), s.Log...)
	return out, nil
}

func (m *MemoryStore) Purge(ctx context.Context, before time.Time) (int, error) {
	n := 0
	m.entries.Range(func(key, value any) bool {
		if ctx.Err() != nil {
			return false
		}
		s := value.(*atomic.Pointer[Snapshot]).Load()
		if s != nil && s.UpdatedAt.Before(before) {
			if m.entries.CompareAndDelete(key, value) {
				n++
			}
		}
		return true
	})
	return n, ctx.Err()
}
