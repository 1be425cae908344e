package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const casAttempts = 5

// bucket is the subset of jetstream.KeyValue the store uses.
type bucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
	Keys(ctx context.Context, opts ...jetstream.WatchOpt) ([]string, error)
}

// KVStore keeps snapshots in a JetStream key-value bucket and merges with revision CAS.
type KVStore struct {
	kv     bucket
	logger *slog.Logger
	now    func() time.Time
}

// NewKVStore creates (or updates) the bucket and returns a store on top of it.
// ttl, when positive, also lets the server expire abandoned snapshots.
func NewKVStore(ctx context.Context, js jetstream.JetStream, name string, ttl time.Duration, logger *slog.Logger) (*KVStore, error) {
	cfg := jetstream.KeyValueConfig{
		Bucket:  name,
		History: 1,
		Storage: jetstream.FileStorage,
	}
	if ttl > 0 {
		cfg.TTL = ttl
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating KV bucket %s: %w", name, err)
	}
	return newKVStore(kv, logger), nil
}

func newKVStore(kv bucket, logger *slog.Logger) *KVStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &KVStore{kv: kv, logger: logger, now: time.Now}
}

func (s *KVStore) get(ctx context.Context, token string) (Snapshot, uint64, error) {
	entry, err := s.kv.Get(ctx, token)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return Snapshot{}, 0, ErrNotFound
		}
		return Snapshot{}, 0, err
	}
	var snap Snapshot
	if err := json.Unmarshal(entry.Value(), &snap); err != nil {
		return Snapshot{}, 0, fmt.Errorf("unmarshal key %s: %w", token, err)
	}
	return snap, entry.Revision(), nil
}

func (s *KVStore) Publish(ctx context.Context, token string, p Patch) (Snapshot, error) {
	for i := 0; i < casAttempts; i++ {
		cur, rev, err := s.get(ctx, token)
		create := errors.Is(err, ErrNotFound)
		if err != nil && !create {
			return Snapshot{}, err
		}
		if create {
			cur = Snapshot{Token: token, Log: []string{}}
		}

		next, err := Merge(cur, p, s.now())
		if err != nil {
			return cur, err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return Snapshot{}, fmt.Errorf("marshal key %s: %w", token, err)
		}

		if create {
			_, err = s.kv.Create(ctx, token, data)
		} else {
			_, err = s.kv.Update(ctx, token, data, rev)
		}
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return Snapshot{}, fmt.Errorf("write key %s: %w", token, err)
		}
		s.logger.Debug("progress.cas.conflict", "token", token, "attempt", i+1)
	}
	return Snapshot{}, fmt.Errorf("write key %s: revision conflict after %d attempts", token, casAttempts)
}

func (s *KVStore) Read(ctx context.Context, token string) (Snapshot, error) {
	snap, _, err := s.get(ctx, token)
	return snap, err
}

func (s *KVStore) Purge(ctx context.Context, before time.Time) (int, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	for _, k := range keys {
		snap, _, err := s.get(ctx, k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		if !snap.UpdatedAt.Before(before) {
			continue
		}
		if err := s.kv.Delete(ctx, k); err != nil {
			return n, fmt.Errorf("delete key %s: %w", k, err)
		}
		n++
	}
	return n, nil
}
