package repository

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openPostgresLedger starts a throwaway postgres container. Skipped in -short mode or without docker.
func openPostgresLedger(t *testing.T) *Ledger {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration test skipped in -short mode")
	}
	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker unavailable: %v", err)
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "16-alpine",
		Env: []string{
			"POSTGRES_USER=validator",
			"POSTGRES_PASSWORD=validator",
			"POSTGRES_DB=validator",
		},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Purge(resource) })
	_ = resource.Expire(180)

	dsn := fmt.Sprintf("postgres://validator:validator@%s/validator?sslmode=disable", resource.GetHostPort("5432/tcp"))
	var l *Ledger
	pool.MaxWait = 90 * time.Second
	require.NoError(t, pool.Retry(func() error {
		var err error
		l, err = Open(context.Background(), Config{Driver: "postgres", DSN: dsn, MaxConns: 8, DialTimeout: 5 * time.Second}, quietLogger())
		if err != nil {
			return err
		}
		if err := l.HealthCheck(context.Background(), time.Second); err != nil {
			l.Close()
			return err
		}
		return nil
	}))
	t.Cleanup(l.Close)
	require.NoError(t, l.Migrate(context.Background()))
	return l
}

func TestPostgres_ClaimAndEnqueueUnderContention(t *testing.T) {
	ctx := context.Background()
	l := openPostgresLedger(t)
	jobs := NewJobRepository(l, quietLogger())

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := jobs.Enqueue(ctx, "pg-subject", 3, time.Now()); err == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, accepted.Load())

	eligible, err := jobs.ListEligible(ctx, 10)
	require.NoError(t, err)
	require.Len(t, eligible, 1)

	var wins atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := jobs.Claim(ctx, eligible[0].ID, time.Now())
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}

func TestPostgres_AdvisoryLockIsSingleFlight(t *testing.T) {
	ctx := context.Background()
	l := openPostgresLedger(t)
	a := NewPGAdvisoryLocker(l.Pool, "scheduler", time.Second, quietLogger())
	b := NewPGAdvisoryLocker(l.Pool, "scheduler", time.Second, quietLogger())

	unlock, ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, unlock(ctx))
	unlock, ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, unlock(ctx))
}
