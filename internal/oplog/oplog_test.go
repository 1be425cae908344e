package oplog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_PrefixesEveryLine(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "jobs")
	l, err := Open(dir, "abc123", 2)
	require.NoError(t, err)
	l.now = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }

	l.Printf("JOB START subject=%s attempt=%d", "s1", 2)
	l.Printf("stderr:\nline one\nline two")
	require.NoError(t, l.Close())

	assert.Equal(t, filepath.Join(dir, "job_abc123_2.log"), l.Path())
	b, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	assert.Equal(t, []string{
		"[2024-05-01T10:00:00Z] JOB START subject=s1 attempt=2",
		"[2024-05-01T10:00:00Z] stderr: | line one | line two",
	}, lines)
}

func TestLog_AppendsAcrossOpens(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		l, err := Open(dir, "tok", 1)
		require.NoError(t, err)
		l.Printf("line %d", i)
		require.NoError(t, l.Close())
	}
	b, err := os.ReadFile(filepath.Join(dir, FileName("tok", 1)))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(b), "\n"))
}

func TestLog_NilIsSafe(t *testing.T) {
	var l *Log
	assert.NotPanics(t, func() {
		l.Printf("ignored")
		_ = l.Close()
	})
	assert.Empty(t, l.Path())
}

func TestPurge(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "job_old_1.log")
	fresh := filepath.Join(dir, "job_new_1.log")
	other := filepath.Join(dir, "health.log")
	for _, p := range []string{old, fresh, other} {
		require.NoError(t, os.WriteFile(p, []byte("x\n"), 0o644))
	}
	past := time.Now().Add(-40 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.Chtimes(other, past, past))

	n, err := Purge(dir, time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)

	n, err = Purge(filepath.Join(dir, "missing"), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}
