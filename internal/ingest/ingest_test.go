package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/specsheet-validator/constants"
	"github.com/joseph-ayodele/specsheet-validator/internal/common"
	"github.com/joseph-ayodele/specsheet-validator/internal/repository"
	"github.com/joseph-ayodele/specsheet-validator/internal/storage"
)

type harness struct {
	ingestor *FSIngestor
	subjects repository.SubjectRepository
	store    *storage.FSStore
	src      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "ledger.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	l, err := repository.Open(ctx, repository.Config{Driver: "sqlite", DSN: dsn}, logger)
	require.NoError(t, err)
	require.NoError(t, l.Migrate(ctx))
	t.Cleanup(l.Close)

	store, err := storage.NewFSStore(filepath.Join(t.TempDir(), "objects"))
	require.NoError(t, err)
	subjects := repository.NewSubjectRepository(l, logger)
	return &harness{
		ingestor: NewFSIngestor(store, subjects, logger),
		subjects: subjects,
		store:    store,
		src:      t.TempDir(),
	}
}

func (h *harness) write(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(h.src, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func sum(content string) string {
	s := sha256.Sum256([]byte(content))
	return hex.EncodeToString(s[:])
}

func TestAddSubject_StoresObjectAndCreatesSubject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	path := h.write(t, "TX-4500.PDF", "Model No: TX-4500")

	res, err := h.ingestor.AddSubject(ctx, "tx-4500", path)
	require.NoError(t, err)
	assert.Equal(t, "tx-4500", res.SubjectID)
	assert.Equal(t, "pdf", res.FileExt)
	assert.Equal(t, "subjects/"+sum("Model No: TX-4500")+".pdf", res.StorageKey)
	assert.EqualValues(t, len("Model No: TX-4500"), res.Bytes)
	assert.False(t, res.Deduplicated)

	info, err := h.store.Stat(ctx, res.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, res.Bytes, info.Size)

	s, err := h.subjects.Get(ctx, "tx-4500")
	require.NoError(t, err)
	assert.Equal(t, constants.SubjectStateSubmitted, s.State)
	assert.Equal(t, res.StorageKey, s.StorageKey)
	assert.Equal(t, "TX-4500.PDF", s.Filename)
}

func TestAddSubject_DerivesIDFromHash(t *testing.T) {
	h := newHarness(t)
	path := h.write(t, "a.txt", "Weight: 5 kg")

	res, err := h.ingestor.AddSubject(context.Background(), "", path)
	require.NoError(t, err)
	assert.Equal(t, "sheet-"+sum("Weight: 5 kg")[:16], res.SubjectID)
}

func TestAddSubject_Deduplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	path := h.write(t, "a.pdf", "same bytes")

	_, err := h.ingestor.AddSubject(ctx, "s1", path)
	require.NoError(t, err)
	again, err := h.ingestor.AddSubject(ctx, "s1", path)
	require.NoError(t, err)
	assert.True(t, again.Deduplicated)

	// same content under another id shares the object
	other, err := h.ingestor.AddSubject(ctx, "s2", path)
	require.NoError(t, err)
	assert.False(t, other.Deduplicated)
	assert.Equal(t, again.StorageKey, other.StorageKey)
}

func TestAddSubject_Rejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		id      string
		path    string
		wantErr error
	}{
		{"unsupported extension", "x", h.write(t, "scan.png", "png"), common.ErrInvalidInput},
		{"no extension", "x", h.write(t, "README", "text"), common.ErrInvalidInput},
		{"empty file", "x", h.write(t, "empty.pdf", ""), common.ErrInvalidInput},
		{"bad id", "has space", h.write(t, "ok.pdf", "content"), common.ErrInvalidInput},
		{"long filename", "x", h.write(t, strings.Repeat("n", 201)+".pdf", "content"), common.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.ingestor.AddSubject(ctx, tt.id, tt.path)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("id reused for other content", func(t *testing.T) {
		_, err := h.ingestor.AddSubject(ctx, "dup", h.write(t, "one.pdf", "one"))
		require.NoError(t, err)
		_, err = h.ingestor.AddSubject(ctx, "dup", h.write(t, "two.pdf", "two"))
		assert.ErrorIs(t, err, common.ErrConflict)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := h.ingestor.AddSubject(ctx, "gone", filepath.Join(h.src, "gone.pdf"))
		assert.Error(t, err)
	})
}

func TestAddDirectory(t *testing.T) {
	h := newHarness(t)
	h.write(t, "a.pdf", "alpha")
	h.write(t, "nested/b.docx", "beta")
	h.write(t, "nested/c.jpg", "ignored")
	h.write(t, ".hidden/d.pdf", "hidden")
	h.write(t, "empty.txt", "")

	results, stats, err := h.ingestor.AddDirectory(context.Background(), h.src, true)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.Matched)
	assert.EqualValues(t, 2, stats.Succeeded)
	assert.EqualValues(t, 1, stats.Failed)
	assert.Len(t, results, 3)

	_, _, err = h.ingestor.AddDirectory(context.Background(), " ", true)
	assert.Error(t, err)
}

func TestIsHidden(t *testing.T) {
	assert.True(t, IsHidden("/x/.git"))
	assert.False(t, IsHidden("/x/sheet.pdf"))
	assert.Equal(t, "subjects/abc.pdf", SubjectKey("abc", ".PDF"))
}

func TestStartWatcher_EmitsNewDocuments(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "existing.pdf"), []byte("x"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _, err := StartWatcher(ctx, WatchConfig{
		Roots:       []string{dir},
		InitialScan: true,
		Debounce:    50 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	select {
	case p := <-events:
		assert.Equal(t, filepath.Join(dir, "existing.pdf"), p)
	case <-time.After(2 * time.Second):
		t.Fatal("initial scan did not emit")
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.png"), []byte("x"), 0o644))
	fresh := filepath.Join(dir, "fresh.txt")
	require.NoError(t, os.WriteFile(fresh, []byte("y"), 0o644))

	select {
	case p := <-events:
		assert.Equal(t, fresh, p)
	case <-time.After(3 * time.Second):
		t.Fatal("new file was not emitted")
	}

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartWatcher_RequiresRoots(t *testing.T) {
	_, _, err := StartWatcher(context.Background(), WatchConfig{}, nil)
	assert.Error(t, err)
}
