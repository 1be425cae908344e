// Package extract runs the external text converter under a hard timeout.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/joseph-ayodele/specsheet-validator/internal/common"
	"github.com/joseph-ayodele/specsheet-validator/internal/utils"
)

const (
	placeholderInput  = "{input}"
	placeholderOutput = "{output}"
)

type Config struct {
	Command        string   // binary name or absolute path; if empty -> "pdftotext"
	Args           []string // may reference {input} and {output}
	Timeout        time.Duration
	MaxOutputBytes int64  // output artifact bytes read into memory, default 16 MiB
	MaxStderrBytes int    // captured stderr, default 64 KiB
	TempDir        string // parent for per-call work dirs; "" uses os.TempDir
}

// Result is a successful extraction. Cleanup removes the output artifact.
type Result struct {
	OutputPath string
	Text       string
	Bytes      int64
	Chars      int
	Pages      int
	Encoding   string
	Truncated  bool
	Duration   time.Duration
	Stderr     string
}

// Cleanup removes the work directory holding the output artifact.
func (r Result) Cleanup() {
	if r.OutputPath != "" {
		_ = os.RemoveAll(filepath.Dir(r.OutputPath))
	}
}

type Extractor struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

func NewExtractor(cfg Config, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Command == "" {
		cfg.Command = "pdftotext"
		if len(cfg.Args) == 0 {
			cfg.Args = []string{"-layout", "-enc", "UTF-8", placeholderInput, placeholderOutput}
		}
	}
	if len(cfg.Args) == 0 {
		cfg.Args = []string{placeholderInput, placeholderOutput}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 16 << 20
	}
	if cfg.MaxStderrBytes <= 0 {
		cfg.MaxStderrBytes = 64 << 10
	}
	return &Extractor{
		cfg:    cfg,
		runner: execRunner{logger: logger, maxOutput: cfg.MaxStderrBytes},
		logger: logger,
	}
}

// WithRunner swaps the command runner; used by tests.
func (e *Extractor) WithRunner(r Runner) *Extractor {
	e.runner = r
	return e
}

// DefaultTimeout is the configured timeout used when callers pass zero.
func (e *Extractor) DefaultTimeout() time.Duration {
	return e.cfg.Timeout
}

func expandArgs(tmpl []string, input, output string) []string {
	out := make([]string, len(tmpl))
	for i, a := range tmpl {
		a = strings.ReplaceAll(a, placeholderInput, input)
		out[i] = strings.ReplaceAll(a, placeholderOutput, output)
	}
	return out
}

// ExtractText converts sourcePath to text. On timeout the whole process group is killed and
// ExtractionTimeout is returned; a non-zero exit or missing artifact yields ExtractionFailed.
func (e *Extractor) ExtractText(ctx context.Context, sourcePath string, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	start := time.Now()

	workDir, err := os.MkdirTemp(e.cfg.TempDir, "extract-*")
	if err != nil {
		return Result{}, common.NewJobError(common.KindExtractionFailed, fmt.Errorf("create work dir: %w", err))
	}
	ok := false
	defer func() {
		if !ok {
			_ = os.RemoveAll(workDir)
		}
	}()
	outPath := filepath.Join(workDir, "output.txt")

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.logger.Debug("extract.start", "source", sourcePath, "cmd", e.cfg.Command, "timeout", timeout)
	_, stderr, runErr := e.runner.Run(runCtx, e.cfg.Command, expandArgs(e.cfg.Args, sourcePath, outPath)...)
	dur := time.Since(start)
	stderrText := utils.Truncate(strings.TrimSpace(string(stderr)), 4<<10)

	if runErr != nil {
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			e.logger.Warn("extract.timeout", "source", sourcePath, "timeout", timeout, "duration_ms", dur.Milliseconds())
			return Result{}, common.JobErrorf(common.KindExtractionTimeout, "converter exceeded %s", timeout)
		case ctx.Err() != nil:
			return Result{}, common.NewJobError(common.KindInternal, ctx.Err())
		default:
			return Result{}, common.NewJobError(common.KindExtractionFailed, fmt.Errorf("%w; stderr: %s", runErr, stderrOrNone(stderrText)))
		}
	}

	f, err := os.Open(outPath)
	if err != nil {
		return Result{}, common.NewJobError(common.KindExtractionFailed,
			fmt.Errorf("converter produced no output: %v; stderr: %s", err, stderrOrNone(stderrText)))
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)
	st, err := f.Stat()
	if err != nil {
		return Result{}, common.NewJobError(common.KindExtractionFailed, err)
	}
	raw, err := io.ReadAll(io.LimitReader(f, e.cfg.MaxOutputBytes))
	if err != nil {
		return Result{}, common.NewJobError(common.KindExtractionFailed, fmt.Errorf("read output: %w", err))
	}

	text, enc := Decode(raw)
	res := Result{
		OutputPath: outPath,
		Text:       text,
		Bytes:      st.Size(),
		Chars:      utf8.RuneCountInString(text),
		Pages:      1 + strings.Count(string(raw), "\f"),
		Encoding:   enc,
		Truncated:  st.Size() > e.cfg.MaxOutputBytes,
		Duration:   dur,
		Stderr:     stderrText,
	}
	if res.Truncated {
		e.logger.Warn("extract.output.truncated", "source", sourcePath, "bytes", st.Size(), "limit", e.cfg.MaxOutputBytes)
	}
	e.logger.Debug("extract.ok", "source", sourcePath, "chars", res.Chars, "encoding", enc, "duration_ms", dur.Milliseconds())
	ok = true
	return res, nil
}

func stderrOrNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
