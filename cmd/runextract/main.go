package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/joseph-ayodele/specsheet-validator/internal/common"
	"github.com/joseph-ayodele/specsheet-validator/internal/extract"
	"github.com/joseph-ayodele/specsheet-validator/internal/scoring"
)

// runextract extracts and scores one local document without touching the ledger.
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if len(os.Args) != 2 {
		logger.Error("usage", "cmd", "runextract <path-to-document>")
		os.Exit(2)
	}
	src := os.Args[1]
	if _, err := os.Stat(src); err != nil {
		logger.Error("source not readable", "path", src, "error", err)
		os.Exit(2)
	}

	cfg, err := common.LoadConfig(os.Getenv("VALIDATOR_CONFIG"), ".env")
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	rules, err := scoring.LoadRules(cfg.Scoring.RulesFile)
	if err != nil {
		logger.Error("load scoring rules", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Extraction.Timeout+30*time.Second)
	defer cancel()

	x := extract.NewExtractor(extract.Config{
		Command:        cfg.Extraction.Command,
		Args:           cfg.Extraction.Args,
		Timeout:        cfg.Extraction.Timeout,
		MaxOutputBytes: cfg.Extraction.MaxOutputBytes,
	}, logger)

	start := time.Now()
	res, err := x.ExtractText(ctx, src, 0)
	if err != nil {
		logger.Error("text extraction failed",
			"kind", common.KindOf(err), "error", err, "duration_ms", time.Since(start).Milliseconds())
		os.Exit(1)
	}
	defer res.Cleanup()

	scored := scoring.New(rules).Score(res.Text, src)
	logger.Info("text extraction OK",
		"pages", res.Pages,
		"chars", res.Chars,
		"encoding", res.Encoding,
		"truncated", res.Truncated,
		"duration_ms", res.Duration.Milliseconds(),
	)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]any{
		"summary": scoring.Summary(scored),
		"result":  scored,
	}); err != nil {
		logger.Error("write result", "error", err)
		os.Exit(1)
	}
}
