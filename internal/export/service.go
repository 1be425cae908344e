package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/specsheet-validator/internal/entity"
	"github.com/joseph-ayodele/specsheet-validator/internal/utils"
)

const sheetName = "Runs"

// RunLister is the read side of the run history.
type RunLister interface {
	List(ctx context.Context, filter entity.RunFilter) ([]*entity.Run, error)
}

// Service turns run history into XLSX workbooks for reporting.
type Service struct {
	runs   RunLister
	logger *slog.Logger
	now    func() time.Time
}

func NewService(runs RunLister, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{runs: runs, logger: logger, now: time.Now}
}

// ExportRunsXLSX returns a workbook (as bytes) with one row per run matching filter.
// Dates are normalized to whole UTC days; if only From is set the window ends today (inclusive).
func (s *Service) ExportRunsXLSX(ctx context.Context, filter entity.RunFilter) ([]byte, error) {
	start := time.Now()
	filter = s.normalizeWindow(filter)

	runs, err := s.runs.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}

	f := excelize.NewFile()
	defer func(f *excelize.File) {
		_ = f.Close()
	}(f)
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return nil, err
	}
	idx, _ := f.GetSheetIndex(sheetName)
	f.SetActiveSheet(idx)

	headers := []string{
		"Finished (UTC)",
		"Started (UTC)",
		"Job Token",
		"Subject",
		"Attempt",
		"Status",
		"Score",
		"Bytes",
		"Chars",
		"Summary",
		"Operator Log",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheetName, cell, h)
	}

	for i, r := range runs {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheetName, cell, v)
		}
		write(1, r.FinishedAt.UTC().Format(time.DateTime))
		write(2, r.StartedAt.UTC().Format(time.DateTime))
		write(3, r.JobToken)
		write(4, r.SubjectID)
		write(5, r.Attempt)
		write(6, string(r.Status))
		if r.Score != nil {
			write(7, *r.Score)
		} else {
			write(7, "")
		}
		write(8, r.Bytes)
		write(9, r.Chars)
		write(10, utils.Truncate(r.Summary, 200))
		write(11, r.LogPath)
	}

	_ = f.SetColWidth(sheetName, "A", "B", 20) // timestamps
	_ = f.SetColWidth(sheetName, "C", "D", 36) // ids
	_ = f.SetColWidth(sheetName, "E", "I", 10)
	_ = f.SetColWidth(sheetName, "J", "J", 60) // summary
	_ = f.SetColWidth(sheetName, "K", "K", 60) // path
	if len(runs) > 0 {
		_ = f.SetPanes(sheetName, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"subject_id", filter.SubjectID,
		"rows", len(runs),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// normalizeWindow widens From/To to whole UTC days so "to" is inclusive.
func (s *Service) normalizeWindow(filter entity.RunFilter) entity.RunFilter {
	day := func(t time.Time) time.Time {
		t = t.UTC()
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	if filter.From != nil {
		f := day(*filter.From)
		filter.From = &f
		if filter.To == nil {
			today := s.now()
			filter.To = &today
		}
	}
	if filter.To != nil {
		t := day(*filter.To).Add(24*time.Hour - time.Millisecond)
		filter.To = &t
	}
	return filter
}
