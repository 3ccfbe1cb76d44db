package exporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/PiKa919/paddle-ui/internal/domain"
)

const (
	individualDir = "individual"
	summarySheet  = "Summary"
	tempDirPrefix = "batch_export_"
	maxErrorCell  = 500
)

// combinedReport is the layout of {job_id}_results.json
type combinedReport struct {
	JobID      string              `json:"job_id"`
	JobType    domain.JobKind      `json:"job_type"`
	TotalFiles int                 `json:"total_files"`
	Successful int                 `json:"successful"`
	Failed     int                 `json:"failed"`
	Results    []domain.FileResult `json:"results"`
	Errors     []domain.FileError  `json:"errors"`
}

// FileExporter writes a job's results as JSON artifacts plus an XLSX summary
type FileExporter struct {
	baseDir string
	logger  *zap.Logger
}

// NewFileExporter creates an exporter. baseDir is used when a call names no
// directory; when both are empty a fresh temporary directory is created.
func NewFileExporter(baseDir string, logger *zap.Logger) *FileExporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileExporter{baseDir: baseDir, logger: logger}
}

// Export materializes the job under outputDir
func (e *FileExporter) Export(ctx context.Context, job *domain.BatchJob, outputDir string) (*domain.ExportResult, error) {
	start := time.Now()

	dir, err := e.resolveDir(job.ID, outputDir)
	if err != nil {
		return nil, err
	}

	individual := filepath.Join(dir, individualDir)
	if err := os.MkdirAll(individual, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	report := combinedReport{
		JobID:      job.ID,
		JobType:    job.Kind,
		TotalFiles: job.Total,
		Successful: len(job.Results),
		Failed:     len(job.Errors),
		Results:    job.Results,
		Errors:     job.Errors,
	}
	combined := filepath.Join(dir, job.ID+"_results.json")
	if err := writeJSON(combined, report); err != nil {
		return nil, err
	}

	for _, result := range job.Results {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// Basename collisions overwrite: last write wins.
		name := strings.TrimSuffix(result.File, filepath.Ext(result.File)) + "_result.json"
		if err := writeJSON(filepath.Join(individual, name), result.Data); err != nil {
			return nil, err
		}
	}

	summary := filepath.Join(dir, job.ID+"_summary.xlsx")
	if err := writeSummary(summary, job); err != nil {
		return nil, err
	}

	e.logger.Info("job exported",
		zap.String("job_id", job.ID),
		zap.String("output_dir", dir),
		zap.Int("exported", len(job.Results)),
		zap.Int("failed", len(job.Errors)),
		zap.Duration("elapsed", time.Since(start)),
	)

	return &domain.ExportResult{
		Success:       true,
		OutputDir:     dir,
		CombinedFile:  combined,
		IndividualDir: individual,
		SummaryFile:   summary,
		TotalExported: len(job.Results),
	}, nil
}

func (e *FileExporter) resolveDir(jobID, outputDir string) (string, error) {
	if outputDir == "" {
		outputDir = e.baseDir
	}
	if outputDir != "" {
		return outputDir, nil
	}
	dir, err := os.MkdirTemp("", tempDirPrefix+jobID+"_")
	if err != nil {
		return "", fmt.Errorf("create temp export dir: %w", err)
	}
	return dir, nil
}

// writeJSON writes v indented, without escaping HTML characters found in OCR text
func writeJSON(path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

type summaryRow struct {
	index  int
	file   string
	status string
	kind   string
	err    string
}

// writeSummary writes one row per processed file, in file order
func writeSummary(path string, job *domain.BatchJob) error {
	rows := make([]summaryRow, 0, len(job.Results)+len(job.Errors))
	for _, r := range job.Results {
		rows = append(rows, summaryRow{index: r.Index, file: r.File, status: "success"})
	}
	for _, e := range job.Errors {
		rows = append(rows, summaryRow{index: e.Index, file: e.File, status: "failed", kind: string(e.Kind), err: truncate(e.Error, maxErrorCell)})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].index < rows[j].index })

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return fmt.Errorf("xlsx sheet: %w", err)
	}

	w := &sheetWriter{f: f, sheet: summarySheet}
	headers := []string{"Index", "File", "Status", "Error Kind", "Error"}
	for i, h := range headers {
		w.set(i+1, 1, h)
	}

	for i, r := range rows {
		row := i + 2
		w.set(1, row, r.index)
		w.set(2, row, r.file)
		w.set(3, row, r.status)
		w.set(4, row, r.kind)
		w.set(5, row, r.err)
	}

	w.width("A", "A", 8)
	w.width("B", "B", 36)
	w.width("C", "D", 18)
	w.width("E", "E", 60)
	if w.err != nil {
		return fmt.Errorf("xlsx summary: %w", w.err)
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}

// sheetWriter keeps the first error from a run of cell writes
type sheetWriter struct {
	f     *excelize.File
	sheet string
	err   error
}

func (w *sheetWriter) set(col, row int, v any) {
	if w.err != nil {
		return
	}
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		w.err = err
		return
	}
	w.err = w.f.SetCellValue(w.sheet, cell, v)
}

func (w *sheetWriter) width(from, to string, width float64) {
	if w.err != nil {
		return
	}
	w.err = w.f.SetColWidth(w.sheet, from, to, width)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

var _ domain.ResultExporter = (*FileExporter)(nil)
