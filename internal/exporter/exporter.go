package exporter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"localrag/internal/infrastructure"
	"localrag/internal/ledger"
)

// Format selects the export file type.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// Sheet names of the XLSX workbook.
const (
	SheetLicenses = "Licenses"
	SheetQueryLog = "Query Log"
)

// ParseFormat accepts a format name or a file extension.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "csv":
		return FormatCSV, nil
	case "xlsx", "excel":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// UsageSource is the read side of the usage ledger.
type UsageSource interface {
	Records(ctx context.Context) ([]ledger.UsageRecord, error)
	QueryLog(ctx context.Context, fp string, since time.Time) ([]ledger.QueryLogEntry, error)
}

// Exporter writes ledger contents to files.
type Exporter struct {
	source UsageSource
	logger *slog.Logger
}

// New creates an exporter reading from source.
func New(source UsageSource) *Exporter {
	return &Exporter{
		source: source,
		logger: infrastructure.GetLogger().With(slog.String("component", "exporter")),
	}
}

// WithLogger replaces the exporter logger.
func (e *Exporter) WithLogger(logger *slog.Logger) *Exporter {
	e.logger = logger.With(slog.String("component", "exporter"))
	return e
}

var recordHeaders = []string{
	"Fingerprint", "Plan", "User ID", "First Used", "Last Used",
	"Total Queries", "Daily Queries", "Last Reset Date",
}

var logHeaders = []string{
	"ID", "Fingerprint", "Timestamp", "Query Length", "Response Length", "Processing Time (ms)",
}

func recordRow(r ledger.UsageRecord) []string {
	return []string{
		r.Fingerprint,
		r.Plan,
		formatUserID(r.UserID),
		formatTime(r.FirstUsed),
		formatTime(r.LastUsed),
		formatInt(r.TotalQueries),
		formatInt(r.DailyQueries),
		r.LastResetDate,
	}
}

func logRow(e ledger.QueryLogEntry) []string {
	return []string{
		formatInt(e.ID),
		e.Fingerprint,
		formatTime(e.Timestamp),
		formatInt(int64(e.QueryLength)),
		formatInt(int64(e.ResponseLength)),
		formatMillis(e.ProcessingTime),
	}
}

// Export writes the ledger to path in format. Query log entries older than
// since are left out of the workbook; CSV holds the aggregate records only.
func (e *Exporter) Export(ctx context.Context, format Format, path string, since time.Time) error {
	switch format {
	case FormatCSV:
		return e.ExportCSV(ctx, path)
	case FormatXLSX:
		return e.ExportXLSX(ctx, path, since)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

// ExportCSV writes every usage record to a CSV file.
func (e *Exporter) ExportCSV(ctx context.Context, path string) error {
	records, err := e.source.Records(ctx)
	if err != nil {
		return fmt.Errorf("failed to read usage records: %w", err)
	}

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, recordRow(r))
	}
	return WriteCSV(e.logger, path, WriteOptions{
		Headers:   recordHeaders,
		Records:   rows,
		BOMPrefix: true,
	})
}

// ExportXLSX writes the usage records and the query log to a workbook.
func (e *Exporter) ExportXLSX(ctx context.Context, path string, since time.Time) error {
	records, err := e.source.Records(ctx)
	if err != nil {
		return fmt.Errorf("failed to read usage records: %w", err)
	}
	entries, err := e.source.QueryLog(ctx, "", since)
	if err != nil {
		return fmt.Errorf("failed to read query log: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	// the default sheet becomes the licenses sheet
	if err := f.SetSheetName(f.GetSheetName(0), SheetLicenses); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}
	if _, err := f.NewSheet(SheetQueryLog); err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}

	recordRows := make([][]string, 0, len(records))
	for _, r := range records {
		recordRows = append(recordRows, recordRow(r))
	}
	if err := writeSheet(f, SheetLicenses, recordHeaders, recordRows); err != nil {
		return err
	}

	logRows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		logRows = append(logRows, logRow(entry))
	}
	if err := writeSheet(f, SheetQueryLog, logHeaders, logRows); err != nil {
		return err
	}

	if err := ensureDir(path); err != nil {
		return err
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook: %w", err)
	}

	e.logger.InfoContext(ctx, "Usage workbook exported",
		slog.String("file_path", path),
		slog.Int("licenses", len(records)),
		slog.Int("log_entries", len(entries)))
	return nil
}

func writeSheet(f *excelize.File, sheet string, headers []string, rows [][]string) error {
	if err := f.SetSheetRow(sheet, "A1", &headers); err != nil {
		return fmt.Errorf("failed to write %s headers: %w", sheet, err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}
