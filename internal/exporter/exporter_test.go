package exporter

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"localrag/internal/ledger"
	"localrag/internal/shared/testutil"
)

var exportStart = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func seededLedger(t *testing.T) (*ledger.Ledger, *testutil.FakeClock) {
	t.Helper()
	ctx := context.Background()
	clock := testutil.NewFakeClock(exportStart)
	l, err := ledger.Open(ctx, filepath.Join(t.TempDir(), "usage.db"),
		ledger.WithClock(clock.Now), ledger.WithLocation(time.UTC))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	alice := "alice"
	_, err = l.GetOrCreate(ctx, "fp-a", "pro", &alice)
	require.NoError(t, err)
	_, err = l.GetOrCreate(ctx, "fp-b", "demo", nil)
	require.NoError(t, err)

	require.NoError(t, l.RecordUsage(ctx, "fp-a", ledger.QueryMetrics{QueryLength: 10, ResponseLength: 200, ProcessingTime: 1250 * time.Millisecond}))
	clock.Advance(48 * time.Hour)
	require.NoError(t, l.RecordUsage(ctx, "fp-b", ledger.QueryMetrics{QueryLength: 3, ResponseLength: 9, ProcessingTime: 500 * time.Millisecond}))
	return l, clock
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"csv": FormatCSV, ".CSV": FormatCSV, "xlsx": FormatXLSX, "excel": FormatXLSX} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("pdf")
	assert.Error(t, err)
}

func TestExportCSV(t *testing.T) {
	l, _ := seededLedger(t)
	path := filepath.Join(t.TempDir(), "out", "usage.csv")

	require.NoError(t, New(l).Export(context.Background(), FormatCSV, path, time.Time{}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(raw, utf8BOM))

	rows, err := csv.NewReader(bytes.NewReader(raw[len(utf8BOM):])).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, recordHeaders, rows[0])
	assert.Equal(t, []string{"fp-a", "pro", "alice", "2026-03-10T09:00:00Z", "2026-03-10T09:00:00Z", "1", "1", "2026-03-10"}, rows[1])
	assert.Equal(t, "", rows[2][2])
}

func TestExportXLSX(t *testing.T) {
	l, _ := seededLedger(t)
	path := filepath.Join(t.TempDir(), "usage.xlsx")

	since := exportStart.Add(24 * time.Hour)
	require.NoError(t, New(l).Export(context.Background(), FormatXLSX, path, since))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SheetLicenses, SheetQueryLog}, f.GetSheetList())

	licenses, err := f.GetRows(SheetLicenses)
	require.NoError(t, err)
	require.Len(t, licenses, 3)
	assert.Equal(t, "fp-b", licenses[2][0])

	queries, err := f.GetRows(SheetQueryLog)
	require.NoError(t, err)
	require.Len(t, queries, 2, "only entries inside the window are exported")
	assert.Equal(t, "fp-b", queries[1][1])
	assert.Equal(t, "500.00", queries[1][5])
}

type failingSource struct{}

func (failingSource) Records(context.Context) ([]ledger.UsageRecord, error) {
	return nil, errors.New("database is locked")
}

func (failingSource) QueryLog(context.Context, string, time.Time) ([]ledger.QueryLogEntry, error) {
	return nil, nil
}

func TestExportSourceFailure(t *testing.T) {
	dir := t.TempDir()
	exp := New(failingSource{})

	err := exp.Export(context.Background(), FormatXLSX, filepath.Join(dir, "x.xlsx"), time.Time{})
	assert.ErrorContains(t, err, "database is locked")

	_, statErr := os.Stat(filepath.Join(dir, "x.xlsx"))
	assert.True(t, os.IsNotExist(statErr))

	assert.Error(t, exp.Export(context.Background(), Format("pdf"), filepath.Join(dir, "x.pdf"), time.Time{}))
}

func TestFormatters(t *testing.T) {
	assert.Equal(t, "1.50", formatMillis(1500*time.Microsecond))
	assert.Equal(t, "", formatTime(time.Time{}))
	assert.Equal(t, "", formatUserID(nil))
}
