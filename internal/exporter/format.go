package exporter

import (
	"fmt"
	"strconv"
	"time"
)

const timeLayout = time.RFC3339

// formatInt formats an int64 value for export
func formatInt(i int64) string {
	return strconv.FormatInt(i, 10)
}

// formatMillis formats a duration as milliseconds with exactly 2 decimal places
func formatMillis(d time.Duration) string {
	return fmt.Sprintf("%.2f", float64(d)/float64(time.Millisecond))
}

// formatTime formats a timestamp in UTC, or empty for the zero time
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// formatUserID renders a missing user id as an empty cell
func formatUserID(id *string) string {
	if id == nil {
		return ""
	}
	return *id
}
