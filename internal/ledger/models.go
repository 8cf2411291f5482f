package ledger

import "time"

// DateLayout is the format of UsageRecord.LastResetDate.
const DateLayout = "2006-01-02"

// QueryMetrics describes one billable operation performed by the host.
type QueryMetrics struct {
	QueryLength    int           `json:"query_length"`
	ResponseLength int           `json:"response_length"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// UsageRecord is the aggregate row kept for a license fingerprint.
type UsageRecord struct {
	Fingerprint   string    `json:"fingerprint"`
	Plan          string    `json:"plan"`
	UserID        *string   `json:"user_id"`
	FirstUsed     time.Time `json:"first_used"`
	LastUsed      time.Time `json:"last_used"`
	TotalQueries  int64     `json:"total_queries"`
	DailyQueries  int64     `json:"daily_queries"`
	LastResetDate string    `json:"last_reset_date"`
}

// QueryLogEntry is one append-only query event.
type QueryLogEntry struct {
	ID             int64         `json:"id"`
	Fingerprint    string        `json:"fingerprint"`
	Timestamp      time.Time     `json:"timestamp"`
	QueryLength    int           `json:"query_length"`
	ResponseLength int           `json:"response_length"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// Activity summarizes the query log inside the report window.
type Activity struct {
	Queries           int64         `json:"queries"`
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
	FirstQuery        *time.Time    `json:"first_query,omitempty"`
	LastQuery         *time.Time    `json:"last_query,omitempty"`
}

// UsageReport combines the aggregate record with recent activity.
type UsageReport struct {
	UsageRecord
	Window         time.Duration `json:"window"`
	RecentActivity Activity      `json:"recent_activity"`
}

// Reservation is the outcome of an atomic reserve-or-reject.
type Reservation struct {
	Granted      bool  `json:"granted"`
	DailyQueries int64 `json:"daily_queries"`
	Remaining    int64 `json:"remaining"`
}
