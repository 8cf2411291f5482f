package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	apierrors "localrag/internal/errors"
)

const (
	defaultBusyTimeout  = 5 * time.Second
	defaultMaxRetries   = 5
	defaultBaseBackoff  = 10 * time.Millisecond
	maxBackoff          = 500 * time.Millisecond
	defaultReportWindow = 7 * 24 * time.Hour
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS license_usage (
		license_hash    TEXT PRIMARY KEY,
		plan            TEXT NOT NULL,
		user_id         TEXT,
		first_used      INTEGER NOT NULL,
		last_used       INTEGER NOT NULL,
		total_queries   INTEGER NOT NULL DEFAULT 0,
		daily_queries   INTEGER NOT NULL DEFAULT 0,
		last_reset_date TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS query_log (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		license_hash    TEXT NOT NULL REFERENCES license_usage(license_hash),
		timestamp       INTEGER NOT NULL,
		query_length    INTEGER NOT NULL DEFAULT 0,
		response_length INTEGER NOT NULL DEFAULT 0,
		processing_time REAL NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_query_log_hash_ts ON query_log(license_hash, timestamp)`,
}

// Ledger is the usage store. It is safe for concurrent use and across
// processes sharing the same database file.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger

	now         func() time.Time
	loc         *time.Location
	window      time.Duration
	maxRetries  int
	baseBackoff time.Duration
	busyTimeout time.Duration
	retryable   func(error) bool
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLocation sets the zone used to derive the quota date. Defaults to time.Local.
func WithLocation(loc *time.Location) Option {
	return func(l *Ledger) { l.loc = loc }
}

// WithReportWindow sets the rolling window used by UsageReport.
func WithReportWindow(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithMaxRetries bounds the retries on transient lock conflicts.
func WithMaxRetries(n int) Option {
	return func(l *Ledger) {
		if n >= 0 {
			l.maxRetries = n
		}
	}
}

// WithBusyTimeout sets the SQLite busy_timeout pragma applied by Open.
func WithBusyTimeout(d time.Duration) Option {
	return func(l *Ledger) { l.busyTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func newLedger(db *sql.DB, opts []Option) *Ledger {
	l := &Ledger{
		db:          db,
		logger:      slog.Default(),
		now:         time.Now,
		loc:         time.Local,
		window:      defaultReportWindow,
		maxRetries:  defaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
		busyTimeout: defaultBusyTimeout,
		retryable:   isBusy,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(slog.String("component", "usage_ledger"))
	return l
}

// New wraps an already opened database. The schema is not created.
func New(db *sql.DB, opts ...Option) *Ledger {
	return newLedger(db, opts)
}

// Open opens (creating if needed) the ledger database at path and applies the schema.
func Open(ctx context.Context, path string, opts ...Option) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, wrap("open", err)
		}
	}

	l := newLedger(nil, opts)

	db, err := sql.Open("sqlite", dataSourceName(path, l.busyTimeout))
	if err != nil {
		return nil, wrap("open", err)
	}
	l.db = db

	if err := l.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	l.logger.DebugContext(ctx, "usage ledger opened", slog.String("path", path))
	return l, nil
}

// uriPathEscaper escapes the characters SQLite URI filenames treat as delimiters.
var uriPathEscaper = strings.NewReplacer("%", "%25", "?", "%3F", "#", "%23")

// dataSourceName builds the file: URI for path. Write transactions take the
// RESERVED lock up front.
func dataSourceName(path string, busyTimeout time.Duration) string {
	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "foreign_keys(1)")
	params.Set("_txlock", "immediate")
	return "file:" + uriPathEscaper.Replace(path) + "?" + params.Encode()
}

func (l *Ledger) migrate(ctx context.Context) error {
	return l.withTx(ctx, "migrate", func(tx *sql.Tx) error {
		for _, stmt := range schema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return wrap("close", l.db.Close())
}

// Ping checks the backing store is reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	return wrap("ping", l.db.PingContext(ctx))
}

// withTx runs fn in one transaction, retrying the whole unit on lock conflicts.
func (l *Ledger) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return l.retryTx(ctx, op, nil, fn)
}

// withReadTx runs fn in a deferred read-only transaction. Under WAL it reads a
// snapshot and never waits on a writer.
func (l *Ledger) withReadTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return l.retryTx(ctx, op, &sql.TxOptions{ReadOnly: true}, fn)
}

func (l *Ledger) retryTx(ctx context.Context, op string, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = l.runTx(ctx, opts, fn)
		if err == nil || !l.retryable(err) || attempt >= l.maxRetries {
			break
		}

		backoff := l.baseBackoff << attempt
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		l.logger.DebugContext(ctx, "ledger busy, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return wrap(op, ctx.Err())
		case <-timer.C:
		}
	}
	return wrap(op, err)
}

func (l *Ledger) runTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (l *Ledger) today() string {
	return l.now().In(l.loc).Format(DateLayout)
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// GetOrCreate returns the record for fp, inserting a zeroed one on first sight.
func (l *Ledger) GetOrCreate(ctx context.Context, fp, plan string, userID *string) (*UsageRecord, error) {
	var rec *UsageRecord
	err := l.withTx(ctx, "get_or_create", func(tx *sql.Tx) error {
		now := l.now()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO license_usage
				(license_hash, plan, user_id, first_used, last_used, total_queries, daily_queries, last_reset_date)
			VALUES (?, ?, ?, ?, ?, 0, 0, ?)
			ON CONFLICT(license_hash) DO NOTHING`,
			fp, plan, nullable(userID), now.UnixMilli(), now.UnixMilli(), l.today(),
		); err != nil {
			return err
		}

		var err error
		rec, err = selectRecord(ctx, tx, fp)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// rollover loads the counters for fp and resets the daily count when the
// local date has advanced. It returns the current daily count and date.
func (l *Ledger) rollover(ctx context.Context, tx *sql.Tx, fp string) (int64, string, error) {
	var daily int64
	var lastReset string
	err := tx.QueryRowContext(ctx,
		`SELECT daily_queries, last_reset_date FROM license_usage WHERE license_hash = ?`, fp,
	).Scan(&daily, &lastReset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", apierrors.ErrRecordNotFound
	}
	if err != nil {
		return 0, "", err
	}

	// Dates are YYYY-MM-DD so lexical order is chronological.
	if today := l.today(); today > lastReset {
		if _, err := tx.ExecContext(ctx,
			`UPDATE license_usage SET daily_queries = 0, last_reset_date = ? WHERE license_hash = ?`,
			today, fp,
		); err != nil {
			return 0, "", err
		}
		return 0, today, nil
	}
	return daily, lastReset, nil
}

// CheckAndMaybeReset applies the day rollover and returns today's count.
func (l *Ledger) CheckAndMaybeReset(ctx context.Context, fp string) (int64, error) {
	var daily int64
	err := l.withTx(ctx, "check_and_maybe_reset", func(tx *sql.Tx) error {
		var err error
		daily, _, err = l.rollover(ctx, tx, fp)
		return err
	})
	return daily, err
}

// RecordUsage counts one query against fp and appends it to the query log.
func (l *Ledger) RecordUsage(ctx context.Context, fp string, m QueryMetrics) error {
	return l.withTx(ctx, "record_usage", func(tx *sql.Tx) error {
		if _, _, err := l.rollover(ctx, tx, fp); err != nil {
			return err
		}
		now := l.now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE license_usage
			SET total_queries = total_queries + 1,
				daily_queries = daily_queries + 1,
				last_used = ?
			WHERE license_hash = ?`,
			now.UnixMilli(), fp,
		); err != nil {
			return err
		}
		return insertLog(ctx, tx, fp, now, m)
	})
}

// Reserve increments the daily count only if it is below limit, all in one
// transaction. A rejected reservation still persists the day rollover.
func (l *Ledger) Reserve(ctx context.Context, fp string, limit int64) (Reservation, error) {
	var res Reservation
	err := l.withTx(ctx, "reserve", func(tx *sql.Tx) error {
		daily, _, err := l.rollover(ctx, tx, fp)
		if err != nil {
			return err
		}
		if daily >= limit {
			res = Reservation{Granted: false, DailyQueries: daily, Remaining: 0}
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE license_usage
			SET total_queries = total_queries + 1,
				daily_queries = daily_queries + 1,
				last_used = ?
			WHERE license_hash = ?`,
			l.now().UnixMilli(), fp,
		); err != nil {
			return err
		}
		res = Reservation{Granted: true, DailyQueries: daily + 1, Remaining: limit - daily - 1}
		return nil
	})
	return res, err
}

// AppendLog writes a query log entry without touching the counters. It is
// the completion half of Reserve.
func (l *Ledger) AppendLog(ctx context.Context, fp string, m QueryMetrics) error {
	return l.withTx(ctx, "append_log", func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM license_usage WHERE license_hash = ?`, fp,
		).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return apierrors.ErrRecordNotFound
		}
		if err != nil {
			return err
		}
		return insertLog(ctx, tx, fp, l.now(), m)
	})
}

func insertLog(ctx context.Context, tx *sql.Tx, fp string, ts time.Time, m QueryMetrics) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO query_log (license_hash, timestamp, query_length, response_length, processing_time)
		VALUES (?, ?, ?, ?, ?)`,
		fp, ts.UnixMilli(), m.QueryLength, m.ResponseLength, m.ProcessingTime.Seconds(),
	)
	return err
}

// UsageReport returns the aggregate record plus activity inside the report window.
func (l *Ledger) UsageReport(ctx context.Context, fp string) (*UsageReport, error) {
	var report *UsageReport
	err := l.withReadTx(ctx, "usage_report", func(tx *sql.Tx) error {
		rec, err := selectRecord(ctx, tx, fp)
		if err != nil {
			return err
		}

		var (
			count    int64
			avg      sql.NullFloat64
			minStamp sql.NullInt64
			maxStamp sql.NullInt64
		)
		since := l.now().Add(-l.window).UnixMilli()
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*), AVG(processing_time), MIN(timestamp), MAX(timestamp)
			FROM query_log
			WHERE license_hash = ? AND timestamp >= ?`,
			fp, since,
		).Scan(&count, &avg, &minStamp, &maxStamp); err != nil {
			return err
		}

		activity := Activity{Queries: count}
		if avg.Valid {
			activity.AvgProcessingTime = secondsToDuration(avg.Float64)
		}
		if minStamp.Valid {
			t := time.UnixMilli(minStamp.Int64)
			activity.FirstQuery = &t
		}
		if maxStamp.Valid {
			t := time.UnixMilli(maxStamp.Int64)
			activity.LastQuery = &t
		}

		report = &UsageReport{UsageRecord: *rec, Window: l.window, RecentActivity: activity}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// PurgeLogs deletes query log entries older than the given number of days and
// returns how many were removed. Aggregate counters are left untouched.
func (l *Ledger) PurgeLogs(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < 0 {
		return 0, fmt.Errorf("%w: retention days must be >= 0", apierrors.ErrInvalidRequest)
	}

	var deleted int64
	err := l.withTx(ctx, "purge_logs", func(tx *sql.Tx) error {
		cutoff := l.now().Add(-time.Duration(olderThanDays) * 24 * time.Hour).UnixMilli()
		res, err := tx.ExecContext(ctx, `DELETE FROM query_log WHERE timestamp < ?`, cutoff)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}

	l.logger.InfoContext(ctx, "query log purged",
		slog.Int("older_than_days", olderThanDays),
		slog.Int64("deleted", deleted))
	return deleted, nil
}

// Records returns every usage record ordered by fingerprint.
func (l *Ledger) Records(ctx context.Context) ([]UsageRecord, error) {
	var records []UsageRecord
	err := l.withReadTx(ctx, "records", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT license_hash, plan, user_id, first_used, last_used, total_queries, daily_queries, last_reset_date
			FROM license_usage ORDER BY license_hash`)
		if err != nil {
			return err
		}
		defer rows.Close()

		records = records[:0]
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				return err
			}
			records = append(records, *rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// QueryLog returns log entries at or after since, oldest first. An empty
// fingerprint selects every license.
func (l *Ledger) QueryLog(ctx context.Context, fp string, since time.Time) ([]QueryLogEntry, error) {
	var entries []QueryLogEntry
	err := l.withReadTx(ctx, "query_log", func(tx *sql.Tx) error {
		query := `
			SELECT id, license_hash, timestamp, query_length, response_length, processing_time
			FROM query_log WHERE timestamp >= ?`
		args := []any{since.UnixMilli()}
		if fp != "" {
			query += ` AND license_hash = ?`
			args = append(args, fp)
		}
		query += ` ORDER BY timestamp, id`

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		entries = entries[:0]
		for rows.Next() {
			var (
				e         QueryLogEntry
				ts        int64
				procTimeS float64
			)
			if err := rows.Scan(&e.ID, &e.Fingerprint, &ts, &e.QueryLength, &e.ResponseLength, &procTimeS); err != nil {
				return err
			}
			e.Timestamp = time.UnixMilli(ts)
			e.ProcessingTime = secondsToDuration(procTimeS)
			entries = append(entries, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func selectRecord(ctx context.Context, tx *sql.Tx, fp string) (*UsageRecord, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT license_hash, plan, user_id, first_used, last_used, total_queries, daily_queries, last_reset_date
		FROM license_usage WHERE license_hash = ?`, fp)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierrors.ErrRecordNotFound
	}
	return rec, err
}

func scanRecord(row rowScanner) (*UsageRecord, error) {
	var (
		rec       UsageRecord
		userID    sql.NullString
		firstUsed int64
		lastUsed  int64
	)
	if err := row.Scan(&rec.Fingerprint, &rec.Plan, &userID, &firstUsed, &lastUsed,
		&rec.TotalQueries, &rec.DailyQueries, &rec.LastResetDate); err != nil {
		return nil, err
	}
	if userID.Valid {
		rec.UserID = &userID.String
	}
	rec.FirstUsed = time.UnixMilli(firstUsed)
	rec.LastUsed = time.UnixMilli(lastUsed)
	return &rec, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
