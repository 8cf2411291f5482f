// Package ledger persists per-license usage counters and the query log in an
// embedded SQLite database.
//
// Each license is identified by its fingerprint. A usage record moves between
// two states: Active while daily_queries is below the license quota and
// QuotaExceeded once it reaches it. The first operation on a new local date
// resets daily_queries to zero and advances last_reset_date; total_queries is
// never reset. last_reset_date only moves forward, so a clock stepping back
// never rewinds the window.
//
// Every read-modify-write runs in a single BEGIN IMMEDIATE transaction, which
// takes the database write lock up front. Transient SQLITE_BUSY and
// SQLITE_LOCKED results are retried with bounded exponential backoff on top of
// the busy_timeout pragma. Other failures are returned as *Error, which
// matches errors.ErrLedger.
package ledger
