// Package middleware provides the HTTP middleware of the license gate:
// request ids, structured request logging, panic recovery, per-client rate
// limiting, and LicenseGate, which validates the X-License-Token header before
// a protected handler runs and records usage after it completes.
package middleware
