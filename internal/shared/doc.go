// Package shared holds helpers used across packages that belong to no single
// domain.
//
// # Test Utilities
//
// The testutil subpackage provides:
//
//	- a buffered slog handler for asserting on log output
//	- a controllable clock for quota-window and expiry tests
//	- shared RSA key fixtures so each package generates keys once
//
// Example usage:
//
//	func TestSomething(t *testing.T) {
//	    logger, logs := testutil.NewTestLogger(t)
//	    clock := testutil.NewFakeClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
//	    keys := testutil.RSAKey(t)
//	    ...
//	}
package shared
