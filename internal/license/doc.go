// Package license issues and verifies offline license tokens and enforces the
// per-day query quota recorded in the usage ledger.
//
// # Token format
//
// A token is the standard base64 encoding of a JSON envelope:
//
//	{"data":{...},"signature":"<base64>"}
//
// The signature is RSA PKCS#1 v1.5 over the SHA-256 digest of the canonical
// form of data: keys sorted at every level, no insignificant whitespace,
// numbers printed exactly as decoded. The data "version" field selects the
// signature scheme; "1.0" is the only registered scheme.
//
// A token's fingerprint is the hex SHA-256 of its canonical envelope. The
// ledger keys usage by fingerprint, so re-encoding the same token never
// resets its quota.
//
// # Validation pipeline
//
// Validate runs these steps and stops at the first failure:
//
//	1. decode           malformed_token
//	2. verify signature key_missing, signature_invalid
//	3. check expiry     expired
//	4. check quota      quota_exceeded, ledger_error
//
// Validation never returns a Go error. Its only side effect is the lazy
// creation of the usage record and the daily rollover.
//
// # Recording usage
//
// The two-call mode (Validate then RecordQueryUsage) lets concurrent callers
// pass the quota check before either records, so the daily count can exceed
// the limit by the number of in-flight requests. Reserve and Complete close
// that gap by checking and incrementing in one ledger transaction.
package license
