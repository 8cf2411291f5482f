package license

import (
	"errors"

	apierrors "localrag/internal/errors"
)

// Reason is the machine-readable outcome of a failed validation.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonMalformedToken   Reason = "malformed_token"
	ReasonKeyMissing       Reason = "key_missing"
	ReasonSignatureInvalid Reason = "signature_invalid"
	ReasonExpired          Reason = "expired"
	ReasonQuotaExceeded    Reason = "quota_exceeded"
	ReasonLedgerError      Reason = "ledger_error"
)

var reasonErrors = map[Reason]error{
	ReasonMalformedToken:   apierrors.ErrMalformedToken,
	ReasonKeyMissing:       apierrors.ErrKeyMissing,
	ReasonSignatureInvalid: apierrors.ErrSignatureInvalid,
	ReasonExpired:          apierrors.ErrExpired,
	ReasonQuotaExceeded:    apierrors.ErrQuotaExceeded,
	ReasonLedgerError:      apierrors.ErrLedger,
}

// Err returns the sentinel error for r, or nil for ReasonNone.
func (r Reason) Err() error {
	return reasonErrors[r]
}

// ReasonFor maps an error back to its validation reason.
func ReasonFor(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	for reason, sentinel := range reasonErrors {
		if errors.Is(err, sentinel) {
			return reason
		}
	}
	return ReasonLedgerError
}

// Reasons lists every failure reason in pipeline order.
func Reasons() []Reason {
	return []Reason{
		ReasonMalformedToken,
		ReasonKeyMissing,
		ReasonSignatureInvalid,
		ReasonExpired,
		ReasonQuotaExceeded,
		ReasonLedgerError,
	}
}
