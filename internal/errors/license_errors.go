package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/render"
)

// License-specific errors (using errors package for sentinel errors)
var (
	ErrMalformedToken    = errors.New("malformed license token")
	ErrKeyMissing        = errors.New("verification key missing")
	ErrSignatureInvalid  = errors.New("license signature invalid")
	ErrExpired           = errors.New("license expired")
	ErrQuotaExceeded     = errors.New("daily query quota exceeded")
	ErrLedger            = errors.New("usage ledger unavailable")
	ErrKeyGeneration     = errors.New("key generation failed")
	ErrPrivateKeyMissing = errors.New("private signing key missing")

	// ErrKeyExists guards against silently orphaning every token signed by the current key.
	ErrKeyExists      = errors.New("private key already exists")
	ErrRecordNotFound = errors.New("usage record not found")
	ErrInvalidRequest = errors.New("invalid license request")
)

// Problem types for license failures
const (
	TypeLicenseMalformed        = "/errors/license/malformed"
	TypeLicenseKeyMissing       = "/errors/license/key-missing"
	TypeLicenseSignatureInvalid = "/errors/license/signature-invalid"
	TypeLicenseExpired          = "/errors/license/expired"
	TypeLicenseQuotaExceeded    = "/errors/license/quota-exceeded"
	TypeLicenseLedger           = "/errors/license/ledger-unavailable"
	TypeLicenseUsageNotFound    = "/errors/license/usage-not-found"
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// Additional fields for extensibility
	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions next to the standard members.
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, len(pd.Extensions)+5)
	for k, v := range pd.Extensions {
		data[k] = v
	}

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	if pd.Extensions == nil {
		pd.Extensions = make(map[string]interface{})
	}
	pd.Extensions[key] = value
	return pd
}

type licenseProblem struct {
	status int
	typ    string
	title  string
}

var licenseProblems = []struct {
	err error
	licenseProblem
}{
	{ErrMalformedToken, licenseProblem{http.StatusBadRequest, TypeLicenseMalformed, "Malformed License"}},
	{ErrSignatureInvalid, licenseProblem{http.StatusUnauthorized, TypeLicenseSignatureInvalid, "Invalid License Signature"}},
	{ErrExpired, licenseProblem{http.StatusForbidden, TypeLicenseExpired, "License Expired"}},
	{ErrQuotaExceeded, licenseProblem{http.StatusTooManyRequests, TypeLicenseQuotaExceeded, "Daily Quota Exceeded"}},
	{ErrKeyMissing, licenseProblem{http.StatusServiceUnavailable, TypeLicenseKeyMissing, "Verification Key Missing"}},
	{ErrLedger, licenseProblem{http.StatusServiceUnavailable, TypeLicenseLedger, "Usage Ledger Unavailable"}},
	{ErrRecordNotFound, licenseProblem{http.StatusNotFound, TypeLicenseUsageNotFound, "Usage Not Found"}},
}

// IsLicenseError reports whether err belongs to the license validation taxonomy.
func IsLicenseError(err error) bool {
	for _, p := range licenseProblems {
		if errors.Is(err, p.err) {
			return true
		}
	}
	return false
}

// NewLicenseProblem maps a license sentinel to problem details. Unknown errors
// become a 500 so callers never leak internals through the title.
func NewLicenseProblem(err error, detail, instance string) *ProblemDetails {
	for _, p := range licenseProblems {
		if errors.Is(err, p.err) {
			return NewProblemDetails(p.status, p.typ, p.title, detail, instance)
		}
	}
	return NewProblemDetails(
		http.StatusInternalServerError,
		TypeInternal,
		"Internal Server Error",
		detail,
		instance,
	)
}
