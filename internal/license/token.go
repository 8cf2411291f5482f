package license

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	apierrors "localrag/internal/errors"
)

// SchemaVersion is the version stamped on newly issued tokens.
const SchemaVersion = "1.0"

// Field names of the signed payload. Extra fields may not reuse them.
const (
	fieldPlan             = "plan"
	fieldUserID           = "user_id"
	fieldIssuedAt         = "issued_at"
	fieldExpiresAt        = "expires_at"
	fieldMaxQueriesPerDay = "max_queries_per_day"
	fieldVersion          = "version"
	fieldFeatures         = "features"
	fieldRestrictions     = "restrictions"
)

var reservedFields = map[string]bool{
	fieldPlan:             true,
	fieldUserID:           true,
	fieldIssuedAt:         true,
	fieldExpiresAt:        true,
	fieldMaxQueriesPerDay: true,
	fieldVersion:          true,
	fieldFeatures:         true,
	fieldRestrictions:     true,
}

// LicenseData is the signed payload of a token.
type LicenseData struct {
	Plan             string         `json:"plan"`
	UserID           *string        `json:"user_id"`
	IssuedAt         int64          `json:"issued_at"`
	ExpiresAt        int64          `json:"expires_at"`
	MaxQueriesPerDay int64          `json:"max_queries_per_day"`
	Version          string         `json:"version"`
	Features         []string       `json:"features,omitempty"`
	Restrictions     []string       `json:"restrictions,omitempty"`
	Extra            map[string]any `json:"-"`
}

// IssuedTime returns issued_at as a time.
func (d *LicenseData) IssuedTime() time.Time { return time.Unix(d.IssuedAt, 0) }

// ExpiresTime returns expires_at as a time.
func (d *LicenseData) ExpiresTime() time.Time { return time.Unix(d.ExpiresAt, 0) }

// HasFeature reports whether feature is listed in the payload.
func (d *LicenseData) HasFeature(feature string) bool {
	for _, f := range d.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// MarshalJSON flattens Extra next to the standard fields.
func (d LicenseData) MarshalJSON() ([]byte, error) {
	return canonicalJSON(d.fields())
}

// fields returns the payload as the generic map that is signed.
func (d *LicenseData) fields() map[string]any {
	m := make(map[string]any, len(d.Extra)+8)
	for k, v := range d.Extra {
		if !reservedFields[k] {
			m[k] = v
		}
	}

	m[fieldPlan] = d.Plan
	if d.UserID != nil {
		m[fieldUserID] = *d.UserID
	} else {
		m[fieldUserID] = nil
	}
	m[fieldIssuedAt] = d.IssuedAt
	m[fieldExpiresAt] = d.ExpiresAt
	m[fieldMaxQueriesPerDay] = d.MaxQueriesPerDay
	m[fieldVersion] = d.Version
	if d.Features != nil {
		m[fieldFeatures] = normalizeSet(d.Features)
	}
	if d.Restrictions != nil {
		m[fieldRestrictions] = normalizeSet(d.Restrictions)
	}
	return m
}

// normalizeSet sorts and de-duplicates a string set.
func normalizeSet(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// Envelope is a decoded token: the payload plus its detached signature.
type Envelope struct {
	Data      LicenseData
	Signature []byte

	// raw is the payload exactly as decoded, so verification never depends
	// on a typed round trip.
	raw map[string]any
}

// CanonicalData returns the bytes covered by the signature.
func (e *Envelope) CanonicalData() ([]byte, error) {
	if e.raw != nil {
		return canonicalJSON(e.raw)
	}
	return canonicalJSON(e.Data.fields())
}

// canonicalEnvelope is the envelope JSON with canonical data.
func (e *Envelope) canonicalEnvelope() ([]byte, error) {
	data, err := e.CanonicalData()
	if err != nil {
		return nil, err
	}
	return canonicalJSON(map[string]any{
		"data":      json.RawMessage(data),
		"signature": base64.StdEncoding.EncodeToString(e.Signature),
	})
}

// Fingerprint is the stable identity of the token, independent of its outer encoding.
func (e *Envelope) Fingerprint() (string, error) {
	b, err := e.canonicalEnvelope()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Fingerprint decodes token and returns its fingerprint.
func Fingerprint(token string) (string, error) {
	env, err := Decode(token)
	if err != nil {
		return "", err
	}
	return env.Fingerprint()
}

// canonicalJSON encodes v with sorted keys, no whitespace and no HTML escaping.
// encoding/json already sorts map keys at every level.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// normalizedFields round-trips the payload through JSON so that the signed
// bytes are exactly what a verifier re-derives from the decoded token.
func normalizedFields(d *LicenseData) (map[string]any, error) {
	b, err := canonicalJSON(d.fields())
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

// Encode builds the outer token text from a payload and its signature.
func Encode(data LicenseData, signature []byte) (string, error) {
	raw, err := normalizedFields(&data)
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	env := &Envelope{Data: data, Signature: signature, raw: raw}
	b, err := env.canonicalEnvelope()
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// Decode parses token text. Any structural problem yields ErrMalformedToken.
func Decode(token string) (*Envelope, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return nil, malformed("invalid base64: %v", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, malformed("invalid json: %v", err)
	}
	if dec.More() {
		return nil, malformed("trailing data after envelope")
	}

	if err := validateEnvelope(doc); err != nil {
		return nil, malformed("%v", err)
	}

	obj := doc.(map[string]any)
	payload := obj["data"].(map[string]any)

	sig, err := base64.StdEncoding.DecodeString(obj["signature"].(string))
	if err != nil {
		return nil, malformed("invalid signature encoding: %v", err)
	}

	data, err := dataFromFields(payload)
	if err != nil {
		return nil, err
	}
	if _, err := SchemeFor(data.Version); err != nil {
		return nil, err
	}

	return &Envelope{Data: *data, Signature: sig, raw: payload}, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apierrors.ErrMalformedToken, fmt.Sprintf(format, args...))
}

// dataFromFields types a schema-checked payload.
func dataFromFields(m map[string]any) (*LicenseData, error) {
	d := &LicenseData{
		Plan:    m[fieldPlan].(string),
		Version: m[fieldVersion].(string),
	}
	if uid, ok := m[fieldUserID].(string); ok {
		d.UserID = &uid
	}

	var err error
	if d.IssuedAt, err = intField(m, fieldIssuedAt); err != nil {
		return nil, err
	}
	if d.ExpiresAt, err = intField(m, fieldExpiresAt); err != nil {
		return nil, err
	}
	if d.MaxQueriesPerDay, err = intField(m, fieldMaxQueriesPerDay); err != nil {
		return nil, err
	}

	d.Features = stringSet(m[fieldFeatures])
	d.Restrictions = stringSet(m[fieldRestrictions])

	for k, v := range m {
		if reservedFields[k] {
			continue
		}
		if d.Extra == nil {
			d.Extra = make(map[string]any)
		}
		d.Extra[k] = v
	}
	return d, nil
}

func intField(m map[string]any, key string) (int64, error) {
	n, ok := m[key].(json.Number)
	if !ok {
		return 0, malformed("%s is not a number", key)
	}
	v, err := n.Int64()
	if err != nil {
		return 0, malformed("%s is not an integer", key)
	}
	return v, nil
}

func stringSet(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Scheme signs and verifies canonical payload bytes for one token version.
type Scheme interface {
	Sign(key *rsa.PrivateKey, payload []byte) ([]byte, error)
	Verify(key *rsa.PublicKey, payload, signature []byte) error
}

type pkcs1v15SHA256 struct{}

func (pkcs1v15SHA256) Sign(key *rsa.PrivateKey, payload []byte) ([]byte, error) {
	digest := sha256.Sum256(payload)
	return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
}

func (pkcs1v15SHA256) Verify(key *rsa.PublicKey, payload, signature []byte) error {
	digest := sha256.Sum256(payload)
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], signature)
}

var schemes = map[string]Scheme{
	SchemaVersion: pkcs1v15SHA256{},
}

// SchemeFor returns the signature scheme registered for version.
func SchemeFor(version string) (Scheme, error) {
	s, ok := schemes[version]
	if !ok {
		return nil, malformed("unsupported version %q", version)
	}
	return s, nil
}

// Sign signs data with key using the scheme its version selects.
func Sign(key *rsa.PrivateKey, data LicenseData) (string, error) {
	if key == nil {
		return "", apierrors.ErrPrivateKeyMissing
	}
	scheme, err := SchemeFor(data.Version)
	if err != nil {
		return "", err
	}
	raw, err := normalizedFields(&data)
	if err != nil {
		return "", fmt.Errorf("canonicalize license data: %w", err)
	}
	payload, err := canonicalJSON(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize license data: %w", err)
	}
	sig, err := scheme.Sign(key, payload)
	if err != nil {
		return "", fmt.Errorf("sign license data: %w", err)
	}
	return Encode(data, sig)
}

// Verify checks the envelope signature against key.
func Verify(key *rsa.PublicKey, env *Envelope) error {
	if key == nil {
		return apierrors.ErrKeyMissing
	}
	scheme, err := SchemeFor(env.Data.Version)
	if err != nil {
		return err
	}
	payload, err := env.CanonicalData()
	if err != nil {
		return malformed("canonicalize: %v", err)
	}
	if err := scheme.Verify(key, payload, env.Signature); err != nil {
		return fmt.Errorf("%w: %v", apierrors.ErrSignatureInvalid, err)
	}
	return nil
}

// Info is the unverified view of a token returned by Inspect.
type Info struct {
	Data        LicenseData `json:"data"`
	Fingerprint string      `json:"fingerprint"`
	IssuedAt    time.Time   `json:"issued_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	Expired     bool        `json:"expired"`
}

// Inspect decodes token without verifying its signature. The result must not
// be used for authorization.
func Inspect(token string, now time.Time) (*Info, error) {
	env, err := Decode(token)
	if err != nil {
		return nil, err
	}
	fp, err := env.Fingerprint()
	if err != nil {
		return nil, malformed("fingerprint: %v", err)
	}
	return &Info{
		Data:        env.Data,
		Fingerprint: fp,
		IssuedAt:    env.Data.IssuedTime().UTC(),
		ExpiresAt:   env.Data.ExpiresTime().UTC(),
		Expired:     now.Unix() > env.Data.ExpiresAt,
	}, nil
}

// LoadTokenFile reads a token written by PersistToken.
func LoadTokenFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read license file: %w", err)
	}
	token := strings.TrimSpace(string(b))
	if token == "" {
		return "", fmt.Errorf("%w: license file %s is empty", apierrors.ErrMalformedToken, path)
	}
	return token, nil
}
