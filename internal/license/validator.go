package license

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apierrors "localrag/internal/errors"
	"localrag/internal/infrastructure"
	"localrag/internal/ledger"
)

// RestrictionInvalidLicense is the only restriction reported for a token that
// does not validate. Hosts treat it as deny-all.
const RestrictionInvalidLicense = "invalid_license"

// UsageLedger is the persistence the validator needs. *ledger.Ledger implements it.
type UsageLedger interface {
	GetOrCreate(ctx context.Context, fp, plan string, userID *string) (*ledger.UsageRecord, error)
	CheckAndMaybeReset(ctx context.Context, fp string) (int64, error)
	RecordUsage(ctx context.Context, fp string, m ledger.QueryMetrics) error
	Reserve(ctx context.Context, fp string, limit int64) (ledger.Reservation, error)
	AppendLog(ctx context.Context, fp string, m ledger.QueryMetrics) error
	UsageReport(ctx context.Context, fp string) (*ledger.UsageReport, error)
	PurgeLogs(ctx context.Context, olderThanDays int) (int64, error)
}

// ValidationResult is the outcome of Validate or Reserve. Data is only set
// once the signature has been verified.
type ValidationResult struct {
	Valid            bool         `json:"valid"`
	Reason           Reason       `json:"reason,omitempty"`
	Message          string       `json:"message"`
	Data             *LicenseData `json:"data,omitempty"`
	RemainingQueries int64        `json:"remaining_queries"`
	Fingerprint      string       `json:"fingerprint,omitempty"`
}

// Err returns the sentinel for a failed result, or nil when valid.
func (r ValidationResult) Err() error {
	return r.Reason.Err()
}

// UsageEvent describes one recorded query.
type UsageEvent struct {
	Fingerprint string              `json:"fingerprint"`
	Plan        string              `json:"plan"`
	UserID      *string             `json:"user_id"`
	Metrics     ledger.QueryMetrics `json:"metrics"`
	Timestamp   time.Time           `json:"timestamp"`
}

// UsageObserver is notified after usage has been committed to the ledger.
// Implementations must not block.
type UsageObserver interface {
	OnUsage(ctx context.Context, event UsageEvent)
}

// Validator verifies tokens and enforces the daily quota. The verification
// key is loaded once by the caller and injected.
type Validator struct {
	publicKey *rsa.PublicKey
	ledger    UsageLedger
	now       func() time.Time
	logger    *slog.Logger
	metrics   *LicenseMetrics
	cache     *VerifyCache
	observers []UsageObserver
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ValidatorOption {
	return func(v *Validator) { v.logger = logger }
}

// WithMetrics records validation metrics.
func WithMetrics(m *LicenseMetrics) ValidatorOption {
	return func(v *Validator) { v.metrics = m }
}

// WithVerifyCache memoizes signature checks.
func WithVerifyCache(c *VerifyCache) ValidatorOption {
	return func(v *Validator) { v.cache = c }
}

// WithObserver registers a usage observer.
func WithObserver(o UsageObserver) ValidatorOption {
	return func(v *Validator) { v.observers = append(v.observers, o) }
}

// NewValidator returns a validator. A nil public key makes every token fail
// with key_missing.
func NewValidator(publicKey *rsa.PublicKey, usage UsageLedger, opts ...ValidatorOption) *Validator {
	v := &Validator{
		publicKey: publicKey,
		ledger:    usage,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With(slog.String("component", "license_validator"))
	return v
}

func failure(reason Reason, message string) ValidationResult {
	return ValidationResult{Reason: reason, Message: message}
}

// Validate runs the verification pipeline. It never returns a Go error; the
// reason field carries the failure.
func (v *Validator) Validate(ctx context.Context, token string) ValidationResult {
	return traceValidation(ctx, v.metrics, "validate", func(ctx context.Context) ValidationResult {
		env, result, ok := v.authenticate(ctx, token)
		if !ok {
			return result
		}

		daily, err := v.dailyUsage(ctx, env, result.Fingerprint)
		if err != nil {
			v.logLedgerFailure(ctx, "validate", result.Fingerprint, err)
			result.Reason = ReasonLedgerError
			result.Message = "Usage check failed"
			return result
		}

		limit := env.Data.MaxQueriesPerDay
		if daily >= limit {
			result.Reason = ReasonQuotaExceeded
			result.Message = fmt.Sprintf("Daily query limit exceeded (%d/%d)", daily, limit)
			return result
		}

		result.Valid = true
		result.Message = "Valid license"
		result.RemainingQueries = limit - daily
		return result
	})
}

// authenticate decodes the token, verifies its signature and checks expiry.
// On success the result carries the data and fingerprint but is not yet Valid.
func (v *Validator) authenticate(ctx context.Context, token string) (*Envelope, ValidationResult, bool) {
	env, err := Decode(token)
	if err != nil {
		return nil, failure(ReasonMalformedToken, "Invalid token format"), false
	}
	fp, err := env.Fingerprint()
	if err != nil {
		return nil, failure(ReasonMalformedToken, "Invalid token format"), false
	}

	if v.publicKey == nil {
		return nil, failure(ReasonKeyMissing, "Verification key not available"), false
	}

	if reason := v.verifySignature(ctx, env, fp); reason != ReasonNone {
		r := failure(reason, "Invalid signature")
		if reason == ReasonMalformedToken {
			r.Message = "Invalid token format"
		}
		logAction(ctx, v.logger, slog.LevelWarn, "verify", "license signature rejected",
			slog.String("reason", string(reason)),
			slog.String("fingerprint", shortFingerprint(fp)))
		return nil, r, false
	}

	data := env.Data
	result := ValidationResult{Data: &data, Fingerprint: fp}

	// Strictly after: a token is still valid during its expiry second.
	if v.now().Unix() > data.ExpiresAt {
		result.Reason = ReasonExpired
		result.Message = "License expired"
		return nil, result, false
	}

	return env, result, true
}

// verifySignature checks the signature, consulting the cache first. Only the
// pure cryptographic outcome is cached.
func (v *Validator) verifySignature(ctx context.Context, env *Envelope, fp string) Reason {
	if v.cache != nil {
		if reason, ok := v.cache.Get(fp); ok {
			v.metrics.recordCache(ctx, true)
			return reason
		}
		v.metrics.recordCache(ctx, false)
	}

	reason := ReasonFor(Verify(v.publicKey, env))
	if v.cache != nil && (reason == ReasonNone || reason == ReasonSignatureInvalid) {
		v.cache.Set(fp, reason)
	}
	return reason
}

// dailyUsage ensures the usage record exists and applies the day rollover.
func (v *Validator) dailyUsage(ctx context.Context, env *Envelope, fp string) (int64, error) {
	if v.ledger == nil {
		return 0, &ledger.Error{Op: "validate", Err: errors.New("no usage ledger configured")}
	}
	if _, err := v.ledger.GetOrCreate(ctx, fp, env.Data.Plan, env.Data.UserID); err != nil {
		return 0, err
	}
	return v.ledger.CheckAndMaybeReset(ctx, fp)
}

// Reserve validates the token and, if it passes, counts one query in the same
// ledger transaction as the quota check. Pair it with Complete.
func (v *Validator) Reserve(ctx context.Context, token string) ValidationResult {
	return traceValidation(ctx, v.metrics, "reserve", func(ctx context.Context) ValidationResult {
		env, result, ok := v.authenticate(ctx, token)
		if !ok {
			return result
		}
		if v.ledger == nil {
			result.Reason = ReasonLedgerError
			result.Message = "Usage check failed"
			return result
		}

		fp := result.Fingerprint
		if _, err := v.ledger.GetOrCreate(ctx, fp, env.Data.Plan, env.Data.UserID); err != nil {
			v.logLedgerFailure(ctx, "reserve", fp, err)
			result.Reason = ReasonLedgerError
			result.Message = "Usage check failed"
			return result
		}

		limit := env.Data.MaxQueriesPerDay
		res, err := v.ledger.Reserve(ctx, fp, limit)
		if err != nil {
			v.logLedgerFailure(ctx, "reserve", fp, err)
			result.Reason = ReasonLedgerError
			result.Message = "Usage check failed"
			return result
		}
		if !res.Granted {
			result.Reason = ReasonQuotaExceeded
			result.Message = fmt.Sprintf("Daily query limit exceeded (%d/%d)", res.DailyQueries, limit)
			return result
		}

		v.metrics.recordUsage(ctx, true)
		result.Valid = true
		result.Message = "Valid license"
		result.RemainingQueries = res.Remaining
		return result
	})
}

// Complete logs the query details for a token reserved with Reserve. The
// counters were already incremented, so Complete never counts again.
func (v *Validator) Complete(ctx context.Context, token string, m ledger.QueryMetrics) bool {
	env, fp, ok := v.identify(ctx, "complete", token)
	if !ok {
		return false
	}
	if err := v.ledger.AppendLog(ctx, fp, m); err != nil {
		v.logLedgerFailure(ctx, "complete", fp, err)
		return false
	}
	v.notify(ctx, env, fp, m)
	return true
}

// RecordQueryUsage counts one query against the token and logs its details.
// Failures are logged and reported as false: under-counting is preferred to
// failing the host request. The token is identified, not re-verified.
//
// Between Validate and RecordQueryUsage another caller may record against the
// same token, so concurrent hosts can exceed the quota by their in-flight
// count. Use Reserve when that matters.
func (v *Validator) RecordQueryUsage(ctx context.Context, token string, m ledger.QueryMetrics) bool {
	env, fp, ok := v.identify(ctx, "record_usage", token)
	if !ok {
		return false
	}

	if _, err := v.ledger.GetOrCreate(ctx, fp, env.Data.Plan, env.Data.UserID); err != nil {
		v.logLedgerFailure(ctx, "record_usage", fp, err)
		v.metrics.recordUsage(ctx, false)
		return false
	}
	if err := v.ledger.RecordUsage(ctx, fp, m); err != nil {
		v.logLedgerFailure(ctx, "record_usage", fp, err)
		v.metrics.recordUsage(ctx, false)
		return false
	}

	v.metrics.recordUsage(ctx, true)
	v.notify(ctx, env, fp, m)
	return true
}

// identify decodes the token to its fingerprint for the recording calls.
func (v *Validator) identify(ctx context.Context, action, token string) (*Envelope, string, bool) {
	env, err := Decode(token)
	if err == nil {
		var fp string
		if fp, err = env.Fingerprint(); err == nil {
			if v.ledger == nil {
				logAction(ctx, v.logger, slog.LevelError, action, "no usage ledger configured")
				return nil, "", false
			}
			return env, fp, true
		}
	}
	logAction(ctx, v.logger, slog.LevelWarn, action, "usage not recorded for malformed token",
		slog.String("error", err.Error()))
	return nil, "", false
}

func (v *Validator) notify(ctx context.Context, env *Envelope, fp string, m ledger.QueryMetrics) {
	if len(v.observers) == 0 {
		return
	}
	event := UsageEvent{
		Fingerprint: fp,
		Plan:        env.Data.Plan,
		UserID:      env.Data.UserID,
		Metrics:     m,
		Timestamp:   v.now(),
	}
	for _, o := range v.observers {
		o.OnUsage(ctx, event)
	}
}

func (v *Validator) logLedgerFailure(ctx context.Context, action, fp string, err error) {
	infrastructure.RecordError(ctx, err)
	logAction(ctx, v.logger, slog.LevelError, action, "usage ledger operation failed",
		slog.String("fingerprint", shortFingerprint(fp)),
		slog.String("error", err.Error()))
}

// UsageReport returns the ledger report for the token. A token never seen by
// the ledger yields ErrRecordNotFound.
func (v *Validator) UsageReport(ctx context.Context, token string) (*ledger.UsageReport, error) {
	fp, err := Fingerprint(token)
	if err != nil {
		return nil, err
	}
	if v.ledger == nil {
		return nil, fmt.Errorf("%w: no usage ledger configured", apierrors.ErrLedger)
	}
	return v.ledger.UsageReport(ctx, fp)
}

// IsFeatureEnabled reports whether a currently valid token grants feature.
func (v *Validator) IsFeatureEnabled(ctx context.Context, token, feature string) bool {
	result := v.Validate(ctx, token)
	if !result.Valid {
		return false
	}
	return result.Data.HasFeature(feature)
}

// Restrictions returns the restrictions of a currently valid token, or the
// single deny-all restriction when it does not validate.
func (v *Validator) Restrictions(ctx context.Context, token string) []string {
	result := v.Validate(ctx, token)
	if !result.Valid {
		return []string{RestrictionInvalidLicense}
	}
	if result.Data.Restrictions == nil {
		return []string{}
	}
	return result.Data.Restrictions
}

// PurgeUsageLogs removes query log entries older than days.
func (v *Validator) PurgeUsageLogs(ctx context.Context, days int) (int64, error) {
	if v.ledger == nil {
		return 0, fmt.Errorf("%w: no usage ledger configured", apierrors.ErrLedger)
	}
	return v.ledger.PurgeLogs(ctx, days)
}
