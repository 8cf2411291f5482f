package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	TracerName = "license-validator"
	MeterName  = "license-validator"
)

// LicenseMetrics holds the license OpenTelemetry instruments
type LicenseMetrics struct {
	// Validation metrics
	ValidationAttempts metric.Int64Counter
	ValidationSuccess  metric.Int64Counter
	ValidationFailures metric.Int64Counter
	ValidationDuration metric.Float64Histogram
	VerifyCacheHits    metric.Int64Counter
	VerifyCacheMisses  metric.Int64Counter

	// Usage metrics
	UsageRecorded    metric.Int64Counter
	UsageRecordFails metric.Int64Counter
	LedgerErrors     metric.Int64Counter

	// Issuance metrics
	LicensesIssued metric.Int64Counter
}

// InitializeLicenseMetrics creates all license-specific metrics
func InitializeLicenseMetrics(meter metric.Meter) (*LicenseMetrics, error) {
	metrics := &LicenseMetrics{}

	var err error

	// Validation metrics
	metrics.ValidationAttempts, err = meter.Int64Counter(
		"license_validation_attempts_total",
		metric.WithDescription("Total number of license validation attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation attempts counter: %w", err)
	}

	metrics.ValidationSuccess, err = meter.Int64Counter(
		"license_validation_success_total",
		metric.WithDescription("Total number of successful license validations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation success counter: %w", err)
	}

	metrics.ValidationFailures, err = meter.Int64Counter(
		"license_validation_failures_total",
		metric.WithDescription("Total number of failed license validations by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation failures counter: %w", err)
	}

	metrics.ValidationDuration, err = meter.Float64Histogram(
		"license_validation_duration_seconds",
		metric.WithDescription("License validation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation duration histogram: %w", err)
	}

	metrics.VerifyCacheHits, err = meter.Int64Counter(
		"license_verify_cache_hits_total",
		metric.WithDescription("Total number of signature verification cache hits"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verify cache hits counter: %w", err)
	}

	metrics.VerifyCacheMisses, err = meter.Int64Counter(
		"license_verify_cache_misses_total",
		metric.WithDescription("Total number of signature verification cache misses"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verify cache misses counter: %w", err)
	}

	// Usage metrics
	metrics.UsageRecorded, err = meter.Int64Counter(
		"license_usage_recorded_total",
		metric.WithDescription("Total number of queries recorded against a license"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage recorded counter: %w", err)
	}

	metrics.UsageRecordFails, err = meter.Int64Counter(
		"license_usage_record_failures_total",
		metric.WithDescription("Total number of usage records that could not be written"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage record failures counter: %w", err)
	}

	metrics.LedgerErrors, err = meter.Int64Counter(
		"license_ledger_errors_total",
		metric.WithDescription("Total number of usage ledger failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger errors counter: %w", err)
	}

	// Issuance metrics
	metrics.LicensesIssued, err = meter.Int64Counter(
		"license_issued_total",
		metric.WithDescription("Total number of licenses issued by plan"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create licenses issued counter: %w", err)
	}

	return metrics, nil
}

// NewLicenseMetrics creates the metrics on the global meter provider.
func NewLicenseMetrics() (*LicenseMetrics, error) {
	return InitializeLicenseMetrics(otel.Meter(MeterName))
}

// recordValidation records the outcome of one Validate or Reserve call
func (m *LicenseMetrics) recordValidation(ctx context.Context, operation string, duration time.Duration, reason Reason) {
	if m == nil {
		return
	}

	labels := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("component", "license_validator"),
	)

	m.ValidationAttempts.Add(ctx, 1, labels)
	m.ValidationDuration.Record(ctx, duration.Seconds(), labels)

	if reason == ReasonNone {
		m.ValidationSuccess.Add(ctx, 1, labels)
		return
	}

	m.ValidationFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("reason", string(reason)),
	))
	if reason == ReasonLedgerError {
		m.LedgerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
	}
}

func (m *LicenseMetrics) recordUsage(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.UsageRecorded.Add(ctx, 1)
		return
	}
	m.UsageRecordFails.Add(ctx, 1)
	m.LedgerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", "record_usage")))
}

func (m *LicenseMetrics) recordCache(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.VerifyCacheHits.Add(ctx, 1)
	} else {
		m.VerifyCacheMisses.Add(ctx, 1)
	}
}

func (m *LicenseMetrics) recordIssued(ctx context.Context, plan string) {
	if m == nil {
		return
	}
	m.LicensesIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("plan", plan)))
}

// traceValidation wraps a validation with a span and records its metrics
func traceValidation(ctx context.Context, metrics *LicenseMetrics, operation string, fn func(ctx context.Context) ValidationResult) ValidationResult {
	tracer := otel.Tracer(TracerName)

	ctx, span := tracer.Start(ctx, "license."+operation,
		trace.WithAttributes(
			attribute.String("license.operation", operation),
			attribute.String("component", "license_validator"),
		),
	)
	defer span.End()

	start := time.Now()
	result := fn(ctx)
	duration := time.Since(start)

	metrics.recordValidation(ctx, operation, duration, result.Reason)

	span.SetAttributes(
		attribute.Float64("license.duration_ms", float64(duration.Milliseconds())),
		attribute.Bool("license.valid", result.Valid),
	)
	if result.Fingerprint != "" {
		span.SetAttributes(attribute.String("license.fingerprint_prefix", shortFingerprint(result.Fingerprint)))
	}

	if result.Valid {
		span.SetStatus(codes.Ok, "License validation successful")
	} else {
		span.SetAttributes(attribute.String("license.reason", string(result.Reason)))
		span.SetStatus(codes.Error, result.Message)
	}

	return result
}
