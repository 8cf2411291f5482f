package license

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"localrag/internal/infrastructure"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents health of a specific component
type ComponentHealth struct {
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  string                 `json:"duration,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// HealthCheckResult contains the status of every licensing component
type HealthCheckResult struct {
	OverallStatus HealthStatus                `json:"status"`
	Message       string                      `json:"message"`
	Timestamp     time.Time                   `json:"timestamp"`
	Duration      string                      `json:"duration"`
	TraceID       string                      `json:"trace_id,omitempty"`
	Components    map[string]*ComponentHealth `json:"components"`
	Summary       *HealthSummary              `json:"summary"`
}

// HealthSummary provides aggregated health metrics
type HealthSummary struct {
	TotalComponents     int     `json:"total_components"`
	HealthyComponents   int     `json:"healthy_components"`
	DegradedComponents  int     `json:"degraded_components"`
	UnhealthyComponents int     `json:"unhealthy_components"`
	OverallScore        float64 `json:"overall_score"`
}

// Pinger is satisfied by the usage ledger.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LicenseHealthCheck reports on the verification key, the usage ledger and
// the verification cache.
type LicenseHealthCheck struct {
	publicKey *rsa.PublicKey
	ledger    Pinger
	cache     *VerifyCache
	timeout   time.Duration
}

// NewLicenseHealthCheck creates a health checker. Any argument may be nil.
func NewLicenseHealthCheck(publicKey *rsa.PublicKey, ledger Pinger, cache *VerifyCache) *LicenseHealthCheck {
	return &LicenseHealthCheck{
		publicKey: publicKey,
		ledger:    ledger,
		cache:     cache,
		timeout:   5 * time.Second,
	}
}

// PerformHealthCheck runs every component check concurrently
func (hc *LicenseHealthCheck) PerformHealthCheck(ctx context.Context) *HealthCheckResult {
	tracer := otel.Tracer(TracerName)

	ctx, span := tracer.Start(ctx, "license.health_check",
		trace.WithAttributes(
			attribute.String("component", "license_health"),
		),
	)
	defer span.End()

	start := time.Now()
	result := &HealthCheckResult{
		Timestamp:  start,
		Components: make(map[string]*ComponentHealth),
		TraceID:    infrastructure.GetTraceID(ctx),
	}

	checks := map[string]func(context.Context) *ComponentHealth{
		"verification_key": hc.checkVerificationKey,
		"usage_ledger":     hc.checkUsageLedger,
		"verify_cache":     hc.checkVerifyCache,
	}

	type checkResult struct {
		name   string
		health *ComponentHealth
	}

	resultChan := make(chan checkResult, len(checks))
	for name, checkFunc := range checks {
		go func(n string, cf func(context.Context) *ComponentHealth) {
			checkCtx, cancel := context.WithTimeout(ctx, hc.timeout)
			defer cancel()
			resultChan <- checkResult{name: n, health: cf(checkCtx)}
		}(name, checkFunc)
	}
	for i := 0; i < len(checks); i++ {
		res := <-resultChan
		result.Components[res.name] = res.health
	}

	result.Summary = calculateHealthSummary(result.Components)
	result.OverallStatus = determineOverallStatus(result.Components)
	result.Duration = time.Since(start).String()
	result.Message = generateStatusMessage(result.OverallStatus, result.Summary)

	span.SetAttributes(
		attribute.String("health.overall_status", string(result.OverallStatus)),
		attribute.Int("health.total_components", result.Summary.TotalComponents),
		attribute.Float64("health.overall_score", result.Summary.OverallScore),
	)

	return result
}

func (hc *LicenseHealthCheck) checkVerificationKey(ctx context.Context) *ComponentHealth {
	health := &ComponentHealth{
		Timestamp: time.Now(),
		Metadata:  make(map[string]interface{}),
	}

	if hc.publicKey == nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "Verification key not loaded"
		health.Error = "public_key_nil"
		return health
	}

	health.Metadata["key_bits"] = hc.publicKey.N.BitLen()
	health.Status = HealthStatusHealthy
	health.Message = "Verification key loaded"
	return health
}

func (hc *LicenseHealthCheck) checkUsageLedger(ctx context.Context) *ComponentHealth {
	start := time.Now()
	health := &ComponentHealth{
		Timestamp: start,
		Metadata:  make(map[string]interface{}),
	}

	if hc.ledger == nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "Usage ledger not initialized"
		health.Error = "ledger_nil"
		return health
	}

	err := hc.ledger.Ping(ctx)
	duration := time.Since(start)
	health.Duration = duration.String()
	health.Metadata["ping_duration_ms"] = duration.Milliseconds()

	if err != nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "Usage ledger unreachable"
		health.Error = err.Error()
		return health
	}

	health.Status = HealthStatusHealthy
	health.Message = "Usage ledger reachable"
	return health
}

func (hc *LicenseHealthCheck) checkVerifyCache(ctx context.Context) *ComponentHealth {
	health := &ComponentHealth{
		Timestamp: time.Now(),
	}

	if hc.cache == nil {
		health.Status = HealthStatusHealthy
		health.Message = "Verification cache disabled"
		return health
	}

	health.Metadata = hc.cache.GetStats()
	health.Status = HealthStatusHealthy
	health.Message = "Verification cache operational"
	return health
}

// calculateHealthSummary creates summary statistics
func calculateHealthSummary(components map[string]*ComponentHealth) *HealthSummary {
	summary := &HealthSummary{
		TotalComponents: len(components),
	}

	for _, health := range components {
		switch health.Status {
		case HealthStatusHealthy:
			summary.HealthyComponents++
		case HealthStatusDegraded:
			summary.DegradedComponents++
		case HealthStatusUnhealthy:
			summary.UnhealthyComponents++
		}
	}

	// healthy=1.0, degraded=0.5, unhealthy=0.0
	if summary.TotalComponents > 0 {
		score := float64(summary.HealthyComponents) + (float64(summary.DegradedComponents) * 0.5)
		summary.OverallScore = score / float64(summary.TotalComponents)
	}

	return summary
}

// determineOverallStatus calculates overall health status
func determineOverallStatus(components map[string]*ComponentHealth) HealthStatus {
	hasUnhealthy := false
	hasDegraded := false

	for _, health := range components {
		switch health.Status {
		case HealthStatusUnhealthy:
			hasUnhealthy = true
		case HealthStatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return HealthStatusUnhealthy
	} else if hasDegraded {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}

// generateStatusMessage creates human-readable status message
func generateStatusMessage(status HealthStatus, summary *HealthSummary) string {
	switch status {
	case HealthStatusHealthy:
		return fmt.Sprintf("All %d license components are healthy", summary.TotalComponents)
	case HealthStatusDegraded:
		return fmt.Sprintf("Licensing operational with %d degraded components out of %d",
			summary.DegradedComponents, summary.TotalComponents)
	case HealthStatusUnhealthy:
		return fmt.Sprintf("Licensing unhealthy: %d unhealthy, %d degraded out of %d components",
			summary.UnhealthyComponents, summary.DegradedComponents, summary.TotalComponents)
	default:
		return "Unknown health status"
	}
}

// HTTPHandler creates an HTTP handler for health checks
func (hc *LicenseHealthCheck) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := hc.PerformHealthCheck(r.Context())

		statusCode := http.StatusOK
		if result.OverallStatus == HealthStatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		encoder.Encode(result)
	}
}
