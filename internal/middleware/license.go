package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "localrag/internal/errors"
	"localrag/internal/ledger"
	"localrag/internal/license"
)

// Headers used by the license gate.
const (
	HeaderLicenseToken     = "X-License-Token"
	HeaderLicenseRemaining = "X-License-Remaining"
	HeaderLicenseReason    = "X-License-Reason"
)

// LicenseChecker is the validator surface the gate needs.
// *license.Validator implements it.
type LicenseChecker interface {
	Validate(ctx context.Context, token string) license.ValidationResult
	Reserve(ctx context.Context, token string) license.ValidationResult
	RecordQueryUsage(ctx context.Context, token string, m ledger.QueryMetrics) bool
	Complete(ctx context.Context, token string, m ledger.QueryMetrics) bool
}

type licenseContextKey struct{}

// LicenseFromContext returns the validation result attached by the gate.
func LicenseFromContext(ctx context.Context) (license.ValidationResult, bool) {
	result, ok := ctx.Value(licenseContextKey{}).(license.ValidationResult)
	return result, ok
}

// LicenseGate validates the license token before a billable request and
// records usage after it. It is the host side of the validate-then-record
// contract.
type LicenseGate struct {
	checker         LicenseChecker
	logger          *slog.Logger
	strict          bool
	enabled         bool
	excludePaths    map[string]struct{}
	excludePrefixes []string
}

// NewLicenseGate creates a gate. In strict mode the quota slot is reserved
// atomically before the request runs, so concurrent requests can never
// exceed the daily limit; otherwise usage is recorded after the request.
func NewLicenseGate(checker LicenseChecker, strict bool, logger *slog.Logger) *LicenseGate {
	return &LicenseGate{
		checker:      checker,
		logger:       logger.With(slog.String("component", "license_gate")),
		strict:       strict,
		enabled:      true,
		excludePaths: make(map[string]struct{}),
	}
}

// SetEnabled turns enforcement on or off.
func (g *LicenseGate) SetEnabled(enabled bool) {
	g.enabled = enabled
}

// AddExcludePath skips the gate for an exact path.
func (g *LicenseGate) AddExcludePath(path string) {
	g.excludePaths[path] = struct{}{}
}

// AddExcludePrefix skips the gate for every path under prefix.
func (g *LicenseGate) AddExcludePrefix(prefix string) {
	g.excludePrefixes = append(g.excludePrefixes, prefix)
}

func (g *LicenseGate) shouldExcludePath(path string) bool {
	if _, ok := g.excludePaths[path]; ok {
		return true
	}
	for _, prefix := range g.excludePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// TokenFromRequest reads the license token from X-License-Token, falling back
// to an "Authorization: License <token>" header.
func TokenFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get(HeaderLicenseToken)); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "License") {
		return strings.TrimSpace(token)
	}
	return ""
}

// Handler returns the gate middleware.
func (g *LicenseGate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.enabled || g.shouldExcludePath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ctx, span := otel.Tracer("license-gate").Start(r.Context(), "license_gate.check",
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
				attribute.Bool("license.strict", g.strict),
			),
		)
		defer span.End()

		token := TokenFromRequest(r)
		if token == "" {
			span.SetAttributes(attribute.String("license.reason", "missing_token"))
			writeProblem(w, r, apierrors.NewProblemDetails(
				http.StatusUnauthorized,
				apierrors.TypeUnauthorized,
				"License Required",
				"A license token is required in the "+HeaderLicenseToken+" header",
				r.URL.Path,
			))
			return
		}

		var result license.ValidationResult
		if g.strict {
			result = g.checker.Reserve(ctx, token)
		} else {
			result = g.checker.Validate(ctx, token)
		}

		if !result.Valid {
			span.SetAttributes(attribute.String("license.reason", string(result.Reason)))
			g.logger.WarnContext(ctx, "request denied by license gate",
				slog.String("path", r.URL.Path),
				slog.String("reason", string(result.Reason)))
			w.Header().Set(HeaderLicenseReason, string(result.Reason))
			problem := apierrors.NewLicenseProblem(result.Err(), result.Message, r.URL.Path).
				WithExtension("reason", string(result.Reason))
			writeProblem(w, r.WithContext(ctx), problem)
			return
		}

		w.Header().Set(HeaderLicenseRemaining, strconv.FormatInt(result.RemainingQueries, 10))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r.WithContext(context.WithValue(ctx, licenseContextKey{}, result)))

		g.record(ctx, r, ww, token, time.Since(start))
	})
}

// record reports the completed request. Requests that failed with a server
// error are not billed in two-call mode; in strict mode the slot was already
// taken and only the log entry is skipped.
func (g *LicenseGate) record(ctx context.Context, r *http.Request, ww middleware.WrapResponseWriter, token string, elapsed time.Duration) {
	status := ww.Status()
	if status == 0 {
		status = http.StatusOK
	}
	if status >= http.StatusInternalServerError {
		g.logger.InfoContext(ctx, "usage not recorded for failed request",
			slog.String("path", r.URL.Path),
			slog.Int("status", status))
		return
	}

	m := ledger.QueryMetrics{
		ResponseLength: ww.BytesWritten(),
		ProcessingTime: elapsed,
	}
	if r.ContentLength > 0 {
		m.QueryLength = int(r.ContentLength)
	}

	var ok bool
	if g.strict {
		ok = g.checker.Complete(ctx, token, m)
	} else {
		ok = g.checker.RecordQueryUsage(ctx, token, m)
	}
	if !ok {
		g.logger.WarnContext(ctx, "usage could not be recorded",
			slog.String("path", r.URL.Path))
	}
}
