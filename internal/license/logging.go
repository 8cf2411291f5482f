package license

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"localrag/internal/infrastructure"
)

// logAction logs a license action with trace correlation
func logAction(ctx context.Context, logger *slog.Logger, level slog.Level, action, result string, attrs ...slog.Attr) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		infrastructure.AddSpanEvent(ctx, "license."+action, map[string]interface{}{
			"action": action,
			"result": result,
		})
	}

	// trace_id is injected by the infrastructure handler
	allAttrs := []slog.Attr{
		slog.String("action", action),
		slog.String("result", result),
	}
	allAttrs = append(allAttrs, attrs...)

	logger.LogAttrs(ctx, level, result, allAttrs...)
}

// logLicenseAction logs an action about a specific license. The user id is
// masked and the token itself is never logged.
func logLicenseAction(ctx context.Context, logger *slog.Logger, level slog.Level, action, result string, userID *string, attrs ...slog.Attr) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(
			attribute.String("license.action", action),
			attribute.Bool("license.has_user", userID != nil),
		)
	}

	licenseAttrs := []slog.Attr{
		slog.String("user_id_masked", maskUserID(userID)),
		slog.String("audit_category", "license"),
	}
	licenseAttrs = append(licenseAttrs, attrs...)

	logAction(ctx, logger, level, action, result, licenseAttrs...)
}

// maskUserID keeps the first and last character of a user id
func maskUserID(userID *string) string {
	if userID == nil {
		return ""
	}
	id := []rune(*userID)
	if len(id) <= 2 {
		return "**"
	}
	return string(id[0]) + "****" + string(id[len(id)-1])
}

// shortFingerprint is enough of a fingerprint to correlate log lines
func shortFingerprint(fp string) string {
	if len(fp) <= 12 {
		return fp
	}
	return fp[:12]
}
