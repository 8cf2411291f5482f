package license

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"localrag/internal/ledger"
	"localrag/internal/shared/testutil"
)

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	return sums
}

func TestValidatorMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := InitializeLicenseMetrics(provider.Meter(MeterName))
	require.NoError(t, err)

	ctx := context.Background()
	f := newFixture(t, WithMetrics(metrics))
	token := f.issue(t, limitReq("pro", 1, 30))

	require.True(t, f.validator.Validate(ctx, token).Valid)
	require.True(t, f.validator.RecordQueryUsage(ctx, token, ledger.QueryMetrics{}))
	assert.False(t, f.validator.Validate(ctx, token).Valid)
	assert.False(t, f.validator.Validate(ctx, "garbage").Valid)

	sums := collectSums(t, reader)
	assert.Equal(t, int64(3), sums["license_validation_attempts_total"])
	assert.Equal(t, int64(1), sums["license_validation_success_total"])
	assert.Equal(t, int64(2), sums["license_validation_failures_total"])
	assert.Equal(t, int64(1), sums["license_usage_recorded_total"])
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *LicenseMetrics
	m.recordValidation(context.Background(), "validate", 0, ReasonExpired)
	m.recordUsage(context.Background(), false)
	m.recordCache(context.Background(), true)
	m.recordIssued(context.Background(), "pro")
}

func TestLedgerFailureMarksSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		tp.Shutdown(context.Background())
	})

	key := testutil.RSAKey(t)
	clock := testutil.NewFakeClock(testNow)
	token, err := NewGenerator(key, WithGeneratorClock(clock.Now)).IssueDemo(context.Background())
	require.NoError(t, err)

	ml := &mockLedger{}
	ml.On("GetOrCreate", mock.Anything, mock.Anything, "demo", mock.Anything).
		Return(nil, &ledger.Error{Op: "test", Err: errors.New("disk full")})
	v := NewValidator(&key.PublicKey, ml, WithClock(clock.Now))

	assert.Equal(t, ReasonLedgerError, v.Validate(context.Background(), token).Reason)

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "license.validate", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)

	var exception *sdktrace.Event
	for _, ev := range ended[0].Events() {
		if ev.Name == "exception" {
			exception = &ev
		}
	}
	require.NotNil(t, exception, "ledger failure should be recorded on the span")
	var message string
	for _, kv := range exception.Attributes {
		if kv.Key == "exception.message" {
			message = kv.Value.AsString()
		}
	}
	assert.Contains(t, message, "disk full")
}
