package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localrag/internal/license"
	"localrag/internal/shared/testutil"
)

type upPinger struct{}

func (upPinger) Ping(ctx context.Context) error { return nil }

type downPinger struct{}

func (downPinger) Ping(ctx context.Context) error { return errors.New("database is locked") }

func TestHealthCheck(t *testing.T) {
	key := testutil.RSAKey(t)
	logger, _ := testutil.NewTestLogger(t)

	tests := []struct {
		name       string
		checker    *license.LicenseHealthCheck
		wantStatus int
		wantBody   string
	}{
		{"healthy", license.NewLicenseHealthCheck(&key.PublicKey, upPinger{}, nil), http.StatusOK, `"status":"healthy"`},
		{"ledger down", license.NewLicenseHealthCheck(&key.PublicKey, downPinger{}, nil), http.StatusServiceUnavailable, `"status":"unhealthy"`},
		{"no key", license.NewLicenseHealthCheck(nil, upPinger{}, nil), http.StatusServiceUnavailable, `"status":"unhealthy"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.checker, "test", logger)
			rec := httptest.NewRecorder()
			h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

func TestLivenessAndVersion(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	h := NewHealthHandler(license.NewLicenseHealthCheck(nil, nil, nil), "v1.2.3", logger)

	rec := httptest.NewRecorder()
	h.LivenessCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health/live", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"alive"`)

	rec = httptest.NewRecorder()
	h.Version(rec, httptest.NewRequest(http.MethodGet, "/api/version", nil))
	assert.Contains(t, rec.Body.String(), `"version":"v1.2.3"`)
	assert.Contains(t, rec.Body.String(), `"schema":"1.0"`)
}

func TestMetricsHandlerFallback(t *testing.T) {
	rec := httptest.NewRecorder()
	MetricsHandler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	custom := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	rec = httptest.NewRecorder()
	MetricsHandler(custom).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
