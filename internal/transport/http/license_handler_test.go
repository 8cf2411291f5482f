package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apierrors "localrag/internal/errors"
	"localrag/internal/ledger"
	"localrag/internal/license"
	"localrag/internal/shared/testutil"
)

// MockLicenseService is a mock implementation of LicenseService
type MockLicenseService struct {
	mock.Mock
}

func (m *MockLicenseService) Validate(ctx context.Context, token string) license.ValidationResult {
	return m.Called(ctx, token).Get(0).(license.ValidationResult)
}

func (m *MockLicenseService) RecordQueryUsage(ctx context.Context, token string, metrics ledger.QueryMetrics) bool {
	return m.Called(ctx, token, metrics).Bool(0)
}

func (m *MockLicenseService) UsageReport(ctx context.Context, token string) (*ledger.UsageReport, error) {
	args := m.Called(ctx, token)
	report, _ := args.Get(0).(*ledger.UsageReport)
	return report, args.Error(1)
}

func (m *MockLicenseService) IsFeatureEnabled(ctx context.Context, token, feature string) bool {
	return m.Called(ctx, token, feature).Bool(0)
}

func (m *MockLicenseService) Restrictions(ctx context.Context, token string) []string {
	return m.Called(ctx, token).Get(0).([]string)
}

func newTestHandler(t *testing.T, svc LicenseService) http.Handler {
	logger, _ := testutil.NewTestLogger(t)
	return NewLicenseHandler(svc, logger).Routes()
}

func do(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("X-License-Token", token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestValidateFromHeaderAndBody(t *testing.T) {
	svc := new(MockLicenseService)
	svc.On("Validate", mock.Anything, "tok-header").
		Return(license.ValidationResult{Valid: true, Reason: license.ReasonNone, RemainingQueries: 9})
	svc.On("Validate", mock.Anything, "tok-body").
		Return(license.ValidationResult{Valid: false, Reason: license.ReasonExpired, Message: "License expired"})
	h := newTestHandler(t, svc)

	rec := do(t, h, http.MethodPost, "/validate", "tok-header", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, float64(9), body["remaining_queries"])

	rec = do(t, h, http.MethodPost, "/validate", "", TokenRequest{Token: "tok-body"})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, string(license.ReasonExpired), body["reason"])

	svc.AssertExpectations(t)
}

func TestValidateMissingToken(t *testing.T) {
	svc := new(MockLicenseService)
	rec := do(t, newTestHandler(t, svc), http.MethodPost, "/validate", "", nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	svc.AssertNotCalled(t, "Validate", mock.Anything, mock.Anything)
}

func TestGetUsage(t *testing.T) {
	report := &ledger.UsageReport{}
	report.Fingerprint = "abc"
	report.TotalQueries = 4

	tests := []struct {
		name       string
		report     *ledger.UsageReport
		err        error
		wantStatus int
		wantExists any
	}{
		{"known token", report, nil, http.StatusOK, true},
		{"unknown token", nil, apierrors.ErrRecordNotFound, http.StatusOK, false},
		{"malformed token", nil, apierrors.ErrMalformedToken, http.StatusBadRequest, nil},
		{"ledger down", nil, &ledger.Error{Op: "report", Err: assert.AnError}, http.StatusServiceUnavailable, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockLicenseService)
			svc.On("UsageReport", mock.Anything, "tok").Return(tt.report, tt.err)

			rec := do(t, newTestHandler(t, svc), http.MethodGet, "/usage", "tok", nil)
			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantExists != nil {
				assert.Equal(t, tt.wantExists, decodeBody(t, rec)["exists"])
			}
		})
	}
}

func TestRecordUsage(t *testing.T) {
	svc := new(MockLicenseService)
	want := ledger.QueryMetrics{QueryLength: 12, ResponseLength: 340, ProcessingTime: 1500 * time.Microsecond}
	svc.On("RecordQueryUsage", mock.Anything, "tok", want).Return(true)
	h := newTestHandler(t, svc)

	rec := do(t, h, http.MethodPost, "/usage", "", UsageRequest{Token: "tok", QueryLength: 12, ResponseLength: 340, ProcessingTimeMS: 1.5})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["recorded"])

	rec = do(t, h, http.MethodPost, "/usage", "tok", UsageRequest{QueryLength: -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.AssertNumberOfCalls(t, "RecordQueryUsage", 1)
}

func TestFeatureAndRestrictions(t *testing.T) {
	svc := new(MockLicenseService)
	svc.On("IsFeatureEnabled", mock.Anything, "tok", "chat").Return(true)
	svc.On("Restrictions", mock.Anything, "tok").Return([]string{"no_commercial_use"})
	h := newTestHandler(t, svc)

	rec := do(t, h, http.MethodGet, "/features/chat", "tok", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "chat", body["feature"])
	assert.Equal(t, true, body["enabled"])

	rec = do(t, h, http.MethodGet, "/restrictions", "tok", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"no_commercial_use"}, decodeBody(t, rec)["restrictions"])
}

func TestInspect(t *testing.T) {
	key := testutil.RSAKey(t)
	token, err := license.NewGenerator(key).IssueDemo(context.Background())
	require.NoError(t, err)
	h := newTestHandler(t, new(MockLicenseService))

	rec := do(t, h, http.MethodPost, "/inspect", "", TokenRequest{Token: token})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"plan":"demo"`)

	rec = do(t, h, http.MethodPost, "/inspect", "garbage", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(apierrors.TypeLicenseMalformed), decodeBody(t, rec)["type"])
}
