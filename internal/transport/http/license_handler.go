package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	apierrors "localrag/internal/errors"
	"localrag/internal/ledger"
	"localrag/internal/license"
	gatemw "localrag/internal/middleware"
)

// LicenseService is the validator surface used by the handlers.
// *license.Validator implements it.
type LicenseService interface {
	Validate(ctx context.Context, token string) license.ValidationResult
	RecordQueryUsage(ctx context.Context, token string, m ledger.QueryMetrics) bool
	UsageReport(ctx context.Context, token string) (*ledger.UsageReport, error)
	IsFeatureEnabled(ctx context.Context, token, feature string) bool
	Restrictions(ctx context.Context, token string) []string
}

// LicenseHandler handles license-related HTTP requests
type LicenseHandler struct {
	service LicenseService
	errors  *apierrors.ErrorHandler
	logger  *slog.Logger
	now     func() time.Time
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service LicenseService, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service: service,
		errors:  apierrors.NewErrorHandler(logger, false),
		logger:  logger.With(slog.String("handler", "license")),
		now:     time.Now,
	}
}

// TokenRequest carries a token in a JSON body.
type TokenRequest struct {
	Token string `json:"token"`
}

// UsageRequest is the body of POST /usage.
type UsageRequest struct {
	Token            string  `json:"token,omitempty"`
	QueryLength      int     `json:"query_length"`
	ResponseLength   int     `json:"response_length"`
	ProcessingTimeMS float64 `json:"processing_time_ms"`
}

// Bind implements render.Binder.
func (u *UsageRequest) Bind(r *http.Request) error {
	if u.QueryLength < 0 || u.ResponseLength < 0 || u.ProcessingTimeMS < 0 {
		return errors.New("usage metrics must not be negative")
	}
	return nil
}

func (u *UsageRequest) metrics() ledger.QueryMetrics {
	return ledger.QueryMetrics{
		QueryLength:    u.QueryLength,
		ResponseLength: u.ResponseLength,
		ProcessingTime: time.Duration(u.ProcessingTimeMS * float64(time.Millisecond)),
	}
}

// UsageResponse is returned by GET /usage. Report is nil when the ledger has
// never seen the token.
type UsageResponse struct {
	Exists bool                `json:"exists"`
	Report *ledger.UsageReport `json:"report,omitempty"`
}

// Routes returns a chi router for license endpoints
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(gatemw.RequireJSON)

	r.Post("/validate", h.Validate)
	r.Get("/usage", h.GetUsage)
	r.Post("/usage", h.RecordUsage)
	r.Get("/features/{feature}", h.GetFeature)
	r.Get("/restrictions", h.GetRestrictions)
	r.Post("/inspect", h.Inspect)
	return r
}

// tokenFromBody decodes a TokenRequest body, tolerating an empty one.
func tokenFromBody(r *http.Request) (string, error) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return req.Token, nil
}

func (h *LicenseHandler) requireToken(w http.ResponseWriter, r *http.Request, token string) bool {
	if token != "" {
		return true
	}
	h.errors.HandleError(w, r, apierrors.ErrMissingToken)
	return false
}

// Validate handles POST /api/license/validate. A failed validation is still a
// 200: the result body carries the reason.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	token := gatemw.TokenFromRequest(r)
	if token == "" {
		var err error
		if token, err = tokenFromBody(r); err != nil {
			h.errors.HandleError(w, r, apierrors.InvalidRequestWithError(err))
			return
		}
	}
	if !h.requireToken(w, r, token) {
		return
	}

	render.JSON(w, r, h.service.Validate(r.Context(), token))
}

// GetUsage handles GET /api/license/usage
func (h *LicenseHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	token := gatemw.TokenFromRequest(r)
	if !h.requireToken(w, r, token) {
		return
	}

	report, err := h.service.UsageReport(r.Context(), token)
	switch {
	case errors.Is(err, apierrors.ErrRecordNotFound):
		render.JSON(w, r, UsageResponse{Exists: false})
	case err != nil:
		h.errors.HandleError(w, r, err)
	default:
		render.JSON(w, r, UsageResponse{Exists: true, Report: report})
	}
}

// RecordUsage handles POST /api/license/usage. The token is identified, not
// verified, matching the validator contract.
func (h *LicenseHandler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	req := &UsageRequest{}
	if err := render.Bind(r, req); err != nil {
		h.errors.HandleError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	token := gatemw.TokenFromRequest(r)
	if token == "" {
		token = req.Token
	}
	if !h.requireToken(w, r, token) {
		return
	}

	recorded := h.service.RecordQueryUsage(r.Context(), token, req.metrics())
	if !recorded {
		h.logger.WarnContext(r.Context(), "usage record rejected")
	}
	render.JSON(w, r, map[string]bool{"recorded": recorded})
}

// GetFeature handles GET /api/license/features/{feature}
func (h *LicenseHandler) GetFeature(w http.ResponseWriter, r *http.Request) {
	token := gatemw.TokenFromRequest(r)
	if !h.requireToken(w, r, token) {
		return
	}
	feature := chi.URLParam(r, "feature")

	render.JSON(w, r, map[string]interface{}{
		"feature": feature,
		"enabled": h.service.IsFeatureEnabled(r.Context(), token, feature),
	})
}

// GetRestrictions handles GET /api/license/restrictions
func (h *LicenseHandler) GetRestrictions(w http.ResponseWriter, r *http.Request) {
	token := gatemw.TokenFromRequest(r)
	if !h.requireToken(w, r, token) {
		return
	}

	render.JSON(w, r, map[string][]string{
		"restrictions": h.service.Restrictions(r.Context(), token),
	})
}

// Inspect handles POST /api/license/inspect. The token is decoded without
// verifying its signature, so the answer must not be trusted for gating.
func (h *LicenseHandler) Inspect(w http.ResponseWriter, r *http.Request) {
	token := gatemw.TokenFromRequest(r)
	if token == "" {
		var err error
		if token, err = tokenFromBody(r); err != nil {
			h.errors.HandleError(w, r, apierrors.InvalidRequestWithError(err))
			return
		}
	}
	if !h.requireToken(w, r, token) {
		return
	}

	info, err := license.Inspect(token, h.now())
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, info)
}
