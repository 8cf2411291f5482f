package license

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	apierrors "localrag/internal/errors"
)

const secondsPerDay = 86400

// Default issuance parameters when neither the request nor the generator sets them.
const (
	DefaultValidityDays     = 365
	DefaultMaxQueriesPerDay = 1000
)

// Token file names written by Setup.
const (
	DemoLicenseFile        = "demo_license.txt"
	DevelopmentLicenseFile = "development_license.txt"
)

// IssueRequest describes a license to issue. Nil limits fall back to the
// generator defaults; an explicit zero is honoured.
type IssueRequest struct {
	Plan             string         `json:"plan" validate:"required,max=64"`
	UserID           *string        `json:"user_id,omitempty" validate:"omitempty,max=256"`
	MaxQueriesPerDay *int64         `json:"max_queries_per_day,omitempty" validate:"omitempty,gte=0"`
	ValidityDays     *int           `json:"validity_days,omitempty" validate:"omitempty,gte=0"`
	Features         []string       `json:"features,omitempty" validate:"dive,required"`
	Restrictions     []string       `json:"restrictions,omitempty" validate:"dive,required"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// Generator issues signed tokens. It holds only the signing key.
type Generator struct {
	key          *rsa.PrivateKey
	now          func() time.Time
	validityDays int
	maxQueries   int64
	validate     *validator.Validate
	logger       *slog.Logger
	metrics      *LicenseMetrics
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithGeneratorClock overrides the issuance time source.
func WithGeneratorClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) { g.now = now }
}

// WithDefaults sets the limits used when a request leaves them unset.
func WithDefaults(validityDays int, maxQueriesPerDay int64) GeneratorOption {
	return func(g *Generator) {
		g.validityDays = validityDays
		g.maxQueries = maxQueriesPerDay
	}
}

// WithGeneratorLogger sets the logger.
func WithGeneratorLogger(logger *slog.Logger) GeneratorOption {
	return func(g *Generator) { g.logger = logger }
}

// WithGeneratorMetrics records issued licenses.
func WithGeneratorMetrics(m *LicenseMetrics) GeneratorOption {
	return func(g *Generator) { g.metrics = m }
}

// NewGenerator returns a generator signing with key. A nil key is allowed;
// issuing then fails with ErrPrivateKeyMissing.
func NewGenerator(key *rsa.PrivateKey, opts ...GeneratorOption) *Generator {
	g := &Generator{
		key:          key,
		now:          time.Now,
		validityDays: DefaultValidityDays,
		maxQueries:   DefaultMaxQueriesPerDay,
		validate:     validator.New(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(slog.String("component", "license_generator"))
	return g
}

// IssueLicense signs a new token for req.
func (g *Generator) IssueLicense(ctx context.Context, req IssueRequest) (string, error) {
	if g.key == nil {
		return "", apierrors.ErrPrivateKeyMissing
	}
	if err := g.validate.Struct(req); err != nil {
		return "", fmt.Errorf("%w: %v", apierrors.ErrInvalidRequest, err)
	}
	for k := range req.Extra {
		if reservedFields[k] {
			return "", fmt.Errorf("%w: extra field %q shadows a reserved field", apierrors.ErrInvalidRequest, k)
		}
	}

	validity := g.validityDays
	if req.ValidityDays != nil {
		validity = *req.ValidityDays
	}
	maxQueries := g.maxQueries
	if req.MaxQueriesPerDay != nil {
		maxQueries = *req.MaxQueriesPerDay
	}

	issuedAt := g.now().Unix()
	data := LicenseData{
		Plan:             req.Plan,
		UserID:           req.UserID,
		IssuedAt:         issuedAt,
		ExpiresAt:        issuedAt + int64(validity)*secondsPerDay,
		MaxQueriesPerDay: maxQueries,
		Version:          SchemaVersion,
		Features:         req.Features,
		Restrictions:     req.Restrictions,
		Extra:            req.Extra,
	}

	token, err := Sign(g.key, data)
	if err != nil {
		return "", err
	}

	if g.metrics != nil {
		g.metrics.recordIssued(ctx, req.Plan)
	}
	logLicenseAction(ctx, g.logger, slog.LevelInfo, "issue", "license issued", req.UserID,
		slog.String("plan", req.Plan),
		slog.Int("validity_days", validity),
		slog.Int64("max_queries_per_day", maxQueries),
		slog.Time("expires_at", data.ExpiresTime().UTC()))

	return token, nil
}

func ptr[T any](v T) *T { return &v }

// IssueDemo issues the short, heavily limited demo license.
func (g *Generator) IssueDemo(ctx context.Context) (string, error) {
	return g.IssueLicense(ctx, IssueRequest{
		Plan:             "demo",
		UserID:           ptr("demo_user"),
		MaxQueriesPerDay: ptr[int64](50),
		ValidityDays:     ptr(7),
		Features:         []string{"basic_rag", "limited_models"},
		Restrictions:     []string{"no_commercial_use", "watermarked_output"},
	})
}

// IssueDevelopment issues a high-limit license for local development.
func (g *Generator) IssueDevelopment(ctx context.Context) (string, error) {
	return g.IssueLicense(ctx, IssueRequest{
		Plan:             "development",
		UserID:           ptr("developer"),
		MaxQueriesPerDay: ptr[int64](10000),
		ValidityDays:     ptr(30),
		Features:         []string{"full_rag", "all_models", "debugging"},
		Extra:            map[string]any{"environment": "development"},
	})
}

// IssueEvaluation issues a two-week evaluation license for userID.
func (g *Generator) IssueEvaluation(ctx context.Context, userID string) (string, error) {
	req := IssueRequest{
		Plan:             "evaluation",
		MaxQueriesPerDay: ptr[int64](100),
		ValidityDays:     ptr(14),
		Features:         []string{"full_rag", "all_models"},
		Restrictions:     []string{"no_commercial_use"},
	}
	if userID != "" {
		req.UserID = &userID
	}
	return g.IssueLicense(ctx, req)
}

// IssueInternal issues a long-lived license for internal deployments.
func (g *Generator) IssueInternal(ctx context.Context, userID string) (string, error) {
	req := IssueRequest{
		Plan:             "internal",
		MaxQueriesPerDay: ptr[int64](100000),
		ValidityDays:     ptr(3650),
		Features:         []string{"full_rag", "all_models", "debugging"},
	}
	if userID != "" {
		req.UserID = &userID
	}
	return g.IssueLicense(ctx, req)
}

// PersistToken writes token to path, creating parent directories.
func PersistToken(token, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create license directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(token), 0o644); err != nil {
		return fmt.Errorf("write license file: %w", err)
	}
	return nil
}

// TimestampedFileName returns the default file name for a token issued at t.
func TimestampedFileName(t time.Time) string {
	return "license_" + t.Format("20060102_150405") + ".txt"
}

// SetupResult lists what Setup produced.
type SetupResult struct {
	KeysGenerated   bool   `json:"keys_generated"`
	DemoPath        string `json:"demo_path"`
	DevelopmentPath string `json:"development_path"`
}

// Setup prepares a fresh installation: it generates keys when none exist and
// writes a demo and a development license into dir.
func Setup(ctx context.Context, store *KeyStore, bits int, dir string, opts ...GeneratorOption) (*SetupResult, error) {
	result := &SetupResult{}
	if !store.Exists() {
		if _, err := store.Generate(ctx, bits, false); err != nil {
			return nil, err
		}
		result.KeysGenerated = true
	}

	key, err := store.LoadPrivateKey(ctx)
	if err != nil {
		return nil, err
	}
	gen := NewGenerator(key, opts...)

	demo, err := gen.IssueDemo(ctx)
	if err != nil {
		return nil, fmt.Errorf("issue demo license: %w", err)
	}
	result.DemoPath = filepath.Join(dir, DemoLicenseFile)
	if err := PersistToken(demo, result.DemoPath); err != nil {
		return nil, err
	}

	dev, err := gen.IssueDevelopment(ctx)
	if err != nil {
		return nil, fmt.Errorf("issue development license: %w", err)
	}
	result.DevelopmentPath = filepath.Join(dir, DevelopmentLicenseFile)
	if err := PersistToken(dev, result.DevelopmentPath); err != nil {
		return nil, err
	}

	return result, nil
}
