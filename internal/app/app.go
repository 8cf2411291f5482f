package app

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"localrag/internal/config"
	apierrors "localrag/internal/errors"
	"localrag/internal/infrastructure"
	"localrag/internal/ledger"
	"localrag/internal/license"
	gatemw "localrag/internal/middleware"
	handlers "localrag/internal/transport/http"
	ws "localrag/internal/websocket"
)

const AppName = "localrag license gate"

// Version is set at build time with -ldflags "-X localrag/internal/app.Version=...".
var Version = "dev"

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	Router        *chi.Mux
	Server        *http.Server
	OTelProviders *infrastructure.OTelProviders

	PublicKey *rsa.PublicKey
	Ledger    *ledger.Ledger
	Cache     *license.VerifyCache
	Validator *license.Validator
	Health    *license.LicenseHealthCheck
	Hub       *ws.Hub
	Gate      *gatemw.LicenseGate
}

// NewApplication loads configuration from configPath (or the default
// locations) and builds the application.
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return New(context.Background(), cfg, logger)
}

// New builds the application from an already loaded configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	logger.InfoContext(ctx, "Application starting",
		slog.String("name", AppName),
		slog.String("version", Version))

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	a := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
	}

	if err := a.initializeServices(ctx); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := a.setupRouter(); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to set up router: %w", err)
	}

	a.createServer()
	return a, nil
}

// initializeServices loads the key once and builds everything that depends on it.
func (a *Application) initializeServices(ctx context.Context) error {
	lc := a.Config.Licensing
	componentLogger := infrastructure.WithComponent(a.Logger, "license")

	store := license.NewKeyStore(lc.PrivateKeyFile(), lc.PublicKeyFile(),
		license.WithPassphrase(lc.KeyPassphrase),
		license.WithKeyStoreLogger(componentLogger))

	publicKey, err := store.LoadPublicKey(ctx)
	if err != nil {
		// Not fatal: every validation reports key_missing until keys exist.
		a.Logger.WarnContext(ctx, "Verification key not available",
			slog.String("path", lc.PublicKeyFile()),
			slog.String("error", err.Error()),
			slog.String("action", "run 'licensectl setup' to create keys"))
	}
	a.PublicKey = publicKey

	l, err := ledger.Open(ctx, lc.LedgerFile(),
		ledger.WithReportWindow(time.Duration(lc.ReportWindowDays)*24*time.Hour),
		ledger.WithBusyTimeout(lc.BusyTimeout),
		ledger.WithMaxRetries(lc.MaxBusyRetries),
		ledger.WithLogger(a.Logger))
	if err != nil {
		return fmt.Errorf("failed to open usage ledger: %w", err)
	}
	a.Ledger = l

	licenseMetrics, err := license.InitializeLicenseMetrics(a.OTelProviders.Meter)
	if err != nil {
		return err
	}
	hubMetrics, err := ws.NewHubMetrics(a.OTelProviders.Meter)
	if err != nil {
		return err
	}
	a.Hub = ws.NewHub(a.Logger, ws.WithMetrics(hubMetrics))

	if lc.VerifyCacheSize > 0 && lc.VerifyCacheTTL > 0 {
		a.Cache = license.NewVerifyCache(lc.VerifyCacheTTL, lc.VerifyCacheSize)
	}

	a.Validator = license.NewValidator(publicKey, l,
		license.WithLogger(componentLogger),
		license.WithMetrics(licenseMetrics),
		license.WithVerifyCache(a.Cache),
		license.WithObserver(a.Hub))

	a.Health = license.NewLicenseHealthCheck(publicKey, l, a.Cache)

	a.Gate = gatemw.NewLicenseGate(a.Validator, lc.StrictQuota, a.Logger)
	a.Gate.SetEnabled(lc.Enabled)

	a.logLocalLicense(ctx)
	return nil
}

// logLocalLicense reports the state of the configured token file, if any.
func (a *Application) logLocalLicense(ctx context.Context) {
	path := a.Config.Licensing.TokenFile
	if path == "" {
		return
	}

	token, err := license.LoadTokenFile(path)
	if err != nil {
		a.Logger.WarnContext(ctx, "License file not readable",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return
	}

	result := a.Validator.Validate(ctx, token)
	a.Logger.InfoContext(ctx, "Local license checked",
		slog.String("path", path),
		slog.Bool("valid", result.Valid),
		slog.String("reason", string(result.Reason)),
		slog.Int64("remaining_queries", result.RemainingQueries))
}

// setupRouter configures the HTTP router
func (a *Application) setupRouter() error {
	httpMetrics, err := infrastructure.CreateHTTPMetrics(a.OTelProviders.Meter)
	if err != nil {
		return err
	}
	errorHandler := apierrors.NewErrorHandler(a.Logger, false)

	r := chi.NewRouter()
	r.Use(gatemw.RequestID)
	r.Use(gatemw.RealIP)
	r.Use(gatemw.StructuredLogger(a.Logger))
	r.Use(gatemw.Recoverer(a.Logger))
	r.Use(gatemw.SecurityHeaders)
	if rl := a.Config.Security.RateLimit; rl.Enabled && rl.RPS > 0 {
		r.Use(gatemw.NewRateLimiter(rl.RPS, rl.Burst, a.Logger).Handler)
	}
	r.Use(httpMetrics.Middleware)

	r.NotFound(errorHandler.NotFound)
	r.MethodNotAllowed(errorHandler.MethodNotAllowed)

	r.Handle("/metrics", handlers.MetricsHandler(a.OTelProviders.PrometheusHTTP))
	r.Get("/ws/usage", ws.Handler(a.Hub))

	proxy, err := a.upstreamProxy()
	if err != nil {
		return err
	}

	healthHandler := handlers.NewHealthHandler(a.Health, Version, a.Logger)
	licenseHandler := handlers.NewLicenseHandler(a.Validator, a.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", healthHandler.HealthCheck)
		r.Get("/health/live", healthHandler.LivenessCheck)
		r.Get("/version", healthHandler.Version)

		r.Group(func(r chi.Router) {
			r.Use(render.SetContentType(render.ContentTypeJSON))
			r.Mount("/license", licenseHandler.Routes())
		})

		if proxy != nil {
			r.With(a.Gate.Handler).Handle("/host/*", http.StripPrefix("/api/host", proxy))
		}
	})

	a.Router = r
	return nil
}

// upstreamProxy returns a reverse proxy to the protected host, or nil when
// no upstream is configured.
func (a *Application) upstreamProxy() (http.Handler, error) {
	raw := a.Config.Upstream.URL
	if raw == "" {
		return nil, nil
	}

	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url %q: %w", raw, err)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	director := proxy.Director
	proxy.Director = func(r *http.Request) {
		director(r)
		r.Header.Del(gatemw.HeaderLicenseToken)
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		a.Logger.ErrorContext(r.Context(), "Upstream request failed",
			slog.String("upstream", target.Host),
			slog.String("error", err.Error()))
		render.Render(w, r, apierrors.NewProblemDetails(
			http.StatusBadGateway,
			apierrors.TypeServiceDown,
			"Upstream Unavailable",
			"The protected service did not respond",
			r.URL.Path,
		).WithExtension("trace_id", gatemw.GetReqID(r.Context())))
	}
	return proxy, nil
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Run serves HTTP until ctx is cancelled or the server fails, then shuts
// everything down.
func (a *Application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		a.Close(ctx)
		return fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *Application) Serve(ctx context.Context, ln net.Listener) error {
	a.purgeExpiredLogs(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.Hub.Run(gctx)
	})

	g.Go(func() error {
		a.Logger.InfoContext(gctx, "HTTP server listening",
			slog.String("address", ln.Addr().String()),
			slog.Bool("licensing_enabled", a.Config.Licensing.Enabled),
			slog.Bool("strict_quota", a.Config.Licensing.StrictQuota))
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		defer cancel()
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		return nil
	})

	err := g.Wait()
	a.Close(context.Background())
	return err
}

// purgeExpiredLogs applies the query log retention once at startup.
func (a *Application) purgeExpiredLogs(ctx context.Context) {
	days := a.Config.Licensing.LogRetentionDays
	if days <= 0 {
		return
	}

	removed, err := a.Validator.PurgeUsageLogs(ctx, days)
	if err != nil {
		a.Logger.WarnContext(ctx, "Query log purge failed", slog.String("error", err.Error()))
		return
	}
	a.Logger.InfoContext(ctx, "Query log purged",
		slog.Int("retention_days", days),
		slog.Int64("removed", removed))
}

// Close releases the ledger and flushes telemetry. It is safe to call on a
// partially initialized application.
func (a *Application) Close(ctx context.Context) {
	if a.Ledger != nil {
		if err := a.Ledger.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "Error closing usage ledger", slog.String("error", err.Error()))
		}
		a.Ledger = nil
	}

	if a.OTelProviders != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
		a.OTelProviders = nil
	}

	a.Logger.InfoContext(ctx, "Application shutdown complete")
}
