package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/gorilla/websocket"

	"redeemcli/internal/activation"
	"redeemcli/internal/config"
	"redeemcli/internal/credentials"
	apierrors "redeemcli/internal/errors"
	"redeemcli/internal/infrastructure"
	customMiddleware "redeemcli/internal/middleware"
	"redeemcli/internal/retry"
	"redeemcli/internal/services"
	"redeemcli/internal/store"
	"redeemcli/internal/storefront"
	"redeemcli/internal/tokencapture"
	handlers "redeemcli/internal/transport/http"
	ws "redeemcli/internal/websocket"
	"redeemcli/pkg/contracts"
)

const (
	// AppName identifies the service in logs and traces.
	AppName = "redeemd"

	defaultShutdownTimeout = 30 * time.Second
)

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Router        *chi.Mux
	Server        *http.Server
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	WebSocketHub  *ws.Hub
	Activations   *services.ActivationService
	Health        *services.HealthService
	Credentials   *credentials.Cache
	Store         store.Store

	tokens  activation.TokenCapturer
	closers []func(context.Context) error
}

// Option customizes an Application before services are built.
type Option func(*Application)

// WithTokenCapturer replaces the browser token capture, mostly for tests.
func WithTokenCapturer(tc activation.TokenCapturer) Option {
	return func(a *Application) { a.tokens = tc }
}

// NewApplication creates a new application instance with dependency injection.
// Nothing listens until Start is called.
func NewApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = infrastructure.GetLogger()
	}

	logger.InfoContext(ctx, "Application starting",
		slog.String("name", AppName),
		slog.String("version", contracts.Version))

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.NewOTelConfig(cfg.Telemetry), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
	}
	app.closers = append(app.closers, otelProviders.Shutdown)
	for _, opt := range opts {
		opt(app)
	}

	if err := app.initializeServices(ctx); err != nil {
		app.close(ctx)
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	app.setupRouter()
	app.createServer()

	return app, nil
}

// initializeServices builds the storefront adapters, stores and the
// activation service in dependency order.
func (a *Application) initializeServices(ctx context.Context) error {
	cfg := a.Config
	meter := a.OTelProviders.Meter

	metrics, err := activation.NewMetrics(meter)
	if err != nil {
		return err
	}

	executor := retry.New(retry.Config{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
	}, retry.WithLogger(infrastructure.WithComponent(a.Logger, "retry")), retry.WithRetryHook(metrics.RetryHook()))

	a.Credentials = credentials.NewCache()
	if err := metrics.ObserveCredentialCache(a.Credentials); err != nil {
		return err
	}

	client := storefront.NewClient(cfg.Storefront, storefront.WithLogger(infrastructure.WithComponent(a.Logger, "storefront")))
	reachability := storefront.NewReachability(cfg.Storefront.ProbeAddress, a.Logger)
	proxyAuth := storefront.NewProxyAuthenticator(cfg.Storefront, cfg.Credentials.ProxyAuthTTL, nil)
	if a.tokens == nil {
		a.tokens = tokencapture.New(cfg.Browser, infrastructure.WithComponent(a.Logger, "token_capture"))
	}

	recordStore, err := a.buildStore(ctx)
	if err != nil {
		return err
	}
	a.Store = recordStore

	wsMetrics, err := ws.NewOTelMetrics(meter)
	if err != nil {
		return fmt.Errorf("failed to create websocket metrics: %w", err)
	}
	a.WebSocketHub = ws.NewHub(a.Logger, wsMetrics)

	svc := &activation.Services{
		Retry:         executor,
		Credentials:   a.Credentials,
		Sessions:      client,
		Reporter:      client,
		Catalog:       client,
		Accounts:      client,
		Subscriptions: client,
		Redemption:    client,
		Converter:     client,
		Tokens:        a.tokens,
		ProxyAuth:     proxyAuth,
		Recorder:      recordStore,
		Reachability:  reachability,
		Diagnostics:   storefront.NewDiagnostics(client, reachability),
		Timeouts: activation.Timeouts{
			TokenCapture:     cfg.Timeouts.TokenCapture,
			Diagnostics:      cfg.Timeouts.Diagnostics,
			CompletionReport: cfg.Timeouts.CompletionReport,
			RecordSave:       cfg.Timeouts.RecordSave,
		},
		BearerTTL: cfg.Credentials.BearerTTL,
		Metrics:   metrics,
		Logger:    a.Logger,
	}

	a.Activations = services.NewActivationService(svc, a.WebSocketHub, recordStore, a.Logger)
	a.Health = services.NewHealthService(contracts.Version, reachability, a.Credentials, a.WebSocketHub, a.Activations, a.Logger)
	return nil
}

// buildStore picks Redis as the primary store when configured, the JSON-lines
// file otherwise, and adds the Sheets ledger as a write-only secondary.
func (a *Application) buildStore(ctx context.Context) (store.Store, error) {
	cfg := a.Config.Storage
	logger := infrastructure.WithComponent(a.Logger, "store")

	var primary store.Store
	if cfg.RedisURL != "" {
		client, err := store.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		primary = store.NewRedisStore(client, cfg.RedisKey, logger)
	} else {
		fileStore, err := store.NewFileStore(cfg.HistoryFile, logger)
		if err != nil {
			return nil, err
		}
		primary = fileStore
	}

	var secondaries []activation.Recorder
	if cfg.SheetID != "" {
		sheets, err := store.NewSheetsStore(ctx, cfg.SheetID, cfg.SheetName, cfg.SheetCredFile)
		if err != nil {
			return nil, err
		}
		secondaries = append(secondaries, sheets)
	}
	return store.NewMulti(primary, logger, secondaries...), nil
}

// setupRouter configures the Chi router with all routes and middleware
func (a *Application) setupRouter() {
	r := chi.NewRouter()
	errHandler := apierrors.NewErrorHandler(a.Logger, a.Config.Server.IncludeStack)

	r.Use(customMiddleware.Tracing(AppName))
	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)
	if httpMetrics, err := customMiddleware.NewHTTPMetrics(a.OTelProviders.Meter); err == nil {
		r.Use(httpMetrics.Handler)
	} else {
		a.Logger.Warn("HTTP metrics disabled", slog.String("error", err.Error()))
	}
	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(errHandler.Recoverer)
	r.Use(customMiddleware.SecurityHeaders)
	r.Use(customMiddleware.CORS(customMiddleware.CORSConfig{
		AllowedOrigins: a.Config.Server.AllowedOrigins,
		Logger:         a.Logger,
	}))

	healthHandler := handlers.NewHealthHandler(a.Health, a.Logger)
	r.Get("/healthz", healthHandler.LivenessCheck)
	r.Get("/readyz", healthHandler.ReadinessCheck)
	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     a.checkOrigin,
	}
	r.Get("/ws", ws.Handler(a.WebSocketHub, upgrader))

	limiter := customMiddleware.NewRateLimiter(a.Config.Server.RateLimitRPS, a.Config.Server.RateLimitBurst, a.Logger, errHandler)
	activationHandler := handlers.NewActivationHandler(a.Activations, customMiddleware.NewValidator(), errHandler, a.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(limiter.Handler)
		r.Use(customMiddleware.ContentTypeValidator(errHandler, "application/json"))

		r.Get("/version", healthHandler.Version)
		r.Mount("/activations", activationHandler.Routes())
	})

	// Set last so chi copies them into every mounted subrouter.
	r.NotFound(errHandler.NotFound)
	r.MethodNotAllowed(errHandler.MethodNotAllowed)

	a.Router = r
}

// checkOrigin accepts same-host websocket clients plus the configured origins.
func (a *Application) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range a.Config.Server.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	a.Logger.WarnContext(r.Context(), "websocket origin rejected", slog.String("origin", origin))
	return false
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Start starts the hub and the HTTP server. Server failures after startup
// call cancel so Run can shut down.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	a.Logger.InfoContext(ctx, "Starting application",
		slog.String("name", AppName),
		slog.String("version", contracts.Version),
		slog.Int("port", a.Config.Server.Port),
		slog.String("level", a.Config.Logging.Level))

	a.WebSocketHub.Start()

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.ErrorContext(ctx, "Server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	a.Logger.InfoContext(ctx, "Application started successfully",
		slog.String("address", a.Server.Addr))
	return nil
}

// Stop stops accepting requests, cancels live runs and flushes telemetry.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	timeout := a.Config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var errs []error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
	}
	if err := a.Activations.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("activation shutdown error: %w", err))
	}
	a.WebSocketHub.Stop()
	a.close(shutdownCtx)

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return errors.Join(errs...)
}

func (a *Application) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.Logger.ErrorContext(ctx, "Error releasing resource", slog.String("error", err.Error()))
		}
	}
	a.closers = nil
}

// Run runs the application until interrupted
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	<-ctx.Done()
	a.Logger.Info("Received shutdown signal")

	return a.Stop(context.Background())
}
