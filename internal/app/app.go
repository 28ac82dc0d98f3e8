// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/bissquit/followup/api/openapi"
	"github.com/bissquit/followup/internal/auth"
	"github.com/bissquit/followup/internal/config"
	"github.com/bissquit/followup/internal/domain"
	"github.com/bissquit/followup/internal/normalize"
	"github.com/bissquit/followup/internal/notifier/email"
	"github.com/bissquit/followup/internal/notifier/mattermost"
	"github.com/bissquit/followup/internal/pkg/ctxlog"
	"github.com/bissquit/followup/internal/pkg/httputil"
	"github.com/bissquit/followup/internal/pkg/metrics"
	"github.com/bissquit/followup/internal/pkg/postgres"
	"github.com/bissquit/followup/internal/reminders"
	reminderspostgres "github.com/bissquit/followup/internal/reminders/postgres"
	"github.com/bissquit/followup/internal/reminders/sqlite"
	"github.com/bissquit/followup/internal/sources"
	"github.com/bissquit/followup/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const metricsInterval = 15 * time.Second

// Storage is a reminder store backend.
type Storage interface {
	reminders.Store
	reminders.ContactStore
	reminders.InboxStore
	Ping(ctx context.Context) error
	Close() error
}

// postgresStorage binds the repository to the pool it owns.
type postgresStorage struct {
	*reminderspostgres.Repository
	pool *pgxpool.Pool
}

func (s postgresStorage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s postgresStorage) Close() error {
	s.pool.Close()
	return nil
}

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	storage       Storage
	auth          *auth.Authenticator
	service       *reminders.Service
	worker        *reminders.Worker
	server        *http.Server
	metricsServer *http.Server
}

// New creates a new application instance. Nothing is started until Run.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	storage, err := openStorage(cfg)
	if err != nil {
		return nil, err
	}

	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	inbox := sources.NewInbox(cfg.InboxConfig(), storage)
	resolver := reminders.NewResolver(cfg.ResolverConfig())
	enricher := reminders.NewEnricher(resolver, storage, storage, inbox)
	dispatcher := reminders.NewDispatcher(cfg.DispatcherConfig(), storage, notifier)

	app := &App{
		config:  cfg,
		logger:  logger,
		storage: storage,
		auth: auth.NewAuthenticator(auth.Config{
			SecretKey:     cfg.Auth.SecretKey,
			Issuer:        cfg.Auth.Issuer,
			TokenDuration: cfg.Auth.TokenDuration,
		}),
		service: reminders.NewService(
			storage,
			storage,
			inbox,
			normalize.New(cfg.NormalizeConfig()),
			enricher,
			dispatcher,
		),
	}

	if cfg.Reminders.Worker.Enabled {
		app.worker = reminders.NewWorker(cfg.WorkerConfig(), enricher, dispatcher)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           app.setupRouter(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

func openStorage(cfg *config.Config) (Storage, error) {
	policy := cfg.RetryPolicy()

	switch cfg.Database.Driver {
	case config.DriverSQLite:
		store, err := sqlite.Open(cfg.Database.SQLitePath, policy)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		slog.Info("using sqlite store", "path", cfg.Database.SQLitePath)
		return store, nil

	default:
		if cfg.Database.AutoMigrate {
			if _, err := postgres.Migrate(cfg.Database.URL); err != nil {
				return nil, fmt.Errorf("migrate database: %w", err)
			}
		}

		connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
		defer connectCancel()

		pool, err := postgres.Connect(connectCtx, postgres.Config{
			URL:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnectAttempts: cfg.Database.ConnectAttempts,
			ApplicationName: "followup",
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		slog.Info("using postgres store")
		return postgresStorage{
			Repository: reminderspostgres.NewRepository(pool, policy),
			pool:       pool,
		}, nil
	}
}

func newNotifier(cfg *config.Config, logger *slog.Logger) (reminders.Notifier, error) {
	renderer, err := reminders.NewRenderer()
	if err != nil {
		return nil, fmt.Errorf("create renderer: %w", err)
	}

	var sender reminders.Sender
	switch cfg.Notifier.Type {
	case config.NotifierEmail:
		sender, err = email.NewSender(email.Config{
			SMTPHost:     cfg.Notifier.Email.SMTPHost,
			SMTPPort:     cfg.Notifier.Email.SMTPPort,
			SMTPUser:     cfg.Notifier.Email.SMTPUser,
			SMTPPassword: cfg.Notifier.Email.SMTPPassword,
			FromAddress:  cfg.Notifier.Email.FromAddress,
			RequireTLS:   cfg.Notifier.Email.RequireTLS,
		})
	case config.NotifierMattermost:
		sender, err = mattermost.NewSender(mattermost.Config{
			WebhookURL:      cfg.Notifier.Mattermost.WebhookURL,
			DefaultUsername: cfg.Notifier.Mattermost.Username,
			DefaultIconURL:  cfg.Notifier.Mattermost.IconURL,
			Timeout:         cfg.Notifier.Mattermost.Timeout,
		})
	default:
		slog.Warn("log notifier configured: reminders are written to the log and not delivered")
		sender = reminders.NewLogSender(logger)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s sender: %w", cfg.Notifier.Type, err)
	}

	slog.Info("notifier configured", "type", sender.Type())
	return reminders.NewChannelNotifier(renderer, sender, cfg.Notifier.To), nil
}

// Run starts the HTTP servers, the reminder worker and metrics collection,
// and blocks until ctx is cancelled or a server fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.logger.Info("starting server",
			"host", a.config.Server.Host,
			"port", a.config.Server.Port,
		)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.collectMetrics(ctx)
		return nil
	})

	if a.worker != nil {
		a.worker.Start(ctx)
	} else {
		a.logger.Warn("reminder worker disabled: runs must be triggered through the API or CLI")
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.Server.WriteTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown gracefully stops the worker and both servers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	// Stop the worker first so in-flight sends can record their outcome.
	if a.worker != nil {
		a.worker.Stop()
	}

	var g errgroup.Group
	g.Go(func() error {
		if err := a.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Close releases the store.
func (a *App) Close() error {
	return a.storage.Close()
}

func (a *App) collectMetrics(ctx context.Context) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		a.recordMetrics(ctx)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) recordMetrics(ctx context.Context) {
	switch s := a.storage.(type) {
	case postgresStorage:
		metrics.RecordDBPoolMetrics(s.pool)
	case *sqlite.Store:
		metrics.RecordSQLPoolMetrics(s.DBStats())
	}

	stats, err := a.storage.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Error("failed to get queue stats", "error", err)
		}
		return
	}
	reminders.RecordQueueStats(stats)
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Service returns the reminders service used by one-shot CLI runs.
func (a *App) Service() *reminders.Service {
	return a.service
}

// Authenticator returns the token authenticator.
func (a *App) Authenticator() *auth.Authenticator {
	return a.auth
}

func (a *App) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		_, _ = w.Write(openapi.Spec)
	})

	handler := reminders.NewHandler(a.service)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.AuthMiddleware(a.auth))

		r.Group(func(r chi.Router) {
			r.Use(httputil.RequireRole(domain.RoleViewer))
			handler.RegisterReadRoutes(r)
		})

		r.Group(func(r chi.Router) {
			r.Use(httputil.RequireRole(domain.RoleOperator))
			handler.RegisterOperatorRoutes(r)
		})
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.storage.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
