// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/jobtrail/internal/api"
	"github.com/starford/jobtrail/internal/coordinator"
	"github.com/starford/jobtrail/internal/dashboard"
	"github.com/starford/jobtrail/internal/logging"
	"github.com/starford/jobtrail/internal/mcpserver"
	"github.com/starford/jobtrail/internal/sse"
	"github.com/starford/jobtrail/internal/store"
)

// runtime holds what every command needs: logger, store and coordinator.
type runtime struct {
	logger  *slog.Logger
	db      *store.DB
	coord   *coordinator.Coordinator
	closers []io.Closer
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		_ = rt.closers[i].Close()
	}
}

func newApplication(opts []Option) (*application, error) {
	app := &application{version: "dev", out: os.Stdout}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	return app, nil
}

// setup builds the runtime. stdoutReserved routes logs to stderr when no
// log file is configured, for transports that own stdout.
func setup(app *application, stdoutReserved bool) (*runtime, error) {
	cfg := app.config
	rt := &runtime{}

	logCfg := logging.Config{
		Level:      cfg.App.LogLevel,
		File:       cfg.App.Log.File,
		MaxSizeMB:  cfg.App.Log.MaxSizeMB,
		MaxBackups: cfg.App.Log.MaxBackups,
		MaxAgeDays: cfg.App.Log.MaxAgeDays,
		Compress:   cfg.App.Log.Compress,
	}
	if stdoutReserved && logCfg.File == "" {
		rt.logger = logging.NewWithWriter(os.Stderr, logCfg.Level)
	} else {
		var closer io.Closer
		rt.logger, closer = logging.New(logCfg)
		rt.closers = append(rt.closers, closer)
	}
	slog.SetDefault(rt.logger)
	logger := rt.logger

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("sync_mode", cfg.Sync.Mode),
		slog.String("remote", cfg.Remote.Kind),
		slog.Bool("calendar", cfg.Calendar.Enabled),
		slog.String("log_level", cfg.App.LogLevel.String()))

	db, err := store.Open(cfg.SQLite.Path)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("init store: %w", err)
	}
	rt.db = db
	rt.closers = append(rt.closers, db)

	adapters, err := buildAdapters(cfg, app.dryRun, logger)
	if err != nil {
		rt.close()
		return nil, err
	}

	coordOpts := []coordinator.Option{
		coordinator.WithPolicy(cfg.Sync.Scheduler()),
		coordinator.WithCallTimeout(cfg.Sync.CallTimeout()),
		coordinator.WithLogger(logger),
	}
	if quiet := watchQuiet(&cfg.Remote); quiet > 0 {
		coordOpts = append(coordOpts, coordinator.WithWatch(quiet))
	}
	rt.coord = coordinator.New(db, adapters, coordOpts...)
	return rt, nil
}

// publishEvent forwards a coordinator event to SSE clients.
func publishEvent(b *sse.Broker, ev coordinator.Event) {
	switch ev.Type {
	case coordinator.EventEntityChanged:
		ch, ok := ev.Data.(coordinator.Change)
		if !ok {
			return
		}
		// Remote-origin changes carry no kind; the broker treats that as
		// every list.
		b.PublishEntityEvent(string(ch.Kind), ch)
	case coordinator.EventSyncState:
		b.PublishSyncState(ev.Data)
	}
}

// startReminders runs the reminder checker until the returned stop func is
// called. Due reminders are logged and pushed to SSE clients.
func startReminders(ctx context.Context, cfg *RemindersConfig, rt *runtime, broker *sse.Broker) (stop func()) {
	if !cfg.Enabled {
		return func() {}
	}
	logger := rt.logger.With(slog.String("component", "reminders"))
	checker := dashboard.NewChecker(rt.coord.Dashboard,
		func(r dashboard.Reminder) {
			logger.Info("Reminder due",
				slog.String("kind", string(r.Kind)),
				slog.String("title", r.Title),
				slog.String("message", r.Message))
			broker.PublishReminder(r)
		},
		dashboard.WithInterval(cfg.Interval()),
		dashboard.WithFollowUpHour(cfg.FollowUpHour),
		dashboard.WithLogger(logger))

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = checker.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func newHTTPHandler(cfg *Config, rt *runtime, broker *sse.Broker) http.Handler {
	apiRouter := api.NewRouter(rt.coord, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)
	return r
}

// Run starts the HTTP server and the sync engine with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	rt, err := setup(app, false)
	if err != nil {
		return err
	}
	defer rt.close()
	logger := rt.logger

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()
	rt.coord.Subscribe(func(ev coordinator.Event) { publishEvent(broker, ev) })

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: newHTTPHandler(cfg, rt, broker),
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	if err := rt.coord.Start(gCtx); err != nil {
		return fmt.Errorf("start sync: %w", err)
	}
	stopReminders := startReminders(gCtx, &cfg.Reminders, rt, broker)

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		stopReminders()
		if err := rt.coord.Stop(); err != nil {
			logger.Error("Sync shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunSync runs one reconciliation cycle per target and prints the reports
// as JSON.
func RunSync(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}

	rt, err := setup(app, false)
	if err != nil {
		return err
	}
	defer rt.close()

	if len(rt.coord.Targets()) == 0 {
		rt.logger.Warn("No sync targets configured")
		return nil
	}

	reports, syncErr := rt.coord.SyncOnce(ctx)

	enc := json.NewEncoder(app.out)
	enc.SetIndent("", "  ")
	for _, r := range reports {
		if r == nil {
			continue
		}
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}

	if syncErr != nil {
		return fmt.Errorf("sync: %w", syncErr)
	}
	return nil
}

// RunMCP serves the MCP tools over stdio with the sync engine running.
func RunMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}

	rt, err := setup(app, true)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.coord.Start(ctx); err != nil {
		return fmt.Errorf("start sync: %w", err)
	}
	defer func() {
		if err := rt.coord.Stop(); err != nil {
			rt.logger.Error("Sync shutdown error", slog.String("error", err.Error()))
		}
	}()

	rt.logger.Info("MCP server starting on stdio", slog.String("version", app.version))
	return mcpserver.New(rt.coord, app.version).ServeStdio()
}
