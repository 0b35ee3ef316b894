package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"secumsg/cryptocore"
	"secumsg/internal/authz"
	"secumsg/internal/config"
	"secumsg/internal/keyfile"
	"secumsg/internal/observability/logging"
	"secumsg/internal/observability/metrics"
	"secumsg/internal/observability/middleware"
	"secumsg/internal/sessions"
	"secumsg/internal/store"
	transport "secumsg/internal/transport/http"
)

const purgeInterval = time.Hour

func main() {
	cfg := config.Load()

	logger := logging.NewLogger(logging.Config{
		ServiceName: "sessiond",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})

	slog.SetDefault(logger)
	metrics.MustRegister("sessiond")

	logger.Info("starting service")

	if cfg.JWTSecret == "" {
		logger.Error("SESSIOND_JWT_SECRET must be set")
		os.Exit(1)
	}

	db, err := store.Open(store.OpenConfig{
		Driver: cfg.DatabaseDriver,
		DSN:    cfg.DatabaseURL,
		LogSQL: cfg.LogLevel == "debug",
	})
	if err != nil {
		logger.Error("gorm open", "driver", cfg.DatabaseDriver, "error", err)
		os.Exit(1)
	}

	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		logger.Error("auto migrate", "error", err)
		os.Exit(1)
	}

	sealer, err := keyfile.OpenSealer(cfg.MasterKey, cfg.MasterPassphrase, cfg.IdentityFile)
	if err != nil {
		logger.Error("master key", "error", err)
		os.Exit(1)
	}

	dev, created, err := keyfile.LoadOrCreate(cfg.IdentityFile, sealer)
	if err != nil {
		logger.Error("load identity", "path", cfg.IdentityFile, "error", err)
		os.Exit(1)
	}
	if created {
		logger.Info("generated new device identity", "path", cfg.IdentityFile)
	}

	guard := cryptocore.NewReplayGuard(
		cryptocore.WithReplayWindow(cfg.ReplayWindow),
		cryptocore.WithReplayCapacity(cfg.ReplayCapacity),
	)
	mgr := sessions.New(st, sealer, guard, dev,
		sessions.WithLogger(logger),
		sessions.WithLifetime(cfg.SessionLifetime),
	)

	router := transport.NewRouter(mgr, transport.RouterConfig{
		Auth:               authz.NewHMACValidator(cfg.JWTSecret, cfg.JWTIssuer).Middleware,
		CORSOrigins:        cfg.CORSOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	})
	handler := middleware.WithRequestAndTrace(middleware.WithMetrics(router))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go purgeLoop(ctx, mgr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	slog.Info("sessiond listening", "addr", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("sessiond stopped")
}

func purgeLoop(ctx context.Context, mgr *sessions.Manager) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		if _, err := mgr.PurgeExpired(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("purge expired sessions", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
