package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/nexus/internal/auth"
	"github.com/Tyrowin/nexus/internal/call"
	"github.com/Tyrowin/nexus/internal/config"
	"github.com/Tyrowin/nexus/internal/coordinator"
	"github.com/Tyrowin/nexus/internal/logging"
	"github.com/Tyrowin/nexus/internal/presence"
	"github.com/Tyrowin/nexus/internal/server"
	"github.com/Tyrowin/nexus/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	coord := coordinator.New(coordinator.Config{
		Presence: presence.Config{
			Grace:         cfg.PresenceGrace,
			SweepInterval: cfg.PresenceSweepInterval,
		},
		Call: call.Config{
			AnswerTimeout: cfg.CallAnswerTimeout,
			Retention:     cfg.CallRetention,
			QueueLimit:    cfg.CallSignalQueue,
		},
	}, st, logger)

	if cfg.RedisURL != "" {
		rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		mirrorPresence(ctx, coord, rdb, logger)
	}

	coord.Run(ctx)

	srv := server.New(server.Config{
		Port:           cfg.Port,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxMessageSize: cfg.MaxMessageSize,
		RateLimit: server.RateLimitConfig{
			Burst:          cfg.RateLimitBurst,
			RefillInterval: cfg.RateLimitRefill(),
		},
		PingPeriod: cfg.PingPeriod,
		PongWait:   cfg.PongWait,
	}, coord, auth.NewJWTService(cfg.JWTSecret), logger)
	srv.Start()

	httpServer := server.CreateServer(cfg.Port, srv.Handler())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer, logger)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	if err := server.ShutdownServer(httpServer, shutdownTimeout, logger); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := srv.Shutdown(shutdownTimeout); err != nil {
		logger.Warn("hub shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := coord.Shutdown(shutdownCtx); err != nil {
		logger.Warn("coordinator shutdown", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

// openStore connects to Postgres when DATABASE_URL is set and falls back to
// the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (coordinator.Store, *sql.DB, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set; using in-memory store")
		return store.NewMemory(), nil, nil
	}

	db, err := store.OpenPostgres(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Migrate(db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store.NewPostgres(db), db, nil
}

func mirrorPresence(ctx context.Context, coord *coordinator.Coordinator, rdb *redis.Client, logger *slog.Logger) {
	mirror := store.NewRedisPresence(rdb, store.DefaultOfflineTTL, logger)
	if err := mirror.Reset(ctx); err != nil {
		logger.Warn("resetting presence mirror", "error", err)
	}
	coord.OnPresenceChange(mirror.Mirror)
}
