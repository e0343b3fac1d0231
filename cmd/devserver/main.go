// Command devserver runs the chat backend the sparchat client talks to: auth
// with rotating refresh tokens, conversation and combat history, invitations
// and the realtime socket.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"go-sparchat/internal/config"
	"go-sparchat/internal/db"
	"go-sparchat/internal/devserver"
	"go-sparchat/pkg/logger"
)

func main() {
	addr := flag.String("addr", "", "http service address (overrides DEV_ADDR)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		// The logger is not configured yet.
		logger.Global().Fatal("failed to load config", zap.Error(err))
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	log, err := newLogger(cfg)
	if err != nil {
		logger.Global().Fatal("failed to build logger", zap.Error(err))
	}
	logger.SetGlobal(log)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	driver, dsn := cfg.Server.DBDriver, cfg.Server.DBDSN
	if dsn == "" {
		driver, dsn = db.DriverSQLite, "devserver.db"
	}
	database, err := db.NewDatabase(driver, dsn)
	if err != nil {
		log.Fatal("failed to connect to database", zap.String("driver", driver), zap.Error(err))
	}
	defer database.Close()
	log.Info("connected to database", zap.String("driver", database.Driver))

	var redisClient *redis.Client
	if cfg.Server.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Server.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatal("failed to connect to redis", zap.String("addr", cfg.Server.RedisAddr), zap.Error(err))
		}
		defer redisClient.Close()
		log.Info("connected to redis", zap.String("addr", cfg.Server.RedisAddr))
	}

	srv, err := devserver.New(ctx, devserver.Options{
		JWTSecret:         cfg.Server.JWTSecret,
		AccessTTL:         cfg.Server.AccessTTL,
		RefreshTTL:        cfg.Server.RefreshTTL,
		RateLimitRequests: cfg.Server.RateLimitRequests,
		RateLimitWindow:   cfg.Server.RateLimitWindow,
	}, database, redisClient, log)
	if err != nil {
		log.Fatal("failed to initialize server", zap.Error(err))
	}
	go srv.Run(ctx)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("server starting", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	if cfg.Development() {
		return logger.NewDevelopment()
	}
	return logger.New(cfg.LogLevel)
}
