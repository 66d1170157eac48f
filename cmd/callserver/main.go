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

	"callsync/internal/auth"
	"callsync/internal/callsvc"
	"callsync/internal/config"
	"callsync/internal/httpapi"
	"callsync/internal/reporting"
	"callsync/internal/store"
	"callsync/pkg/logger"
	"callsync/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadServer()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	var (
		sessions store.Sessions
		presence store.Presence
		checks   []func(context.Context) error
	)

	switch cfg.Store.Driver {
	case config.DriverPostgres:
		db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.DB.DSN(), utils.PostgresPoolConfig{})
		if err != nil {
			log.Error("postgres init failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		sessions = store.NewPostgresSessions(db)
		checks = append(checks, func(ctx context.Context) error { return utils.HealthCheck(ctx, db, 2*time.Second) })
	default:
		sessions = store.NewMemorySessions()
	}

	switch cfg.Presence.Driver {
	case config.DriverRedis:
		rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.Redis.Addr()})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		presence = store.NewRedisPresence(rdb, cfg.Presence.TTL, nil)
		checks = append(checks, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	default:
		presence = store.NewMemoryPresence(cfg.Presence.TTL, nil)
	}

	calls := callsvc.NewService(sessions, presence, callsvc.Config{RingTimeout: cfg.Calls.RingTimeout, Logger: log})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	httpapi.Register(r, httpapi.Handlers{
		Calls:     calls,
		Reporting: reporting.NewService(sessions),
		Health: func(ctx context.Context) error {
			for _, check := range checks {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	}, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		log.Info("callserver listening", "addr", srv.Addr, "env", cfg.App.Env, "store", cfg.Store.Driver, "presence", cfg.Presence.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return logger.ShutdownFlush(shutdownCtx, 2*time.Second)
	})

	if err := g.Wait(); err != nil {
		log.Error("callserver stopped with error", "err", err)
		os.Exit(1)
	}
}
