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

	"callflow/internal/auth"
	"callflow/internal/call"
	"callflow/internal/config"
	"callflow/internal/dispatch"
	"callflow/internal/httpapi"
	"callflow/internal/reporting"
	"callflow/internal/rooms"
	"callflow/pkg/logger"
	"callflow/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	// Session store: postgres when configured, in-memory otherwise.
	var store call.Store
	if cfg.Call.Store == config.StorePostgres {
		db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			log.Error("postgres init failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		store = call.NewPGStore(db)
	} else {
		store = call.NewMemoryStore()
	}

	// Dispatch: websocket hub always; redis sink when redis is configured.
	hub := dispatch.NewHub(log)
	sinks := []dispatch.Sink{hub, dispatch.LogSink{Log: log}}

	// Guards: redis-backed across nodes when available, in-process otherwise.
	var guard call.InitiateGuard
	var locks call.DequeueLock
	if cfg.HasRedis() {
		rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()

		rg := call.NewRedisGuard(rdb, cfg.Call.InitiateCooldown)
		guard, locks = rg, rg
		sinks = append(sinks, dispatch.NewRedisSink(rdb, log))
	} else {
		mg := call.NewMemoryGuard(cfg.Call.InitiateCooldown, time.Now)
		guard, locks = mg, mg
	}

	fanout := dispatch.NewFanout(256, log, sinks...)
	fanout.Start(rootCtx)

	var roomProvider rooms.Provider = rooms.OpaqueProvider{}
	if cfg.Rooms.BaseURL != "" {
		roomProvider = rooms.NewHTTPProvider(cfg.Rooms.BaseURL, cfg.Rooms.APIKey)
	}

	manager := call.NewManager(store, roomProvider, fanout, guard, locks, call.Options{
		RingTimeout:      cfg.Call.RingTimeout,
		HeartbeatTimeout: cfg.Call.HeartbeatTimeout,
		QueueTTL:         cfg.Call.QueueTTL,
	}, log)

	scheduler := call.NewScheduler(store, manager, call.Monitor{
		RingTimeout:      cfg.Call.RingTimeout,
		HeartbeatTimeout: cfg.Call.HeartbeatTimeout,
	}, cfg.Call.SweepInterval, log)
	go scheduler.Run(rootCtx)

	reports := reporting.NewService(reporting.StoreRepo{Store: store})

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	h := httpapi.Handlers{
		Auth:    authManager,
		Calls:   manager,
		Hub:     hub,
		Fanout:  fanout,
		Reports: reports,
	}
	registerRoutes(r, h, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "store", cfg.Call.Store)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	fanout.Close()
	log.Info("shutdown complete")
}
