// Package main is the entry point for omsd, the orchestration nucleus.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/omscore/oms/internal/adminapi"
	"github.com/omscore/oms/internal/common/config"
	"github.com/omscore/oms/internal/common/httpmw"
	"github.com/omscore/oms/internal/common/logger"
	"github.com/omscore/oms/internal/conflict"
	"github.com/omscore/oms/internal/events/bus"
	"github.com/omscore/oms/internal/ipc"
	"github.com/omscore/oms/internal/lifecycle"
	"github.com/omscore/oms/internal/registry"
	"github.com/omscore/oms/internal/scheduler"
	"github.com/omscore/oms/internal/subscription/wsbridge"
	"github.com/omscore/oms/internal/supervisor"
	"github.com/omscore/oms/internal/taskstore"
	"github.com/omscore/oms/internal/toolsurface"
	"github.com/omscore/oms/internal/tracing"
)

func main() {
	// 1. Load configuration.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger.
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting orchestration nucleus")

	tracing.Configure(tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus: NATS if configured, in-memory otherwise.
	eventBus, err := newEventBus(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 4. Durable task store.
	store := taskstore.New(cfg.TaskStore, log, eventBus)
	defer func() {
		if err := store.Shutdown(); err != nil {
			log.Error("task store shutdown error", zap.Error(err))
		}
	}()

	// 5. Volatile registry + heartbeat.
	reg := registry.New(cfg.Registry.EventBufferCap, log)
	heartbeater := registry.NewHeartbeater(reg, store, cfg.Registry.HeartbeatInterval(), log)
	heartbeater.Start(ctx)
	defer heartbeater.Stop()

	// 6. External process supervisor. No production supervisor ships with
	// this binary yet; wiring a real one (container runtime, subprocess
	// shim) is the deploy-time integration point.
	sup := supervisor.NewFake()

	// 7. Scheduler, lifecycle coordinator, conflict coordinator, tool
	// surface.
	sched := scheduler.New(store, reg, log)
	lc := lifecycle.New(store, reg, sup, log)
	cc := conflict.New(sup, log)
	tools, err := toolsurface.Load(cfg.Roles.ConfigPath)
	if err != nil {
		log.Fatal("failed to load role tool surface", zap.Error(err))
	}

	// 8. IPC router.
	deps := ipc.NewDeps(store, sched, reg, lc, cc, tools, sup, cfg, log)
	router := ipc.New(cfg.IPC.SocketPath, deps)
	if err := router.Start(ctx); err != nil {
		log.Fatal("failed to start ipc router", zap.Error(err))
	}
	defer router.Stop()
	log.Info("ipc router listening", zap.String("socket", cfg.IPC.SocketPath))

	// 9. Websocket subscription bridge.
	bridge := wsbridge.New(eventBus, log)
	if err := bridge.Start(); err != nil {
		log.Fatal("failed to start subscription bridge", zap.Error(err))
	}
	defer bridge.Stop()

	// 10. Admin HTTP surface: health, metrics, task snapshot, websocket
	// bridge endpoint.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	ginRouter := gin.New()
	ginRouter.Use(httpmw.CorrelationID())
	ginRouter.Use(httpmw.RequestLogger(log, "omsd"))
	ginRouter.Use(httpmw.OtelTracing("omsd"))

	admin := adminapi.New(store, reg, cc, time.Now().Unix(), log)
	admin.SetupRoutes(ginRouter)
	ginRouter.GET("/subscribe", gin.WrapF(bridge.ServeHTTP))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      ginRouter,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("admin http server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("admin http server failed", zap.Error(err))
		}
	}()

	// 11. Wait for shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down orchestration nucleus")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("admin http server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}

	log.Info("orchestration nucleus stopped")
}

func newEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.NATS.URL == "" {
		return bus.NewMemoryEventBus(log), nil
	}
	return bus.NewNATSEventBus(cfg.NATS, log)
}
