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

	"meetrelay/internal/core/ports"
	"meetrelay/internal/core/services"
	httphandlers "meetrelay/internal/handlers/http"
	"meetrelay/internal/infrastructure/distributed"
	"meetrelay/internal/infrastructure/middleware"
	"meetrelay/internal/infrastructure/monitoring"
	"meetrelay/internal/infrastructure/reliability"
	"meetrelay/internal/infrastructure/repositories"
	signalserver "meetrelay/internal/infrastructure/signal"
	"meetrelay/pkg/config"
	"meetrelay/pkg/logger"
	"meetrelay/pkg/tracing"
	"meetrelay/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	var (
		cfg    *config.Config
		source string
		err    error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		source = *configPath
	} else {
		cfg, source, err = config.LoadFirst("configs/config.yaml", "config/config.yaml", "config.yaml")
	}

	zapLogger := logger.New(levelOr(cfg), formatOr(cfg))
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err != nil {
		log.Fatalw("invalid configuration", "error", err)
	}
	if source == "" {
		source = "defaults"
	}
	log.Infow("configuration loaded", "source", source)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "meetrelay-signal",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Warnw("tracing disabled", "error", err)
		tp = &tracing.TracerProvider{}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Rooms and metrics.
	registry := services.NewRegistry(cfg.Registry.MaxMessages)
	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer, registry)

	// Room lifecycle events: Redis presence mirror plus pub/sub, delivered
	// off the room lock with retries.
	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	var (
		events    ports.RoomEventPublisher = distributed.NopPublisher{}
		publisher *reliability.AsyncPublisher
		presence  ports.PresenceRepository
	)
	if repoFactory.RedisEnabled() {
		presence = repoFactory.CreatePresenceRepository(ctx)
		bus := distributed.NewEventBus(repoFactory.RedisClient(), cfg.Redis.Channel, utils.GenerateInstanceID(), log)
		publisher = reliability.NewAsyncPublisher(
			distributed.Fanout{bus, distributed.PublisherFunc(presence.Apply)},
			collector,
			reliability.DefaultOptions(),
			log,
		)
		events = publisher
	}

	// Signaling.
	ws := signalserver.NewWebSocketServer(collector, signalserver.Options{
		PongWait:          cfg.Signal.PongWait,
		WriteWait:         cfg.Signal.WriteWait,
		SendBuffer:        cfg.Signal.SendBuffer,
		MaxMessageBytes:   cfg.Signal.MaxMessageBytes,
		MessagesPerSecond: wsRate(cfg),
		Burst:             cfg.RateLimiting.WebSocket.Burst,
		AllowedOrigins:    cfg.CORS.AllowedOrigins,
	}, log)
	broadcaster := services.NewBroadcaster(registry, ws, events, collector, log, services.BroadcasterConfig{
		MaxDisplayNameLen: cfg.Registry.MaxDisplayNameLen,
		MaxChatLen:        cfg.Registry.MaxChatLen,
	})
	relay := services.NewRelay(registry, ws, collector, log, cfg.Registry.MaxDisplayNameLen)
	ws.Bind(broadcaster, relay)

	go janitor(ctx, broadcaster, ws, cfg.Registry.SweepInterval, log)

	// Health.
	health := monitoring.NewHealthChecker()
	health.AddRegistryCheck(registry, 0, 30*time.Second, time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 30*time.Second, 2*time.Second)
	}
	go health.StartBackgroundChecks(ctx)

	// HTTP.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(log)),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	router.GET(cfg.Signal.Path, gin.WrapF(ws.HandleWebSocket))
	router.GET("/health", gin.WrapF(ws.HealthCheck))
	router.GET("/ready", func(c *gin.Context) {
		status := health.GetReadinessStatus(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	httphandlers.NewRoomHandler(registry, cfg.Signal.Path, cfg.Registry.MaxDisplayNameLen, log).
		WithPresence(presence).
		SetupRoutes(router, middleware.OriginMiddleware(cfg.CORS.AllowedOrigins))

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("signal server listening", "address", cfg.Server.Address, "path", cfg.Signal.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	failed := false
	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
		failed = true
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("graceful shutdown failed", "error", err)
		_ = srv.Close()
	}
	// Hijacked websocket connections are not covered by Shutdown.
	ws.CloseAll()

	if publisher != nil {
		if err := publisher.Close(shutdownCtx); err != nil {
			log.Warnw("room events not flushed", "error", err)
		}
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("failed to close redis", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("failed to flush traces", "error", err)
	}
	log.Info("signal server stopped")

	if failed {
		os.Exit(1)
	}
}

// janitor evicts participants whose connection is gone and deletes rooms
// left empty.
func janitor(ctx context.Context, b *services.Broadcaster, ws *signalserver.WebSocketServer, every time.Duration, log *zap.SugaredLogger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := b.Sweep(ctx, ws.IsConnected); n > 0 {
				log.Infow("janitor evicted stale participants", "count", n)
			}
		}
	}
}

func wsRate(cfg *config.Config) float64 {
	if !cfg.RateLimiting.Enabled {
		return 0
	}
	return cfg.RateLimiting.WebSocket.MessagesPerSecond
}

func levelOr(cfg *config.Config) string {
	if cfg == nil {
		return "info"
	}
	return cfg.Logging.Level
}

func formatOr(cfg *config.Config) string {
	if cfg == nil {
		return "json"
	}
	return cfg.Logging.Format
}
