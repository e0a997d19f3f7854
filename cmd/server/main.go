package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/webcall/coordination/internal/auth"
	"github.com/webcall/coordination/internal/bus"
	"github.com/webcall/coordination/internal/callinvite"
	"github.com/webcall/coordination/internal/config"
	"github.com/webcall/coordination/internal/friends"
	"github.com/webcall/coordination/internal/health"
	"github.com/webcall/coordination/internal/logging"
	"github.com/webcall/coordination/internal/messagelog"
	"github.com/webcall/coordination/internal/middleware"
	"github.com/webcall/coordination/internal/ratelimit"
	"github.com/webcall/coordination/internal/room"
	"github.com/webcall/coordination/internal/summary"
	"github.com/webcall/coordination/internal/tracing"
	"github.com/webcall/coordination/internal/types"
	"github.com/webcall/coordination/internal/voice"

	"github.com/redis/go-redis/v9"
)

func main() {
	envPaths := []string{".env", "../../.env", "../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		slog.Warn("no .env file found, relying on process environment")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("invalid environment configuration", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.AppEnv != "production"); err != nil {
		slog.Error("failed to initialize structured logger", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OtelCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "webcall-coordination", cfg.OtelCollectorAddr)
		if err != nil {
			slog.Warn("failed to initialize tracer, continuing without tracing", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	validator := buildValidator(ctx, cfg)
	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	messageLog := messagelog.New(cfg.AISummaryMaxMessages)

	signalBus, redisBus := buildBus(cfg)
	if redisBus != nil {
		defer func() { _ = redisBus.Close() }()
	}

	var redisClient *redis.Client
	if redisBus != nil {
		redisClient = redisBus.Client()
	}

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		slog.Error("failed to initialize rate limiter", "error", err)
		os.Exit(1)
	}

	friendsHub := friends.NewHub(friends.Options{
		Validator:      validator,
		Limiter:        rateLimiter,
		SkipAuth:       cfg.SkipAuth,
		AllowedOrigins: allowedOrigins,
	})
	friendsHub.SetInvites(buildInviteService(cfg, redisClient, friendsHub))

	collector := voice.NewCollector(5 * time.Minute)
	orchestrator := buildOrchestrator(cfg, messageLog, collector)

	voiceEndpoint := &voice.Endpoint{
		Collector:      collector,
		Transcriber:    buildTranscriber(cfg),
		Sink:           orchestrator,
		Enabled:        cfg.VoiceCaptureEnabled,
		MaxTotalBytes:  int64(cfg.VoiceMaxTotalMB) * 1024 * 1024,
		Validator:      validator,
		Limiter:        rateLimiter,
		SkipAuth:       cfg.SkipAuth,
		AllowedOrigins: allowedOrigins,
	}

	roomHub := room.NewHub(room.Options{
		Validator:      validator,
		Bus:            signalBus,
		Log:            messageLog,
		Orchestrator:   orchestrator,
		Limiter:        rateLimiter,
		SkipAuth:       cfg.SkipAuth,
		AllowedOrigins: allowedOrigins,
	})

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = allowedOrigins
	corsCfg.AllowCredentials = true
	router.Use(cors.New(corsCfg))

	healthHandler := health.NewHandler(redisBus, cfg.OpenAIAPIKey != "")
	router.GET("/healthz/live", healthHandler.Liveness)
	router.GET("/healthz/ready", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	wsGroup := router.Group("/ws")
	wsGroup.Use(rateLimitMiddleware(rateLimiter))
	{
		wsGroup.GET("/rooms/:roomId", roomHub.ServeWS)
		wsGroup.GET("/friends", friendsHub.ServeWS)
		wsGroup.GET("/voice_capture/:roomId", voiceEndpoint.ServeWS)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		slog.Info("coordination server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("server exiting")
}

// rateLimitMiddleware applies the IP phase of the two-phase WebSocket
// connect check ahead of the upgrade; the user phase runs inside each
// endpoint's own ServeWS once auth resolves a userID.
func rateLimitMiddleware(rl *ratelimit.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.CheckWebSocket(c) {
			c.Abort()
			return
		}
		c.Next()
	}
}

func buildValidator(ctx context.Context, cfg *config.Config) types.TokenValidator {
	if cfg.SkipAuth {
		slog.Warn("authentication disabled for development - do not use in production")
		return &auth.MockValidator{}
	}
	if cfg.Auth0Domain == "" || cfg.Auth0Audience == "" {
		slog.Error("AUTH0_DOMAIN and AUTH0_AUDIENCE must be set when SKIP_AUTH=false")
		os.Exit(1)
	}
	validator, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
	if err != nil {
		slog.Error("failed to create auth validator", "error", err)
		os.Exit(1)
	}
	slog.Info("auth0 validator initialized", "domain", cfg.Auth0Domain, "audience", cfg.Auth0Audience)
	return validator
}

func buildBus(cfg *config.Config) (bus.Bus, *bus.RedisBus) {
	if !cfg.RedisEnabled {
		slog.Info("signal bus running in-process (single instance)")
		return bus.NewInProcessBus(), nil
	}
	redisBus, err := bus.NewRedisBus(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		slog.Error("failed to connect signal bus to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("signal bus connected to Redis", "addr", cfg.RedisAddr)
	return redisBus, redisBus
}

func buildInviteService(cfg *config.Config, redisClient *redis.Client, notifier types.InviteNotifier) callinvite.Service {
	if cfg.CallInvitesBackend == "redis" && redisClient != nil {
		return callinvite.NewRedisService(redisClient, notifier, cfg.CallInviteTTLRedis)
	}
	ttlMs := int64(cfg.CallInviteTTLMemory) * 1000
	return callinvite.NewMemoryService(notifier, types.SystemClock{}, ttlMs)
}

func buildOrchestrator(cfg *config.Config, log *messagelog.Log, collector *voice.Collector) *summary.Orchestrator {
	var ai summary.AIProvider
	if cfg.AISummaryEnabled && cfg.OpenAIAPIKey != "" {
		ai = summary.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	}

	summaryCfg := summary.Config{
		AIEnabled:            cfg.AISummaryEnabled && ai != nil,
		MinChars:             cfg.AISummaryMinChars,
		ParticipantBreakdown: cfg.AISummaryParticipantBreakdown,
	}

	return summary.NewOrchestrator(log, collector, ai, nil, summaryCfg, types.SystemClock{})
}

func buildTranscriber(cfg *config.Config) voice.Transcriber {
	if !cfg.VoiceCaptureEnabled || cfg.OpenAIAPIKey == "" {
		return voice.NoopTranscriber{}
	}
	return voice.NewOpenAITranscriber(cfg.OpenAIAPIKey)
}
