package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/classkit/backend-go/internal/v1/auth"
	"github.com/classkit/backend-go/internal/v1/config"
	"github.com/classkit/backend-go/internal/v1/gamification"
	"github.com/classkit/backend-go/internal/v1/health"
	"github.com/classkit/backend-go/internal/v1/kv"
	"github.com/classkit/backend-go/internal/v1/logging"
	"github.com/classkit/backend-go/internal/v1/meeting"
	"github.com/classkit/backend-go/internal/v1/middleware"
	"github.com/classkit/backend-go/internal/v1/moderation"
	"github.com/classkit/backend-go/internal/v1/notify"
	"github.com/classkit/backend-go/internal/v1/queue"
	"github.com/classkit/backend-go/internal/v1/ratelimit"
	"github.com/classkit/backend-go/internal/v1/signaling"
	"github.com/classkit/backend-go/internal/v1/store"
	"github.com/classkit/backend-go/internal/v1/tracing"
	"github.com/classkit/backend-go/internal/v1/wire"
)

const serviceName = "classkit-core"

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	logging.SetLevel(cfg.LogLevel)

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// rootCtx fans the shutdown signal out to every background goroutine:
	// queue workers, the scheduler, the expiry sweep and the event bridge.
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	// --- Tracing (Optional) ---
	var tracerProvider *sdktrace.TracerProvider
	if cfg.OtelEndpoint != "" {
		tracerProvider, err = tracing.InitTracer(rootCtx, serviceName, cfg.OtelEndpoint)
		if err != nil {
			slog.Warn("Tracing disabled: collector unreachable", "error", err)
			tracerProvider = nil
		} else {
			slog.Info("✅ Tracing initialized", "endpoint", cfg.OtelEndpoint)
		}
	}

	// --- Redis Initialization ---
	// A failed connect degrades rather than exits: cached reads fall back to
	// Mongo, the rate limiter falls back to its in-memory store, and live
	// signaling rejects writes until Redis returns.
	kvc, err := kv.New(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		slog.Error("Failed to connect to Redis, continuing cache-less", "error", err)
		kvc = nil
	}

	// --- Mongo Initialization ---
	// Bounded retries; on final failure the process stays up with the domain
	// surfaces unmounted so readiness reports degraded instead of crash-looping.
	var db *store.Store
	for attempt := 1; attempt <= 3; attempt++ {
		connectCtx, cancelConnect := context.WithTimeout(rootCtx, 15*time.Second)
		db, err = store.Connect(connectCtx, cfg.MongoURI, "")
		cancelConnect()
		if err == nil {
			slog.Info("✅ Connected to MongoDB")
			break
		}
		slog.Error("MongoDB connect failed", "attempt", attempt, "error", err)
		if attempt < 3 {
			time.Sleep(time.Duration(attempt) * 2 * time.Second)
		}
	}

	// --- Auth ---
	tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.RefreshSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	if err != nil {
		slog.Error("Failed to initialize token signer", "error", err)
		os.Exit(1)
	}

	var oidc *auth.OIDCValidator
	if cfg.GoogleClientID != "" {
		oidc, err = auth.NewOIDCValidator(rootCtx, cfg.GoogleClientID)
		if err != nil {
			slog.Warn("Google sign-in disabled: JWKS fetch failed", "error", err)
			oidc = nil
		} else {
			slog.Info("✅ Google OIDC validator initialized")
		}
	}
	parser := &auth.ChainParser{Tokens: tokens, OIDC: oidc}

	rl, err := ratelimit.New(ratelimit.Rates{
		General: cfg.RateLimitGeneral,
		Auth:    cfg.RateLimitAuth,
		Heavy:   cfg.RateLimitHeavy,
	}, kvc.Raw())
	if err != nil {
		slog.Error("Invalid rate limit configuration", "error", err)
		os.Exit(1)
	}

	notifier := notify.New(cfg.SocialServiceURL, cfg.AccountServiceURL)

	// --- Set up Server ---
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if tracerProvider != nil {
		router.Use(otelgin.Middleware(serviceName))
	}

	corsConfig := cors.DefaultConfig()
	allowedOrigins := auth.GetAllowedOriginsFromEnv("CORS_ORIGINS", []string{"http://localhost:3000"})
	corsConfig.AllowOrigins = allowedOrigins
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", "X-Correlation-ID")
	router.Use(cors.New(corsConfig))

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	var dbPinger health.Pinger
	if db != nil {
		dbPinger = db
	} else {
		dbPinger = health.Unavailable("mongo: not connected")
	}
	healthHandler := health.NewHandler(kvc, dbPinger)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	// Authenticated REST surface. The admin group stacks the heavy tier on
	// top of the general one; the moderation group only adds the role guard.
	api := router.Group("/api", rl.Middleware(ratelimit.TierGeneral), wire.Authenticate(parser))
	admin := api.Group("", wire.RequireAdmin(), rl.Middleware(ratelimit.TierHeavy))
	mod := api.Group("", wire.RequireModerator())

	var hub *signaling.Hub
	if db != nil {
		statsRepo := db.Stats()

		statsEngine := gamification.NewStatsEngine(kvc, statsRepo)
		boards := gamification.NewLeaderboardEngine(kvc, statsRepo, db.Users())
		achievements := gamification.NewAchievementEngine(kvc, db.Achievements(), statsEngine, boards, notifier)
		achQueue := queue.New(kvc, gamification.AchievementQueue)
		syncQueue := queue.New(kvc, gamification.StatsSyncQueue)
		gamSvc := gamification.NewService(kvc, statsEngine, boards, achievements, achQueue, syncQueue)

		queue.NewWorker(achQueue, gamification.AchievementConcurrency, gamSvc.AchievementWorkerHandler()).Run(rootCtx, &wg)
		queue.NewWorker(syncQueue, gamification.StatsSyncConcurrency, gamSvc.SyncWorkerHandler()).Run(rootCtx, &wg)
		gamification.NewScheduler(gamSvc, cfg.StatsSyncInterval).Start(rootCtx, &wg)
		gamification.NewHandler(gamSvc).RegisterRoutes(api, admin)

		modSvc := moderation.NewService(db.Moderation(), notifier)
		moderation.NewHandler(modSvc).RegisterRoutes(api, mod)
		startExpirySweep(rootCtx, &wg, modSvc)

		meetingState := meeting.NewStore(kvc, db.Meetings(), cfg.MeetingTTL)
		hub = signaling.NewHub(signaling.Options{
			State:          meetingState,
			Tokens:         parser,
			Limiter:        rl,
			IceServers:     signaling.IceServersFromConfig(cfg),
			AllowedOrigins: allowedOrigins,
			Bus:            kvc,
			InstanceID:     uuid.NewString(),
		})
		hub.StartEventBridge(rootCtx, &wg)

		wsGroup := router.Group("/ws")
		{
			wsGroup.GET("/meeting/:roomId", hub.ServeWs)
		}
	} else {
		slog.Warn("⚠️ MongoDB unavailable: gamification, moderation and signaling surfaces not mounted")
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("API server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	// The context is used to inform the server it has 30 seconds to finish
	// the requests it is currently handling
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	// Stop background goroutines first so workers finish their current job.
	cancel()

	// Close all active rooms and WebSocket connections gracefully
	if hub != nil {
		hub.Shutdown(shutdownCtx)
	}

	// Shutdown HTTP server
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	wg.Wait()

	if db != nil {
		if err := db.Close(shutdownCtx); err != nil {
			slog.Error("Failed to close MongoDB connection:", "error", err)
		}
	}
	if kvc != nil {
		if err := kvc.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		}
	}
	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to flush tracer:", "error", err)
		}
	}

	slog.Info("Server exiting")
}

// startExpirySweep deactivates lapsed moderation actions on an hourly tick.
// An immediate first pass catches anything that lapsed while the process
// was down.
func startExpirySweep(ctx context.Context, wg *sync.WaitGroup, svc *moderation.Service) {
	sweep := func() {
		n, err := svc.ExpireCheck(ctx)
		if err != nil {
			logging.Warn(ctx, "Moderation expiry sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			logging.Info(ctx, "Moderation expiry sweep", zap.Int("expired", n))
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sweep()
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweep()
			}
		}
	}()
}
