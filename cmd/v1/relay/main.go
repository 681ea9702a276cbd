package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/astation/relay/internal/v1/config"
	"github.com/astation/relay/internal/v1/logging"
	"github.com/astation/relay/internal/v1/otp"
	"github.com/astation/relay/internal/v1/pairing"
	"github.com/astation/relay/internal/v1/ratelimit"
	"github.com/astation/relay/internal/v1/rtc"
	"github.com/astation/relay/internal/v1/server"
	"github.com/astation/relay/internal/v1/tracing"
	"github.com/astation/relay/internal/v1/verify"
	"github.com/astation/relay/internal/v1/voice"
)

const (
	janitorInterval     = 60 * time.Second
	verifyCacheInterval = 300 * time.Second
	shutdownTimeout     = 30 * time.Second
)

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
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.DevelopmentMode {
		logging.Info(ctx, "Running in DEVELOPMENT MODE")
	}

	// --- Tracing (Optional) ---
	if cfg.OtelEnabled {
		tp, err := tracing.InitTracer(ctx, "station-relay", cfg.OtelCollectorAddr)
		if err != nil {
			logging.Error(ctx, "Failed to initialize tracing, continuing without it", zap.Error(err))
		} else {
			logging.Info(ctx, "Tracing initialized", zap.String("collector", cfg.OtelCollectorAddr))
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutdownCtx); err != nil {
					logging.Error(context.Background(), "Tracer shutdown failed", zap.Error(err))
				}
			}()
		}
	}

	// --- Redis (Optional) ---
	// Redis backs distributed rate limiting and the readiness probe. When
	// it is disabled or unreachable the relay falls back to in-memory
	// limiter state.
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancelPing := context.WithTimeout(ctx, 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logging.Error(ctx, "Failed to connect to Redis, running in single-instance mode",
				zap.String("addr", cfg.RedisAddr), zap.Error(err))
			redisClient = nil
		} else {
			logging.Info(ctx, "Redis connected for distributed rate limiting",
				zap.String("addr", cfg.RedisAddr))
		}
		cancelPing()
	} else {
		logging.Info(ctx, "Running in single-instance mode (Redis disabled)")
	}

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "Failed to build rate limiter", zap.Error(err))
	}

	// --- Agent Verification (Optional) ---
	var verifier *verify.Client
	verifyCache := verify.NewCache(clock.RealClock{})
	if cfg.AgentVerifyURL != "" {
		verifier = verify.NewClient(cfg.AgentVerifyURL, verifyCache)
		logging.Info(ctx, "Agent verification enabled", zap.String("url", cfg.AgentVerifyURL))
	}

	// --- Stores ---
	realClock := clock.RealClock{}
	otpStore := otp.NewStore(realClock)
	rtcStore := rtc.NewStore(realClock)
	voiceStore := voice.NewStore(realClock)
	pairingHub := pairing.NewHub(realClock)

	// Expiry janitors run until shutdown cancels the root context.
	go otpStore.RunCleanup(ctx, janitorInterval)
	go rtcStore.RunCleanup(ctx, janitorInterval)
	go voiceStore.RunCleanup(ctx, janitorInterval)
	go pairingHub.RunCleanup(ctx, janitorInterval)
	go verifyCache.RunCleanup(ctx, verifyCacheInterval)

	router := server.NewRouter(server.Deps{
		Cfg:         cfg,
		OTP:         otpStore,
		RTC:         rtcStore,
		Voice:       voiceStore,
		Pairing:     pairingHub,
		RateLimiter: rateLimiter,
		Verifier:    verifier,
		RedisClient: redisClient,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		logging.Info(ctx, "Relay server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Failed to run server", zap.Error(err))
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down server...")
	cancel()

	// In-flight requests get 30 seconds to drain.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(context.Background(), "Server forced to shutdown", zap.Error(err))
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logging.Error(context.Background(), "Failed to close Redis connection", zap.Error(err))
		}
	}

	logging.Info(context.Background(), "Server exiting")
}
