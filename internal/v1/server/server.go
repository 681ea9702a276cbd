// Package server assembles the HTTP router from the feature handlers
// and ambient middleware.
package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/astation/relay/internal/v1/config"
	"github.com/astation/relay/internal/v1/health"
	"github.com/astation/relay/internal/v1/middleware"
	"github.com/astation/relay/internal/v1/otp"
	"github.com/astation/relay/internal/v1/pairing"
	"github.com/astation/relay/internal/v1/ratelimit"
	"github.com/astation/relay/internal/v1/rtc"
	"github.com/astation/relay/internal/v1/verify"
	"github.com/astation/relay/internal/v1/voice"
)

// Deps carries everything the router needs. RateLimiter and Verifier
// are optional; nil disables the corresponding middleware.
type Deps struct {
	Cfg *config.Config

	OTP     *otp.Store
	RTC     *rtc.Store
	Voice   *voice.Store
	Pairing *pairing.Hub

	RateLimiter *ratelimit.RateLimiter
	Verifier    *verify.Client
	RedisClient *redis.Client
}

// NewRouter wires all endpoints onto a gin engine.
func NewRouter(d Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	if d.Cfg.OtelEnabled {
		router.Use(otelgin.Middleware("station-relay"))
	}

	corsCfg := cors.DefaultConfig()
	if d.Cfg.CorsOrigin == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = []string{d.Cfg.CorsOrigin}
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders,
		"Authorization", "X-Voice-Session-ID", "X-Session-ID", "X-Correlation-ID")
	router.Use(cors.New(corsCfg))

	otpHandlers := otp.NewHandlers(d.OTP)
	rtcHandlers := rtc.NewHandlers(d.RTC)
	voiceHandlers := voice.NewHandlers(d.Voice)
	pairHandlers := pairing.NewHandlers(d.Pairing)

	api := router.Group("/api")
	if d.RateLimiter != nil {
		api.Use(d.RateLimiter.APIMiddleware())
	}
	{
		// OTP auth sessions. The grant endpoint carries the strict
		// tier on top of the general one: it is the single route an
		// attacker can brute-force a code against.
		api.POST("/sessions", otpHandlers.CreateSession)
		api.GET("/sessions/:id/status", otpHandlers.GetSessionStatus)
		api.POST("/sessions/:id/deny", otpHandlers.DenySession)
		if d.RateLimiter != nil {
			api.POST("/sessions/:id/grant", d.RateLimiter.GrantMiddleware(), otpHandlers.GrantSession)
		} else {
			api.POST("/sessions/:id/grant", otpHandlers.GrantSession)
		}

		// RTC session registry.
		api.POST("/rtc-sessions", rtcHandlers.CreateSession)
		api.GET("/rtc-sessions/:id", rtcHandlers.GetSession)
		api.DELETE("/rtc-sessions/:id", rtcHandlers.DeleteSession)
		api.POST("/rtc-sessions/:id/join", rtcHandlers.JoinSession)

		// Pairing.
		api.POST("/pair", pairHandlers.CreatePair)
		api.GET("/pair/:code", pairHandlers.PairStatus)

		// Voice sessions and the buffering chat proxy.
		api.POST("/voice-sessions", voiceHandlers.CreateSession)
		api.GET("/voice-sessions", voiceHandlers.ListSessions)
		api.POST("/voice-sessions/:id/trigger", voiceHandlers.TriggerSession)
		api.GET("/voice-sessions/:id", voiceHandlers.GetSession)
		api.DELETE("/voice-sessions/:id", voiceHandlers.DeleteSession)
		if d.Verifier != nil {
			api.POST("/voice-sessions/response", verify.Middleware(d.Verifier), voiceHandlers.AgentResponse)
		} else {
			api.POST("/voice-sessions/response", voiceHandlers.AgentResponse)
		}
		api.POST("/llm/chat", voiceHandlers.Chat)
	}

	// Browser-facing pages and the relay socket sit outside /api.
	router.GET("/ws", d.Pairing.ServeWs)
	router.GET("/pair", pairHandlers.PairPage)
	router.GET("/auth", otpHandlers.AuthPage)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(d.RedisClient)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	return router
}
