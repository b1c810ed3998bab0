// Package httpapi wires the HTTP transport (Gin) to the credit ledger and
// achievement services, middleware, and route handlers. It centralizes
// cross-cutting concerns: tracing, correlation ids, structured logging,
// panic recovery, metrics, compression, CORS, security headers, and rate
// limiting.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured access logs with header masking
//  4. Recovery: capture panics after the logger
//  5. Body size limiter and gzip
//  6. Metrics
//  7. Rate limiter (per user/IP)
//  8. CORS and security headers
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/brioworks/go-credits-backend/internal/config"
	"github.com/brioworks/go-credits-backend/internal/http/handlers"
	"github.com/brioworks/go-credits-backend/internal/http/middleware"
	"github.com/brioworks/go-credits-backend/internal/services"
)

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine, constructing the service graph from the shared DB handle.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with sensitive-header masking
	r.Use(middleware.Logger(middleware.LogOptions{
		MaskHeaders: []string{"X-API-Key"},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (64 KiB; payloads here are tiny) + gzip
	r.Use(limitBody(64 << 10))
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Token-bucket rate limiter per user/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	// 8) CORS posture (allow all when no origins configured)
	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-Tier"},
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.CORS.AllowedOrigins
	}
	r.Use(cors.New(corsCfg))

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Dependency injection: one lock registry shared by every service, so
	// ledger writes and achievement writes for a user serialize together.
	locks := services.NewUserLocks()
	ledger := services.NewLedger(db, locks)
	ledger.CarryoverCap = cfg.CarryoverCap
	ledger.DailyTTL = cfg.DailyCreditTTL

	planner := services.NewPlanner(ledger)

	engine := services.NewEngine(db, locks)
	engine.Grace = services.GracePolicy(cfg.GracePolicy)
	engine.MaxRetries = cfg.ConsumeMaxRetries

	h := handlers.New(planner, ledger, engine)

	// Public API
	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		// Credits
		api.POST("/users/:id/credits/consume", h.ConsumeCredits)
		api.GET("/users/:id/credits", h.GetBalances)
		api.GET("/users/:id/credits/history", h.ListHistory)
		api.POST("/users/:id/credits/grants", h.GrantCredits)

		// Achievements & limits
		api.POST("/users/:id/events", h.RecordEvent)
		api.GET("/users/:id/achievements", h.GetAchievements)
		api.GET("/users/:id/limits", h.GetLimits)

		// Cron-driven triggers
		api.POST("/jobs/grant-daily", h.GrantDaily)
		api.POST("/jobs/expire-daily", h.ExpireDaily)
		api.POST("/jobs/grant-subscription", h.GrantSubscription)
	}
}

// limitBody caps the request body size for all endpoints using
// http.MaxBytesReader; oversized bodies error on read downstream.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
