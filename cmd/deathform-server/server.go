package main

import (
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/crvs/deathform/internal/config"
	"github.com/crvs/deathform/internal/domain/deathform"
	"github.com/crvs/deathform/internal/domain/formmeta"
	"github.com/crvs/deathform/internal/domain/tracker"
	"github.com/crvs/deathform/internal/platform/audit"
	"github.com/crvs/deathform/internal/platform/auth"
	"github.com/crvs/deathform/internal/platform/cache"
	"github.com/crvs/deathform/internal/platform/db"
	"github.com/crvs/deathform/internal/platform/metrics"
	"github.com/crvs/deathform/internal/platform/middleware"
)

const version = "0.1.0"

type serverDeps struct {
	cfg      *config.Config
	logger   zerolog.Logger
	store    tracker.Store
	mapping  *formmeta.Mapping
	detector deathform.Detector
	metrics  *metrics.Metrics
	// pool is nil when cases are kept in memory.
	pool *pgxpool.Pool
	// cache is nil when Redis is not configured.
	cache cache.Checker
}

func newServer(d serverDeps) *echo.Echo {
	cfg := d.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(d.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(d.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(time.Duration(cfg.RequestTimeoutSeconds) * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	// Auth middleware
	switch mode := cfg.AuthMode(); mode {
	case "development":
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	default:
		jwtCfg := auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}
		if mode == "hmac" {
			jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
		}
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	// Audit middleware; entries are also kept in Postgres when it backs the store
	var recorders []middleware.AuditRecorder
	if d.pool != nil {
		recorders = append(recorders, audit.NewLogger(d.pool))
	}
	e.Use(middleware.Audit(d.logger, recorders...))

	apiV1 := e.Group("/api/v1")

	trackerHandler := tracker.NewHandler(d.store)
	trackerHandler.RegisterRoutes(apiV1)

	svc := deathform.NewService(d.store, d.mapping, d.detector, d.metrics, d.logger)
	formHandler := deathform.NewHandler(svc, middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.ComputeRateLimitRPS,
		BurstSize:         cfg.ComputeRateLimitBurst,
	}))
	formHandler.RegisterRoutes(apiV1)

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
			"store":   cfg.Store,
		})
	})
	if d.pool != nil {
		e.GET("/health/db", db.HealthHandler(d.pool))
	}
	if d.cache != nil {
		e.GET("/health/cache", cache.HealthHandler(d.cache))
	}
	if d.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(d.metrics.Handler()))
	}

	return e
}
