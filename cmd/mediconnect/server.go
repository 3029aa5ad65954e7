package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mediconnect/mediconnect/internal/config"
	"github.com/mediconnect/mediconnect/internal/domain/identity"
	"github.com/mediconnect/mediconnect/internal/domain/imaging"
	"github.com/mediconnect/mediconnect/internal/platform/auth"
	"github.com/mediconnect/mediconnect/internal/platform/db"
	"github.com/mediconnect/mediconnect/internal/platform/metrics"
	"github.com/mediconnect/mediconnect/internal/platform/middleware"
)

const shutdownTimeout = 10 * time.Second

func newLogger(dev bool) zerolog.Logger {
	if dev {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// newEcho returns a bare server with the JSON error format every handler
// relies on.
func newEcho(logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)
	e.Pre(echomw.RemoveTrailingSlash())
	return e
}

// errorHandler renders every error as {"error": "..."}. Messages of 5xx
// errors that did not come from an HTTPError are not exposed to clients.
func errorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		msg := http.StatusText(code)
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			msg = fmt.Sprint(he.Message)
		} else {
			logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("unhandled error")
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, map[string]string{"error": msg})
		}
		if err != nil {
			logger.Error().Err(err).Msg("failed to write error response")
		}
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	logger := newLogger(cfg.IsDev())

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	imagingMetrics, err := metrics.NewImagingMetrics(reg)
	if err != nil {
		return err
	}

	archiveClient := newArchiveClient(cfg, imagingMetrics)

	mode, err := imaging.ParseMode(cfg.IngestMode)
	if err != nil {
		return err
	}

	e := newEcho(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M", cfg.MaxUploadSize))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Hospital-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/ready", db.ReadinessHandler(
		db.PoolCheck(pool),
		db.Check{Name: "archive", Probe: archiveClient.Ping},
	))
	e.GET("/health/db", db.PoolStatsHandler(pool))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	authMW := auth.DevAuthMiddleware()
	if !cfg.IsDev() {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSecret),
		})
	}
	secured := []echo.MiddlewareFunc{
		authMW,
		db.TenantMiddleware(pool, cfg.DefaultTenant),
		middleware.Audit(logger, "/dicom"),
	}

	// Identity
	userRepo := identity.NewUserRepo(pool)
	linkRepo := identity.NewLinkRepo(pool)
	linkCache := identity.NewCachedLinkChecker(linkRepo, cfg.LinkCacheTTL, imagingMetrics)
	identitySvc := identity.NewService(userRepo, linkRepo, linkCache)
	identity.NewHandler(identitySvc).RegisterRoutes(e.Group("/api/v1", secured...))

	// Imaging
	deps := imaging.Deps{
		Studies:   imaging.NewStudyRepo(pool),
		Series:    imaging.NewSeriesRepo(pool),
		Instances: imaging.NewInstanceRepo(pool),
		Users:     userRepo,
		Archive:   archiveClient,
		Policy:    imaging.NewPolicy(linkCache),
		Tx:        imaging.PoolTransactor(pool),
		Logger:    logger,
		Metrics:   imagingMetrics,
	}
	ingestSvc := imaging.NewIngestService(deps, imaging.IngestConfig{
		UploadDir:   cfg.UploadDir,
		DefaultMode: mode,
	})
	deletionSvc := imaging.NewDeletionService(deps)
	querySvc := imaging.NewQueryService(deps, imaging.ViewerConfig{
		ViewerURL:   cfg.ViewerURL,
		DICOMWebURL: cfg.DICOMWebURL,
	})
	imaging.NewHandler(ingestSvc, deletionSvc, querySvc, archiveClient).RegisterRoutes(e.Group("/dicom", secured...))

	logger.Info().
		Str("ingest_mode", string(mode)).
		Str("archive", archiveClient.BaseURL()).
		Msg("imaging services initialized")

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
