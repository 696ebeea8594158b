package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/senhakan/appcenter-server/pkg/auth"
	"github.com/senhakan/appcenter-server/pkg/catalog"
	"github.com/senhakan/appcenter-server/pkg/config"
	"github.com/senhakan/appcenter-server/pkg/fleet"
	"github.com/senhakan/appcenter-server/pkg/health"
	"github.com/senhakan/appcenter-server/pkg/heartbeat"
	"github.com/senhakan/appcenter-server/pkg/inventory"
	"github.com/senhakan/appcenter-server/pkg/settings"
	"github.com/senhakan/appcenter-server/pkg/store"
	"github.com/senhakan/appcenter-server/pkg/sweeper"
	"github.com/senhakan/appcenter-server/pkg/tasks"
	"github.com/senhakan/appcenter-server/pkg/telemetry"
)

var (
	configPath = flag.String("config", "appcenter.yaml", "Config file path")
	listen     = flag.String("listen", "", "Listen address (overrides config)")
	Version    = "dev"
)

type Server struct {
	cfg    *config.ServerConfig
	db     *gorm.DB
	logger zerolog.Logger

	settings  *settings.Store
	registry  *fleet.Registry
	engine    *heartbeat.Engine
	resolver  *tasks.Resolver
	catalog   *catalog.Catalog
	inventory *inventory.Reconciler
	sweeper   *sweeper.Sweeper
	health    *health.Checker

	admin       auth.Matcher
	rateLimiter *RateLimiter
}

func main() {
	flag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	logger := newServerLogger(cfg.Logging)
	log.Logger = logger

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid config")
	}
	logger.Info().Str("version", Version).Str("driver", cfg.Database.Driver).Msg("AppCenter server starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.SetupTracing(ctx, cfg.Tracing, Version, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to set up tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Tracer shutdown failed")
		}
	}()

	db, err := store.Open(store.Options{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
		Debug:  cfg.Database.Debug,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	if err := store.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("Failed to migrate schema")
	}

	srv, err := newServer(cfg, db, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize server")
	}

	var runner *sweeper.Runner
	if !cfg.Sweeper.Disabled {
		runner = sweeper.NewRunner(srv.sweeper,
			time.Duration(cfg.Sweeper.OfflineCheckInterval)*time.Second,
			time.Duration(cfg.Sweeper.PruneInterval)*time.Second)
		runner.Start(ctx)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	srv.routes(r)

	httpSrv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           r,
		ReadHeaderTimeout: time.Duration(cfg.Server.RequestTimeout) * time.Second,
	}
	go func() {
		logger.Info().Str("listen", cfg.Server.Listen).Msg("Listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutS)*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if runner != nil {
		runner.Wait()
	}
}

func newServer(cfg *config.ServerConfig, db *gorm.DB, logger zerolog.Logger) (*Server, error) {
	hasher, err := auth.NewRandomTokenHasher()
	if err != nil {
		return nil, err
	}
	cfgStore := settings.New(db)
	return &Server{
		cfg:      cfg,
		db:       db,
		logger:   logger,
		settings: cfgStore,
		registry: fleet.NewRegistry(db, cfgStore, logger),
		engine:   heartbeat.NewEngine(db, cfgStore, logger),
		resolver: tasks.NewResolver(db, logger),
		catalog: catalog.New(db, cfgStore, catalog.Options{
			UploadDir:      cfg.Server.UploadDir,
			MaxUploadBytes: cfg.Server.MaxUploadBytes,
			MaxIconBytes:   cfg.Server.MaxIconBytes,
		}, logger),
		inventory:   inventory.NewReconciler(db, logger),
		sweeper:     sweeper.New(db, cfgStore, logger),
		health:      health.NewChecker(db, cfg.Server.UploadDir),
		admin:       auth.NewMatcher(hasher, cfg.Auth.AdminToken),
		rateLimiter: NewRateLimiter(cfg.RateLimit.RegisterPerMinute, cfg.RateLimit.RegisterBurst),
	}, nil
}

func (s *Server) routes(r *gin.Engine) {
	// Software names may contain escaped slashes.
	r.UseRawPath = true
	r.UnescapePathValues = true
	r.Use(withRequestContext(s.logger), observeRequests())

	r.GET("/v1/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.Static(strings.TrimSuffix(catalog.IconURLPrefix, "/"), s.catalog.IconsDir())

	s.registerAgentRoutes(r)
	s.registerAdminRoutes(r)
	s.registerInventoryRoutes(r)
}

func (s *Server) handleHealth(c *gin.Context) {
	status := s.health.Check(c.Request.Context())
	code, text := http.StatusOK, "healthy"
	if !status.Healthy {
		code, text = http.StatusServiceUnavailable, "unhealthy"
	}
	c.JSON(code, gin.H{
		"status":  text,
		"version": Version,
		"checks":  status,
	})
}

func newServerLogger(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && cfg.Level != "" {
		level = parsed
	}
	zerolog.SetGlobalLevel(level)

	if cfg.JSON || !cfg.HumanReadable {
		return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}
