package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/san-kum/parking-traffic-cv/server/analytics"
	"github.com/san-kum/parking-traffic-cv/server/audit"
	"github.com/san-kum/parking-traffic-cv/server/cache"
	"github.com/san-kum/parking-traffic-cv/server/config"
	"github.com/san-kum/parking-traffic-cv/server/handlers"
	"github.com/san-kum/parking-traffic-cv/server/heatmap"
	"github.com/san-kum/parking-traffic-cv/server/impact"
	"github.com/san-kum/parking-traffic-cv/server/metrics"
	"github.com/san-kum/parking-traffic-cv/server/middleware"
	"github.com/san-kum/parking-traffic-cv/server/ml"
	"github.com/san-kum/parking-traffic-cv/server/processor"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

type Server struct {
	router      *gin.Engine
	logger      *zap.Logger
	processor   *processor.AnalysisProcessor
	mlClient    *ml.Client
	auditLog    *audit.Logger
	rateLimiter *middleware.RateLimiter
	config      *config.Config
}

func serveCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), opts.cfg, opts.logger)
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting server",
			zap.String("addr", addr),
			zap.String("environment", cfg.Server.Environment))

		var err error
		if cfg.Security.EnableHTTPS {
			err = srv.ListenAndServeTLS(cfg.Security.CertFile, cfg.Security.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		server.mlClient.RunHealthChecker(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	server.Close()
	logger.Info("Server exited")
	return err
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	pipelineMetrics, err := metrics.NewPipelineMetrics(registry)
	if err != nil {
		return nil, err
	}

	exporter, err := heatmap.NewExporter(cfg.Artifacts.Renderer, cfg.Artifacts.OutputsDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact exporter: %w", err)
	}

	analyzer := analytics.NewAnalyzer(analyzerConfig(cfg.Analysis), exporter, logger)
	engine := impact.NewEngine(impactConfig(cfg.Analysis))

	mlClient := ml.NewClient(cfg.Detector.BaseURL, &ml.ClientConfig{
		Timeout:             cfg.Detector.Timeout,
		MaxRetries:          cfg.Detector.MaxRetries,
		RetryDelay:          cfg.Detector.RetryDelay,
		HealthCheckInterval: cfg.Detector.HealthCheckInterval,
	}, logger)

	var auditLog *audit.Logger
	if cfg.Audit.Enabled {
		store, err := audit.NewSQLiteStore(cfg.Audit.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit store: %w", err)
		}
		auditLog = audit.NewLogger(store, cfg.Audit.DedupTTL, pipelineMetrics, logger)
	}

	deps := processor.Dependencies{
		Source:   mlClient,
		Analyzer: analyzer,
		Engine:   engine,
		Store:    cache.NewMemoryCache(1000, cfg.Analysis.ResultTTL, logger),
		Metrics:  pipelineMetrics,
		Logger:   logger,
	}
	if auditLog != nil {
		deps.Audit = auditLog
	}
	analysisProcessor := processor.NewAnalysisProcessor(deps, processor.ProcessorConfig{
		MaxQueueSize:            cfg.Analysis.MaxQueueSize,
		MaxWorkers:              cfg.Analysis.MaxWorkers,
		ProcessingTimeout:       cfg.Analysis.JobTimeout,
		ProgressEvery:           cfg.Analysis.ProgressEveryFrames,
		SnapshotIntervalSeconds: cfg.Analysis.SnapshotIntervalSeconds,
		ResultTTL:               cfg.Analysis.ResultTTL,
	})

	rateLimiter := middleware.NewRateLimiter(
		cfg.Security.RateLimitRPS,
		cfg.Security.RateLimitBurst,
		logger,
	)
	authMiddleware := middleware.NewAuthMiddleware(cfg.Security.JWTSecretKey, logger)

	router := gin.New()
	router.Use(middleware.RequestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.Security.AllowedOrigins))

	analysisHandler := handlers.NewAnalysisHandler(analysisProcessor, handlers.HandlerConfig{
		UploadDir:     cfg.Server.UploadDir,
		MaxUploadSize: cfg.Security.MaxUploadSize,
	}, logger)
	wsHandler := handlers.NewWebSocketHandler(analysisProcessor, cfg.Security.AllowedOrigins, logger)

	var auditReader handlers.AuditReader
	if auditLog != nil {
		auditReader = auditLog
	}
	auditHandler := handlers.NewAuditHandler(auditReader, logger)

	server := &Server{
		router:      router,
		logger:      logger,
		processor:   analysisProcessor,
		mlClient:    mlClient,
		auditLog:    auditLog,
		rateLimiter: rateLimiter,
		config:      cfg,
	}

	setupRoutes(router, routeDeps{
		analysis:    analysisHandler,
		ws:          wsHandler,
		audit:       auditHandler,
		auth:        authMiddleware,
		rateLimiter: rateLimiter,
		registry:    registry,
		security:    cfg.Security,
		health: map[string]func(context.Context) error{
			"detector": mlClient.HealthCheck,
		},
	})

	return server, nil
}

type routeDeps struct {
	analysis    *handlers.AnalysisHandler
	ws          *handlers.WebSocketHandler
	audit       *handlers.AuditHandler
	auth        *middleware.AuthMiddleware
	rateLimiter *middleware.RateLimiter
	registry    *prometheus.Registry
	security    config.SecurityConfig
	health      map[string]func(context.Context) error
}

func setupRoutes(router *gin.Engine, d routeDeps) {
	router.GET("/health", middleware.HealthCheck(d.health))
	router.GET("/metrics",
		middleware.IPWhitelist(d.security.MetricsIPs),
		gin.WrapH(promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{Registry: d.registry})))

	router.GET("/ws/progress/:job_id", d.rateLimiter.RateLimit(), d.ws.StreamProgress)

	api := router.Group("/api/v1")
	api.Use(d.rateLimiter.RateLimit())
	{
		api.GET("/health", middleware.HealthCheck(nil))

		analysis := api.Group("/")
		analysis.Use(
			middleware.RequestSizeLimit(d.security.MaxRequestSize),
			middleware.InputValidation("application/json"),
			middleware.TimeoutHandler(d.security.RequestTimeout),
		)
		{
			analysis.POST("/analyze", d.analysis.Analyze)
			analysis.POST("/analyze-frames", d.analysis.AnalyzeFrames)
			analysis.POST("/analyze-async", d.analysis.AnalyzeAsync)
		}

		api.POST("/upload",
			d.rateLimiter.RateLimitWithConfig(1, 2),
			middleware.RequestSizeLimit(d.security.MaxUploadSize),
			middleware.InputValidation("multipart/form-data"),
			d.analysis.UploadVideo)

		api.GET("/progress/:job_id", d.analysis.GetProgress)
		api.GET("/results", d.analysis.GetResult)
		api.GET("/results/:id", d.analysis.GetResult)
		api.GET("/impact/emergency", d.analysis.EmergencyImpact)
		api.GET("/impact/accessibility", d.analysis.AccessibilityImpact)
		api.GET("/impact/climate", d.analysis.ClimateImpact)
		api.GET("/stats", d.analysis.GetStats)

		admin := api.Group("/admin")
		admin.Use(d.auth.RequireAuth())
		admin.Use(d.auth.RequireRole("admin"))
		{
			admin.GET("/audit", d.audit.ListEntries)
			admin.GET("/stats", d.analysis.GetStats)
			admin.GET("/rate-limit", func(c *gin.Context) {
				c.JSON(http.StatusOK, d.rateLimiter.GetGlobalStats())
			})
		}
	}
}

// Close releases everything the server owns. The processor goes first so no
// new audit entries arrive while the audit log drains.
func (s *Server) Close() {
	if err := s.processor.Shutdown(shutdownTimeout); err != nil {
		s.logger.Error("Failed to shutdown analysis processor", zap.Error(err))
	}
	if err := s.auditLog.Close(); err != nil {
		s.logger.Error("Failed to close audit log", zap.Error(err))
	}
	s.rateLimiter.Shutdown()
}

func analyzerConfig(cfg config.AnalysisConfig) analytics.Config {
	ac := analytics.DefaultConfig()
	ac.SmoothingWindow = cfg.SmoothingWindow
	ac.ConfThreshold = cfg.ConfThreshold
	ac.DefaultFPS = cfg.DefaultFPS
	return ac
}

func impactConfig(cfg config.AnalysisConfig) impact.Config {
	ic := impact.DefaultConfig()
	ic.DefaultFPS = cfg.DefaultFPS
	if cfg.RecentWindowFrames > 0 {
		ic.RecentWindowFrames = cfg.RecentWindowFrames
	}
	ic.Climate.EmissionFactor = cfg.EmissionFactor
	return ic
}
