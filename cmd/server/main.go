package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-digital-credentials/internal/api"
	"github.com/sirosfoundation/go-digital-credentials/internal/backend"
	"github.com/sirosfoundation/go-digital-credentials/internal/dcflow"
	"github.com/sirosfoundation/go-digital-credentials/internal/domain"
	"github.com/sirosfoundation/go-digital-credentials/internal/metrics"
	"github.com/sirosfoundation/go-digital-credentials/internal/mock"
	"github.com/sirosfoundation/go-digital-credentials/internal/session"
	"github.com/sirosfoundation/go-digital-credentials/internal/templates"
	"github.com/sirosfoundation/go-digital-credentials/internal/websocket"
	"github.com/sirosfoundation/go-digital-credentials/pkg/config"
	"github.com/sirosfoundation/go-digital-credentials/pkg/logging"
	"github.com/sirosfoundation/go-digital-credentials/pkg/middleware"
)

var (
	configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")
	version    = "dev"
	buildTime  = "unknown"
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting Digital Credentials Server",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("verifier", cfg.Verifier.BaseURL),
	)

	// Initialize flow history storage
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := backend.New(ctx, cfg)
	cancel()
	if err != nil {
		logger.Fatal("Failed to initialize storage backend", zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	logger.Info("Storage backend initialized", zap.String("type", cfg.Storage.Type))

	// Ping storage to verify connection
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		logger.Fatal("Failed to ping storage", zap.Error(err))
	}

	registry, err := backend.NewRegistry(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize session registry", zap.Error(err))
	}
	defer func() { _ = registry.Close() }()

	logger.Info("Session registry initialized", zap.String("type", cfg.SessionRegistry.Type))

	deps, err := buildDeps(cfg, store, registry, logger)
	if err != nil {
		logger.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer deps.Bridge.Close()

	handlers := api.NewHandlers(*deps, logger)
	router := setupRouter(cfg, handlers, deps.Flag, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * cfg.Verifier.VerifierTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Server listening",
			zap.String("address", cfg.Server.Address()),
			zap.Bool("mock", deps.Flag.Enabled()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := handlers.Close(ctx); err != nil {
		logger.Warn("Background flows did not finish", zap.Error(err))
	}

	logger.Info("Server exited")
}

// buildDeps wires the verifier clients, the mock substrate and the browser bridge
func buildDeps(cfg *config.Config, store backend.Backend, registry session.Registry, logger *zap.Logger) (*api.Deps, error) {
	fixtures, err := mock.LoadFixtures(cfg.Mock.FixturesDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load fixtures: %w", err)
	}

	mockFlag, err := mock.NewFlag(cfg.Mock.FlagFile, cfg.Mock.Enabled, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mock flag: %w", err)
	}

	transport := mock.NewTransport(fixtures, http.DefaultTransport, mockFlag, logger)
	httpClient := &http.Client{
		Transport: transport,
		Timeout:   cfg.Verifier.VerifierTimeout(),
	}

	m := metrics.New()
	tmpl := templates.NewStore(cfg.Templates.ConfigDir, logger)

	clients := make(map[domain.Protocol]*dcflow.Client)
	policies := map[domain.Protocol]config.PollConfig{
		domain.ProtocolStandard: cfg.Verifier.Standard,
		domain.ProtocolAnnexC:   cfg.Verifier.AnnexC,
	}
	for protocol, poll := range policies {
		strategy, err := dcflow.NewStrategy(protocol, cfg.Verifier.RequestFallbacks)
		if err != nil {
			return nil, err
		}
		clients[protocol] = dcflow.NewClient(dcflow.ClientOptions{
			BaseURL:    cfg.Verifier.BaseURL,
			Strategy:   strategy,
			HTTPClient: httpClient,
			Templates:  tmpl,
			Registry:   registry,
			Poll:       dcflow.PollPolicy{Interval: poll.Interval(), MaxAttempts: poll.MaxAttempts},
			Origin:     cfg.Verifier.Origin,
			Metrics:    m,
			Logger:     logger,
		})
	}

	bridge := websocket.NewManager(websocket.Options{AllowedOrigins: cfg.Server.CORSOrigins}, logger)

	return &api.Deps{
		Config:     cfg,
		Clients:    clients,
		Templates:  tmpl,
		Discoverer: templates.NewDiscoverer(cfg.Verifier.BaseURL, httpClient, logger),
		Flag:       mockFlag,
		Fixtures:   fixtures,
		Bridge:     bridge,
		Flows:      store.Flows(),
		Health:     store,
		Metrics:    m,
	}, nil
}

func setupRouter(cfg *config.Config, handlers *api.Handlers, mockFlag *mock.Flag, logger *zap.Logger) *gin.Engine {
	// Set Gin mode
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.AllowedHosts(cfg.Server.AllowedHosts, logger))
	router.Use(cors.New(corsConfig(cfg.Server.CORSOrigins)))
	router.Use(middleware.MockMode(mockFlag, logger))

	var sessionLimit gin.HandlerFunc
	if cfg.RateLimit.Enabled {
		sessionLimit = middleware.RateLimitMiddleware(middleware.NewRateLimiter(cfg.RateLimit, logger))
	}
	handlers.Register(router, sessionLimit)

	return router
}

func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Content-Type", "Accept", "Origin", mock.Header, dcflow.RequestIDHeader},
		ExposeHeaders: []string{api.SessionIDHeader, "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
		c.AllowCredentials = true
	}
	return c
}
