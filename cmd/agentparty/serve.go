package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Cstolworthy/AgentParty/internal/api"
	"github.com/Cstolworthy/AgentParty/internal/auth"
	"github.com/Cstolworthy/AgentParty/internal/config"
	"github.com/Cstolworthy/AgentParty/internal/definitions"
	"github.com/Cstolworthy/AgentParty/internal/logging"
	"github.com/Cstolworthy/AgentParty/internal/mcp"
	"github.com/Cstolworthy/AgentParty/internal/observability"
	"github.com/Cstolworthy/AgentParty/internal/repository"
	"github.com/Cstolworthy/AgentParty/internal/services"
	"github.com/Cstolworthy/AgentParty/internal/tls"
	"github.com/Cstolworthy/AgentParty/internal/workflow"
)

func newServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the REST and MCP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"store", cfg.Store.Driver,
		"okta_domain", cfg.Auth.OktaDomain,
		"dev_mode_bypass", cfg.DevModeBypass,
	)
	logger.Info("Starting AgentParty", "version", version)

	// Definitions
	defs := definitions.NewStore(definitionDirs(cfg), logger)
	if _, err := defs.Load(); err != nil {
		return fmt.Errorf("failed to load definitions: %w", err)
	}
	if cfg.Definitions.Watch {
		watcher, err := definitions.NewWatcher(defs, logger, 250*time.Millisecond)
		if err != nil {
			return fmt.Errorf("failed to watch definitions: %w", err)
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Definition watcher stopped", "error", err)
			}
		}()
		logger.Info("Watching definitions for changes")
	}

	// Instance store
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	go runJanitor(ctx, store, cfg.Session.CleanupInterval, logger)

	// Metrics
	var metrics *observability.WorkflowMetrics
	if cfg.Metrics.Enabled {
		metrics, err = observability.NewWorkflowMetrics()
		if err != nil {
			return err
		}
		defer func() { _ = metrics.Shutdown(context.Background()) }()
	}

	// Service layer
	workflowService, err := newWorkflowService(cfg, defs, store, metrics, logger)
	if err != nil {
		return err
	}
	logger.Info("Service layer initialized")

	// Create Echo server
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("agentparty"))

	// Initialize authentication
	authz, err := auth.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}

	// Register auth handlers
	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	e.GET("/healthz", api.NewHandler(version, store).HandleHealth)
	if metrics != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(metrics.Handler()))
	}

	// Mount REST API handlers
	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
	api.RegisterHandlers(apiGroup, api.NewServer(defs, workflowService))

	logger.Info("REST API handlers mounted")

	// Mount MCP protocol handlers
	mcpServer := mcp.NewServer(workflowService, defs, version)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	mcpHandler := echo.WrapHandler(authz.RequireAuth(mcpHandlers))
	e.Any("/mcp", mcpHandler)
	e.Any("/mcp/*", mcpHandler)

	logger.Info("MCP protocol handlers mounted")

	// expose OpenAPI spec (with runtime substitution) and Swagger UI
	e.GET("/openapi.yaml", echo.WrapHandler(api.SpecHandler(cfg.Auth.OktaDomain)))
	e.GET("/docs", echo.WrapHandler(api.SwaggerHandler(cfg.Auth.SwaggerClientID)))
	e.GET("/docs/oauth2-redirect.html", echo.WrapHandler(api.OAuth2RedirectHandler()))

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown handling
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", server.Addr, "tls", cfg.TLS.Enable)
		if !cfg.TLS.Enable {
			serverErrors <- server.ListenAndServe()
			return
		}
		if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
			serverErrors <- errors.New("TLS enabled but cert/key file not provided")
			return
		}
		// generate a development certificate if missing and hostnames provided
		if _, err := os.Stat(cfg.TLS.CertFile); os.IsNotExist(err) && len(cfg.TLS.Hostnames) > 0 {
			if err := tls.GenerateSelfSignedCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames); err != nil {
				serverErrors <- fmt.Errorf("failed to generate self-signed cert: %w", err)
				return
			}
			logger.Warn("Generated self-signed certificate", "cert_file", cfg.TLS.CertFile, "hostnames", cfg.TLS.Hostnames)
		}
		serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}

		logger.Info("Server stopped gracefully")
		return nil
	}
}

// newWorkflowService wires the reviewer sidecar, budget and metrics into the
// service layer. metrics may be nil.
func newWorkflowService(cfg *config.Config, catalog services.Catalog, store repository.InstanceStore, metrics *observability.WorkflowMetrics, logger *logging.Logger) (*services.WorkflowService, error) {
	budget, err := services.NewBudgetTracker(services.BudgetConfig{
		LimitUSD:         cfg.Budget.DefaultUSD,
		WarningThreshold: cfg.Budget.WarningThreshold,
		ResetPeriod:      cfg.Budget.ResetPeriod,
	}, logger, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid budget configuration: %w", err)
	}
	opts := []services.Option{services.WithBudget(budget)}
	if metrics != nil {
		opts = append(opts, services.WithMetrics(metrics))
	}

	var reviewer services.Reviewer
	if cfg.Reviewer.URL != "" {
		invoker := services.NewHTTPReviewer(cfg.Reviewer.URL, cfg.Reviewer.Timeout)
		reviewer = invoker
		opts = append(opts, services.WithConsultant(invoker))
	} else {
		logger.Warn("No reviewer URL configured; request_review and get_agent_guidance are disabled")
	}
	return services.NewWorkflowService(catalog, store, workflow.NewEngine(), reviewer, logger, opts...), nil
}

// openStore builds the configured instance store and returns its release
// func.
func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (repository.InstanceStore, func(), error) {
	switch cfg.Store.Driver {
	case "", "memory":
		logger.Info("Using in-memory instance store", "ttl", cfg.Session.TTL)
		return repository.NewMemoryInstanceStore(cfg.Session.TTL), func() {}, nil
	case "postgres":
		pool, err := initDatabase(ctx, cfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("database initialization failed: %w", err)
		}
		store := repository.NewPostgresInstanceStore(pool, cfg.Session.TTL)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to migrate: %w", err)
		}
		logger.Info("Database connected", "ttl", cfg.Session.TTL)
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// runJanitor evicts expired instances until ctx is done.
func runJanitor(ctx context.Context, store repository.InstanceStore, interval time.Duration, logger *logging.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := store.DeleteExpired(ctx, now)
			if err != nil {
				logger.Error("Failed to evict expired instances", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("Evicted expired instances", "count", n)
			}
		}
	}
}
