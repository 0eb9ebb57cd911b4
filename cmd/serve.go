package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/teemow/inboxmeet/internal/config"
	"github.com/teemow/inboxmeet/internal/instrumentation"
	"github.com/teemow/inboxmeet/internal/logging"
	"github.com/teemow/inboxmeet/internal/resources"
	"github.com/teemow/inboxmeet/internal/server"
	"github.com/teemow/inboxmeet/internal/tools/google_tools"
	"github.com/teemow/inboxmeet/internal/tools/meeting_tools"
)

type serveOptions struct {
	transport      string
	httpAddr       string
	pollInterval   time.Duration
	pollAccounts   string
	metricsEnabled bool
	metricsAddr    string
}

func newServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the Model Context Protocol (MCP) server to provide meeting negotiation
tools for AI assistants.

Supports multiple transport types:
  - stdio: Standard input/output (default)
  - streamable-http: Streamable HTTP transport with health endpoints

Inbox Polling:
  With --poll-interval greater than zero the server also scans the inbox of
  each account in --poll-accounts and feeds new messages to the engine.
  Accounts that are not yet authorized are retried on every interval.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			applyServeFlags(cmd, &cfg, &opts)
			return runServe(cfg, opts)
		},
	}

	cmd.Flags().StringVar(&opts.transport, "transport", "stdio", "Transport type: stdio or streamable-http")
	cmd.Flags().StringVar(&opts.httpAddr, "http-addr", ":8080", "HTTP server address (for streamable-http transport)")
	cmd.Flags().DurationVar(&opts.pollInterval, "poll-interval", 0, "Scan the inbox in the background at this interval; 0 disables polling. Can also use INBOXMEET_POLL_INTERVAL env var.")
	cmd.Flags().StringVar(&opts.pollAccounts, "poll-accounts", "", "Comma-separated accounts to poll (default: the configured account)")
	cmd.Flags().BoolVar(&opts.metricsEnabled, "metrics-enabled", true, "Enable the metrics server on a dedicated port. Can also use METRICS_ENABLED env var.")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", ":9090", "Metrics server address. Can also use METRICS_ADDR env var.")

	return cmd
}

// applyServeFlags lets explicitly set flags override the loaded configuration,
// and fills unset options from it.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config, opts *serveOptions) {
	if cmd.Flags().Changed("transport") {
		cfg.Server.Transport = opts.transport
	}
	if cmd.Flags().Changed("http-addr") {
		cfg.Server.HTTPAddr = opts.httpAddr
	}
	if cmd.Flags().Changed("metrics-enabled") {
		cfg.Server.MetricsEnabled = opts.metricsEnabled
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.Server.MetricsAddr = opts.metricsAddr
	}
	if !cmd.Flags().Changed("poll-interval") && os.Getenv("INBOXMEET_POLL_INTERVAL") != "" {
		opts.pollInterval = cfg.Inbox.PollInterval
	}

	opts.transport = cfg.Server.Transport
	opts.httpAddr = cfg.Server.HTTPAddr
	opts.metricsEnabled = cfg.Server.MetricsEnabled
	opts.metricsAddr = cfg.Server.MetricsAddr
}

func runServe(cfg config.Config, opts serveOptions) error {
	// Setup graceful shutdown
	shutdownCtx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stdio := opts.transport == "stdio"
	logger := newLogger()

	// Initialize instrumentation provider
	instrConfig := instrumentation.DefaultConfig()
	instrConfig.ServiceVersion = version

	provider, err := instrumentation.NewProvider(shutdownCtx, instrConfig)
	if err != nil {
		return fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil && !stdio {
			log.Printf("Error during instrumentation shutdown: %v", err)
		}
	}()

	serverContext, err := server.NewServerContext(shutdownCtx, cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create server context: %w", err)
	}
	defer func() {
		if err := serverContext.Shutdown(); err != nil && !stdio {
			log.Printf("Error during server context shutdown: %v", err)
		}
	}()

	// Set metrics and audit logger on server context for tool instrumentation
	if provider.Enabled() {
		serverContext.SetMetrics(provider.Metrics())
		serverContext.SetAuditLogger(instrumentation.NewAuditLogger(logger, instrConfig.Audit))
	}

	// Note: mcp.Implementation has Title field but WithTitle() ServerOption not available in v0.43.0
	mcpSrv := mcpserver.NewMCPServer("inboxmeet", version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(false, false), // Subscribe and listChanged
	)
	if err := registerAllTools(mcpSrv, serverContext); err != nil {
		return err
	}

	health := server.NewHealthChecker(serverContext)

	// The metrics server needs a scrapeable registry and a network transport.
	if !stdio && opts.metricsEnabled && provider.Handler() != nil {
		metricsServer, err := startMetricsServer(opts.metricsAddr, provider, health)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(ctx); err != nil {
				log.Printf("Error during metrics server shutdown: %v", err)
			}
		}()
	}

	if opts.pollInterval > 0 {
		accounts := parseCommaSeparatedList(opts.pollAccounts)
		if len(accounts) == 0 {
			accounts = []string{cfg.Account}
		}
		for _, name := range accounts {
			go pollAccount(shutdownCtx, serverContext, health, name, opts.pollInterval, logger)
		}
	}

	switch opts.transport {
	case "stdio":
		return runStdioServer(mcpSrv)
	case "streamable-http":
		return runStreamableHTTPServer(shutdownCtx, mcpSrv, serverContext, health, opts)
	default:
		return fmt.Errorf("unsupported transport type: %s (supported: stdio, streamable-http)", opts.transport)
	}
}

func startMetricsServer(addr string, provider *instrumentation.Provider, health *server.HealthChecker) (*server.MetricsServer, error) {
	metricsServer, err := server.NewMetricsServer(server.MetricsServerConfig{
		Addr:                    addr,
		InstrumentationProvider: provider,
		Health:                  health,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics server: %w", err)
	}

	// Use ready channel to confirm metrics server started successfully
	metricsReady := make(chan struct{})
	metricsErr := make(chan error, 1)
	go func() {
		if err := metricsServer.StartWithReadySignal(metricsReady); err != nil {
			metricsErr <- err
		}
		close(metricsErr)
	}()

	select {
	case <-metricsReady:
		log.Printf("Metrics server started on %s", metricsServer.Addr())
		return metricsServer, nil
	case err := <-metricsErr:
		return nil, fmt.Errorf("metrics server failed to start: %w", err)
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("metrics server startup timed out")
	}
}

// pollAccount runs the inbox poller for one account until ctx is done. An
// account that cannot be loaded yet is retried every interval.
func pollAccount(ctx context.Context, sc *server.ServerContext, health *server.HealthChecker, name string, interval time.Duration, logger *slog.Logger) {
	logger = logging.WithAccount(logger, name)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		acct, err := sc.AccountFor(name)
		if err == nil {
			cfg := sc.Config()
			server.NewPoller(acct, server.PollOptions{
				Query:         cfg.Inbox.Query,
				Max:           cfg.Inbox.MaxMessages,
				Concurrency:   cfg.Inbox.Concurrency,
				MarkProcessed: cfg.Inbox.MarkProcessed,
			}, server.WithPollLogger(logger), server.WithHealthChecker(health)).Run(ctx, interval)
			return
		}
		if errors.Is(err, server.ErrShutdown) {
			return
		}
		health.RecordPoll(0, err)
		logger.Warn("inbox poller waiting for account", logging.Err(err))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runStdioServer(mcpSrv *mcpserver.MCPServer) error {
	serverDone := make(chan error, 1)
	go func() {
		defer close(serverDone)
		if err := mcpserver.ServeStdio(mcpSrv); err != nil {
			serverDone <- err
		}
	}()

	err := <-serverDone
	if err != nil {
		return fmt.Errorf("server stopped with error: %w", err)
	}
	return nil
}

// registerAllTools registers all MCP tools and resources
func registerAllTools(mcpSrv *mcpserver.MCPServer, sc *server.ServerContext) error {
	type toolRegistration struct {
		name     string
		register func() error
	}

	registrations := []toolRegistration{
		{
			name: "Meeting Tools",
			register: func() error {
				return meeting_tools.RegisterMeetingTools(mcpSrv, sc)
			},
		},
		{
			name: "Google Tools",
			register: func() error {
				return google_tools.RegisterGoogleTools(mcpSrv, sc)
			},
		},
		{
			name: "Meeting Resources",
			register: func() error {
				return resources.RegisterMeetingResources(mcpSrv, sc)
			},
		},
	}

	for _, reg := range registrations {
		if err := reg.register(); err != nil {
			return fmt.Errorf("failed to register %s: %w", reg.name, err)
		}
	}

	return nil
}

func runStreamableHTTPServer(ctx context.Context, mcpSrv *mcpserver.MCPServer, sc *server.ServerContext, health *server.HealthChecker, opts serveOptions) error {
	httpServer := server.NewHTTPServer(mcpSrv, sc, health)

	fmt.Printf("Starting inboxmeet MCP server with streamable-http transport on %s\n", opts.httpAddr)
	fmt.Printf("  HTTP endpoint: %s\n", server.MCPEndpoint)
	fmt.Printf("  Health endpoints: /healthz, /readyz, /healthz/detailed\n")
	if opts.metricsEnabled {
		fmt.Printf("  Metrics endpoint: %s/metrics\n", opts.metricsAddr)
	}
	if opts.pollInterval > 0 {
		fmt.Printf("  Inbox polling: every %s\n", opts.pollInterval)
	}

	serverDone := make(chan error, 1)
	go func() {
		defer close(serverDone)
		if err := httpServer.Start(opts.httpAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverDone <- err
		}
	}()

	select {
	case <-ctx.Done():
		fmt.Println("Shutdown signal received, stopping HTTP server...")
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("error shutting down HTTP server: %w", err)
		}
	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("HTTP server stopped with error: %w", err)
		}
		fmt.Println("HTTP server stopped normally")
	}

	fmt.Println("HTTP server gracefully stopped")
	return nil
}

// parseCommaSeparatedList parses a comma-separated string into a slice,
// trimming whitespace from each element and filtering out empty strings.
// Returns nil if the input is empty or contains only whitespace/commas.
func parseCommaSeparatedList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
