package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/sylvie/workspace-broker/internal/accounts"
	"github.com/sylvie/workspace-broker/internal/broker"
	"github.com/sylvie/workspace-broker/internal/capability"
	"github.com/sylvie/workspace-broker/internal/config"
	"github.com/sylvie/workspace-broker/internal/google"
	"github.com/sylvie/workspace-broker/internal/instrumentation"
	"github.com/sylvie/workspace-broker/internal/logging"
	"github.com/sylvie/workspace-broker/internal/server"
	"github.com/sylvie/workspace-broker/internal/servicecache"
	"github.com/sylvie/workspace-broker/internal/storage"
	"github.com/sylvie/workspace-broker/internal/token"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		transport  string
		httpAddr   string
		readOnly   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server",
		Long: `Starts the broker as an MCP server.

Transports:
  stdio            For direct integration with AI assistants (default)
  streamable-http  HTTP transport with per-session account isolation`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("http-addr") {
				cfg.Server.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("read-only") {
				cfg.Server.ReadOnly = readOnly
			}
			return runServe(cmd.Context(), cfg, transport)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to the YAML config file")
	cmd.Flags().StringVarP(&transport, "transport", "t", "stdio", "Transport type (stdio or streamable-http)")
	cmd.Flags().StringVar(&httpAddr, "http-addr", server.DefaultHTTPAddr, "Address for the streamable-http transport")
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "Register only read tools (no gmail_send)")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, transport string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format == "json")
	slog.SetDefault(logger)

	instrConfig := instrumentation.DefaultConfig()
	provider, err := instrumentation.NewProvider(ctx, instrConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Error("instrumentation shutdown failed", logging.Err(err))
		}
	}()

	var metricsServer *server.MetricsServer
	if provider.Enabled() {
		metricsServer, err = server.NewMetricsServer(provider, cfg.Server.MetricsAddr, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := metricsServer.Start(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", logging.Err(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics server shutdown failed", logging.Err(err))
			}
		}()
	}

	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("database close failed", logging.Err(err))
		}
	}()

	registry := capability.NewGoogleRegistry()

	oauthConf := google.OAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL, nil)
	tokens := token.NewStore(db.Credentials(), google.NewRefresher(oauthConf),
		token.WithSafetyMargin(cfg.Broker.RefreshMargin),
		token.WithRefreshTimeout(cfg.Broker.RefreshTimeout),
		token.WithLogger(logger),
		token.WithMetrics(provider.Metrics()),
	)

	cache := servicecache.New(registry, tokens, google.Factories(),
		servicecache.WithTTL(cfg.Broker.HandleTTL),
		servicecache.WithSweepInterval(cfg.Broker.SweepInterval),
		servicecache.WithLogger(logger),
		servicecache.WithMetrics(provider.Metrics()),
	)
	defer cache.Close()

	// Unlinking an account drops its cached handles and credential.
	resolver := accounts.NewResolver(db.Links(),
		accounts.WithResolverLogger(logger),
		accounts.OnUnlink(accounts.UnlinkerFunc(func(ctx context.Context, accountID string) {
			cache.InvalidateAccount(accountID)
			if err := db.Credentials().Delete(ctx, accountID); err != nil {
				logger.Error("failed to delete credential for unlinked account",
					logging.Account(accountID), logging.Err(err))
			}
		})),
	)

	b := broker.New(registry, resolver, cache,
		broker.WithLogger(logger),
		broker.WithMetrics(provider.Metrics()),
	)

	mcpSrv := mcpserver.NewMCPServer("workspace-broker", version,
		mcpserver.WithToolCapabilities(true),
	)
	server.NewTools(b, logger).Register(mcpSrv, cfg.Server.ReadOnly)

	switch transport {
	case "stdio":
		return runStdioServer(mcpSrv)
	case "streamable-http":
		return runHTTPServer(ctx, mcpSrv, cfg, logger)
	default:
		return fmt.Errorf("unsupported transport type: %s (supported: stdio, streamable-http)", transport)
	}
}

func runStdioServer(mcpSrv *mcpserver.MCPServer) error {
	if err := mcpserver.ServeStdio(mcpSrv); err != nil {
		return fmt.Errorf("server stopped with error: %w", err)
	}
	return nil
}

func runHTTPServer(ctx context.Context, mcpSrv *mcpserver.MCPServer, cfg *config.Config, logger *slog.Logger) error {
	sessions := server.NewSessionManager(cfg.Server.SessionTimeout, logger)
	health := server.NewHealthChecker()
	httpSrv := server.NewHTTPServer(mcpSrv, sessions, health, cfg.Server.HTTPAddr, logger)

	serverDone := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil && err != http.ErrServerClosed {
			serverDone <- err
		}
		close(serverDone)
	}()

	select {
	case err := <-serverDone:
		return err
	case <-ctx.Done():
	}

	health.SetDraining()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
