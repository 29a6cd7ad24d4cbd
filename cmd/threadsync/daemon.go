package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/threadsync/internal/auth"
	"github.com/alexjbarnes/threadsync/internal/backup"
	"github.com/alexjbarnes/threadsync/internal/config"
	"github.com/alexjbarnes/threadsync/internal/mcpserver"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run background sync, the backup inbox and the MCP server",
		Long: `Run the long-lived client services configured in the environment:

  SYNC_ENABLED=true   debounced push, health monitor, SYNC_SCHEDULE and SYNC_FEED
  BACKUP_INBOX=dir    restore backup files dropped into dir
  ENABLE_MCP=true     serve MCP tools on MCP_LISTEN_ADDR`,
		Args: cobra.NoArgs,
		RunE: runApp(true, runDaemon),
	}
}

func runDaemon(cmd *cobra.Command, a *app, _ []string) error {
	a.logger.Info("threadsync starting",
		slog.String("version", Version),
		slog.Bool("sync", a.engine != nil && a.engine.Enabled()),
		slog.Bool("mcp", a.cfg.EnableMCP),
		slog.String("backup_inbox", a.cfg.BackupInbox),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if a.engine != nil {
		g.Go(func() error {
			return a.engine.Run(gctx)
		})
	}

	if a.cfg.BackupInbox != "" {
		inbox := backup.NewInbox(a.cfg.BackupInbox, a.store, a.logger.With(slog.String("service", "inbox")))

		g.Go(func() error {
			return ignoreCanceled(inbox.Watch(gctx))
		})
	}

	if a.cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, a)
		})
	}

	return g.Wait()
}

// runMCP serves the MCP tools over streamable HTTP until ctx is done.
// The endpoint accepts the same API keys as the sync server and is open
// when none are configured.
func runMCP(ctx context.Context, a *app) error {
	mcpLogger := a.logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "threadsync-mcp", Version: Version},
		nil,
	)

	var syncer mcpserver.Syncer
	if a.engine != nil {
		syncer = a.engine
	}

	mcpserver.RegisterTools(mcpServer, a.store, syncer, mcpLogger)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	keys, err := apiKeyStore(a.cfg, mcpLogger)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/mcp", auth.Middleware(keys, mcpLogger)(mcpHandler))

	server := &http.Server{
		Addr:         a.cfg.MCPListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", a.cfg.MCPListenAddr),
		slog.Bool("auth", keys.Enabled()),
	)

	return serveUntilDone(ctx, server, mcpLogger)
}

// apiKeyStore loads SERVER_API_KEYS into an auth store.
func apiKeyStore(cfg *config.Config, logger *slog.Logger) (*auth.Store, error) {
	entries, err := cfg.ParseServerAPIKeys()
	if err != nil {
		return nil, fmt.Errorf("parsing SERVER_API_KEYS: %w", err)
	}

	store := auth.NewStore(logger)
	for _, e := range entries {
		store.AddAPIKey(e.UserID, e.Key)
	}

	return store, nil
}

// serveUntilDone runs server until ctx is cancelled, then shuts it down
// gracefully.
func serveUntilDone(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	go func() {
		<-ctx.Done()
		logger.Info("shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", slog.String("error", err.Error()))
		}
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
