package main

import (
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/threadsync/internal/server"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the reference sync server",
		Long: `Run the sync server on SERVER_LISTEN_ADDR, storing encrypted payloads
in SERVER_DB. Requests must carry one of SERVER_API_KEYS as a Bearer
token; with no keys configured the server is open.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(true)
	if err != nil {
		return err
	}

	logger = logger.With(slog.String("service", "server"))

	keys, err := apiKeyStore(cfg, logger)
	if err != nil {
		return err
	}

	store, err := server.OpenStore(cfg.ServerDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	srv := server.New(server.Config{
		Store:     store,
		Auth:      keys,
		Logger:    logger,
		RateLimit: cfg.ServerRateLimit,
		RateBurst: cfg.ServerRateBurst,
	})

	// No write timeout: the change feed holds websocket connections open.
	httpServer := &http.Server{
		Addr:              cfg.ServerListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting sync server",
		slog.String("version", Version),
		slog.String("listen", cfg.ServerListenAddr),
		slog.String("db", cfg.ServerDBPath),
		slog.Bool("auth", keys.Enabled()),
	)

	return serveUntilDone(ctx, httpServer, logger)
}
