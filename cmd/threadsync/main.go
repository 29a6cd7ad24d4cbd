package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/alexjbarnes/threadsync/cloud"
	"github.com/alexjbarnes/threadsync/internal/config"
	"github.com/alexjbarnes/threadsync/internal/logging"
	"github.com/alexjbarnes/threadsync/internal/state"
	"github.com/alexjbarnes/threadsync/internal/syncengine"
	"github.com/alexjbarnes/threadsync/internal/tree"
	"github.com/spf13/cobra"
)

var Version = "dev"

// requestTimeout bounds one REST call to the sync server.
const requestTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "threadsync",
		Short:         "Local-first conversation store with encrypted sync",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newDaemonCmd(),
		newServeCmd(),
		newSyncCmd(),
		newPushCmd(),
		newPullCmd(),
		newStatusCmd(),
		newPurgeRemoteCmd(),
		newListCmd(),
		newShowCmd(),
		newExportCmd(),
		newImportCmd(),
		newKeygenCmd(),
	)

	return root
}

// app is the client-side stack shared by the commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	state  *state.State
	store  *tree.Store

	// client, health and engine are nil when no sync server is configured.
	client *cloud.Client
	health *cloud.HealthChecker
	engine *syncengine.Engine
}

// loadConfig reads the environment and builds the logger. Long-running
// services log to stdout; one-shot commands keep stdout for their
// output and only log warnings to stderr.
func loadConfig(service bool) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	if service {
		return cfg, logging.NewFileLogger(cfg.Environment, cfg.LogFile), nil
	}

	return cfg, logging.NewCommandLogger(cfg.Environment, cfg.LogFile), nil
}

// openApp opens the local store and, when a server URL is configured,
// the sync engine over it.
func openApp(service bool) (*app, error) {
	cfg, logger, err := loadConfig(service)
	if err != nil {
		return nil, err
	}

	return newApp(cfg, logger)
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := state.LoadAt(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		state:  st,
		store:  tree.New(st, logger),
	}

	if cfg.SyncServerURL == "" {
		return a, nil
	}

	a.client = cloud.NewClient(cfg.SyncServerURL, cfg.SyncAPIToken, &http.Client{Timeout: requestTimeout})
	a.health = cloud.NewHealthChecker(a.client, cfg.SyncHealthTTL, logger)

	var opts []syncengine.Option

	if cfg.SyncFeed && cfg.SyncPassphrase != "" {
		syncID, err := cloud.SyncID(cfg.SyncPassphrase)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("deriving sync id: %w", err)
		}

		opts = append(opts, syncengine.WithFeed(cloud.NewFeed(a.client, syncID, logger)))
	}

	a.engine = syncengine.New(a.store, a.client, a.health, syncengine.Config{
		Enabled:        cfg.SyncEnabled,
		APIToken:       cfg.SyncAPIToken,
		Passphrase:     cfg.SyncPassphrase,
		Debounce:       cfg.SyncDebounce,
		HealthInterval: cfg.SyncHealthInterval,
		Strategy:       cfg.Strategy(),
		Schedule:       cfg.SyncSchedule,
	}, logger, opts...)

	return a, nil
}

// Close drops any push armed by this command's edits and closes the
// store.
func (a *app) Close() error {
	if a.engine != nil {
		a.engine.Stop()
	}

	return a.state.Close()
}

// requireEngine fails commands that need a sync server.
func (a *app) requireEngine() (*syncengine.Engine, error) {
	if a.engine == nil {
		return nil, fmt.Errorf("SYNC_SERVER_URL is not set")
	}

	return a.engine, nil
}

// withApp runs fn against an opened app and closes it afterwards.
func withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return runApp(false, fn)
}

func runApp(service bool, fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(service)
		if err != nil {
			return err
		}
		defer a.Close()

		return fn(cmd, a, args)
	}
}
