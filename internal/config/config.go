package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/alexjbarnes/threadsync/internal/auth"
	"github.com/alexjbarnes/threadsync/internal/conflict"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for threadsync.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// LogFile, when set, adds a rotating file sink next to stdout.
	LogFile string `env:"LOG_FILE"`

	// DBPath is the local document store. Defaults to ~/.threadsync/threadsync.db.
	DBPath string `env:"THREADSYNC_DB"`

	// Sync client settings.
	SyncEnabled        bool          `env:"SYNC_ENABLED" envDefault:"false"`
	SyncServerURL      string        `env:"SYNC_SERVER_URL"`
	SyncAPIToken       string        `env:"SYNC_API_TOKEN"`
	SyncPassphrase     string        `env:"SYNC_PASSPHRASE"`
	SyncDebounce       time.Duration `env:"SYNC_DEBOUNCE" envDefault:"5s"`
	SyncHealthTTL      time.Duration `env:"SYNC_HEALTH_TTL" envDefault:"5s"`
	SyncHealthInterval time.Duration `env:"SYNC_HEALTH_INTERVAL" envDefault:"30s"`
	SyncStrategy       string        `env:"SYNC_STRATEGY" envDefault:"TIMESTAMP"`

	// SyncSchedule is a cron expression for periodic conflict-aware sync.
	// Empty disables the schedule.
	SyncSchedule string `env:"SYNC_SCHEDULE"`

	// SyncFeed subscribes to the server's websocket change feed.
	SyncFeed bool `env:"SYNC_FEED" envDefault:"false"`

	// BackupInbox is a directory watched for backup files to restore.
	BackupInbox string `env:"BACKUP_INBOX"`

	// MCP server settings.
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:"127.0.0.1:8090"`

	// Reference sync server settings (threadsync serve).
	ServerListenAddr string  `env:"SERVER_LISTEN_ADDR" envDefault:":8080"`
	ServerDBPath     string  `env:"SERVER_DB"`
	ServerAPIKeys    string  `env:"SERVER_API_KEYS"`
	ServerRateLimit  float64 `env:"SERVER_RATE_LIMIT" envDefault:"10"`
	ServerRateBurst  int     `env:"SERVER_RATE_BURST" envDefault:"20"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the sync passphrase to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DBPath == "" {
		path, err := defaultPath("threadsync.db")
		if err != nil {
			return nil, err
		}

		cfg.DBPath = path
	}

	if cfg.ServerDBPath == "" {
		path, err := defaultPath("server.db")
		if err != nil {
			return nil, err
		}

		cfg.ServerDBPath = path
	}

	cfg.SyncServerURL = strings.TrimRight(cfg.SyncServerURL, "/")
	cfg.SyncStrategy = strings.ToUpper(strings.TrimSpace(cfg.SyncStrategy))

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.SyncEnabled {
		if c.SyncServerURL == "" {
			return fmt.Errorf("SYNC_SERVER_URL is required when sync is enabled")
		}

		if c.SyncPassphrase == "" {
			return fmt.Errorf("SYNC_PASSPHRASE is required when sync is enabled")
		}
	}

	if _, err := conflict.ParseStrategy(c.SyncStrategy); err != nil {
		return fmt.Errorf("SYNC_STRATEGY: %w", err)
	}

	if c.SyncDebounce <= 0 {
		return fmt.Errorf("SYNC_DEBOUNCE must be positive")
	}

	if c.SyncSchedule != "" && !gronx.IsValid(c.SyncSchedule) {
		return fmt.Errorf("SYNC_SCHEDULE is not a valid cron expression: %q", c.SyncSchedule)
	}

	if c.ServerRateLimit <= 0 || c.ServerRateBurst <= 0 {
		return fmt.Errorf("SERVER_RATE_LIMIT and SERVER_RATE_BURST must be positive")
	}

	return nil
}

// Strategy returns the parsed conflict strategy. validate has already
// rejected unknown values.
func (c *Config) Strategy() conflict.Strategy {
	s, _ := conflict.ParseStrategy(c.SyncStrategy)
	return s
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// APIKeyEntry holds a pre-configured API key and its associated user
// identity parsed from SERVER_API_KEYS.
type APIKeyEntry struct {
	UserID string
	Key    string
}

// ParseServerAPIKeys parses the SERVER_API_KEYS string.
// Format: "user1:ts_key1,user2:ts_key2"
func (c *Config) ParseServerAPIKeys() ([]APIKeyEntry, error) {
	if c.ServerAPIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.ServerAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		key := pair[idx+1:]
		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(key, auth.APIKeyPrefix) {
			return nil, fmt.Errorf("API key must start with %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if len(key) < auth.APIKeyMinLen {
			return nil, fmt.Errorf("API key too short in entry %d (minimum %d characters)", len(entries)+1, auth.APIKeyMinLen)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in SERVER_API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, APIKeyEntry{UserID: userID, Key: key})
	}

	return entries, nil
}

func defaultPath(name string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".threadsync", name), nil
}
