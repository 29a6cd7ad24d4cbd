// Package syncengine pushes and pulls the local conversation store to a
// sync server: debounced snapshot pushes, snapshot pulls, conflict-aware
// per-data-type sync and the background loops that trigger them.
package syncengine

//go:generate mockgen -source=engine.go -destination=mock_engine_test.go -package=syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/threadsync/cloud"
	"github.com/alexjbarnes/threadsync/internal/conflict"
	apperr "github.com/alexjbarnes/threadsync/internal/errors"
	"github.com/alexjbarnes/threadsync/internal/models"
	"github.com/alexjbarnes/threadsync/internal/tree"
)

const (
	// defaultDebounce coalesces bursts of store mutations into one push.
	defaultDebounce = 5 * time.Second

	// defaultHealthInterval is how often the monitor loop probes the
	// server while sync is enabled.
	defaultHealthInterval = 30 * time.Second
)

// API is the part of the sync server protocol the engine uses.
// *cloud.Client satisfies it.
type API interface {
	Upload(ctx context.Context, req cloud.UploadRequest) (int64, error)
	Download(ctx context.Context, userID, dataType string, sinceVersion int64) ([]cloud.Row, error)
	Delete(ctx context.Context, userID, dataType string) error
	GetSnapshot(ctx context.Context, syncID string) (*cloud.Snapshot, error)
	PutSnapshot(ctx context.Context, snap cloud.Snapshot) error
}

// HealthCheck reports server availability. *cloud.HealthChecker
// satisfies it.
type HealthCheck interface {
	Check(ctx context.Context, force bool) error
}

// ChangeFeed delivers server-side change notifications. *cloud.Feed
// satisfies it.
type ChangeFeed interface {
	Listen(ctx context.Context, onEvent func(cloud.ChangeEvent)) error
}

// Config holds the engine settings.
type Config struct {
	Enabled        bool
	APIToken       string
	Passphrase     string
	Debounce       time.Duration
	HealthInterval time.Duration
	Strategy       conflict.Strategy

	// Schedule is a cron expression for periodic conflict-aware sync.
	Schedule string
}

// Engine owns every sync operation for one local store.
type Engine struct {
	store  *tree.Store
	api    API
	health HealthCheck
	feed   ChangeFeed
	logger *slog.Logger
	cfg    Config
	now    func() time.Time

	enabled  atomic.Bool
	inFlight atomic.Bool

	cipherOnce sync.Once
	cipher     *cloud.Cipher
	cipherErr  error

	// lastVersion keeps upload versions strictly increasing within the
	// process even if the wall clock steps back.
	versionMu   sync.Mutex
	lastVersion int64

	debounceMu sync.Mutex
	pushTimer  *time.Timer
	pullTimer  *time.Timer
	baseCtx    context.Context
}

// Option configures an Engine.
type Option func(*Engine)

// WithFeed subscribes the engine to a server change feed in Run.
func WithFeed(f ChangeFeed) Option {
	return func(e *Engine) { e.feed = f }
}

// WithClock overrides the clock used for versions and status times.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine for store and registers its debounced push as a
// store observer. Only local edits schedule a push; writes applied from
// the server do not echo back.
func New(store *tree.Store, api API, health HealthCheck, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}

	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}

	if cfg.Strategy == "" {
		cfg.Strategy = conflict.StrategyTimestamp
	}

	e := &Engine{
		store:   store,
		api:     api,
		health:  health,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
		baseCtx: context.Background(),
	}

	for _, o := range opts {
		o(e)
	}

	e.enabled.Store(cfg.Enabled)

	store.Observe(func(c tree.Change) {
		if c.Origin == tree.OriginLocal {
			e.SchedulePush()
		}
	})

	return e
}

// SetEnabled turns sync on or off and records it in the sync settings.
func (e *Engine) SetEnabled(on bool) error {
	e.enabled.Store(on)

	if !on {
		e.Stop()
	}

	return e.store.State().UpdateSyncSettings(func(ss *models.SyncSettings) {
		ss.Enabled = on
	})
}

// Enabled reports whether sync is turned on.
func (e *Engine) Enabled() bool { return e.enabled.Load() }

// Status returns the persisted sync settings.
func (e *Engine) Status() (models.SyncSettings, error) {
	return e.store.State().SyncSettings()
}

// ready reports whether the sync preconditions hold: enabled, an API
// token and a passphrase.
func (e *Engine) ready() bool {
	return e.enabled.Load() && e.cfg.APIToken != "" && e.cfg.Passphrase != ""
}

// crypto derives the cipher on first use.
func (e *Engine) crypto() (*cloud.Cipher, error) {
	e.cipherOnce.Do(func() {
		e.cipher, e.cipherErr = cloud.CipherFor(e.cfg.Passphrase)
	})

	return e.cipher, e.cipherErr
}

// SyncID returns the passphrase-derived wire user id.
func (e *Engine) SyncID() (string, error) {
	c, err := e.crypto()
	if err != nil {
		return "", err
	}

	return c.SyncID(), nil
}

// nextVersion returns the wall clock in milliseconds, bumped past the
// previous version when needed.
func (e *Engine) nextVersion() int64 {
	e.versionMu.Lock()
	defer e.versionMu.Unlock()

	v := max(e.now().UnixMilli(), e.lastVersion+1)
	e.lastVersion = v

	return v
}

// --- Cycle bookkeeping ---

// cycle is one claimed run of a sync operation.
type cycle struct {
	e     *Engine
	op    string
	start time.Time
}

// begin claims the in-flight flag and moves the status to syncing. An
// error status from a previous cycle is cleared here.
func (e *Engine) begin(op string) (*cycle, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return nil, apperr.ErrSyncInProgress
	}

	if err := e.setStatus(models.SyncSyncing, ""); err != nil {
		e.inFlight.Store(false)
		return nil, err
	}

	return &cycle{e: e, op: op, start: e.now()}, nil
}

// end records the outcome of the cycle and releases the flag.
func (c *cycle) end(err error) {
	e := c.e
	defer e.inFlight.Store(false)

	if err != nil {
		e.logger.Error("sync failed",
			slog.String("op", c.op),
			slog.String("error", err.Error()),
		)

		if serr := e.setStatus(models.SyncError, err.Error()); serr != nil {
			e.logger.Warn("recording sync status", slog.String("error", serr.Error()))
		}

		return
	}

	e.logger.Info("sync complete",
		slog.String("op", c.op),
		slog.Duration("elapsed", e.now().Sub(c.start)),
	)

	if serr := e.store.State().UpdateSyncSettings(func(ss *models.SyncSettings) {
		ss.Status = models.SyncSuccess
		ss.LastError = ""
		ss.LastSyncTime = e.now().UnixMilli()
	}); serr != nil {
		e.logger.Warn("recording sync status", slog.String("error", serr.Error()))
	}
}

// abort returns the status to idle without recording a sync time.
func (c *cycle) abort() {
	defer c.e.inFlight.Store(false)

	if err := c.e.setStatus(models.SyncIdle, ""); err != nil {
		c.e.logger.Warn("recording sync status", slog.String("error", err.Error()))
	}
}

func (e *Engine) setStatus(status models.SyncStatus, lastError string) error {
	return e.store.State().UpdateSyncSettings(func(ss *models.SyncSettings) {
		ss.Status = status
		ss.LastError = lastError
	})
}

// checkHealth fails fast on an unhealthy server. Without force a cached
// result younger than the health TTL is reused.
func (e *Engine) checkHealth(ctx context.Context, force bool) error {
	if e.health == nil {
		return nil
	}

	if err := e.health.Check(ctx, force); err != nil {
		return fmt.Errorf("pre-sync health check: %w", err)
	}

	return nil
}

// --- Debounce ---

// SchedulePush arms the debounced snapshot push. Calls within the
// debounce window reset the timer so a burst produces one push.
func (e *Engine) SchedulePush() {
	if !e.ready() {
		return
	}

	e.debounceMu.Lock()
	defer e.debounceMu.Unlock()

	if e.pushTimer != nil {
		e.pushTimer.Stop()
	}

	ctx := e.baseCtx
	e.pushTimer = time.AfterFunc(e.cfg.Debounce, func() {
		if err := e.SyncToCloud(ctx); err != nil && !errors.Is(err, apperr.ErrSyncInProgress) {
			e.logger.Warn("debounced push failed", slog.String("error", err.Error()))
		}
	})
}

// scheduleResolve arms a debounced conflict-aware sync, used when the
// server reports a change from another device.
func (e *Engine) scheduleResolve() {
	if !e.ready() {
		return
	}

	e.debounceMu.Lock()
	defer e.debounceMu.Unlock()

	if e.pullTimer != nil {
		e.pullTimer.Stop()
	}

	ctx := e.baseCtx
	e.pullTimer = time.AfterFunc(e.cfg.Debounce, func() {
		e.runResolve(ctx, "remote change")
	})
}

// Stop cancels pending debounced pushes and pulls.
func (e *Engine) Stop() {
	e.debounceMu.Lock()
	defer e.debounceMu.Unlock()

	if e.pushTimer != nil {
		e.pushTimer.Stop()
		e.pushTimer = nil
	}

	if e.pullTimer != nil {
		e.pullTimer.Stop()
		e.pullTimer = nil
	}
}

// runResolve runs a conflict-aware sync with the configured strategy and
// logs the outcome.
func (e *Engine) runResolve(ctx context.Context, reason string) {
	res, err := e.SyncWithConflictResolution(ctx, e.cfg.Strategy)
	switch {
	case errors.Is(err, apperr.ErrSyncInProgress):
		e.logger.Debug("sync already running, skipping", slog.String("reason", reason))
	case err != nil:
		e.logger.Warn("conflict-aware sync failed",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
	case res != nil && res.Aborted:
		e.logger.Warn("sync needs manual conflict resolution",
			slog.String("reason", reason),
			slog.Int("conflicts", len(res.Conflicts)),
		)
	}
}
