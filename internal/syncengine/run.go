package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"github.com/alexjbarnes/threadsync/cloud"
	apperr "github.com/alexjbarnes/threadsync/internal/errors"
	"github.com/alexjbarnes/threadsync/internal/models"
	"golang.org/x/sync/errgroup"
)

// Run drives the background side of sync until ctx is done: the health
// monitor, the cron schedule when configured and the change feed when
// one was supplied. Debounced pushes armed while Run is active are
// cancelled with ctx.
func (e *Engine) Run(ctx context.Context) error {
	e.debounceMu.Lock()
	e.baseCtx = ctx
	e.debounceMu.Unlock()

	defer e.Stop()

	if err := e.store.State().UpdateSyncSettings(func(ss *models.SyncSettings) {
		ss.Enabled = e.enabled.Load()
		ss.Strategy = string(e.cfg.Strategy)

		// A cycle cut short by a crash leaves syncing behind.
		if ss.Status == models.SyncSyncing {
			ss.Status = models.SyncIdle
		}
	}); err != nil {
		return fmt.Errorf("recording sync settings: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.monitor(ctx) })

	if e.cfg.Schedule != "" {
		g.Go(func() error { return e.schedule(ctx) })
	}

	if e.feed != nil {
		g.Go(func() error { return e.listen(ctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// monitor probes server health on every tick while sync is enabled and
// keeps the status current: an unreachable server is recorded as an
// error, and that error is cleared once the server answers again.
func (e *Engine) monitor(ctx context.Context) error {
	if e.health == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(e.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		if e.ready() && !e.inFlight.Load() {
			e.probe(ctx)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) probe(ctx context.Context) {
	err := e.health.Check(ctx, true)
	if ctx.Err() != nil {
		return
	}

	ss, serr := e.store.State().SyncSettings()
	if serr != nil {
		e.logger.Warn("reading sync status", slog.String("error", serr.Error()))
		return
	}

	switch {
	case err != nil && ss.Status != models.SyncError:
		e.logger.Warn("sync server unreachable", slog.String("error", err.Error()))
		serr = e.setStatus(models.SyncError, apperr.ErrServerUnavailable.Error())
	case err == nil && ss.Status == models.SyncError && ss.LastError == apperr.ErrServerUnavailable.Error():
		e.logger.Info("sync server reachable again")
		serr = e.setStatus(models.SyncIdle, "")
	}

	if serr != nil {
		e.logger.Warn("recording sync status", slog.String("error", serr.Error()))
	}
}

// schedule runs a conflict-aware sync at every tick of the cron
// expression.
func (e *Engine) schedule(ctx context.Context) error {
	for {
		now := e.now()

		next, err := gronx.NextTickAfter(e.cfg.Schedule, now, false)
		if err != nil {
			return fmt.Errorf("computing next sync for %q: %w", e.cfg.Schedule, err)
		}

		e.logger.Debug("next scheduled sync", slog.Time("at", next))

		timer := time.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if e.ready() {
			e.runResolve(ctx, "schedule")
		}
	}
}

// listen arms a debounced conflict-aware sync whenever another device
// uploads. Events at or below our own watermark are our uploads echoed
// back.
func (e *Engine) listen(ctx context.Context) error {
	return e.feed.Listen(ctx, func(ev cloud.ChangeEvent) {
		mark, err := e.Watermark(ev.DataType)
		if err != nil {
			e.logger.Warn("reading watermark", slog.String("error", err.Error()))
			return
		}

		if ev.Version <= mark {
			return
		}

		e.logger.Debug("remote change",
			slog.String("data_type", ev.DataType),
			slog.Int64("version", ev.Version),
		)

		e.scheduleResolve()
	})
}
