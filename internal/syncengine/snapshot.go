package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/threadsync/cloud"
	apperr "github.com/alexjbarnes/threadsync/internal/errors"
	"github.com/alexjbarnes/threadsync/internal/models"
)

// SyncToCloud pushes the whole local dataset as one encrypted snapshot.
// It is a silent no-op while sync is disabled or unconfigured. A push
// that overlaps a running cycle is dropped; the next local change arms
// another one.
func (e *Engine) SyncToCloud(ctx context.Context) error {
	if !e.ready() {
		e.logger.Debug("sync not ready, skipping push")
		return nil
	}

	c, err := e.begin("push")
	if err != nil {
		if errors.Is(err, apperr.ErrSyncInProgress) {
			e.logger.Debug("sync in progress, dropping push")
			return nil
		}

		return err
	}

	err = e.pushSnapshot(ctx)
	c.end(err)

	return err
}

func (e *Engine) pushSnapshot(ctx context.Context) error {
	if err := e.checkHealth(ctx, true); err != nil {
		return err
	}

	ci, err := e.crypto()
	if err != nil {
		return err
	}

	b, err := e.store.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("reading local data: %w", err)
	}

	blob, err := ci.EncryptValue(b)
	if err != nil {
		return fmt.Errorf("encrypting snapshot: %w", err)
	}

	snap := cloud.Snapshot{ID: ci.SyncID(), Data: blob, Timestamp: e.now().UnixMilli()}
	if err := e.api.PutSnapshot(ctx, snap); err != nil {
		return err
	}

	e.logger.Info("pushed snapshot",
		slog.Int("conversations", len(b.Conversations)),
		slog.Int("messages", len(b.Messages)),
		slog.Int("tombstones", len(b.Tombstones)),
	)

	return nil
}

// SyncFromCloud pulls the snapshot and applies it wholesale: remote
// deletions, then a bulk upsert of conversations and messages, then the
// settings object. There is no conflict resolution on this path.
func (e *Engine) SyncFromCloud(ctx context.Context) error {
	if !e.ready() {
		e.logger.Debug("sync not ready, skipping pull")
		return nil
	}

	c, err := e.begin("pull")
	if err != nil {
		return err
	}

	err = e.pullSnapshot(ctx)
	c.end(err)

	return err
}

func (e *Engine) pullSnapshot(ctx context.Context) error {
	if err := e.checkHealth(ctx, false); err != nil {
		return err
	}

	ci, err := e.crypto()
	if err != nil {
		return err
	}

	snap, err := e.api.GetSnapshot(ctx, ci.SyncID())
	if err != nil {
		return err
	}

	if snap == nil {
		e.logger.Info("no remote snapshot yet")
		return nil
	}

	var b models.Bundle
	if err := ci.DecryptValue(snap.Data, &b); err != nil {
		return fmt.Errorf("decrypting snapshot: %w", err)
	}

	deleted, err := e.store.ApplyTombstones(ctx, b.Tombstones)
	if err != nil {
		return fmt.Errorf("applying remote deletions: %w", err)
	}

	written, err := e.store.Upsert(ctx, b.Conversations, b.Messages)
	if err != nil {
		return fmt.Errorf("applying snapshot: %w", err)
	}

	if b.Settings != nil {
		if err := e.store.PutSettings(ctx, b.Settings); err != nil {
			return fmt.Errorf("applying settings: %w", err)
		}
	}

	e.logger.Info("pulled snapshot",
		slog.Int("written", written),
		slog.Int("deleted", deleted),
		slog.Int64("remote_timestamp", snap.Timestamp),
	)

	return nil
}
