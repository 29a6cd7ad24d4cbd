package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/threadsync/internal/tree"
	"github.com/fsnotify/fsnotify"
)

const (
	// defaultSettle is how long a file must stay quiet before it is read,
	// so a backup still being copied in is not restored half-written.
	defaultSettle = 500 * time.Millisecond

	// doneDir receives restored files; failedDir receives invalid ones.
	doneDir   = "restored"
	failedDir = "failed"
)

// Inbox restores backup files dropped into a directory.
type Inbox struct {
	dir    string
	store  *tree.Store
	logger *slog.Logger
	settle time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer

	// restored is called after each processed file; tests hook it.
	restored func(path string, err error)
}

// NewInbox creates an inbox over dir.
func NewInbox(dir string, store *tree.Store, logger *slog.Logger) *Inbox {
	return &Inbox{
		dir:     dir,
		store:   store,
		logger:  logger,
		settle:  defaultSettle,
		pending: make(map[string]*time.Timer),
	}
}

// Watch restores files already in the inbox, then every backup file
// created or written there until ctx is cancelled.
func (in *Inbox) Watch(ctx context.Context) error {
	if err := os.MkdirAll(in.dir, 0o700); err != nil {
		return fmt.Errorf("creating inbox: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(in.dir); err != nil {
		return fmt.Errorf("watching inbox: %w", err)
	}

	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return fmt.Errorf("reading inbox: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			in.schedule(ctx, filepath.Join(in.dir, e.Name()))
		}
	}

	defer in.stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				in.schedule(ctx, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			in.logger.Warn("inbox watcher error", slog.String("error", err.Error()))
		}
	}
}

// schedule (re)arms the settle timer for path.
func (in *Inbox) schedule(ctx context.Context, path string) {
	if !isBackupFile(path) {
		return
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if t, ok := in.pending[path]; ok {
		t.Reset(in.settle)
		return
	}

	in.pending[path] = time.AfterFunc(in.settle, func() {
		in.mu.Lock()
		delete(in.pending, path)
		in.mu.Unlock()

		if ctx.Err() != nil {
			return
		}

		in.process(ctx, path)
	})
}

func (in *Inbox) stop() {
	in.mu.Lock()
	defer in.mu.Unlock()

	for path, t := range in.pending {
		t.Stop()
		delete(in.pending, path)
	}
}

// process restores one file and moves it out of the inbox.
func (in *Inbox) process(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}

	sum, err := ImportFile(ctx, in.store, path)

	dest := doneDir
	if err != nil {
		dest = failedDir

		in.logger.Error("inbox restore failed",
			slog.String("file", filepath.Base(path)),
			slog.String("error", err.Error()),
		)
	} else {
		in.logger.Info("inbox restore complete",
			slog.String("file", filepath.Base(path)),
			slog.Int("conversations", sum.Conversations),
			slog.Int("messages", sum.Messages),
		)
	}

	if mvErr := moveInto(path, filepath.Join(in.dir, dest)); mvErr != nil {
		in.logger.Warn("inbox: moving processed file", slog.String("error", mvErr.Error()))
	}

	if in.restored != nil {
		in.restored(path, err)
	}
}

func moveInto(path, dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	return os.Rename(path, filepath.Join(dir, filepath.Base(path)))
}

// isBackupFile skips hidden files, editor temp files and anything that
// is not JSON or YAML.
func isBackupFile(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") {
		return false
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	default:
		return false
	}
}
