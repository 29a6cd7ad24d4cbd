// Package backup writes and restores full backups of the local store,
// and watches an inbox directory for backup files to restore.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperr "github.com/alexjbarnes/threadsync/internal/errors"
	"github.com/alexjbarnes/threadsync/internal/models"
	"github.com/alexjbarnes/threadsync/internal/tree"
	"gopkg.in/yaml.v3"
)

const (
	fileKind    = "threadsync-backup"
	fileVersion = 1

	filePerm = 0o600
)

// Format is a backup file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFor picks the format from a file extension. Anything that is not
// .yaml or .yml is JSON.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// File is the on-disk backup document.
type File struct {
	Kind       string        `json:"kind"`
	Version    int           `json:"version"`
	ExportedAt int64         `json:"exportedAt"`
	Data       models.Bundle `json:"data"`
}

// Summary counts what a backup holds.
type Summary struct {
	Conversations int
	Messages      int
	Tombstones    int
}

func summarize(b models.Bundle) Summary {
	return Summary{
		Conversations: len(b.Conversations),
		Messages:      len(b.Messages),
		Tombstones:    len(b.Tombstones),
	}
}

// Export writes the whole store to w.
func Export(ctx context.Context, store *tree.Store, w io.Writer, format Format, now time.Time) (Summary, error) {
	b, err := store.Snapshot(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("reading store: %w", err)
	}

	data, err := Encode(File{Kind: fileKind, Version: fileVersion, ExportedAt: now.UnixMilli(), Data: b}, format)
	if err != nil {
		return Summary{}, err
	}

	if _, err := w.Write(data); err != nil {
		return Summary{}, fmt.Errorf("writing backup: %w", err)
	}

	return summarize(b), nil
}

// ExportFile writes a backup to path, replacing it atomically. The
// format follows the extension.
func ExportFile(ctx context.Context, store *tree.Store, path string, now time.Time) (Summary, error) {
	var buf bytes.Buffer

	sum, err := Export(ctx, store, &buf, FormatFor(path), now)
	if err != nil {
		return Summary{}, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".threadsync-backup-*")
	if err != nil {
		return Summary{}, fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return Summary{}, fmt.Errorf("writing temp file: %w", err)
	}

	if err := tmp.Chmod(filePerm); err != nil {
		tmp.Close()
		return Summary{}, fmt.Errorf("setting permissions: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return Summary{}, fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return Summary{}, fmt.Errorf("renaming backup: %w", err)
	}

	return sum, nil
}

// Import replaces the whole store with the backup read from r. The
// restore is one transaction: an invalid backup changes nothing.
func Import(ctx context.Context, store *tree.Store, r io.Reader, format Format) (Summary, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Summary{}, fmt.Errorf("reading backup: %w", err)
	}

	f, err := Decode(raw, format)
	if err != nil {
		return Summary{}, err
	}

	if err := store.Restore(ctx, f.Data); err != nil {
		return Summary{}, fmt.Errorf("restoring backup: %w", err)
	}

	return summarize(f.Data), nil
}

// ImportFile restores the backup at path.
func ImportFile(ctx context.Context, store *tree.Store, path string) (Summary, error) {
	fh, err := os.Open(path)
	if err != nil {
		return Summary{}, fmt.Errorf("opening backup: %w", err)
	}
	defer fh.Close()

	return Import(ctx, store, fh, FormatFor(path))
}

// Encode renders f. YAML output keeps the JSON field names.
func Encode(f File, format Format) ([]byte, error) {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding backup: %w", err)
	}

	if format != FormatYAML {
		return append(data, '\n'), nil
	}

	return ToYAML(data)
}

// ToYAML re-encodes a JSON document as YAML with the same keys.
func ToYAML(data []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding JSON: %w", err)
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding YAML: %w", err)
	}

	return out, nil
}

// Decode parses and validates a backup document.
func Decode(raw []byte, format Format) (File, error) {
	if format == FormatYAML {
		var doc any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return File{}, fmt.Errorf("%w: %w", apperr.ErrInvalidBackup, err)
		}

		var err error
		if raw, err = json.Marshal(doc); err != nil {
			return File{}, fmt.Errorf("%w: %w", apperr.ErrInvalidBackup, err)
		}
	}

	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return File{}, fmt.Errorf("%w: %w", apperr.ErrInvalidBackup, err)
	}

	if err := validate(f); err != nil {
		return File{}, fmt.Errorf("%w: %w", apperr.ErrInvalidBackup, err)
	}

	return f, nil
}

func validate(f File) error {
	if f.Kind != fileKind {
		return fmt.Errorf("kind %q", f.Kind)
	}

	if f.Version != fileVersion {
		return fmt.Errorf("unsupported version %d", f.Version)
	}

	convs := make(map[string]struct{}, len(f.Data.Conversations))

	for _, c := range f.Data.Conversations {
		if c.ID == "" {
			return fmt.Errorf("conversation without id")
		}

		convs[c.ID] = struct{}{}
	}

	for _, m := range f.Data.Messages {
		if m.ID == "" {
			return fmt.Errorf("message without id")
		}

		if _, ok := convs[m.ConversationID]; !ok {
			return fmt.Errorf("message %s references unknown conversation %q", m.ID, m.ConversationID)
		}
	}

	return nil
}
