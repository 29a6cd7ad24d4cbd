package syncengine

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/alexjbarnes/threadsync/cloud"
	"github.com/alexjbarnes/threadsync/internal/conflict"
	"github.com/alexjbarnes/threadsync/internal/models"
)

// Payload is one downloaded row after checksum verification and
// decryption.
type Payload struct {
	DataType  string
	Version   int64
	Timestamp int64
	Data      json.RawMessage
}

// Upload encrypts value and stores it as the newest version of dataType.
// It returns the version the server accepted and records it as the
// watermark for dataType.
func (e *Engine) Upload(ctx context.Context, dataType string, value any) (int64, error) {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("marshalling %s: %w", dataType, err)
	}

	return e.uploadPlain(ctx, dataType, plaintext)
}

func (e *Engine) uploadPlain(ctx context.Context, dataType string, plaintext []byte) (int64, error) {
	ci, err := e.crypto()
	if err != nil {
		return 0, err
	}

	blob, err := ci.Encrypt(plaintext)
	if err != nil {
		return 0, fmt.Errorf("encrypting %s: %w", dataType, err)
	}

	req := cloud.UploadRequest{
		UserID:        ci.SyncID(),
		DataType:      dataType,
		EncryptedData: blob,
		Version:       e.nextVersion(),
		Checksum:      cloud.Checksum(blob),
	}

	version, err := e.api.Upload(ctx, req)
	if err != nil {
		return 0, err
	}

	if version == 0 {
		version = req.Version
	}

	if err := e.recordExchange(dataType, version, cloud.Checksum(string(plaintext))); err != nil {
		return 0, err
	}

	e.logger.Debug("uploaded payload",
		slog.String("data_type", dataType),
		slog.Int64("version", version),
		slog.Int("bytes", len(blob)),
	)

	return version, nil
}

// Download returns the rows of dataType newer than sinceVersion in
// ascending version order. An empty dataType downloads every type. Rows
// whose checksum does not match are skipped and logged; a row that fails
// to decrypt fails the download with ErrDecrypt.
func (e *Engine) Download(ctx context.Context, dataType string, sinceVersion int64) ([]Payload, error) {
	ci, err := e.crypto()
	if err != nil {
		return nil, err
	}

	rows, err := e.api.Download(ctx, ci.SyncID(), dataType, sinceVersion)
	if err != nil {
		return nil, err
	}

	out := make([]Payload, 0, len(rows))

	for _, r := range rows {
		if r.Version <= sinceVersion {
			continue
		}

		if err := cloud.VerifyChecksum(r.EncryptedData, r.Checksum); err != nil {
			e.logger.Warn("skipping corrupted payload",
				slog.String("data_type", r.DataType),
				slog.Int64("version", r.Version),
				slog.String("error", err.Error()),
			)

			continue
		}

		plain, err := ci.Decrypt(r.EncryptedData)
		if err != nil {
			return nil, fmt.Errorf("decrypting %s version %d: %w", r.DataType, r.Version, err)
		}

		out = append(out, Payload{
			DataType:  r.DataType,
			Version:   r.Version,
			Timestamp: r.Timestamp,
			Data:      plain,
		})
	}

	slices.SortStableFunc(out, func(a, b Payload) int { return cmp.Compare(a.Version, b.Version) })

	return out, nil
}

// ClearRemote deletes the server rows for dataType, or every row when
// dataType is empty, and forgets the matching watermarks.
func (e *Engine) ClearRemote(ctx context.Context, dataType string) error {
	ci, err := e.crypto()
	if err != nil {
		return err
	}

	if err := e.api.Delete(ctx, ci.SyncID(), dataType); err != nil {
		return err
	}

	return e.store.State().UpdateSyncSettings(func(ss *models.SyncSettings) {
		if dataType == "" {
			ss.Watermarks = nil
			ss.Digests = nil

			return
		}

		delete(ss.Watermarks, dataType)
		delete(ss.Digests, dataType)
	})
}

// Watermark returns the highest version of dataType already applied or
// uploaded.
func (e *Engine) Watermark(dataType string) (int64, error) {
	ss, err := e.store.State().SyncSettings()
	if err != nil {
		return 0, err
	}

	return ss.Watermarks[dataType], nil
}

// recordExchange stores the watermark and plaintext digest for dataType
// after a payload was uploaded or applied. Watermarks never move back.
func (e *Engine) recordExchange(dataType string, version int64, digest string) error {
	return e.store.State().UpdateSyncSettings(func(ss *models.SyncSettings) {
		if ss.Watermarks == nil {
			ss.Watermarks = map[string]int64{}
		}

		if ss.Digests == nil {
			ss.Digests = map[string]string{}
		}

		ss.Watermarks[dataType] = max(ss.Watermarks[dataType], version)
		ss.Digests[dataType] = digest
	})
}

// --- Entity envelopes ---

// envelopes wraps each item with its id and a checksum of its JSON so a
// single damaged entity can be dropped without losing the payload.
func envelopes[T any](items []T, id func(T) string) ([]cloud.Envelope, error) {
	out := make([]cloud.Envelope, 0, len(items))

	for _, it := range items {
		data, err := json.Marshal(it)
		if err != nil {
			return nil, err
		}

		out = append(out, cloud.Envelope{ID: id(it), Checksum: cloud.Checksum(string(data)), Data: data})
	}

	slices.SortFunc(out, func(a, b cloud.Envelope) int { return cmp.Compare(a.ID, b.ID) })

	return out, nil
}

// openEnvelopes decodes a payload of envelopes into snapshots keyed by id.
// Entities whose checksum does not match are skipped; skipped counts them.
func (e *Engine) openEnvelopes(dataType string, raw json.RawMessage) (map[string]conflict.Snapshot, int, error) {
	var envs []cloud.Envelope
	if err := json.Unmarshal(raw, &envs); err != nil {
		return nil, 0, fmt.Errorf("decoding %s payload: %w", dataType, err)
	}

	out := make(map[string]conflict.Snapshot, len(envs))
	skipped := 0

	for _, env := range envs {
		if err := cloud.VerifyChecksum(string(env.Data), env.Checksum); err != nil {
			e.logger.Warn("skipping corrupted entity",
				slog.String("data_type", dataType),
				slog.String("id", env.ID),
			)

			skipped++

			continue
		}

		var snap conflict.Snapshot
		if err := json.Unmarshal(env.Data, &snap); err != nil {
			e.logger.Warn("skipping undecodable entity",
				slog.String("data_type", dataType),
				slog.String("id", env.ID),
				slog.String("error", err.Error()),
			)

			skipped++

			continue
		}

		out[env.ID] = snap
	}

	return out, skipped, nil
}

// toSnapshot converts a record to its JSON object form.
func toSnapshot(v any) (conflict.Snapshot, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var s conflict.Snapshot

	return s, json.Unmarshal(data, &s)
}

// fromSnapshot converts a JSON object back to a record.
func fromSnapshot[T any](s conflict.Snapshot) (T, error) {
	var out T

	data, err := json.Marshal(s)
	if err != nil {
		return out, err
	}

	return out, json.Unmarshal(data, &out)
}
