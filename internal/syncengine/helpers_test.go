package syncengine

import (
	"cmp"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/threadsync/cloud"
	"github.com/alexjbarnes/threadsync/internal/conflict"
	"github.com/alexjbarnes/threadsync/internal/state"
	"github.com/alexjbarnes/threadsync/internal/tree"
	"github.com/stretchr/testify/require"
)

const testPassphrase = "correct horse battery staple"

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig() Config {
	return Config{
		Enabled:    true,
		APIToken:   "ts_test",
		Passphrase: testPassphrase,
		Debounce:   time.Hour,
		Strategy:   conflict.StrategyTimestamp,
	}
}

func testStore(t *testing.T, opts ...tree.Option) *tree.Store {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return tree.New(st, quietLogger, opts...)
}

// testEngine builds an engine without a health checker over a fresh store.
func testEngine(t *testing.T, api API, cfg Config, opts ...Option) (*Engine, *tree.Store) {
	t.Helper()

	store := testStore(t)
	e := New(store, api, nil, cfg, quietLogger, opts...)
	t.Cleanup(e.Stop)

	return e, store
}

// stepClock returns a clock that starts at ms and advances by step on
// every read.
func stepClock(ms, step int64) func() time.Time {
	var mu sync.Mutex

	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()

		ms += step

		return time.UnixMilli(ms)
	}
}

// memAPI is an in-memory sync server with the same row semantics as the
// reference server: one row per (user, data type), versions kept
// increasing per user.
type memAPI struct {
	mu        sync.Mutex
	rows      map[string]map[string]cloud.Row
	snapshots map[string]cloud.Snapshot
	uploads   []cloud.UploadRequest
}

func newMemAPI() *memAPI {
	return &memAPI{
		rows:      map[string]map[string]cloud.Row{},
		snapshots: map[string]cloud.Snapshot{},
	}
}

func (m *memAPI) Upload(_ context.Context, req cloud.UploadRequest) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user := m.rows[req.UserID]
	if user == nil {
		user = map[string]cloud.Row{}
		m.rows[req.UserID] = user
	}

	var top int64
	for _, r := range user {
		top = max(top, r.Version)
	}

	v := max(req.Version, top+1)
	user[req.DataType] = cloud.Row{
		DataType:      req.DataType,
		EncryptedData: req.EncryptedData,
		Version:       v,
		Checksum:      req.Checksum,
		Timestamp:     req.Version,
	}
	m.uploads = append(m.uploads, req)

	return v, nil
}

func (m *memAPI) Download(_ context.Context, userID, dataType string, since int64) ([]cloud.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []cloud.Row

	for dt, r := range m.rows[userID] {
		if (dataType == "" || dt == dataType) && r.Version > since {
			out = append(out, r)
		}
	}

	slices.SortFunc(out, func(a, b cloud.Row) int { return cmp.Compare(a.Version, b.Version) })

	return out, nil
}

func (m *memAPI) Delete(_ context.Context, userID, dataType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dataType == "" {
		delete(m.rows, userID)
	} else {
		delete(m.rows[userID], dataType)
	}

	return nil
}

func (m *memAPI) GetSnapshot(_ context.Context, id string) (*cloud.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.snapshots[id]
	if !ok {
		return nil, nil
	}

	return &s, nil
}

func (m *memAPI) PutSnapshot(_ context.Context, snap cloud.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshots[snap.ID] = snap

	return nil
}

func (m *memAPI) uploadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.uploads)
}
