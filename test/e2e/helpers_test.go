package e2e_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/threadsync/cloud"
	"github.com/alexjbarnes/threadsync/internal/auth"
	"github.com/alexjbarnes/threadsync/internal/chat"
	"github.com/alexjbarnes/threadsync/internal/conflict"
	"github.com/alexjbarnes/threadsync/internal/mcpserver"
	"github.com/alexjbarnes/threadsync/internal/models"
	"github.com/alexjbarnes/threadsync/internal/server"
	"github.com/alexjbarnes/threadsync/internal/state"
	"github.com/alexjbarnes/threadsync/internal/syncengine"
	"github.com/alexjbarnes/threadsync/internal/tree"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const (
	aliceKey   = "ts_a11ce000000000000000000000000000"
	malloryKey = "ts_3a110410000000000000000000000000"
	passphrase = "correct horse battery staple"
)

var logger = slog.New(slog.DiscardHandler)

// harness is a real sync server behind the API key layer, served over
// HTTP.
type harness struct {
	URL    string
	Client *http.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := server.OpenStore(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	keys := auth.NewStore(logger)
	keys.AddAPIKey("alice", aliceKey)
	keys.AddAPIKey("mallory", malloryKey)

	srv := server.New(server.Config{
		Store:     store,
		Auth:      keys,
		Logger:    logger,
		RateLimit: 1000,
		RateBurst: 1000,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &harness{URL: ts.URL, Client: ts.Client()}
}

// device is one client installation: its own database, tree store,
// engine and chat loop.
type device struct {
	store  *tree.Store
	engine *syncengine.Engine
	chat   *chat.Chat
	client *cloud.Client
}

type deviceConfig struct {
	key        string
	passphrase string
	clockStart int64
	debounce   time.Duration
	feed       bool
}

func (h *harness) newDevice(t *testing.T, dc deviceConfig) *device {
	t.Helper()

	if dc.passphrase == "" {
		dc.passphrase = passphrase
	}

	if dc.debounce == 0 {
		dc.debounce = time.Hour
	}

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	store := tree.New(st, logger, tree.WithClock(stepClock(dc.clockStart, 1_000)))

	client := cloud.NewClient(h.URL, dc.key, h.Client)

	var opts []syncengine.Option
	if dc.feed {
		syncID, err := cloud.SyncID(dc.passphrase)
		require.NoError(t, err)

		opts = append(opts, syncengine.WithFeed(cloud.NewFeed(client, syncID, logger)))
	}

	engine := syncengine.New(store, client, cloud.NewHealthChecker(client, time.Second, logger), syncengine.Config{
		Enabled:    true,
		APIToken:   dc.key,
		Passphrase: dc.passphrase,
		Debounce:   dc.debounce,
		Strategy:   conflict.StrategyTimestamp,
	}, logger, opts...)
	t.Cleanup(engine.Stop)

	return &device{
		store:  store,
		engine: engine,
		chat:   chat.New(store, echo{}, logger),
		client: client,
	}
}

func (d *device) sync(t *testing.T) *syncengine.Result {
	t.Helper()

	res, err := d.engine.SyncWithConflictResolution(t.Context(), "")
	require.NoError(t, err)
	require.False(t, res.Aborted)

	return res
}

func (d *device) path(t *testing.T, conv string) []tree.PathNode {
	t.Helper()

	p, err := d.store.ActivePath(t.Context(), conv)
	require.NoError(t, err)

	return p
}

// echo answers every turn by shouting the last user message back in
// two chunks.
type echo struct{}

func (echo) Complete(_ context.Context, history []models.Message, emit func(chat.Delta) error) error {
	last := strings.ToUpper(history[len(history)-1].Content)
	half := len(last) / 2

	if err := emit(chat.Delta{Content: last[:half]}); err != nil {
		return err
	}

	return emit(chat.Delta{Content: last[half:]})
}

func stepClock(ms, step int64) func() time.Time {
	var n atomic.Int64
	n.Store(ms)

	return func() time.Time {
		return time.UnixMilli(n.Add(step))
	}
}

// mcpSession serves d's tools over streamable HTTP behind the API key
// layer and connects a client with token.
func (h *harness) mcpSession(t *testing.T, d *device, token string) (*mcp.ClientSession, error) {
	t.Helper()

	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "threadsync-e2e", Version: "test"}, nil)
	mcpserver.RegisterTools(mcpServer, d.store, d.engine, logger)

	keys := auth.NewStore(logger)
	keys.AddAPIKey("alice", aliceKey)

	mux := http.NewServeMux()
	mux.Handle("/mcp", auth.Middleware(keys, logger)(mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)))

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	transport := &mcp.StreamableClientTransport{
		Endpoint: ts.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{token: token, base: ts.Client().Transport},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "e2e-test-client", Version: "test"}, nil)

	session, err := client.Connect(t.Context(), transport, nil)
	if err != nil {
		return nil, err
	}

	t.Cleanup(func() { _ = session.Close() })

	return session, nil
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()

	require.NotEmpty(t, result.Content, "tool result has no content")

	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			return tc.Text
		}
	}

	t.Fatal("no TextContent found in tool result")

	return ""
}
