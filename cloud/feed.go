package cloud

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	feedReconnectMin = 1 * time.Second
	feedReconnectMax = 60 * time.Second
	feedReadLimit    = 64 * 1024
)

// Feed subscribes to the server's change feed for one sync id.
type Feed struct {
	client *Client
	userID string
	logger *slog.Logger
}

// NewFeed creates a feed subscriber for userID.
func NewFeed(client *Client, userID string, logger *slog.Logger) *Feed {
	return &Feed{client: client, userID: userID, logger: logger}
}

// URL returns the websocket URL of the feed.
func (f *Feed) URL() (string, error) {
	u, err := url.Parse(f.client.baseURL + "/sync/events")
	if err != nil {
		return "", fmt.Errorf("parsing server URL: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	q := u.Query()
	q.Set("userId", f.userID)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Listen delivers change events to onEvent until ctx is done, reconnecting
// with jittered exponential backoff when the connection drops.
func (f *Feed) Listen(ctx context.Context, onEvent func(ChangeEvent)) error {
	backoff := feedReconnectMin

	for {
		connected, err := f.listenOnce(ctx, onEvent)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if connected {
			backoff = feedReconnectMin
		}

		f.logger.Warn("change feed disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff) / 2))
		timer := time.NewTimer(backoff + jitter)

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*2, feedReconnectMax)
	}
}

// listenOnce runs one connection. connected reports whether the dial
// succeeded.
func (f *Feed) listenOnce(ctx context.Context, onEvent func(ChangeEvent)) (bool, error) {
	wsURL, err := f.URL()
	if err != nil {
		return false, err
	}

	header := http.Header{}
	if f.client.token != "" {
		header.Set("Authorization", "Bearer "+f.client.token)
	}

	// The websocket dial rejects clients with a Timeout set.
	hc := *f.client.httpClient
	hc.Timeout = 0

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: &hc,
		HTTPHeader: header,
	})
	if err != nil {
		return false, fmt.Errorf("dialing change feed: %w", err)
	}
	defer conn.CloseNow()

	conn.SetReadLimit(feedReadLimit)
	f.logger.Info("change feed connected", slog.String("url", redactQuery(wsURL)))

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return true, fmt.Errorf("reading change feed: %w", err)
		}

		if typ != websocket.MessageText {
			continue
		}

		ev, ok := ParseChangeEvent(data)
		if !ok {
			f.logger.Debug("ignoring malformed change event", slog.Int("bytes", len(data)))
			continue
		}

		if ev.UserID != "" && ev.UserID != f.userID {
			continue
		}

		onEvent(ev)
	}
}

// ParseChangeEvent reads a change event frame.
func ParseChangeEvent(data []byte) (ChangeEvent, bool) {
	if !gjson.ValidBytes(data) {
		return ChangeEvent{}, false
	}

	res := gjson.GetManyBytes(data, "userId", "dataType", "version")
	if !res[1].Exists() {
		return ChangeEvent{}, false
	}

	return ChangeEvent{
		UserID:   res[0].String(),
		DataType: res[1].String(),
		Version:  res[2].Int(),
	}, true
}

func redactQuery(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}

	return u
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
