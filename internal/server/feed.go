package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alexjbarnes/threadsync/cloud"
	"github.com/alexjbarnes/threadsync/internal/auth"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	// subscriberBuffer is the number of change events queued per
	// subscriber before further events are dropped.
	subscriberBuffer = 16

	feedWriteTimeout = 10 * time.Second
	feedPingInterval = 30 * time.Second
)

// hub fans upload notifications out to websocket subscribers of the same
// tenant and sync id. Events for a subscriber whose queue is full are
// dropped.
type hub struct {
	mu   sync.Mutex
	subs map[string]map[chan cloud.ChangeEvent]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[chan cloud.ChangeEvent]struct{})}
}

func (h *hub) subscribe(key string) chan cloud.ChangeEvent {
	ch := make(chan cloud.ChangeEvent, subscriberBuffer)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs[key] == nil {
		h.subs[key] = make(map[chan cloud.ChangeEvent]struct{})
	}

	h.subs[key][ch] = struct{}{}

	return ch
}

func (h *hub) unsubscribe(key string, ch chan cloud.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.subs[key], ch)

	if len(h.subs[key]) == 0 {
		delete(h.subs, key)
	}
}

// publish delivers ev to every subscriber of key without blocking and
// returns how many received it.
func (h *hub) publish(key string, ev cloud.ChangeEvent) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0

	for ch := range h.subs[key] {
		select {
		case ch <- ev:
			n++
		default:
		}
	}

	return n
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, set := range h.subs {
		n += len(set)
	}

	return n
}

func feedKey(tenant, userID string) string {
	return tenant + "\x00" + userID
}

// handleEvents upgrades to a websocket and streams change events for
// the requested sync id until either side goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if !validID(userID) {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("feed: websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	key := feedKey(auth.RequestUserID(r.Context()), userID)
	ch := s.hub.subscribe(key)
	defer s.hub.unsubscribe(key, ch)

	s.metrics.feedSubscribers.Inc()
	defer s.metrics.feedSubscribers.Dec()

	s.logger.Debug("feed: subscriber connected", slog.String("ip", auth.RequestRemoteIP(r.Context())))

	// Clients never send; CloseRead handles control frames and cancels
	// ctx when the peer disconnects.
	ctx := conn.CloseRead(r.Context())

	ping := time.NewTicker(feedPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			if err := s.writeEvent(ctx, conn, ev); err != nil {
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
			err := conn.Ping(pctx)
			cancel()

			if err != nil {
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev cloud.ChangeEvent) error {
	wctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
	defer cancel()

	return wsjson.Write(wctx, conn, ev)
}
