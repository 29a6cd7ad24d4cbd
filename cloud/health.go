package cloud

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	apperr "github.com/alexjbarnes/threadsync/internal/errors"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

// DefaultHealthTTL is how long a health result is reused.
const DefaultHealthTTL = 5 * time.Second

// HealthChecker caches the server's health for a short TTL. Concurrent
// checks share one request.
type HealthChecker struct {
	client *Client
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	checkedAt time.Time
	healthy   bool
}

// NewHealthChecker creates a checker. ttl <= 0 uses DefaultHealthTTL.
func NewHealthChecker(client *Client, ttl time.Duration, logger *slog.Logger) *HealthChecker {
	if ttl <= 0 {
		ttl = DefaultHealthTTL
	}

	return &HealthChecker{
		client: client,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// Check returns nil when the server is healthy and ErrServerUnavailable
// otherwise. A cached result younger than the TTL is reused unless force
// is set.
func (h *HealthChecker) Check(ctx context.Context, force bool) error {
	h.mu.Lock()
	fresh := !h.checkedAt.IsZero() && h.now().Sub(h.checkedAt) < h.ttl
	healthy := h.healthy
	h.mu.Unlock()

	if fresh && !force {
		return healthErr(healthy)
	}

	v, _, _ := h.group.Do("health", func() (any, error) {
		ok := h.probe(ctx)

		h.mu.Lock()
		h.checkedAt = h.now()
		h.healthy = ok
		h.mu.Unlock()

		return ok, nil
	})

	ok, _ := v.(bool)

	return healthErr(ok)
}

// Healthy reports the last cached result without probing.
func (h *HealthChecker) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.healthy
}

func healthErr(ok bool) error {
	if ok {
		return nil
	}

	return apperr.ErrServerUnavailable
}

func (h *HealthChecker) probe(ctx context.Context) bool {
	body, err := h.client.Health(ctx)
	if err != nil {
		h.logger.Debug("health check failed", slog.String("error", err.Error()))
		return false
	}

	if !HealthyBody(body) {
		h.logger.Debug("health check returned unhealthy body", slog.String("body", truncate(string(body), 200)))
		return false
	}

	return true
}

// HealthyBody accepts any of the health shapes servers return:
// status "ok" or "healthy", success true, or database "online".
func HealthyBody(body []byte) bool {
	if !gjson.ValidBytes(body) {
		return false
	}

	switch strings.ToLower(gjson.GetBytes(body, "status").String()) {
	case "ok", "healthy":
		return true
	}

	if gjson.GetBytes(body, "success").Bool() {
		return true
	}

	return strings.EqualFold(gjson.GetBytes(body, "database").String(), "online")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return fmt.Sprintf("%s...", s[:n])
}
