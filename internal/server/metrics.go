package server

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the server's Prometheus collectors on a private registry
// so several servers can live in one process.
type metrics struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	uploadBytes     prometheus.Counter
	rateLimited     prometheus.Counter
	feedSubscribers prometheus.Gauge
	feedDelivered   prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadsync",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "threadsync",
			Name:      "upload_bytes_total",
			Help:      "Encrypted payload bytes accepted by /sync/upload.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "threadsync",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
		feedSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "threadsync",
			Name:      "feed_subscribers",
			Help:      "Open change feed websocket connections.",
		}),
		feedDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "threadsync",
			Name:      "feed_events_delivered_total",
			Help:      "Change events queued to feed subscribers.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.uploadBytes,
		m.rateLimited,
		m.feedSubscribers,
		m.feedDelivered,
	)

	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the response code for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController and the websocket upgrade reach
// the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// instrument counts requests to route by status code.
func (m *metrics) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.requests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	})
}
