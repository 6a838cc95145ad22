package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nestcircle_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nestcircle_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	keyRecordsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nestcircle_key_records",
		Help: "Key records currently stored (TTL-live).",
	})

	messagesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nestcircle_messages_stored",
		Help: "Messages currently stored.",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, keyRecordsGauge, messagesGauge)
}

// MetricsHandler returns the Prometheus metrics HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// metricsMiddleware records request metrics.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r)

		dur := time.Since(start).Seconds()
		status := strconv.Itoa(rr.statusCode)
		requestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		requestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(dur)
	})
}

// refreshStorageGauges re-reads the storage counts. Called on a ticker
// from Start; scrape cost stays off the request path.
func (s *Server) refreshStorageGauges(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if n, err := s.store.CountKeyRecords(ctx); err == nil {
		keyRecordsGauge.Set(float64(n))
	} else {
		log.Debug().Err(err).Msg("key record count failed")
	}
	if n, err := s.store.CountMessages(ctx); err == nil {
		messagesGauge.Set(float64(n))
	}
}
