package exchange

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 交换协议的 Prometheus 指标，nil 接收者上的方法都是空操作
type Metrics struct {
	registry        *prometheus.Registry
	served          *prometheus.CounterVec
	servedBytes     prometheus.Counter
	serveDuration   prometheus.Histogram
	fetchAttempts   *prometheus.CounterVec
	fetchedBytes    prometheus.Counter
	fetchedChunks   *prometheus.CounterVec
	receiptsDecided *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		served: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subfile",
			Subsystem: "server",
			Name:      "chunk_requests_total",
			Help:      "Chunk requests handled by the exchange server, by outcome.",
		}, []string{"outcome"}),
		servedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "subfile",
			Subsystem: "server",
			Name:      "chunk_bytes_total",
			Help:      "Chunk bytes returned to clients.",
		}),
		serveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "subfile",
			Subsystem: "server",
			Name:      "chunk_request_duration_seconds",
			Help:      "Time spent handling a chunk request.",
			Buckets:   prometheus.DefBuckets,
		}),
		fetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subfile",
			Subsystem: "client",
			Name:      "fetch_attempts_total",
			Help:      "Chunk fetch attempts made by the exchange client, by outcome.",
		}, []string{"outcome"}),
		fetchedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "subfile",
			Subsystem: "client",
			Name:      "fetched_bytes_total",
			Help:      "Verified chunk bytes received from peers.",
		}),
		fetchedChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subfile",
			Subsystem: "client",
			Name:      "chunks_total",
			Help:      "Chunks resolved by the exchange client, by source.",
		}, []string{"source"}),
		receiptsDecided: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subfile",
			Subsystem: "server",
			Name:      "receipts_total",
			Help:      "Receipt decisions taken by the exchange server.",
		}, []string{"decision"}),
	}
	m.registry.MustRegister(
		m.served, m.servedBytes, m.serveDuration,
		m.fetchAttempts, m.fetchedBytes, m.fetchedChunks,
		m.receiptsDecided,
	)
	return m
}

// Handler 暴露 /metrics
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) observeServed(err error, size int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.served.WithLabelValues(outcome(err)).Inc()
	m.serveDuration.Observe(elapsed.Seconds())
	if err == nil {
		m.servedBytes.Add(float64(size))
	}
}

func (m *Metrics) observeReceipt(decision string) {
	if m == nil {
		return
	}
	m.receiptsDecided.WithLabelValues(decision).Inc()
}

func (m *Metrics) observeAttempt(err error, size int) {
	if m == nil {
		return
	}
	m.fetchAttempts.WithLabelValues(outcome(err)).Inc()
	if err == nil {
		m.fetchedBytes.Add(float64(size))
	}
}

func (m *Metrics) observeChunk(source string) {
	if m == nil {
		return
	}
	m.fetchedChunks.WithLabelValues(source).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPaymentRejected):
		return "payment_rejected"
	case errors.Is(err, ErrReplayedReceipt):
		return "replayed"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, ErrHashMismatch):
		return "hash_mismatch"
	case IsRetryable(err):
		return "network"
	default:
		return "error"
	}
}
