package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	documentsAnalyzed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "printcost",
			Name:      "documents_analyzed_total",
			Help:      "Documents analyzed by backend and result (ok, parse_error)",
		},
		[]string{"backend", "result"},
	)

	analysisLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "printcost",
			Name:      "analysis_duration_seconds",
			Help:      "Duration of document analysis by backend",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	pagesClassified = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "printcost",
			Name:      "pages_classified_total",
			Help:      "Pages classified by kind (image, text, degraded)",
		},
		[]string{"kind"},
	)

	analysisCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "printcost",
			Name:      "analysis_cache_total",
			Help:      "Analysis cache lookups by result (hit, miss)",
		},
		[]string{"result"},
	)

	mutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "printcost",
			Name:      "engine_mutations_total",
			Help:      "Collection mutations by operation",
		},
		[]string{"op"},
	)

	uploadsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "printcost",
			Name:      "uploads_rejected_total",
			Help:      "Uploads rejected before analysis by reason",
		},
		[]string{"reason"},
	)

	submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "printcost",
			Name:      "submissions_total",
			Help:      "Submissions by result (accepted, invalid, transport_error)",
		},
		[]string{"result"},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "printcost",
			Name:      "notifications_total",
			Help:      "Fulfillment notifications by result (sent, retry, dlq)",
		},
		[]string{"result"},
	)

	priceMismatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "printcost",
			Name:      "price_mismatches_total",
			Help:      "Submissions whose client total disagreed with the recomputed total",
		},
	)

	breakerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "printcost",
			Name:      "breaker_events_total",
			Help:      "Circuit breaker events by target and action",
		},
		[]string{"target", "action"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "printcost",
			Name:      "queue_depth",
			Help:      "Queue depth gauges for stream, delayed and dlq",
		},
		[]string{"type"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "printcost",
			Name:      "active_sessions",
			Help:      "Sessions holding a collection",
		},
	)

	initOnce sync.Once
)

// Init registers collectors. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(documentsAnalyzed, analysisLatency, pagesClassified, analysisCache,
			mutations, uploadsRejected, submissions, notifications, priceMismatches, breakerEvents,
			queueDepth, activeSessions)
	})
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func ObserveAnalysis(backend, result string, dur time.Duration) {
	documentsAnalyzed.WithLabelValues(backend, result).Inc()
	analysisLatency.WithLabelValues(backend).Observe(dur.Seconds())
}

func AddPages(kind string, n int) { pagesClassified.WithLabelValues(kind).Add(float64(n)) }
func CacheHit()                   { analysisCache.WithLabelValues("hit").Inc() }
func CacheMiss()                  { analysisCache.WithLabelValues("miss").Inc() }
func IncMutation(op string)       { mutations.WithLabelValues(op).Inc() }
func IncRejected(reason string)   { uploadsRejected.WithLabelValues(reason).Inc() }
func IncSubmission(result string) { submissions.WithLabelValues(result).Inc() }
func IncNotification(result string) {
	notifications.WithLabelValues(result).Inc()
}
func IncPriceMismatch() { priceMismatches.Inc() }

func BreakerOpened(target string) { breakerEvents.WithLabelValues(target, "opened").Inc() }
func BreakerClosed(target string) { breakerEvents.WithLabelValues(target, "closed").Inc() }

func SetQueueDepth(kind string, v int64) { queueDepth.WithLabelValues(kind).Set(float64(v)) }
func SetActiveSessions(n int)            { activeSessions.Set(float64(n)) }
