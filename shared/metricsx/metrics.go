package metricsx

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	brokerConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_connected",
			Help: "1 when the broker connection is established.",
		},
	)
	brokerReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_reconnect_attempts_total",
			Help: "Broker reconnect attempts by result.",
		},
		[]string{"result"},
	)
	amqpPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amqp_published_total",
			Help: "Messages handed to the broker by routing key and result.",
		},
		[]string{"routing_key", "result"},
	)
	amqpConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amqp_consumed_total",
			Help: "Deliveries processed by queue and outcome.",
		},
		[]string{"queue", "outcome"},
	)
	amqpHandlerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "amqp_handler_duration_seconds",
			Help:    "Handler processing latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)
	replyTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "amqp_reply_timeouts_total",
			Help: "Requests that received no correlated reply in time.",
		},
	)
	invasionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "invasions_active",
			Help: "Invasions currently tracked as active.",
		},
	)
	invasionsRegistered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invasions_registered_total",
			Help: "Invasions registered by source.",
		},
		[]string{"source"},
	)
	invasionsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invasions_resolved_total",
			Help: "Invasions resolved by outcome.",
		},
		[]string{"outcome"},
	)
	invasionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "invasion_actual_duration_seconds",
			Help:    "Time between registration and resolution.",
			Buckets: []float64{15, 30, 45, 60, 90, 120, 180, 240},
		},
	)
	autoInvasionsSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auto_invasions_suppressed_total",
			Help: "Synthetic invasions not spawned, by reason.",
		},
		[]string{"reason"},
	)
	sinkFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolution_sink_failures_total",
			Help: "Resolution notification failures by sink.",
		},
		[]string{"sink"},
	)
	questsOffered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gamemaster_quests_offered_total",
			Help: "Quests offered in reply to chat, by quest type.",
		},
		[]string{"type"},
	)
	globalEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gamemaster_global_events_total",
			Help: "Global events announced.",
		},
	)
	playersTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gamemaster_players_tracked",
			Help: "Players held in the game master's stats store.",
		},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpLatency,
			brokerConnected, brokerReconnects,
			amqpPublished, amqpConsumed, amqpHandlerLatency, replyTimeouts,
			invasionsActive, invasionsRegistered, invasionsResolved, invasionDuration,
			autoInvasionsSuppressed, sinkFailures,
			questsOffered, globalEvents, playersTracked,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func SetBrokerConnected(connected bool) {
	if connected {
		brokerConnected.Set(1)
		return
	}
	brokerConnected.Set(0)
}

func IncBrokerReconnect(result string) {
	brokerReconnects.WithLabelValues(result).Inc()
}

func IncPublished(routingKey string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	amqpPublished.WithLabelValues(routingKey, result).Inc()
}

func IncConsumed(queue string, outcome string) {
	amqpConsumed.WithLabelValues(queue, outcome).Inc()
}

func ObserveHandlerLatency(queue string, d time.Duration) {
	amqpHandlerLatency.WithLabelValues(queue).Observe(d.Seconds())
}

func IncReplyTimeout() {
	replyTimeouts.Inc()
}

func SetInvasionsActive(n int) {
	invasionsActive.Set(float64(n))
}

func IncInvasionRegistered(source string) {
	invasionsRegistered.WithLabelValues(source).Inc()
}

func IncInvasionResolved(outcome string, actual time.Duration) {
	invasionsResolved.WithLabelValues(outcome).Inc()
	invasionDuration.Observe(actual.Seconds())
}

func IncAutoInvasionSuppressed(reason string) {
	autoInvasionsSuppressed.WithLabelValues(reason).Inc()
}

func IncSinkFailure(sink string) {
	sinkFailures.WithLabelValues(sink).Inc()
}

func IncQuestOffered(questType string) {
	questsOffered.WithLabelValues(questType).Inc()
}

func IncGlobalEvent() {
	globalEvents.Inc()
}

func SetPlayersTracked(n int) {
	playersTracked.Set(float64(n))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
