package metrics

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the realtime service.
// Scraped via GET /metrics in text exposition format.
var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_connections_rejected_total",
		Help: "Total connection attempts rejected before upgrade, by reason",
	}, []string{"reason"})

	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_sessions_active",
		Help: "Current number of live chat sessions",
	})

	// Message metrics
	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_sent_total",
		Help: "Total number of messages written to clients",
	})

	messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_received_total",
		Help: "Total number of messages received from clients",
	})

	mailboxDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_mailbox_dropped_total",
		Help: "Total broadcast payloads dropped because a recipient mailbox was full",
	})

	broadcastMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_broadcast_session_misses_total",
		Help: "Total broadcasts addressed to a session with no live connections",
	})

	frameParseErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_frame_parse_errors_total",
		Help: "Total inbound text frames discarded as malformed JSON",
	})

	// NATS metrics
	natsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_nats_connected",
		Help: "NATS connection status (1=connected, 0=disconnected)",
	})

	natsMessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_nats_messages_received_total",
		Help: "Total number of event messages received from NATS",
	})

	natsPublishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_nats_publish_errors_total",
		Help: "Total number of failed NATS publishes",
	})

	natsResubscribes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_nats_resubscribes_total",
		Help: "Total subscriber restarts after a consume failure, by subject",
	}, []string{"subject"})

	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status_code"})

	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "http_request_duration_seconds",
		Help: "HTTP request duration in seconds",
	}, []string{"method", "path", "status_code"})

	// System metrics
	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_memory_bytes",
		Help: "Current process memory usage in bytes",
	})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_cpu_usage_percent",
		Help: "Current process CPU usage percentage",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_goroutines_active",
		Help: "Current number of active goroutines",
	})
)

func init() {
	prometheus.MustRegister(
		connectionsTotal,
		connectionsActive,
		connectionsRejected,
		sessionsActive,
		messagesSent,
		messagesReceived,
		mailboxDropped,
		broadcastMisses,
		frameParseErrors,
		natsConnected,
		natsMessagesReceived,
		natsPublishErrors,
		natsResubscribes,
		httpRequestsTotal,
		httpRequestDuration,
		memoryUsageBytes,
		cpuUsagePercent,
		goroutinesActive,
	)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordConnection() {
	connectionsTotal.Inc()
	connectionsActive.Inc()
}

func RecordDisconnection() {
	connectionsActive.Dec()
}

func RecordRejection(reason string) {
	connectionsRejected.WithLabelValues(reason).Inc()
}

func SetActiveSessions(n int) {
	sessionsActive.Set(float64(n))
}

func RecordMessageSent() {
	messagesSent.Inc()
}

func RecordMessageReceived() {
	messagesReceived.Inc()
}

func RecordMailboxDrops(n int) {
	mailboxDropped.Add(float64(n))
}

func RecordBroadcastMiss() {
	broadcastMisses.Inc()
}

func RecordFrameParseError() {
	frameParseErrors.Inc()
}

func SetNATSConnected(connected bool) {
	if connected {
		natsConnected.Set(1)
	} else {
		natsConnected.Set(0)
	}
}

func RecordNATSMessage() {
	natsMessagesReceived.Inc()
}

func RecordNATSPublishError() {
	natsPublishErrors.Inc()
}

func RecordNATSResubscribe(subject string) {
	natsResubscribes.WithLabelValues(subject).Inc()
}

func setSystemStats(cpuPercent, memoryBytes float64) {
	cpuUsagePercent.Set(cpuPercent)
	memoryUsageBytes.Set(memoryBytes)
	goroutinesActive.Set(float64(runtime.NumGoroutine()))
}

// statusRecorder captures the response code for HTTP metric labels.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware records request count and duration labelled by
// method, route pattern, and status code. The WebSocket route is not
// wrapped: a hijacked connection has no final status and would hold
// the duration histogram open for the connection lifetime.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		path := r.Pattern
		if path == "" {
			path = r.URL.Path
		}
		status := strconv.Itoa(rec.status)
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}
