package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	bridgeRequestsTotal  *prometheus.CounterVec
	bridgeLatencySeconds *prometheus.HistogramVec
	bridgeErrorsTotal    *prometheus.CounterVec
	bridgeStreamSeconds  *prometheus.HistogramVec

	realtimeConnected       prometheus.Gauge
	realtimeReconnectsTotal prometheus.Counter
	realtimeEventsTotal     *prometheus.CounterVec
	realtimeInvalidTotal    *prometheus.CounterVec
	realtimeDroppedEmits    *prometheus.CounterVec
	realtimeRoomsJoined     prometheus.Gauge

	optimisticRollbacks *prometheus.CounterVec
	sseClientsActive    prometheus.Gauge
	apiRequestsTotal    *prometheus.CounterVec
	tokenRefreshesTotal *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the sync daemon.
func RegisterMetrics() {
	registerOnce.Do(func() {
		bridgeRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_requests_total",
			Help: "Renderer calls handled by the local bridge, by feature and outcome.",
		}, []string{"feature", "method", "route", "outcome"})

		bridgeLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_latency_seconds",
			Help:    "Latency of renderer calls, including the backend round trip they wait on.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"feature", "method"})

		bridgeErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_errors_total",
			Help: "Renderer calls answered with an error status, by feature.",
		}, []string{"feature", "route", "status"})

		bridgeStreamSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_stream_session_seconds",
			Help:    "How long renderer update streams stayed open.",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 14400},
		}, []string{"feature"})

		realtimeConnected = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_connected",
			Help: "1 while the realtime transport connection is established.",
		})

		realtimeReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_reconnect_attempts_total",
			Help: "Number of realtime dial attempts after the first.",
		})

		realtimeEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_events_received_total",
			Help: "Realtime events decoded and dispatched, by event name.",
		}, []string{"event"})

		realtimeInvalidTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_events_rejected_total",
			Help: "Realtime frames rejected at the transport boundary, by reason.",
		}, []string{"reason"})

		realtimeDroppedEmits = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_emits_dropped_total",
			Help: "Emits dropped because no connection was available or the send buffer was full.",
		}, []string{"event"})

		realtimeRoomsJoined = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_rooms_joined",
			Help: "Rooms joined on the current connection.",
		})

		optimisticRollbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "store_optimistic_rollbacks_total",
			Help: "Optimistic local changes rolled back or marked failed after a backend error.",
		}, []string{"store"})

		sseClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_sse_clients_active",
			Help: "Active SSE clients on the update stream.",
		})

		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backend_api_requests_total",
			Help: "Requests sent to the backend REST API.",
		}, []string{"method", "status"})

		tokenRefreshesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backend_token_refreshes_total",
			Help: "Access token refresh attempts by outcome.",
		}, []string{"outcome"})

		prometheus.MustRegister(
			bridgeRequestsTotal, bridgeLatencySeconds, bridgeErrorsTotal, bridgeStreamSeconds,
			realtimeConnected, realtimeReconnectsTotal, realtimeEventsTotal, realtimeInvalidTotal,
			realtimeDroppedEmits, realtimeRoomsJoined,
			optimisticRollbacks, sseClientsActive, apiRequestsTotal, tokenRefreshesTotal,
		)
	})
}

// BridgeRequests exposes the counter for renderer calls.
func BridgeRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return bridgeRequestsTotal
}

// BridgeLatency exposes the latency histogram for bridge requests.
func BridgeLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return bridgeLatencySeconds
}

// BridgeErrors exposes the counter for bridge error responses.
func BridgeErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return bridgeErrorsTotal
}

// BridgeStreamSessions exposes the histogram of update stream lifetimes.
func BridgeStreamSessions() *prometheus.HistogramVec {
	RegisterMetrics()
	return bridgeStreamSeconds
}

func RealtimeConnected() prometheus.Gauge {
	RegisterMetrics()
	return realtimeConnected
}

func RealtimeReconnects() prometheus.Counter {
	RegisterMetrics()
	return realtimeReconnectsTotal
}

func RealtimeEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return realtimeEventsTotal
}

func RealtimeRejected() *prometheus.CounterVec {
	RegisterMetrics()
	return realtimeInvalidTotal
}

func RealtimeDroppedEmits() *prometheus.CounterVec {
	RegisterMetrics()
	return realtimeDroppedEmits
}

func RealtimeRoomsJoined() prometheus.Gauge {
	RegisterMetrics()
	return realtimeRoomsJoined
}

// OptimisticRollbacks counts local state reverted after a failed backend call.
func OptimisticRollbacks() *prometheus.CounterVec {
	RegisterMetrics()
	return optimisticRollbacks
}

// SSEClientsActive tracks subscribers of the update stream.
func SSEClientsActive() prometheus.Gauge {
	RegisterMetrics()
	return sseClientsActive
}

// APIRequests counts backend REST calls.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// TokenRefreshes counts token refresh attempts.
func TokenRefreshes() *prometheus.CounterVec {
	RegisterMetrics()
	return tokenRefreshesTotal
}
