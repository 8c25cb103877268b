package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fundpulse_ws_active_connections",
			Help: "Live websocket connections by identity kind",
		},
		[]string{"kind"},
	)

	RoomJoins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fundpulse_room_joins_total",
			Help: "Room joins by room kind",
		},
		[]string{"room_kind"},
	)

	FramesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fundpulse_frames_published_total",
			Help: "Frames enqueued to connections by event type",
		},
		[]string{"event"},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fundpulse_frames_dropped_total",
			Help: "Frames dropped by reason",
		},
		[]string{"reason"},
	)

	RelayMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fundpulse_relay_messages_total",
			Help: "Cross-instance relay traffic by direction and outcome",
		},
		[]string{"direction", "outcome"},
	)

	ControlRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fundpulse_control_rejections_total",
			Help: "Rejected control actions by action and reason code",
		},
		[]string{"action", "code"},
	)

	SimulationTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fundpulse_simulation_ticks_total",
			Help: "Simulation loop iterations by loop and outcome",
		},
		[]string{"loop", "outcome"},
	)

	SimulationRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fundpulse_simulation_running",
			Help: "1 while the simulation engine is running",
		},
	)

	DonationAmount = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fundpulse_donation_amount_dollars",
			Help:    "Applied donation amounts",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"source"},
	)

	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fundpulse_store_operation_seconds",
			Help:    "Persistence gateway latency by operation and outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "outcome"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fundpulse_http_request_duration_seconds",
			Help:    "REST request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// Outcome label values.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// ObserveStore records a persistence call started at begin.
func ObserveStore(operation string, begin time.Time, err error) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	StoreOperationDuration.WithLabelValues(operation, outcome).Observe(time.Since(begin).Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Instrument wraps h so every request is timed under route.
func Instrument(route string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
	})
}
