package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// DeviceOperations counts vendor-backed operations by outcome.
	DeviceOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_operations_total",
			Help: "Device operations forwarded to the vendor cloud",
		},
		[]string{"operation", "outcome"},
	)

	deviceOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "device_operation_duration_seconds",
			Help:    "Duration of vendor calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// BridgeMessages counts MQTT command messages by result.
	BridgeMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqtt_bridge_messages_total",
			Help: "MQTT command messages handled by the bridge",
		},
		[]string{"result"},
	)
)

func ObserveHTTP(method, route, status string, d time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func ObserveOperation(op, outcome string, d time.Duration) {
	DeviceOperations.WithLabelValues(op, outcome).Inc()
	deviceOperationDuration.WithLabelValues(op).Observe(d.Seconds())
}
