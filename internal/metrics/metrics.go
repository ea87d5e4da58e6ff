// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests counts handled requests by route pattern, method and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "petrowatch_http_requests_total",
		Help: "HTTP requests by route, method and status class",
	}, []string{"route", "method", "code"})

	// HTTPDuration tracks request latency by route pattern.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "petrowatch_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"route"})

	// AlertsRaised counts raised alarms by severity and origin.
	AlertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "petrowatch_alerts_raised_total",
		Help: "Alarm events raised by severity and source",
	}, []string{"severity", "source"})

	// AlertTransitions counts acknowledge and clear transitions.
	AlertTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "petrowatch_alert_transitions_total",
		Help: "Alarm state transitions by target state",
	}, []string{"state"})

	// NotificationsSent counts provider deliveries by provider and result.
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "petrowatch_notifications_total",
		Help: "Notification deliveries by provider and result",
	}, []string{"provider", "result"})

	// TickDuration tracks background loop run time by collector name.
	TickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "petrowatch_tick_duration_seconds",
		Help:    "Background loop run duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"collector"})

	// TickErrors counts failed background loop runs by collector name.
	TickErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "petrowatch_tick_errors_total",
		Help: "Background loop runs that returned an error",
	}, []string{"collector"})

	// ConnectionFlips counts simulated connectivity toggles by new status.
	ConnectionFlips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "petrowatch_connection_flips_total",
		Help: "Simulated pump-side connectivity changes by resulting status",
	}, []string{"status"})

	// BusSubscribers is the number of live bus subscriptions.
	BusSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "petrowatch_bus_subscribers",
		Help: "Live notification bus subscribers",
	})

	// BusPublished counts broadcasts by event name.
	BusPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "petrowatch_bus_published_total",
		Help: "Bus broadcasts by event",
	}, []string{"event"})

	// BusDropped counts messages dropped for slow subscribers.
	BusDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "petrowatch_bus_dropped_total",
		Help: "Bus messages dropped because a subscriber buffer was full",
	})

	// StoreReady is 1 once the store has been initialized.
	StoreReady = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "petrowatch_store_ready",
		Help: "Whether the store is initialized (1) or not (0)",
	})

	// PrunedRows counts rows removed by retention.
	PrunedRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "petrowatch_pruned_rows_total",
		Help: "Rows removed by the retention pruner by table",
	}, []string{"table"})
)

// StatusClass folds an HTTP status into "2xx", "4xx" and so on.
func StatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
