package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	StatusReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parcelwatch_status_reports_total",
			Help: "Status reports handled by the ingestion engine, by outcome",
		},
		[]string{"outcome"},
	)

	IngestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "parcelwatch_ingest_duration_seconds",
			Help:    "Duration of a single ingestion call",
			Buckets: prometheus.DefBuckets,
		},
	)

	StateRepairsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parcelwatch_state_repairs_total",
			Help: "Package states rebuilt from an event whose state write had been lost",
		},
	)

	SweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parcelwatch_stall_sweeps_total",
			Help: "Stall sweeps, by result",
		},
		[]string{"result"},
	)

	AlertsRaisedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parcelwatch_alerts_raised_total",
			Help: "Stuck package alerts raised",
		},
	)

	ActiveAlerts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parcelwatch_active_alerts",
			Help: "Alerts currently held in the registry",
		},
	)

	BusPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parcelwatch_bus_published_total",
			Help: "Notifications published on the bus, by event type",
		},
		[]string{"event_type"},
	)

	BusDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parcelwatch_bus_dropped_total",
			Help: "Notifications dropped for slow subscribers, by topic",
		},
		[]string{"topic"},
	)

	BusSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parcelwatch_bus_subscribers",
			Help: "Open bus subscriptions",
		},
	)

	DeliveryFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parcelwatch_delivery_failures_total",
			Help: "Failed downstream deliveries (kafka relay, mailer, cache)",
		},
		[]string{"sink"},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			StatusReportsTotal,
			IngestDuration,
			StateRepairsTotal,
			SweepsTotal,
			AlertsRaisedTotal,
			ActiveAlerts,
			BusPublishedTotal,
			BusDroppedTotal,
			BusSubscribers,
			DeliveryFailuresTotal,
		)
	})
}
