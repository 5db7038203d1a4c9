package batch

import "github.com/prometheus/client_golang/prometheus"

var partsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "odata_broker",
		Subsystem: "batch",
		Name:      "parts_total",
		Help:      "Number of executed batch parts by method and status",
	},
	[]string{"method", "status"},
)

var shutterTrips = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "odata_broker",
		Subsystem: "batch",
		Name:      "shutter_trips_total",
		Help:      "Number of batches that stopped writing because the store was overloaded",
	},
)

var timeoutsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "odata_broker",
		Subsystem: "batch",
		Name:      "timeouts_total",
		Help:      "Number of batches that ran out of time",
	},
)

var flushSize = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "odata_broker",
		Subsystem: "batch",
		Name:      "flush_size",
		Help:      "Number of creates written by a single bulk request",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
	},
)

func init() {
	prometheus.MustRegister(partsTotal)
	prometheus.MustRegister(shutterTrips)
	prometheus.MustRegister(timeoutsTotal)
	prometheus.MustRegister(flushSize)
}
