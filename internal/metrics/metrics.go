package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Ticks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msgsched_ticks_total",
		Help: "Poll ticks run by the dispatch coordinator",
	})
	TickErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msgsched_tick_store_errors_total",
		Help: "Ticks that could not read due items from the store",
	})
	TickSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "msgsched_tick_duration_seconds",
		Help:    "Time spent selecting and dispatching due items",
		Buckets: prometheus.DefBuckets,
	})
	DueItems = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "msgsched_due_items",
		Help: "Items found due on the last tick",
	})
	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "msgsched_inflight_items",
		Help: "Items dispatched and awaiting a result",
	})

	// Dispatches counts delivery attempts by outcome: published, dropped, skipped_inflight, skipped_no_content.
	Dispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "msgsched_dispatch_total",
		Help: "Delivery events by dispatch outcome",
	}, []string{"outcome"})

	// Staging counts attachment resolution: staged, original, text_only, failed.
	Staging = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "msgsched_staging_total",
		Help: "Attachment staging outcomes",
	}, []string{"outcome"})

	Results = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "msgsched_results_total",
		Help: "Result events received by outcome",
	}, []string{"outcome"})

	Sends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "msgsched_sender_sends_total",
		Help: "Send capability calls by kind and outcome",
	}, []string{"kind", "outcome"})

	StoredItems = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "msgsched_stored_items",
		Help: "Scheduled items in the store",
	}, []string{"state"})
)

// MustRegister registers every collector.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		Ticks,
		TickErrors,
		TickSeconds,
		DueItems,
		InFlight,
		Dispatches,
		Staging,
		Results,
		Sends,
		StoredItems,
	)
}

func Outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
