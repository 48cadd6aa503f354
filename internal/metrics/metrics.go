// Package metrics exposes Prometheus instrumentation for the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ServerInfo carries static build labels for dashboards.
	ServerInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "feedsync",
		Name:      "server_info",
		Help:      "Static server information.",
	}, []string{"version"})

	// TicketsDispatched counts tickets emitted per tier queue.
	TicketsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feedsync",
		Name:      "tickets_dispatched_total",
		Help:      "Tickets published to tier queues.",
	}, []string{"queue"})

	// TicketsDeduped counts candidates skipped because they were already
	// queued or in process.
	TicketsDeduped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feedsync",
		Name:      "tickets_deduped_total",
		Help:      "Dispatch candidates skipped as duplicates.",
	}, []string{"queue"})

	// DispatchFailures counts per-ticket publish failures.
	DispatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feedsync",
		Name:      "dispatch_failures_total",
		Help:      "Ticket publish failures.",
	}, []string{"queue"})

	// LoopsBroken counts integrations stopped by the loop sweep.
	LoopsBroken = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "feedsync",
		Name:      "loops_broken_total",
		Help:      "Integrations stopped after a processing loop was detected.",
	})

	// StalledResets counts integrations returned to pending after their
	// heartbeat went stale.
	StalledResets = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "feedsync",
		Name:      "stalled_resets_total",
		Help:      "Integrations reset after a stale heartbeat.",
	})

	// ReconcileCorrections counts drift fixes applied by the reconciler.
	ReconcileCorrections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "feedsync",
		Name:      "reconcile_corrections_total",
		Help:      "Slot-store corrections applied by the reconciler.",
	})

	// SlotsInUse reports the concurrency slots currently held.
	SlotsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "feedsync",
		Name:      "slots_in_use",
		Help:      "Concurrency slots currently held.",
	})

	// QueueEntries reports durable entries per status.
	QueueEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "feedsync",
		Name:      "queue_entries",
		Help:      "Durable queue entries by status.",
	}, []string{"status"})

	// ProcessingDuration tracks wall-clock feed processing time.
	ProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "feedsync",
		Name:      "processing_duration_seconds",
		Help:      "Feed processing duration.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"outcome"})
)

// Init sets the static server-info labels.
func Init(version string) {
	ServerInfo.WithLabelValues(version).Set(1)
}
