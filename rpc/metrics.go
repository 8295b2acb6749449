package rpc

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "colibri"
	subsystem = "rpc"
)

var (
	itemsApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "items_applied_total",
		Help:      "Number of received items accepted into slots.",
	})

	duplicatesReplayed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "duplicates_replayed_total",
		Help:      "Number of duplicated items answered with the cached reply.",
	})

	misordered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "misordered_total",
		Help:      "Number of items rejected because they arrived out of sequence.",
	})

	repliesIgnored = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "replies_ignored_total",
		Help:      "Number of stale replies ignored by slots.",
	})
)

// Registry contains collectors of the RPC layer.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		itemsApplied,
		duplicatesReplayed,
		misordered,
		repliesIgnored,
	)
}
