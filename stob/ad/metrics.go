package ad

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "colibri"
	subsystem = "ad"
)

var (
	bytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "bytes_written_total",
		Help:      "Number of bytes written to AD storage objects.",
	})

	bytesRead = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "bytes_read_total",
		Help:      "Number of bytes read from AD storage objects. Broken down by backing: data or hole.",
	}, []string{"backing"})

	blocksAllocated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "blocks_allocated_total",
		Help:      "Number of allocator blocks taken by writes.",
	})

	blocksFreed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "blocks_freed_total",
		Help:      "Number of allocator blocks reclaimed by overwrites and destroys.",
	})
)

// Registry contains collectors of the AD layer.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		bytesWritten,
		bytesRead,
		blocksAllocated,
		blocksFreed,
	)
}
