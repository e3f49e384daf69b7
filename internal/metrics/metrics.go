// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsTotal counts packets by pipeline stage outcome
	PacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pktforge_packets_total",
			Help: "Total number of packets handled by the pipeline",
		},
		[]string{"stage"},
	)

	// DissectErrorsTotal counts header parse failures by protocol and reason
	DissectErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pktforge_dissect_errors_total",
			Help: "Total number of protocol dissection failures",
		},
		[]string{"proto", "reason"},
	)

	// ForgesTotal counts checksum recomputations by protocol
	ForgesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pktforge_forges_total",
			Help: "Total number of checksums recomputed after modification",
		},
		[]string{"proto"},
	)

	// ChecksumFailuresTotal counts packets whose checksum did not verify
	ChecksumFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pktforge_checksum_failures_total",
			Help: "Total number of checksum verification failures",
		},
		[]string{"proto"},
	)

	// BufferCopiesTotal counts copy-on-write promotions
	BufferCopiesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pktforge_buffer_copies_total",
			Help: "Total number of packet buffers copied on first write",
		},
	)

	// ModuleLoadsTotal counts module load requests by result (loaded, shared, failed)
	ModuleLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pktforge_module_loads_total",
			Help: "Total number of module load requests",
		},
		[]string{"module", "result"},
	)

	// ModuleReleasesTotal counts modules unloaded after their last release
	ModuleReleasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pktforge_module_unloads_total",
			Help: "Total number of modules unloaded",
		},
		[]string{"module"},
	)

	// PipelineLatencySeconds measures per-packet handling latency
	PipelineLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pktforge_pipeline_latency_seconds",
			Help:    "Latency of per-packet handling in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1us to ~1s
		},
		[]string{"worker"},
	)

	// QueueDepth tracks worker queue occupancy
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pktforge_worker_queue_depth",
			Help: "Current number of packets queued per worker",
		},
		[]string{"worker"},
	)
)
