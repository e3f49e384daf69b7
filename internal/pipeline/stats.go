package pipeline

import (
	"sync/atomic"
)

// Metrics contains per-pipeline counters.
type Metrics struct {
	Read             atomic.Uint64
	Filtered         atomic.Uint64
	NonIPv4          atomic.Uint64
	Handled          atomic.Uint64
	NoHandler        atomic.Uint64
	HandlerErrors    atomic.Uint64
	ChecksumFailures atomic.Uint64
	Copied           atomic.Uint64
	Dropped          atomic.Uint64
	Written          atomic.Uint64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Reset resets all counters to zero.
func (m *Metrics) Reset() {
	m.Read.Store(0)
	m.Filtered.Store(0)
	m.NonIPv4.Store(0)
	m.Handled.Store(0)
	m.NoHandler.Store(0)
	m.HandlerErrors.Store(0)
	m.ChecksumFailures.Store(0)
	m.Copied.Store(0)
	m.Dropped.Store(0)
	m.Written.Store(0)
}

// Stats represents pipeline statistics.
type Stats struct {
	Read             uint64 `yaml:"read"`
	Filtered         uint64 `yaml:"filtered"`
	NonIPv4          uint64 `yaml:"non_ipv4"`
	Handled          uint64 `yaml:"handled"`
	NoHandler        uint64 `yaml:"no_handler"`
	HandlerErrors    uint64 `yaml:"handler_errors"`
	ChecksumFailures uint64 `yaml:"ip_checksum_failures"`
	Copied           uint64 `yaml:"copied"`
	Dropped          uint64 `yaml:"dropped"`
	Written          uint64 `yaml:"written"`
	Flows            int    `yaml:"flows"`
}

func (m *Metrics) snapshot() Stats {
	return Stats{
		Read:             m.Read.Load(),
		Filtered:         m.Filtered.Load(),
		NonIPv4:          m.NonIPv4.Load(),
		Handled:          m.Handled.Load(),
		NoHandler:        m.NoHandler.Load(),
		HandlerErrors:    m.HandlerErrors.Load(),
		ChecksumFailures: m.ChecksumFailures.Load(),
		Copied:           m.Copied.Load(),
		Dropped:          m.Dropped.Load(),
		Written:          m.Written.Load(),
	}
}
