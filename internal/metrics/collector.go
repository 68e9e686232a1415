package metrics

import (
	"context"
	"time"
)

// Stats is a point-in-time view of the store used to set gauges.
type Stats struct {
	Files             int
	Chunks            int
	StorageBytes      uint64
	CapacityBytes     uint64
	LedgerIdentities  int
	LedgerBytes       uint64 // accepted bytes across all ledger entries
	BlockedIdentities int
	TrackedCallers    int
}

// StatsSource provides Stats. admission.Service implements it.
type StatsSource interface {
	Stats() Stats
}

// Collector periodically copies Stats into the gauges.
type Collector struct {
	metrics *AssetMetrics
	source  StatsSource
}

// NewCollector creates a collector.
func NewCollector(m *AssetMetrics, source StatsSource) *Collector {
	return &Collector{metrics: m, source: source}
}

// Collect samples the source once.
func (c *Collector) Collect() {
	c.metrics.UpdateStorageMetrics(c.source.Stats())
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
