package telemetry

import (
	"sync"
	"time"
)

// SizeProvider reports a record count, e.g. the history store
type SizeProvider interface {
	Len() int
}

// MetricsCollector periodically samples gauges that are not updated inline
type MetricsCollector struct {
	history  SizeProvider
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(history SizeProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		history:  history,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() { close(mc.stopCh) })
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.history == nil {
		return
	}
	HistoryRecords.Set(float64(mc.history.Len()))
}
