package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SystemGauges tracks system metrics
	SystemGauges = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_system_stats",
			Help: "System statistics",
		},
		[]string{"type"},
	)

	// HeapStats tracks heap memory metrics
	HeapStats = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_heap_stats",
			Help: "Heap memory statistics",
		},
		[]string{"type"},
	)
)

// CollectSystemMetrics samples runtime stats until ctx is done.
func CollectSystemMetrics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sampleRuntime()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sampleRuntime() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	SystemGauges.WithLabelValues("goroutines").Set(float64(runtime.NumGoroutine()))
	SystemGauges.WithLabelValues("num_gc").Set(float64(stats.NumGC))

	HeapStats.WithLabelValues("alloc").Set(float64(stats.HeapAlloc))
	HeapStats.WithLabelValues("inuse").Set(float64(stats.HeapInuse))
	HeapStats.WithLabelValues("objects").Set(float64(stats.HeapObjects))
}
