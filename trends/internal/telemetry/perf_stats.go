package telemetry

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"go.opentelemetry.io/otel"
)

// ChromeRSS reports the resident memory of all browser processes in bytes.
type ChromeRSS func(ctx context.Context) uint64

// InstrumentPerfStats samples host CPU, Go heap, goroutines and browser
// memory every interval until ctx is done.
func InstrumentPerfStats(ctx context.Context, interval time.Duration, chrome ChromeRSS) {
	meter := otel.Meter("github.com/hazyhaar/trendscrape/perf")
	cpuGauge, _ := meter.Float64Gauge("cpu_usage")
	memoryGauge, _ := meter.Int64Gauge("allocated_mb")
	goroutineGauge, _ := meter.Int64Gauge("goroutine_count")
	chromeGauge, _ := meter.Int64Gauge("chrome_rss_mb")

	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		var memStats runtime.MemStats
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				runtime.ReadMemStats(&memStats)

				usage, err := cpu.PercentWithContext(ctx, 0, false)
				if err == nil && len(usage) > 0 {
					cpuGauge.Record(ctx, usage[0])
				} else if err != nil {
					slog.Debug("telemetry: read cpu usage", "error", err)
				}

				memoryGauge.Record(ctx, int64(memStats.Alloc/1_000_000))
				goroutineGauge.Record(ctx, int64(runtime.NumGoroutine()))
				if chrome != nil {
					chromeGauge.Record(ctx, int64(chrome(ctx)/1_000_000))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
