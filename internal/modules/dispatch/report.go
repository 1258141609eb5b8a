package dispatch

import (
	"sort"
	"time"

	"github.com/aristath/fleet/internal/domain"
	"gonum.org/v1/gonum/stat"
)

func buildMetadata(started, finished time.Time, latencies []float64, workers int, dryRun bool) domain.BatchMetadata {
	meta := domain.BatchMetadata{
		StartedAt:  started,
		DurationMs: float64(finished.Sub(started).Microseconds()) / 1000,
		Workers:    workers,
		DryRun:     dryRun,
	}
	meta.MeanUnitMs, meta.P95UnitMs = latencyStats(latencies)
	return meta
}

// latencyStats returns the mean and 95th percentile of unit latencies
func latencyStats(latencies []float64) (mean, p95 float64) {
	if len(latencies) == 0 {
		return 0, 0
	}
	sorted := make([]float64, len(latencies))
	copy(sorted, latencies)
	sort.Float64s(sorted)

	mean = stat.Mean(sorted, nil)
	p95 = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	return mean, p95
}
