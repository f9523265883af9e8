package pipeline

import (
	"math"
	"time"

	"github.com/ajitpratap0/ctgov-loader/pkg/storage"
)

// runStats accumulates counters for one run. It is only touched by the run
// goroutine.
type runStats struct {
	processed    int
	deadLettered int
	batches      int
	rowsLoaded   map[string]int
}

func newRunStats() *runStats {
	return &runStats{rowsLoaded: map[string]int{}}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// successMetrics is the metrics document stored with a SUCCESS entry.
func (s *runStats) successMetrics(runID string, loadType storage.LoadType, d time.Duration) map[string]any {
	seconds := d.Seconds()
	throughput := 0.0
	if seconds > 0 {
		throughput = round2(float64(s.processed) / seconds)
	}
	loaded := make(map[string]int, len(s.rowsLoaded))
	for table, n := range s.rowsLoaded {
		loaded[table] = n
	}
	return map[string]any{
		"duration_seconds":           round2(seconds),
		"records_processed":          s.processed,
		"throughput_records_per_sec": throughput,
		"records_loaded_per_table":   loaded,
		"records_dead_lettered":      s.deadLettered,
		"run_id":                     runID,
		"load_type":                  string(loadType),
	}
}

// failureMetrics is the metrics document stored with a FAILURE entry.
func failureMetrics(runID string, loadType storage.LoadType, err error, d time.Duration) map[string]any {
	return map[string]any{
		"error":            err.Error(),
		"duration_seconds": round2(d.Seconds()),
		"run_id":           runID,
		"load_type":        string(loadType),
	}
}
