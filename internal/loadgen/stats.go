package loadgen

import (
	"sync"
	"time"
)

// opStats accumulates latencies for one operation type.
type opStats struct {
	count  int64
	errors int64
	total  time.Duration
	min    time.Duration
	max    time.Duration
}

// collector aggregates operation latencies across all simulated users.
type collector struct {
	mu  sync.Mutex
	ops map[string]*opStats
}

func newCollector() *collector {
	return &collector{ops: make(map[string]*opStats)}
}

// record adds one sample. Failed operations count toward errors but not
// toward the latency aggregates.
func (c *collector) record(op string, elapsed time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.ops[op]
	if !ok {
		stats = &opStats{}
		c.ops[op] = stats
	}
	if err != nil {
		stats.errors++
		return
	}
	stats.count++
	stats.total += elapsed
	if stats.min == 0 || elapsed < stats.min {
		stats.min = elapsed
	}
	if elapsed > stats.max {
		stats.max = elapsed
	}
}

// OpSummary is the per-operation slice of a run summary.
type OpSummary struct {
	Count     int64   `json:"count"`
	Errors    int64   `json:"errors"`
	AvgMillis float64 `json:"avg_ms"`
	MinMillis float64 `json:"min_ms"`
	MaxMillis float64 `json:"max_ms"`
}

// Summary is the JSON-serializable result of a load run.
type Summary struct {
	Users           int                  `json:"users"`
	DurationSeconds float64              `json:"duration_seconds"`
	TotalRequests   int64                `json:"total_requests"`
	TotalErrors     int64                `json:"total_errors"`
	RequestsPerSec  float64              `json:"requests_per_sec"`
	Operations      map[string]OpSummary `json:"operations"`
	StartedAt       time.Time            `json:"started_at"`
}

// summarize freezes the collector into a Summary.
func (c *collector) summarize(users int, elapsed time.Duration, startedAt time.Time) *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	summary := &Summary{
		Users:           users,
		DurationSeconds: elapsed.Seconds(),
		Operations:      make(map[string]OpSummary, len(c.ops)),
		StartedAt:       startedAt,
	}
	for op, stats := range c.ops {
		entry := OpSummary{
			Count:     stats.count,
			Errors:    stats.errors,
			MinMillis: float64(stats.min) / float64(time.Millisecond),
			MaxMillis: float64(stats.max) / float64(time.Millisecond),
		}
		if stats.count > 0 {
			entry.AvgMillis = float64(stats.total) / float64(stats.count) / float64(time.Millisecond)
		}
		summary.Operations[op] = entry
		summary.TotalRequests += stats.count + stats.errors
		summary.TotalErrors += stats.errors
	}
	if elapsed > 0 {
		summary.RequestsPerSec = float64(summary.TotalRequests) / elapsed.Seconds()
	}
	return summary
}
