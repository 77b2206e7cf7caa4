package llm

import (
	"sort"
	"sync"
	"time"
)

type sample struct {
	timestamp  time.Time
	op         string
	durationMs int64
	failed     bool
}

// OperationStats aggregates one kind of call (format, concepts, summaries).
type OperationStats struct {
	Count  int     `json:"count"`
	Errors int     `json:"errors"`
	AvgMs  float64 `json:"avg_ms"`
}

// StatsSnapshot is a point-in-time aggregate of LLM latency samples.
type StatsSnapshot struct {
	Count      int                       `json:"count"`
	Errors     int                       `json:"errors"`
	MinMs      int64                     `json:"min_ms"`
	MaxMs      int64                     `json:"max_ms"`
	AvgMs      float64                   `json:"avg_ms"`
	P50Ms      float64                   `json:"p50_ms"`
	P95Ms      float64                   `json:"p95_ms"`
	P99Ms      float64                   `json:"p99_ms"`
	Operations map[string]OperationStats `json:"operations,omitempty"`
}

// Stats tracks recent LLM call latencies within a rolling window.
type Stats struct {
	mu      sync.Mutex
	samples []sample
	maxAge  time.Duration
}

func NewStats(maxAge time.Duration) *Stats {
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &Stats{
		samples: make([]sample, 0, 256),
		maxAge:  maxAge,
	}
}

// Record adds one call. A nil Stats ignores it.
func (s *Stats) Record(op string, d time.Duration, failed bool) {
	if s == nil {
		return
	}
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(now)
	s.samples = append(s.samples, sample{
		timestamp:  now,
		op:         op,
		durationMs: ms,
		failed:     failed,
	})
}

func (s *Stats) Snapshot() StatsSnapshot {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(now)
	if len(s.samples) == 0 {
		return StatsSnapshot{}
	}

	values := make([]int64, 0, len(s.samples))
	ops := make(map[string]OperationStats)
	opSums := make(map[string]int64)
	var sum int64
	errs := 0
	for _, sm := range s.samples {
		values = append(values, sm.durationMs)
		sum += sm.durationMs

		o := ops[sm.op]
		o.Count++
		if sm.failed {
			o.Errors++
			errs++
		}
		ops[sm.op] = o
		opSums[sm.op] += sm.durationMs
	}
	for name, o := range ops {
		o.AvgMs = float64(opSums[name]) / float64(o.Count)
		ops[name] = o
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	return StatsSnapshot{
		Count:      len(values),
		Errors:     errs,
		MinMs:      values[0],
		MaxMs:      values[len(values)-1],
		AvgMs:      float64(sum) / float64(len(values)),
		P50Ms:      percentile(values, 50),
		P95Ms:      percentile(values, 95),
		P99Ms:      percentile(values, 99),
		Operations: ops,
	}
}

func (s *Stats) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.maxAge)
	writeIdx := 0
	for _, sm := range s.samples {
		if !sm.timestamp.Before(cutoff) {
			s.samples[writeIdx] = sm
			writeIdx++
		}
	}
	s.samples = s.samples[:writeIdx]
}

// percentile interpolates linearly between the two nearest ranks.
func percentile(sortedValues []int64, pct float64) float64 {
	if len(sortedValues) == 0 {
		return 0
	}
	if pct <= 0 {
		return float64(sortedValues[0])
	}
	if pct >= 100 {
		return float64(sortedValues[len(sortedValues)-1])
	}

	index := (float64(len(sortedValues)-1) * pct) / 100.0
	lower := int(index)
	upper := lower + 1
	if upper >= len(sortedValues) {
		return float64(sortedValues[lower])
	}
	weight := index - float64(lower)
	lo := float64(sortedValues[lower])
	hi := float64(sortedValues[upper])
	return lo + ((hi - lo) * weight)
}
