package observability

import (
	"maps"
	"math"
	"slices"
	"sync"
	"time"
)

// LatencyStats summarizes the most recent calls of one upstream operation.
type LatencyStats struct {
	Op          string         `json:"op"`
	Calls       int            `json:"calls"`
	Failures    int            `json:"failures"`
	FailureKind map[string]int `json:"failure_kinds,omitempty"`
	LastMS      float64        `json:"last_ms"`
	P50MS       float64        `json:"p50_ms"`
	P95MS       float64        `json:"p95_ms"`
	P99MS       float64        `json:"p99_ms"`
	TargetP95MS float64        `json:"target_p95_ms,omitempty"`
	OverTarget  bool           `json:"over_target,omitempty"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Ops         []LatencyStats `json:"ops"`
}

// targetsP95MS are the latencies a relay turn stays conversational under.
var targetsP95MS = map[string]float64{
	"transcribe": 2000,
	"chat":       4000,
}

type call struct {
	ms   float64
	kind string // empty on success
}

// LatencyWindow keeps the last N upstream calls per operation so recent
// percentiles and failure mixes can be read without a Prometheus server.
type LatencyWindow struct {
	mu    sync.Mutex
	size  int
	calls map[string][]call
}

func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = 256
	}
	return &LatencyWindow{size: size, calls: make(map[string][]call)}
}

// Observe records one call. kind is the reliability kind of a failed call and
// empty for a success.
func (w *LatencyWindow) Observe(op string, took time.Duration, kind string) {
	if w == nil || op == "" || took < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	recent := append(w.calls[op], call{ms: float64(took.Microseconds()) / 1000, kind: kind})
	if over := len(recent) - w.size; over > 0 {
		recent = slices.Delete(recent, 0, over)
	}
	w.calls[op] = recent
}

func (w *LatencyWindow) Snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LatencySnapshot{GeneratedAt: time.Now().UTC(), WindowSize: w.size, Ops: []LatencyStats{}}
	for _, op := range slices.Sorted(maps.Keys(w.calls)) {
		recent := w.calls[op]
		if len(recent) == 0 {
			continue
		}
		st := LatencyStats{Op: op, Calls: len(recent), LastMS: recent[len(recent)-1].ms}
		ms := make([]float64, len(recent))
		for i, c := range recent {
			ms[i] = c.ms
			if c.kind != "" {
				if st.FailureKind == nil {
					st.FailureKind = make(map[string]int)
				}
				st.Failures++
				st.FailureKind[c.kind]++
			}
		}
		slices.Sort(ms)
		st.P50MS = nearestRank(ms, 50)
		st.P95MS = nearestRank(ms, 95)
		st.P99MS = nearestRank(ms, 99)
		if target, ok := targetsP95MS[op]; ok {
			st.TargetP95MS = target
			st.OverTarget = st.P95MS > target
		}
		snap.Ops = append(snap.Ops, st)
	}
	return snap
}

// nearestRank returns the smallest sample with at least pct percent of the
// samples at or below it.
func nearestRank(sorted []float64, pct int) float64 {
	rank := int(math.Ceil(float64(pct) / 100 * float64(len(sorted))))
	return sorted[max(rank, 1)-1]
}
