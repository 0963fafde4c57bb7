package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Targets for a phone conversation to feel responsive.
var stageTargetsMS = map[string]float64{
	StageSTT:       300,
	StageLLM:       1200,
	StageTTSFirst:  400,
	StageTurnTotal: 2000,
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	// OverTarget counts windowed samples slower than the target.
	OverTarget int `json:"over_target,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// LatencyWindow backs /v1/metrics/latency. Prometheus histograms keep the
// long-run view; this keeps the most recent samples per stage so operators
// can read percentiles without a query engine.
type LatencyWindow struct {
	mu     sync.Mutex
	size   int
	stages map[string]*samples
	counts map[string]int
}

// samples is a fixed-size circular buffer.
type samples struct {
	buf   []float64
	total int
}

func (s *samples) add(v float64) {
	s.buf[s.total%len(s.buf)] = v
	s.total++
}

func (s *samples) last() float64 {
	return s.buf[(s.total-1)%len(s.buf)]
}

func (s *samples) window() []float64 {
	n := min(s.total, len(s.buf))
	return slices.Clone(s.buf[:n])
}

func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = 256
	}
	return &LatencyWindow{
		size:   size,
		stages: make(map[string]*samples),
		counts: make(map[string]int),
	}
}

// Observe records one stage duration in milliseconds.
func (w *LatencyWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stages[stage]
	if s == nil {
		s = &samples{buf: make([]float64, w.size)}
		w.stages[stage] = s
	}
	s.add(ms)
}

// ObserveIndicator bumps a named event counter, e.g. a barge-in.
func (w *LatencyWindow) ObserveIndicator(name string) {
	if name = strings.TrimSpace(name); name == "" {
		return
	}
	w.mu.Lock()
	w.counts[name]++
	w.mu.Unlock()
}

func (w *LatencyWindow) Snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LatencySnapshot{GeneratedAt: time.Now().UTC(), WindowSize: w.size}
	for _, stage := range sortedKeys(w.stages) {
		s := w.stages[stage]
		if s.total == 0 {
			continue
		}
		snap.Stages = append(snap.Stages, summarize(stage, s.window(), s.last()))
	}
	for _, name := range sortedKeys(w.counts) {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: w.counts[name]})
	}
	return snap
}

func summarize(stage string, values []float64, last float64) StageStats {
	slices.Sort(values)
	var sum float64
	for _, v := range values {
		sum += v
	}
	target := stageTargetsMS[stage]
	over := 0
	if target > 0 {
		// values is sorted, so everything after the first slow sample is slow too.
		idx, _ := slices.BinarySearch(values, math.Nextafter(target, math.Inf(1)))
		over = len(values) - idx
	}
	return StageStats{
		Stage:       stage,
		Samples:     len(values),
		LastMS:      round2(last),
		AvgMS:       round2(sum / float64(len(values))),
		P50MS:       round2(percentile(values, 50)),
		P95MS:       round2(percentile(values, 95)),
		P99MS:       round2(percentile(values, 99)),
		TargetP95MS: target,
		OverTarget:  over,
	}
}

// percentile uses the nearest-rank method on sorted input.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	rank = max(1, min(rank, len(sorted)))
	return sorted[rank-1]
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
