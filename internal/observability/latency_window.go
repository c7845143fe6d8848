package observability

import (
	"math"
	"slices"
	"sync"
	"time"
)

// Stages fed into the rolling window.
const (
	StageTick     = "distribution_tick"
	StageDispatch = "dispatch"
	StageAccept   = "accept"
	StageNotify   = "notify"
	StagePush     = "push"
)

type StageStats struct {
	Stage   string  `json:"stage"`
	Samples int     `json:"samples"`
	LastMS  float64 `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	MaxMS   float64 `json:"max_ms"`
}

// Outcome counts a labelled result (for example dispatch_agent_busy) since start.
type Outcome struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Outcomes    []Outcome    `json:"outcomes,omitempty"`
}

// latencyWindow keeps the most recent durations per stage, oldest dropped first.
type latencyWindow struct {
	mu       sync.Mutex
	size     int
	samples  map[string][]time.Duration
	outcomes map[string]int
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	return &latencyWindow{
		size:     size,
		samples:  make(map[string][]time.Duration),
		outcomes: make(map[string]int),
	}
}

func (w *latencyWindow) observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	buf := append(w.samples[stage], d)
	if len(buf) > w.size {
		buf = slices.Delete(buf, 0, len(buf)-w.size)
	}
	w.samples[stage] = buf
}

func (w *latencyWindow) count(name string) {
	if name == "" {
		return
	}
	w.mu.Lock()
	w.outcomes[name]++
	w.mu.Unlock()
}

func (w *latencyWindow) snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.samples)),
	}
	for _, stage := range sortedKeys(w.samples) {
		buf := w.samples[stage]
		if len(buf) == 0 {
			continue
		}
		sorted := slices.Clone(buf)
		slices.Sort(sorted)
		var total time.Duration
		for _, d := range sorted {
			total += d
		}
		out.Stages = append(out.Stages, StageStats{
			Stage:   stage,
			Samples: len(sorted),
			LastMS:  millis(buf[len(buf)-1]),
			AvgMS:   millis(total / time.Duration(len(sorted))),
			P50MS:   millis(nearestRank(sorted, 50)),
			P95MS:   millis(nearestRank(sorted, 95)),
			MaxMS:   millis(sorted[len(sorted)-1]),
		})
	}
	for _, name := range sortedKeys(w.outcomes) {
		out.Outcomes = append(out.Outcomes, Outcome{Name: name, Count: w.outcomes[name]})
	}
	return out
}

// nearestRank returns the pth percentile of an ascending slice.
func nearestRank(sorted []time.Duration, p int) time.Duration {
	rank := int(math.Ceil(float64(p) / 100 * float64(len(sorted))))
	return sorted[max(rank, 1)-1]
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
