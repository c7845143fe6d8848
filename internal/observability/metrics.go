package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	TasksCreated      prometheus.Counter
	TaskTransitions   *prometheus.CounterVec
	DispatchResults   *prometheus.CounterVec
	Deliveries        *prometheus.CounterVec
	MessageEvents     *prometheus.CounterVec
	DistributionTicks *prometheus.CounterVec
	TickDuration      prometheus.Histogram
	OrphanResolutions *prometheus.CounterVec
	EventSubscribers  prometheus.Gauge
	StreamWrites      *prometheus.CounterVec

	latency *latencyWindow
}

// NewMetrics registers the instruments on the default registry. Call it once per
// process.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on reg; tests pass a fresh prometheus.NewRegistry().
func NewMetricsWith(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TasksCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_created_total",
			Help:      "Tasks created.",
		}),
		TaskTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Committed task transitions by operation.",
		}, []string{"op"}),
		DispatchResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_results_total",
			Help:      "Dispatch attempts by result kind.",
		}, []string{"kind"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery attempts by method and outcome.",
		}, []string{"method", "outcome"}),
		MessageEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_events_total",
			Help:      "Message hub writes by resulting status.",
		}, []string{"status"}),
		DistributionTicks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "distribution_ticks_total",
			Help:      "Distribution loop ticks by outcome.",
		}, []string{"outcome"}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "distribution_tick_duration_ms",
			Help:      "Distribution tick duration in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
		OrphanResolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphan_resolutions_total",
			Help:      "Orphaned activity resolutions by kind.",
		}, []string{"resolution"}),
		EventSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_subscribers",
			Help:      "Connected notification stream subscribers.",
		}),
		StreamWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_writes_total",
			Help:      "Event stream websocket writes by outcome.",
		}, []string{"outcome"}),
		latency: newLatencyWindow(256),
	}
}

func (m *Metrics) ObserveTick(d time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.DistributionTicks.WithLabelValues(outcome).Inc()
	m.TickDuration.Observe(float64(d.Microseconds()) / 1000)
	m.latency.observe(StageTick, d)
}

// ObserveStage records a latency sample for the rolling stats window only.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.observe(stage, d)
}

func (m *Metrics) ObserveDispatch(kind string) {
	if m == nil {
		return
	}
	m.DispatchResults.WithLabelValues(kind).Inc()
	m.latency.count("dispatch_" + kind)
}

func (m *Metrics) ObserveDelivery(method, outcome string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) ObserveTaskCreated() {
	if m == nil {
		return
	}
	m.TasksCreated.Inc()
}

func (m *Metrics) ObserveTransition(op string) {
	if m == nil {
		return
	}
	m.TaskTransitions.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveMessage(status string) {
	if m == nil {
		return
	}
	m.MessageEvents.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveOrphan(resolution string) {
	if m == nil {
		return
	}
	m.OrphanResolutions.WithLabelValues(resolution).Inc()
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.EventSubscribers.Set(float64(n))
}

func (m *Metrics) ObserveStreamWrite(outcome string) {
	if m == nil {
		return
	}
	m.StreamWrites.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SnapshotLatency() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.latency.snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
