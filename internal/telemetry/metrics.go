package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/cmdengine/internal/engine"
	"github.com/rendis/cmdengine/pkg/command"
	"github.com/rendis/cmdengine/pkg/schema"
)

const namespace = "cmdengine"

// Metrics holds the Prometheus collectors for command trees.
type Metrics struct {
	registry *prometheus.Registry

	transitions       *prometheus.CounterVec
	commandDuration   *prometheus.HistogramVec
	executing         prometheus.Gauge
	retries           *prometheus.CounterVec
	runsTotal         *prometheus.CounterVec
	runDuration       *prometheus.HistogramVec
	activeRuns        prometheus.Gauge
	schedulerLaunches *prometheus.CounterVec
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "command_transitions_total",
				Help:      "State transitions by command kind and target state",
			},
			[]string{"kind", "state"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Execution time of commands that reached a terminal state",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"kind", "state"},
		),
		executing: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "commands_executing",
				Help:      "Commands currently executing",
			},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "command_retries_total",
				Help:      "Commands re-executed after failing",
			},
			[]string{"kind"},
		),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Finished runs by tree and final state",
			},
			[]string{"tree", "state"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Run duration by tree",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"tree"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_active",
				Help:      "Runs currently executing",
			},
		),
		schedulerLaunches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_launches_total",
				Help:      "Runs launched by the scheduler by tree and outcome",
			},
			[]string{"tree", "state"},
		),
	}

	m.registry.MustRegister(
		m.transitions,
		m.commandDuration,
		m.executing,
		m.retries,
		m.runsTotal,
		m.runDuration,
		m.activeRuns,
		m.schedulerLaunches,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterPool exports the counters of a shared worker pool.
func (m *Metrics) RegisterPool(name string, pool *command.Pool) error {
	labels := prometheus.Labels{"pool": name}
	active := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "pool_active",
		Help:        "Work items currently running on the pool",
		ConstLabels: labels,
	}, func() float64 { return float64(pool.Metrics().Active) })
	completed := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "pool_completed_total",
		Help:        "Work items finished on the pool",
		ConstLabels: labels,
	}, func() float64 { return float64(pool.Metrics().Completed) })
	panics := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "pool_panics_total",
		Help:        "Work items on the pool that panicked",
		ConstLabels: labels,
	}, func() float64 { return float64(pool.Metrics().Panics) })

	for _, c := range []prometheus.Collector{active, completed, panics} {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordScheduled counts a scheduler launch and its outcome.
func (m *Metrics) RecordScheduled(tree string, state schema.State) {
	m.schedulerLaunches.WithLabelValues(tree, state.String()).Inc()
}

// OnStateChange implements command.Observer.
func (m *Metrics) OnStateChange(c command.Command, ch schema.StateChange) {
	kind := ch.Kind
	m.transitions.WithLabelValues(kind, ch.To.String()).Inc()

	switch {
	case ch.To == schema.StateExecuting:
		m.executing.Inc()
		if ch.From == schema.StateFailed {
			m.retries.WithLabelValues(kind).Inc()
		}
	case ch.From == schema.StateExecuting && ch.To.IsTerminal():
		m.executing.Dec()
		m.commandDuration.WithLabelValues(kind, ch.To.String()).Observe(c.Elapsed().Seconds())
	}
}

// OnProgress implements command.Observer.
func (m *Metrics) OnProgress(command.Command, schema.ProgressUpdate) {}

// Observer returns an engine observer factory that feeds command and run
// metrics for every run.
func (m *Metrics) Observer() engine.ObserverFactory {
	return func(info engine.RunInfo) (command.Observer, func()) {
		run := &runMetrics{Metrics: m, info: info}
		return run, run.finish
	}
}

// runMetrics tracks one run. The root's own transitions mark the run's
// start and end.
type runMetrics struct {
	*Metrics
	info engine.RunInfo

	mu      sync.Mutex
	started time.Time
	final   schema.State
}

func (r *runMetrics) OnStateChange(c command.Command, ch schema.StateChange) {
	r.Metrics.OnStateChange(c, ch)
	if c != r.info.Root {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case ch.To == schema.StateExecuting && r.started.IsZero():
		r.started = ch.Timestamp
		r.activeRuns.Inc()
	case ch.To.IsTerminal():
		r.final = ch.To
	}
}

func (r *runMetrics) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started.IsZero() {
		return
	}
	r.activeRuns.Dec()
	r.runsTotal.WithLabelValues(r.info.Tree, r.final.String()).Inc()
	r.runDuration.WithLabelValues(r.info.Tree).Observe(time.Since(r.started).Seconds())
}
