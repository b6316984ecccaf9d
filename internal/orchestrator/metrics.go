package orchestrator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report orchestration activity.
type Metrics struct {
	PlansTotal       *prometheus.CounterVec
	SubtasksTotal    *prometheus.CounterVec
	ValidationScore  prometheus.Histogram
	HybridIterations prometheus.Histogram
	RoutesTotal      *prometheus.CounterVec
	TaskCost         prometheus.Histogram
}

var (
	sharedMetricsOnce sync.Once
	sharedMetrics     *Metrics
)

// GetMetrics returns the package-level metrics instance registered with the
// global Prometheus registry. Collectors are created only once to avoid
// duplicate registration panics when orchestrators are instantiated multiple
// times (e.g. in unit tests).
func GetMetrics() *Metrics {
	sharedMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Supply a fresh registry in tests that need unique metric names. Registration
// errors panic, mirroring promauto semantics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	plansTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "orchestrator",
			Name:      "plans_total",
			Help:      "Planning calls by outcome.",
		},
		[]string{"outcome"},
	)
	subtasksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "orchestrator",
			Name:      "subtasks_total",
			Help:      "Completed subtasks by assigned worker.",
		},
		[]string{"worker"},
	)
	validationScore := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "relay",
			Subsystem: "orchestrator",
			Name:      "validation_score",
			Help:      "Rubric scores produced by output validation.",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		},
	)
	hybridIterations := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "relay",
			Subsystem: "orchestrator",
			Name:      "hybrid_iterations",
			Help:      "Generation attempts consumed per hybrid loop.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		},
	)
	routesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "orchestrator",
			Name:      "routes_total",
			Help:      "Routing decisions by action.",
		},
		[]string{"action"},
	)
	taskCost := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "relay",
			Subsystem: "orchestrator",
			Name:      "task_cost_usd",
			Help:      "Estimated cost per orchestrated task in USD.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 3, 10},
		},
	)

	collectors := []prometheus.Collector{
		plansTotal, subtasksTotal, validationScore, hybridIterations, routesTotal, taskCost,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch existing := are.ExistingCollector.(type) {
				case *prometheus.CounterVec:
					switch c {
					case plansTotal:
						plansTotal = existing
					case subtasksTotal:
						subtasksTotal = existing
					case routesTotal:
						routesTotal = existing
					}
				case prometheus.Histogram:
					switch c {
					case validationScore:
						validationScore = existing
					case hybridIterations:
						hybridIterations = existing
					case taskCost:
						taskCost = existing
					}
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		PlansTotal:       plansTotal,
		SubtasksTotal:    subtasksTotal,
		ValidationScore:  validationScore,
		HybridIterations: hybridIterations,
		RoutesTotal:      routesTotal,
		TaskCost:         taskCost,
	}
}
