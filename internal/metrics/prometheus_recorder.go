package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "storybuilder"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	phaseDuration *prom.HistogramVec
	phaseResults  *prom.CounterVec
	buildDuration prom.Histogram
	buildOutcome  *prom.CounterVec
	iterations    *prom.CounterVec
	subtasks      *prom.CounterVec
	selfCritiques prom.Counter
	activeBuilds  prom.Gauge
}

// NewPrometheusRecorder constructs the collectors and registers them on reg.
// A nil reg gets a fresh private registry.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		phaseDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of individual lifecycle phases",
			Buckets:   prom.DefBuckets,
		}, []string{"phase"}),
		phaseResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "phase_results_total",
			Help:      "Phase result counts by outcome",
		}, []string{"phase", "result"}),
		buildDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Total story build duration",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}),
		buildOutcome: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "build_outcomes_total",
			Help:      "Story builds by final outcome",
		}, []string{"outcome"}),
		iterations: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Executor attempts by result",
		}, []string{"result"}),
		subtasks: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "subtasks_total",
			Help:      "Subtasks by terminal outcome",
		}, []string{"result"}),
		selfCritiques: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "self_critiques_total",
			Help:      "Self-critique steps run between failed attempts",
		}),
		activeBuilds: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "active_builds",
			Help:      "Story builds currently registered as active",
		}),
	}
	reg.MustRegister(pr.phaseDuration, pr.phaseResults, pr.buildDuration, pr.buildOutcome,
		pr.iterations, pr.subtasks, pr.selfCritiques, pr.activeBuilds)
	return pr
}

func (p *PrometheusRecorder) ObservePhaseDuration(phase string, d time.Duration) {
	if p == nil {
		return
	}
	p.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncPhaseResult(phase string, result ResultLabel) {
	if p == nil {
		return
	}
	p.phaseResults.WithLabelValues(phase, string(result)).Inc()
}

func (p *PrometheusRecorder) ObserveBuildDuration(d time.Duration) {
	if p == nil {
		return
	}
	p.buildDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncBuildOutcome(outcome BuildOutcomeLabel) {
	if p == nil {
		return
	}
	p.buildOutcome.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusRecorder) IncIteration(result ResultLabel) {
	if p == nil {
		return
	}
	p.iterations.WithLabelValues(string(result)).Inc()
}

func (p *PrometheusRecorder) IncSubtaskOutcome(result ResultLabel) {
	if p == nil {
		return
	}
	p.subtasks.WithLabelValues(string(result)).Inc()
}

func (p *PrometheusRecorder) IncSelfCritique() {
	if p == nil {
		return
	}
	p.selfCritiques.Inc()
}

func (p *PrometheusRecorder) SetActiveBuilds(n int) {
	if p == nil {
		return
	}
	p.activeBuilds.Set(float64(n))
}
