// Package metrics exposes engine counters and histograms on a Prometheus
// registry, fed from the lifecycle event stream.
package metrics

import (
	"context"
	"net/http"

	"github.com/crankci/crank/pkg/eventbus"
	"github.com/crankci/crank/pkg/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	activeJobs   prometheus.Gauge
	jobDuration  *prometheus.HistogramVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		runsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "crank",
			Name:      "runs_started_total",
			Help:      "Runs created by trigger evaluation.",
		}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crank",
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal status.",
		}, []string{"status"}),
		activeJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "crank",
			Name:      "active_jobs",
			Help:      "Jobs currently holding a runner.",
		}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crank",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock job duration by terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"state"}),
	}
}

// Attach subscribes the instruments to the lifecycle events.
func (m *Metrics) Attach(subscriber eventbus.EventSubscriber) error {
	handlers := map[events.EventType]eventbus.EventHandler{
		events.RunCreatedEvent:  m.onRunCreated,
		events.RunFinishedEvent: m.onRunFinished,
		events.JobStartedEvent:  m.onJobStarted,
		events.JobFinishedEvent: m.onJobFinished,
	}

	for eventType, handler := range handlers {
		if err := subscriber.Handle(eventType, handler); err != nil {
			return err
		}
	}

	return nil
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) onRunCreated(_ context.Context, _ any) error {
	m.runsStarted.Inc()

	return nil
}

func (m *Metrics) onRunFinished(_ context.Context, event any) error {
	finished, ok := event.(*events.RunFinished)
	if !ok {
		return nil
	}

	m.runsFinished.WithLabelValues(string(finished.Status)).Inc()

	return nil
}

func (m *Metrics) onJobStarted(_ context.Context, _ any) error {
	m.activeJobs.Inc()

	return nil
}

func (m *Metrics) onJobFinished(_ context.Context, event any) error {
	finished, ok := event.(*events.JobFinished)
	if !ok {
		return nil
	}

	// Queued jobs that were cancelled never held a runner.
	if finished.Duration > 0 {
		m.activeJobs.Dec()
	}

	m.jobDuration.WithLabelValues(string(finished.State)).Observe(finished.Duration.Seconds())

	return nil
}
