// Package prompush implements a metrics.Backend that pushes to a Prometheus
// Pushgateway. A batch load is a short-lived job with nothing to scrape, so
// the collected series are pushed on Flush.
package prompush

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"

	"dwetl/internal/metrics"
)

// Backend collects into a private registry and pushes it as one group.
type Backend struct {
	pusher *push.Pusher

	steps    *prometheus.CounterVec
	records  *prometheus.CounterVec
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewBackend returns a backend pushing to gatewayURL under the given job.
func NewBackend(job, gatewayURL string) (*Backend, error) {
	if strings.TrimSpace(gatewayURL) == "" {
		return nil, fmt.Errorf("prompush: empty pushgateway url")
	}
	if job == "" {
		job = "dwetl"
	}

	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	b := &Backend{
		steps: f.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.StepTotal,
			Help: "Pipeline steps by entity, step and outcome",
		}, []string{"entity", "step", "status"}),
		records: f.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.RecordsTotal,
			Help: "Records by entity and disposition",
		}, []string{"entity", "kind"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.RunsTotal,
			Help: "Finished entity runs by terminal state",
		}, []string{"entity", "state"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metrics.StepDurationSeconds,
			Help:    "Duration of pipeline steps",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~82s
		}, []string{"entity", "step", "status"}),
	}
	b.pusher = push.New(gatewayURL, job).Gatherer(reg)
	return b, nil
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	switch name {
	case metrics.StepTotal:
		b.steps.WithLabelValues(labels["entity"], labels["step"], labels["status"]).Add(delta)
	case metrics.RecordsTotal:
		b.records.WithLabelValues(labels["entity"], labels["kind"]).Add(delta)
	case metrics.RunsTotal:
		b.runs.WithLabelValues(labels["entity"], labels["state"]).Add(delta)
	}
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != metrics.StepDurationSeconds || value < 0 {
		return
	}
	b.duration.WithLabelValues(labels["entity"], labels["step"], labels["status"]).Observe(value)
}

// Flush replaces the job's metric group on the gateway.
func (b *Backend) Flush() error {
	if err := b.pusher.Push(); err != nil {
		return fmt.Errorf("prompush: %w", err)
	}
	return nil
}

var (
	_ metrics.Backend = (*Backend)(nil)
	_ metrics.Flusher = (*Backend)(nil)
)
