package main

import (
	"context"
	"fmt"
	"log"

	"dwetl/internal/config"
	"dwetl/internal/metrics"
	"dwetl/internal/metrics/datadog"
	"dwetl/internal/metrics/prompush"
)

// closer is the part of the Datadog backend initMetrics owns.
type closer interface {
	Close() error
}

// Seams for tests. Production code never reassigns them.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (closer, error) {
		return datadog.NewBackend(ctx, opts)
	}
	newPromBackend = func(job, url string) (metrics.Backend, error) {
		return prompush.NewBackend(job, url)
	}
	setMetricsBackend = func(b metrics.Backend) { metrics.SetBackend(b) }
	flushMetrics      = metrics.Flush
	logPrintf         = log.Printf
)

// initMetrics installs the configured backend and returns its cleanup.
// cleanup is never nil and must be called exactly once.
func initMetrics(ctx context.Context, m config.MetricsConfig) (func(), error) {
	noop := func() {}

	switch m.Backend {
	case "", "none":
		return noop, nil

	case "pushgateway":
		b, err := newPromBackend(m.Job, m.PushgatewayURL)
		if err != nil {
			return noop, err
		}
		setMetricsBackend(b)
		return func() {
			if err := flushMetrics(); err != nil {
				logPrintf("metrics: pushgateway flush error: %v", err)
			}
			setMetricsBackend(nil)
		}, nil

	case "datadog":
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    m.Job,
			Tags:       m.Tags,
			FlushEvery: m.FlushEvery,
		})
		if err != nil {
			return noop, err
		}
		if mb, ok := b.(metrics.Backend); ok {
			setMetricsBackend(mb)
		}
		return func() {
			if err := b.Close(); err != nil {
				logPrintf("metrics: datadog close error: %v", err)
			}
			setMetricsBackend(nil)
		}, nil

	default:
		return noop, fmt.Errorf("unknown metrics backend %q", m.Backend)
	}
}
