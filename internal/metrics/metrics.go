// Package metrics is the tiny facade the loader reports through.
//
// Pipeline code calls the Record* helpers; the CLI picks a Backend
// (Datadog, Prometheus Pushgateway, or none) with SetBackend. The default
// backend discards everything, so packages and tests never need to care.
package metrics

import (
	"sync"
	"time"
)

// Labels are metric dimensions. Backends decide which ones they keep.
type Labels map[string]string

// Backend receives metric events.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer events.
type Flusher interface {
	Flush() error
}

// Metric names shared by every backend.
const (
	StepTotal           = "etl_step_total"
	StepDurationSeconds = "etl_step_duration_seconds"
	RecordsTotal        = "etl_records_total"
	RunsTotal           = "etl_runs_total"
)

// Record kinds used with RecordsTotal.
const (
	KindRead       = "read"
	KindAccepted   = "accepted"
	KindRejected   = "rejected"
	KindFKRejected = "fk_rejected"
	KindMerged     = "merged"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. A nil b restores the
// no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the current backend if it buffers.
func Flush() error {
	if f, ok := current().(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// RecordStep counts one pipeline step outcome and observes its duration.
func RecordStep(entity, step, status string, d time.Duration) {
	b := current()
	l := Labels{"entity": entity, "step": step, "status": status}
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRecords adds n to the per-entity record counter of the given kind.
// Zero and negative counts are dropped.
func RecordRecords(entity, kind string, n int) {
	if n <= 0 {
		return
	}
	current().IncCounter(RecordsTotal, float64(n), Labels{"entity": entity, "kind": kind})
}

// RecordRun counts one finished entity run with its terminal state.
func RecordRun(entity, state string) {
	current().IncCounter(RunsTotal, 1, Labels{"entity": entity, "state": state})
}
