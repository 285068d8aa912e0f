package prompush

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dwetl/internal/metrics"
)

type gateway struct {
	mu     sync.Mutex
	method string
	path   string
	body   string
}

func (g *gateway) handler(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	g.mu.Lock()
	g.method, g.path, g.body = r.Method, r.URL.Path, string(b)
	g.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func TestFlush_PushesJobGroup(t *testing.T) {
	t.Parallel()

	g := &gateway{}
	srv := httptest.NewServer(http.HandlerFunc(g.handler))
	defer srv.Close()

	b, err := NewBackend("nightly", srv.URL)
	require.NoError(t, err)

	b.IncCounter(metrics.RecordsTotal, 4, metrics.Labels{"entity": "ventes", "kind": metrics.KindFKRejected})
	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"entity": "ventes", "step": "merge", "status": "ok"})
	b.ObserveHistogram(metrics.StepDurationSeconds, (250 * time.Millisecond).Seconds(), metrics.Labels{"entity": "ventes", "step": "merge", "status": "ok"})

	require.NoError(t, b.Flush())

	g.mu.Lock()
	defer g.mu.Unlock()
	require.Equal(t, http.MethodPut, g.method)
	require.Equal(t, "/metrics/job/nightly", g.path)
	// Protobuf delimited body; metric names are present as raw strings.
	require.True(t, strings.Contains(g.body, metrics.RecordsTotal))
	require.True(t, strings.Contains(g.body, metrics.StepDurationSeconds))
}

func TestFlush_GatewayErrorIsReturned(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	b, err := NewBackend("", srv.URL)
	require.NoError(t, err)
	b.IncCounter(metrics.RunsTotal, 1, metrics.Labels{"entity": "clients", "state": "Done"})

	err = b.Flush()
	require.Error(t, err)
	require.Contains(t, err.Error(), "prompush:")
}

func TestNewBackend_RequiresURL(t *testing.T) {
	t.Parallel()

	_, err := NewBackend("job", "  ")
	require.Error(t, err)
}

func TestIgnoredEvents(t *testing.T) {
	t.Parallel()

	b, err := NewBackend("job", "http://127.0.0.1:1")
	require.NoError(t, err)

	// None of these may panic on label cardinality.
	b.IncCounter("unknown_total", 1, nil)
	b.IncCounter(metrics.StepTotal, 0, nil)
	b.ObserveHistogram("unknown_seconds", 1, nil)
	b.ObserveHistogram(metrics.StepDurationSeconds, -1, nil)
}
