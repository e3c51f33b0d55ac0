package app

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ratchet-run/ratchet/internal/workerpool"
)

// appMetrics holds the Prometheus collectors this supervisor exposes at
// GET /metrics, grounded on the teacher's own `prometheus/client_golang`
// dependency (present in its go.mod for the server's own metrics endpoint,
// never otherwise adapted here — this is that adaptation).
type appMetrics struct {
	registry        *prometheus.Registry
	executionsTotal *prometheus.CounterVec
	workerStates    *prometheus.GaugeVec
}

func newAppMetrics() *appMetrics {
	reg := prometheus.NewRegistry()

	executionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ratchet",
		Name:      "executions_total",
		Help:      "Terminal executions processed, partitioned by final status.",
	}, []string{"status"})

	workerStates := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ratchet",
		Name:      "worker_states",
		Help:      "Current worker pool count by lifecycle state.",
	}, []string{"state"})

	reg.MustRegister(executionsTotal, workerStates)

	return &appMetrics{registry: reg, executionsTotal: executionsTotal, workerStates: workerStates}
}

func (m *appMetrics) observeExecution(status string) {
	m.executionsTotal.WithLabelValues(status).Inc()
}

func (m *appMetrics) observePool(snapshot map[workerpool.State]int) {
	for _, s := range []workerpool.State{
		workerpool.StateSpawning, workerpool.StateHandshaking, workerpool.StateIdle,
		workerpool.StateBusy, workerpool.StateDraining, workerpool.StateDead,
	} {
		m.workerStates.WithLabelValues(string(s)).Set(float64(snapshot[s]))
	}
}

// Metrics returns the Prometheus scrape handler for GET /metrics.
func (a *App) Metrics() http.Handler {
	return promhttp.HandlerFor(a.metrics.registry, promhttp.HandlerOpts{})
}
