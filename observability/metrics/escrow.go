package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type EscrowMetrics struct {
	transitions *prometheus.CounterVec
	open        prometheus.Gauge
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

// Escrow returns the lazily-initialised escrow lifecycle metrics registry.
func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "dealvault_escrow_transitions_total",
				Help: "Count of committed escrow transitions by resulting event type.",
			}, []string{"event"}),
			open: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "dealvault_escrow_open_records",
				Help: "Number of live escrow records.",
			}),
		}
		prometheus.MustRegister(escrowRegistry.transitions, escrowRegistry.open)
	})
	return escrowRegistry
}

// ObserveTransition records one committed transition.
func (m *EscrowMetrics) ObserveTransition(eventType string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(eventType).Inc()
}

// SetOpenRecords updates the live record gauge.
func (m *EscrowMetrics) SetOpenRecords(count int) {
	if m == nil {
		return
	}
	m.open.Set(float64(count))
}
