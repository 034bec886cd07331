// Package metrics exposes the engine's Prometheus instrumentation behind a
// small Recorder interface so library users without a registry pay nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder receives engine events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// ObserveCheck records one admission decision and its latency.
	ObserveCheck(algorithm string, allowed bool, dur time.Duration)
	// IncStoreError records a counter store failure.
	IncStoreError()
	// IncConcurrencyReject records an in-flight limit rejection.
	IncConcurrencyReject()
}

// Nop discards all events.
type Nop struct{}

func (Nop) ObserveCheck(string, bool, time.Duration) {}
func (Nop) IncStoreError()                           {}
func (Nop) IncConcurrencyReject()                    {}

// Prom records engine events into Prometheus collectors.
type Prom struct {
	checksTotal        *prometheus.CounterVec
	checkDuration      *prometheus.HistogramVec
	storeErrors        prometheus.Counter
	concurrencyRejects prometheus.Counter
}

// NewProm creates and registers the engine collectors on reg.
func NewProm(reg prometheus.Registerer) *Prom {
	m := &Prom{
		checksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratekeeper_checks_total",
				Help: "Admission checks by algorithm and outcome",
			},
			[]string{"algorithm", "outcome"},
		),
		checkDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ratekeeper_check_duration_seconds",
				Help:    "Admission check latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"algorithm"},
		),
		storeErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ratekeeper_store_errors_total",
				Help: "Counter store failures resolved by the failure policy",
			},
		),
		concurrencyRejects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ratekeeper_concurrency_rejects_total",
				Help: "Checks rejected by the in-flight limit",
			},
		),
	}
	reg.MustRegister(m.checksTotal, m.checkDuration, m.storeErrors, m.concurrencyRejects)
	return m
}

func (m *Prom) ObserveCheck(algorithm string, allowed bool, dur time.Duration) {
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.checksTotal.WithLabelValues(algorithm, outcome).Inc()
	m.checkDuration.WithLabelValues(algorithm).Observe(dur.Seconds())
}

func (m *Prom) IncStoreError() { m.storeErrors.Inc() }

func (m *Prom) IncConcurrencyReject() { m.concurrencyRejects.Inc() }
