// Package metrics re-exports the engine instrumentation for embedders who
// run their own Prometheus registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	internalmetrics "github.com/ratekeeper/ratekeeper/internal/metrics"
)

// Recorder receives engine events.
type Recorder = internalmetrics.Recorder

// Nop discards all events.
type Nop = internalmetrics.Nop

// Prom records engine events into Prometheus collectors.
type Prom = internalmetrics.Prom

// NewProm creates and registers the engine collectors on reg.
func NewProm(reg prometheus.Registerer) *Prom {
	return internalmetrics.NewProm(reg)
}
