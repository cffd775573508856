// Package telemetry exports bus and error-pipeline statistics to
// Prometheus and DogStatsD. Exporters are pull-based: they read
// snapshot methods on scrape or on a flush tick, so the publish path
// carries no extra instrumentation.
package telemetry

import (
	"errors"

	"github.com/SubhajL/online-trading-sub000/eventbus"
	"github.com/SubhajL/online-trading-sub000/faults"
)

var (
	ErrNilSource       = errors.New("telemetry: nil stats source")
	ErrInvalidInterval = errors.New("telemetry: flush interval must be > 0")
)

// BusSource yields cumulative bus counters. *eventbus.Bus satisfies it.
type BusSource interface {
	Metrics() eventbus.BusMetrics
}

// FaultSource yields error aggregates. *faults.MetricsHandler satisfies
// it.
type FaultSource interface {
	Snapshot() faults.MetricsSnapshot
}
