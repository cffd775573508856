package telemetry

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// BusCollector implements prometheus.Collector over a BusSource.
// Counters and gauges are emitted as ConstMetrics generated on scrape;
// nothing is registered on the bus itself.
type BusCollector struct {
	source BusSource

	publishedDesc  *prometheus.Desc
	droppedDesc    *prometheus.Desc
	processedDesc  *prometheus.Desc
	failedDesc     *prometheus.Desc
	handlersDesc   *prometheus.Desc
	queueDepthDesc *prometheus.Desc
	queueCapDesc   *prometheus.Desc
	subsDesc       *prometheus.Desc
	dlqDepthDesc   *prometheus.Desc
	dlqDroppedDesc *prometheus.Desc
	procAvgDesc    *prometheus.Desc
	upDesc         *prometheus.Desc
}

// NewBusCollector creates a collector. namespace is the metric prefix,
// "trading_eventbus" when empty.
func NewBusCollector(source BusSource, namespace string) (*BusCollector, error) {
	if source == nil {
		return nil, ErrNilSource
	}
	if namespace == "" {
		namespace = "trading_eventbus"
	}
	name := func(suffix string) string { return fmt.Sprintf("%s_%s", namespace, suffix) }

	return &BusCollector{
		source: source,
		publishedDesc: prometheus.NewDesc(name("events_published_total"),
			"Events accepted by publish", nil, nil),
		droppedDesc: prometheus.NewDesc(name("events_dropped_total"),
			"Events rejected because the queue was full", nil, nil),
		processedDesc: prometheus.NewDesc(name("events_processed_total"),
			"Events dispatched to subscribers", nil, nil),
		failedDesc: prometheus.NewDesc(name("events_failed_total"),
			"Events with at least one failed delivery", nil, nil),
		handlersDesc: prometheus.NewDesc(name("handler_outcomes_total"),
			"Handler delivery outcomes", []string{"outcome"}, nil),
		queueDepthDesc: prometheus.NewDesc(name("queue_depth"),
			"Events currently queued", nil, nil),
		queueCapDesc: prometheus.NewDesc(name("queue_capacity"),
			"Configured queue capacity", nil, nil),
		subsDesc: prometheus.NewDesc(name("subscriptions"),
			"Subscription records", []string{"state"}, nil),
		dlqDepthDesc: prometheus.NewDesc(name("dead_letter_depth"),
			"Events held in the dead letter queue", nil, nil),
		dlqDroppedDesc: prometheus.NewDesc(name("dead_letter_dropped_total"),
			"Events that overflowed the dead letter queue", nil, nil),
		procAvgDesc: prometheus.NewDesc(name("processing_seconds_avg"),
			"Mean per-event processing time", nil, nil),
		upDesc: prometheus.NewDesc(name("up"),
			"1 when the bus worker pool is running", nil, nil),
	}, nil
}

// Describe implements prometheus.Collector.
func (c *BusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.publishedDesc
	ch <- c.droppedDesc
	ch <- c.processedDesc
	ch <- c.failedDesc
	ch <- c.handlersDesc
	ch <- c.queueDepthDesc
	ch <- c.queueCapDesc
	ch <- c.subsDesc
	ch <- c.dlqDepthDesc
	ch <- c.dlqDroppedDesc
	ch <- c.procAvgDesc
	ch <- c.upDesc
}

// Collect implements prometheus.Collector.
func (c *BusCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.source.Metrics()

	ch <- prometheus.MustNewConstMetric(c.publishedDesc, prometheus.CounterValue, float64(m.EventsPublished))
	ch <- prometheus.MustNewConstMetric(c.droppedDesc, prometheus.CounterValue, float64(m.EventsDropped))
	ch <- prometheus.MustNewConstMetric(c.processedDesc, prometheus.CounterValue, float64(m.EventsProcessed))
	ch <- prometheus.MustNewConstMetric(c.failedDesc, prometheus.CounterValue, float64(m.EventsFailed))
	ch <- prometheus.MustNewConstMetric(c.handlersDesc, prometheus.CounterValue, float64(m.SuccessfulHandlers), "success")
	ch <- prometheus.MustNewConstMetric(c.handlersDesc, prometheus.CounterValue, float64(m.FailedHandlers), "failure")
	ch <- prometheus.MustNewConstMetric(c.handlersDesc, prometheus.CounterValue, float64(m.SkippedHandlers), "skipped")
	ch <- prometheus.MustNewConstMetric(c.queueDepthDesc, prometheus.GaugeValue, float64(m.QueueSize))
	ch <- prometheus.MustNewConstMetric(c.queueCapDesc, prometheus.GaugeValue, float64(m.QueueCapacity))
	ch <- prometheus.MustNewConstMetric(c.subsDesc, prometheus.GaugeValue, float64(m.Subscriptions), "total")
	ch <- prometheus.MustNewConstMetric(c.subsDesc, prometheus.GaugeValue, float64(m.ActiveSubscriptions), "active")
	ch <- prometheus.MustNewConstMetric(c.dlqDepthDesc, prometheus.GaugeValue, float64(m.DeadLetterSize))
	ch <- prometheus.MustNewConstMetric(c.dlqDroppedDesc, prometheus.CounterValue, float64(m.DeadLetterDropped))
	ch <- prometheus.MustNewConstMetric(c.procAvgDesc, prometheus.GaugeValue, m.AverageProcessingTime.Seconds())

	up := 0.0
	if m.Running {
		up = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.upDesc, prometheus.GaugeValue, up)
}

// FaultCollector implements prometheus.Collector over a FaultSource.
type FaultCollector struct {
	source FaultSource

	totalDesc    *prometheus.Desc
	categoryDesc *prometheus.Desc
	severityDesc *prometheus.Desc
	rateDesc     *prometheus.Desc
}

// NewFaultCollector creates a collector. namespace defaults to
// "trading_errors".
func NewFaultCollector(source FaultSource, namespace string) (*FaultCollector, error) {
	if source == nil {
		return nil, ErrNilSource
	}
	if namespace == "" {
		namespace = "trading_errors"
	}
	name := func(suffix string) string { return fmt.Sprintf("%s_%s", namespace, suffix) }

	return &FaultCollector{
		source: source,
		totalDesc: prometheus.NewDesc(name("total"),
			"Classified errors observed", nil, nil),
		categoryDesc: prometheus.NewDesc(name("by_category_total"),
			"Classified errors by category", []string{"category"}, nil),
		severityDesc: prometheus.NewDesc(name("by_severity_total"),
			"Classified errors by severity", []string{"severity"}, nil),
		rateDesc: prometheus.NewDesc(name("per_minute"),
			"Errors observed in the trailing minute", nil, nil),
	}, nil
}

// Describe implements prometheus.Collector.
func (c *FaultCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalDesc
	ch <- c.categoryDesc
	ch <- c.severityDesc
	ch <- c.rateDesc
}

// Collect implements prometheus.Collector.
func (c *FaultCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.totalDesc, prometheus.CounterValue, float64(snap.Total))
	for category, n := range snap.ByCategory {
		ch <- prometheus.MustNewConstMetric(c.categoryDesc, prometheus.CounterValue, float64(n), string(category))
	}
	for severity, n := range snap.BySeverity {
		ch <- prometheus.MustNewConstMetric(c.severityDesc, prometheus.CounterValue, float64(n), string(severity))
	}
	ch <- prometheus.MustNewConstMetric(c.rateDesc, prometheus.GaugeValue, float64(snap.RatePerMinute))
}
