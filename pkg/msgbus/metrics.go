package msgbus

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// busMetrics bundles the bus's otel instruments. Instrument creation errors
// leave the field nil and the corresponding recording becomes a no-op.
type busMetrics struct {
	publishedCounter metric.Int64Counter
	subscriberGauge  metric.Int64UpDownCounter
	fanoutHistogram  metric.Int64Histogram
	durationHist     metric.Float64Histogram
	throttledCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
	truncatedCounter metric.Int64Counter
	timeoutCounter   metric.Int64Counter
}

func newBusMetrics() *busMetrics {
	meter := otel.Meter("signalbus/msgbus")
	m := new(busMetrics)
	m.publishedCounter, _ = meter.Int64Counter("msgbus.messages.published",
		metric.WithDescription("Number of messages published to the bus"),
		metric.WithUnit("{message}"))
	m.subscriberGauge, _ = meter.Int64UpDownCounter("msgbus.subscribers",
		metric.WithDescription("Number of active subscriptions"),
		metric.WithUnit("{subscription}"))
	m.fanoutHistogram, _ = meter.Int64Histogram("msgbus.fanout.size",
		metric.WithDescription("Number of subscribers delivered per publish"),
		metric.WithUnit("{subscriber}"))
	m.durationHist, _ = meter.Float64Histogram("msgbus.publish.duration",
		metric.WithDescription("Latency of publish operations"),
		metric.WithUnit("ms"))
	m.throttledCounter, _ = meter.Int64Counter("msgbus.deliveries.throttled",
		metric.WithDescription("Deliveries skipped by per-subscriber throttling"),
		metric.WithUnit("{delivery}"))
	m.droppedCounter, _ = meter.Int64Counter("msgbus.deliveries.dropped",
		metric.WithDescription("Deferred deliveries dropped because the owner loop rejected them"),
		metric.WithUnit("{delivery}"))
	m.truncatedCounter, _ = meter.Int64Counter("msgbus.payloads.truncated",
		metric.WithDescription("Publishes whose payload exceeded the configured maximum"),
		metric.WithUnit("{message}"))
	m.timeoutCounter, _ = meter.Int64Counter("msgbus.lock.timeouts",
		metric.WithDescription("Operations abandoned because the registry lock timed out"),
		metric.WithUnit("{operation}"))
	return m
}

func topicAttr(topic Topic) metric.MeasurementOption {
	return metric.WithAttributes(attribute.Int64("topic", int64(topic)))
}

func (m *busMetrics) published(topic Topic, fanout int) {
	ctx := context.Background()
	if m.publishedCounter != nil {
		m.publishedCounter.Add(ctx, 1, topicAttr(topic))
	}
	if m.fanoutHistogram != nil {
		m.fanoutHistogram.Record(ctx, int64(fanout), topicAttr(topic))
	}
}

func (m *busMetrics) publishDuration(topic Topic, d time.Duration) {
	if m.durationHist != nil {
		m.durationHist.Record(context.Background(), float64(d.Microseconds())/1000.0, topicAttr(topic))
	}
}

func (m *busMetrics) subscribed(topic Topic) {
	if m.subscriberGauge != nil {
		m.subscriberGauge.Add(context.Background(), 1, topicAttr(topic))
	}
}

func (m *busMetrics) unsubscribed() {
	if m.subscriberGauge != nil {
		m.subscriberGauge.Add(context.Background(), -1)
	}
}

func (m *busMetrics) throttledMany(topic Topic, n int) {
	if m.throttledCounter != nil {
		m.throttledCounter.Add(context.Background(), int64(n), topicAttr(topic))
	}
}

func (m *busMetrics) dropped(topic Topic) {
	if m.droppedCounter != nil {
		m.droppedCounter.Add(context.Background(), 1, topicAttr(topic))
	}
}

func (m *busMetrics) truncated(topic Topic) {
	if m.truncatedCounter != nil {
		m.truncatedCounter.Add(context.Background(), 1, topicAttr(topic))
	}
}

func (m *busMetrics) lockTimeout(topic Topic) {
	if m.timeoutCounter != nil {
		m.timeoutCounter.Add(context.Background(), 1, topicAttr(topic))
	}
}
