package msgbus

import (
	"time"

	"github.com/coachpo/signalbus/internal/observability"
)

// Publish routes data to every subscriber of topic. Payloads larger than the
// configured maximum are truncated. The call is safe from any goroutine and
// never blocks past the registry lock timeout.
//
// Delivery is two-phase: matching subscribers are snapshotted under the
// registry lock, then callbacks run with no lock held. Callbacks may
// themselves call Subscribe, Unsubscribe, or Publish on the same bus.
func (b *Bus) Publish(topic Topic, data []byte) {
	if !b.initialized.Load() {
		return
	}

	if len(data) > b.cfg.MaxPayloadSize {
		observability.Log().Warn("msgbus: payload truncated",
			observability.Field{Key: "topic", Value: topic},
			observability.Field{Key: "size", Value: len(data)},
			observability.Field{Key: "max", Value: b.cfg.MaxPayloadSize})
		b.metrics.truncated(topic)
		data = data[:b.cfg.MaxPayloadSize]
	}

	// One timestamp per publish: every matching subscriber observes the
	// same value regardless of dispatch latency.
	now := time.Now()
	start := now

	matches, throttled, err := b.reg.collect(topic)
	if err != nil {
		observability.Log().Error("msgbus: publish lock timeout",
			observability.Field{Key: "topic", Value: topic})
		b.metrics.lockTimeout(topic)
		return
	}
	if throttled > 0 {
		b.metrics.throttledMany(topic, throttled)
	}
	b.metrics.published(topic, len(matches))

	for _, match := range matches {
		switch match.mode {
		case Immediate:
			match.cb(Message{Topic: topic, Data: data, Timestamp: now})
		case Deferred:
			b.submitDeferred(topic, match, data, now)
		}
	}

	b.metrics.publishDuration(topic, time.Since(start))
}

// pendingDelivery owns everything a deferred delivery needs: a copy of the
// callback and a private copy of the payload. It is executed exactly once on
// the owner loop, independent of the originating subscription's lifetime.
type pendingDelivery struct {
	cb        Callback
	topic     Topic
	timestamp time.Time
	data      []byte
}

func (p *pendingDelivery) run() {
	p.cb(Message{Topic: p.topic, Data: p.data, Timestamp: p.timestamp})
}

func (b *Bus) submitDeferred(topic Topic, match dispatch, data []byte, now time.Time) {
	block := &pendingDelivery{
		cb:        match.cb,
		topic:     topic,
		timestamp: now,
	}
	if len(data) > 0 {
		block.data = make([]byte, len(data))
		copy(block.data, data)
	}

	if err := b.owner.Submit(block.run); err != nil {
		// Drop this single delivery and keep going; the remaining matches
		// are unaffected.
		observability.Log().Error("msgbus: deferred delivery dropped",
			observability.Field{Key: "topic", Value: topic},
			observability.Field{Key: "id", Value: match.id},
			observability.Field{Key: "error", Value: err})
		b.metrics.dropped(topic)
	}
}
