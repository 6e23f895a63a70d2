// Package msgbus implements a thread-safe topic-routed publish/subscribe bus
// with per-subscriber throttling and dual delivery semantics: callbacks run
// either synchronously in the publisher's goroutine or deferred on a single
// owner run loop.
package msgbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/coachpo/signalbus/config"
	"github.com/coachpo/signalbus/errs"
	"github.com/coachpo/signalbus/internal/observability"
)

// Topic identifies a routing key for published messages.
type Topic uint32

// SubscriptionID is the handle returned by Subscribe. Zero is reserved as
// "no subscription"; valid handles are unique for the lifetime of the bus.
type SubscriptionID uint64

// InvalidSubscription is the reserved zero handle.
const InvalidSubscription SubscriptionID = 0

// DeliveryMode selects how a subscriber's callback is invoked.
type DeliveryMode int

const (
	// Immediate invokes the callback synchronously in the publisher's
	// goroutine. Message.Data aliases the publisher's buffer and is valid
	// only for the duration of the call.
	Immediate DeliveryMode = iota
	// Deferred copies the payload and hands the delivery to the owner run
	// loop; the callback executes later, one-at-a-time, in submission order.
	Deferred
)

// Message is the read-only view delivered to a callback. It is constructed
// fresh per delivery and never stored by the bus.
type Message struct {
	Topic     Topic
	Data      []byte
	Timestamp time.Time
}

// Callback consumes a delivered message.
type Callback func(Message)

// Submitter schedules a function to run later on the owner thread. The bus
// consumes this single primitive; lib/loop provides the default
// implementation and UI frameworks can bring their own.
type Submitter interface {
	Submit(fn func()) error
}

// Bus routes published payloads to subscribers. Construct with New, then
// call Init exactly once before use; every method on an uninitialized bus is
// a safe no-op.
type Bus struct {
	initialized atomic.Bool

	lifecycleMu sync.Mutex
	closed      bool

	cfg     config.BusConfig
	owner   Submitter
	reg     *registry
	metrics *busMetrics
}

// New returns an uninitialized bus.
func New() *Bus {
	return new(Bus)
}

// Init performs one-time setup. A second call fails with
// CodeAlreadyInitialized; a call after Close fails with CodeUnavailable.
func (b *Bus) Init(cfg config.BusConfig, owner Submitter) error {
	if owner == nil {
		return errs.New("msgbus/init", errs.CodeInvalid, errs.WithMessage("owner submitter required"))
	}
	if cfg.MaxSubscribers <= 0 {
		cfg.MaxSubscribers = config.Default().Bus.MaxSubscribers
	}
	if cfg.MaxPayloadSize <= 0 {
		cfg.MaxPayloadSize = config.Default().Bus.MaxPayloadSize
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = config.DefaultLockTimeout
	}

	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	if b.closed {
		return errs.New("msgbus/init", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if b.initialized.Load() {
		return errs.New("msgbus/init", errs.CodeAlreadyInitialized, errs.WithMessage("bus already initialized"))
	}

	b.cfg = cfg
	b.owner = owner
	b.reg = newRegistry(cfg.MaxSubscribers, cfg.LockTimeout)
	b.metrics = newBusMetrics()
	b.initialized.Store(true)

	observability.Log().Info("msgbus: initialized",
		observability.Field{Key: "max_subscribers", Value: cfg.MaxSubscribers},
		observability.Field{Key: "max_payload_size", Value: cfg.MaxPayloadSize},
		observability.Field{Key: "lock_timeout", Value: cfg.LockTimeout})
	return nil
}

// Subscribe registers cb for topic and returns a fresh non-zero handle, or
// InvalidSubscription when the bus is uninitialized, cb is nil, or the
// registry lock cannot be acquired in time. minInterval > 0 throttles the
// subscription: publishes inside the window are dropped, not queued.
func (b *Bus) Subscribe(topic Topic, cb Callback, mode DeliveryMode, minInterval time.Duration) SubscriptionID {
	if !b.initialized.Load() || cb == nil {
		observability.Log().Warn("msgbus: subscribe rejected",
			observability.Field{Key: "initialized", Value: b.initialized.Load()},
			observability.Field{Key: "callback", Value: cb != nil})
		return InvalidSubscription
	}

	id, err := b.reg.insert(topic, cb, mode, minInterval)
	if err != nil {
		observability.Log().Error("msgbus: subscribe lock timeout",
			observability.Field{Key: "topic", Value: topic})
		return InvalidSubscription
	}

	b.metrics.subscribed(topic)
	observability.Log().Debug("msgbus: subscribed",
		observability.Field{Key: "id", Value: id},
		observability.Field{Key: "topic", Value: topic},
		observability.Field{Key: "mode", Value: mode},
		observability.Field{Key: "min_interval", Value: minInterval})
	return id
}

// Unsubscribe removes the subscription. Passing InvalidSubscription or an
// already-removed handle is a no-op. After Unsubscribe returns, the handle's
// callback is never invoked by a future Publish; a deferred delivery already
// submitted to the owner loop still executes, since its callback copy was
// captured at publish time. Callers needing stronger cancellation gate
// inside the callback itself.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	if id == InvalidSubscription || !b.initialized.Load() {
		return
	}
	removed, err := b.reg.remove(id)
	if err != nil {
		observability.Log().Error("msgbus: unsubscribe lock timeout",
			observability.Field{Key: "id", Value: id})
		return
	}
	if removed {
		b.metrics.unsubscribed()
		observability.Log().Debug("msgbus: unsubscribed",
			observability.Field{Key: "id", Value: id})
	}
}

// Initialized reports whether Init has completed successfully.
func (b *Bus) Initialized() bool {
	return b.initialized.Load()
}

// SubscriberCount returns the number of live subscriptions, or 0 when the
// bus is uninitialized or the registry lock is contended.
func (b *Bus) SubscriberCount() int {
	if !b.initialized.Load() {
		return 0
	}
	return b.reg.count()
}

// Close tears the bus down: all subscriptions are removed and every
// subsequent method call is a no-op. Idempotent. Deferred deliveries already
// submitted to the owner loop still execute.
func (b *Bus) Close() {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if !b.initialized.Load() {
		return
	}
	b.initialized.Store(false)
	b.reg.clear()
	observability.Log().Info("msgbus: closed")
}
