package msgbus

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/signalbus/config"
	"github.com/coachpo/signalbus/errs"
	"github.com/coachpo/signalbus/lib/loop"
)

// submitterFunc adapts a function to the Submitter interface.
type submitterFunc func(fn func()) error

func (f submitterFunc) Submit(fn func()) error { return f(fn) }

// inlineSubmitter executes deferred deliveries synchronously, which makes
// deferred-mode tests deterministic.
var inlineSubmitter = submitterFunc(func(fn func()) error {
	fn()
	return nil
})

func newTestBus(t *testing.T, cfg config.BusConfig, owner Submitter) *Bus {
	t.Helper()
	if owner == nil {
		owner = inlineSubmitter
	}
	b := New()
	if err := b.Init(cfg, owner); err != nil {
		t.Fatalf("init bus: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func TestMethodsBeforeInitAreSafeNoOps(t *testing.T) {
	b := New()

	if id := b.Subscribe(1, func(Message) {}, Immediate, 0); id != InvalidSubscription {
		t.Fatalf("subscribe before init must return invalid handle, got %d", id)
	}
	b.Publish(1, []byte{1})
	b.Unsubscribe(7)
	if b.Initialized() {
		t.Fatal("bus must not report initialized")
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}
}

func TestDoubleInitFails(t *testing.T) {
	b := newTestBus(t, config.BusConfig{}, nil)
	err := b.Init(config.BusConfig{}, inlineSubmitter)
	if !errs.IsCode(err, errs.CodeAlreadyInitialized) {
		t.Fatalf("expected already_initialized, got %v", err)
	}
}

func TestInitRejectsNilOwner(t *testing.T) {
	err := New().Init(config.BusConfig{}, nil)
	if !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid_request, got %v", err)
	}
}

func TestInitAfterCloseFails(t *testing.T) {
	b := New()
	if err := b.Init(config.BusConfig{}, inlineSubmitter); err != nil {
		t.Fatalf("init: %v", err)
	}
	b.Close()
	if err := b.Init(config.BusConfig{}, inlineSubmitter); !errs.IsCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable after close, got %v", err)
	}
}

func TestSubscribeHandlesAreUniqueAndNonZero(t *testing.T) {
	b := newTestBus(t, config.BusConfig{}, nil)

	seen := make(map[SubscriptionID]bool)
	for i := 0; i < 100; i++ {
		id := b.Subscribe(Topic(i%3), func(Message) {}, Immediate, 0)
		if id == InvalidSubscription {
			t.Fatalf("subscribe %d returned invalid handle", i)
		}
		if seen[id] {
			t.Fatalf("duplicate handle %d", id)
		}
		seen[id] = true
	}
	if n := b.SubscriberCount(); n != 100 {
		t.Fatalf("expected 100 subscribers, got %d", n)
	}
}

func TestSubscribeRejectsNilCallback(t *testing.T) {
	b := newTestBus(t, config.BusConfig{}, nil)
	if id := b.Subscribe(1, nil, Immediate, 0); id != InvalidSubscription {
		t.Fatalf("nil callback must be rejected, got handle %d", id)
	}
}

func TestImmediateDeliverySameGoroutineSamePayload(t *testing.T) {
	b := newTestBus(t, config.BusConfig{MaxPayloadSize: 512}, nil)

	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, math.Float32bits(3.14))

	var calls int
	var got Message
	id := b.Subscribe(0x01, func(m Message) {
		calls++
		got = m
	}, Immediate, 0)
	if id == InvalidSubscription {
		t.Fatal("subscribe failed")
	}

	b.Publish(0x01, payload)

	if calls != 1 {
		t.Fatalf("expected exactly one synchronous delivery, got %d", calls)
	}
	if len(got.Data) != 4 {
		t.Fatalf("expected 4 payload bytes, got %d", len(got.Data))
	}
	decoded := math.Float32frombits(binary.LittleEndian.Uint32(got.Data))
	if decoded != 3.14 {
		t.Fatalf("expected 3.14, decoded %v", decoded)
	}
	if got.Topic != 0x01 {
		t.Fatalf("wrong topic: %#x", got.Topic)
	}
	if got.Timestamp.IsZero() {
		t.Fatal("timestamp must be captured at publish time")
	}
}

func TestPublishToOtherTopicNotDelivered(t *testing.T) {
	b := newTestBus(t, config.BusConfig{}, nil)

	var calls int
	b.Subscribe(0x01, func(Message) { calls++ }, Immediate, 0)
	b.Publish(0x02, []byte{1})

	if calls != 0 {
		t.Fatalf("subscriber on other topic invoked %d times", calls)
	}
}

func TestUnsubscribeFinality(t *testing.T) {
	b := newTestBus(t, config.BusConfig{}, nil)

	var calls int
	id := b.Subscribe(0x05, func(Message) { calls++ }, Immediate, 0)
	b.Publish(0x05, []byte{1})
	b.Unsubscribe(id)
	b.Publish(0x05, []byte{2})
	b.Publish(0x05, []byte{3})

	if calls != 1 {
		t.Fatalf("expected 1 call before unsubscribe only, got %d", calls)
	}

	// Removing again, or removing the invalid handle, is a no-op.
	b.Unsubscribe(id)
	b.Unsubscribe(InvalidSubscription)
}

func TestSameTimestampForAllSubscribersOfOnePublish(t *testing.T) {
	b := newTestBus(t, config.BusConfig{}, nil)

	var stamps []time.Time
	for i := 0; i < 5; i++ {
		b.Subscribe(0x09, func(m Message) { stamps = append(stamps, m.Timestamp) }, Immediate, 0)
	}
	b.Publish(0x09, []byte{42})

	if len(stamps) != 5 {
		t.Fatalf("expected 5 deliveries, got %d", len(stamps))
	}
	for _, ts := range stamps[1:] {
		if !ts.Equal(stamps[0]) {
			t.Fatalf("timestamps differ within one publish: %v", stamps)
		}
	}
}

func TestOversizedPayloadTruncated(t *testing.T) {
	b := newTestBus(t, config.BusConfig{MaxPayloadSize: 8}, nil)

	var got []byte
	b.Subscribe(0x02, func(m Message) { got = append([]byte(nil), m.Data...) }, Immediate, 0)

	payload := make([]byte, 32)
	for i := range payload {
		payload[i] = byte(i)
	}
	b.Publish(0x02, payload)

	if len(got) != 8 {
		t.Fatalf("expected truncation to 8 bytes, got %d", len(got))
	}
	for i, v := range got {
		if v != byte(i) {
			t.Fatalf("head bytes must survive truncation, got %v", got)
		}
	}
}

func TestThrottleSuppressesIntermediatePublishes(t *testing.T) {
	b := newTestBus(t, config.BusConfig{}, nil)

	var delivered []byte
	b.Subscribe(0x03, func(m Message) { delivered = append(delivered, m.Data[0]) }, Immediate, 100*time.Millisecond)

	// 9 publishes 25ms apart span ~200ms: at most 3 can clear a 100ms window.
	for i := 0; i < 9; i++ {
		b.Publish(0x03, []byte{byte(i)})
		time.Sleep(25 * time.Millisecond)
	}

	if len(delivered) == 0 {
		t.Fatal("first publish must always be delivered")
	}
	if delivered[0] != 0 {
		t.Fatalf("first delivery should carry the first payload, got %d", delivered[0])
	}
	if len(delivered) > 5 {
		t.Fatalf("throttle ineffective: %d deliveries for 9 publishes", len(delivered))
	}
	// Drop-intermediates, not queue: every delivery carries the payload of
	// the publish that triggered it, so values strictly increase.
	for i := 1; i < len(delivered); i++ {
		if delivered[i] <= delivered[i-1] {
			t.Fatalf("stale payload delivered: %v", delivered)
		}
	}
}

func TestUnthrottledSubscriberSeesEveryPublish(t *testing.T) {
	b := newTestBus(t, config.BusConfig{}, nil)

	var calls int
	b.Subscribe(0x04, func(Message) { calls++ }, Immediate, 0)
	for i := 0; i < 50; i++ {
		b.Publish(0x04, []byte{byte(i)})
	}
	if calls != 50 {
		t.Fatalf("expected 50 deliveries, got %d", calls)
	}
}

func TestReentrantCallbackDoesNotDeadlock(t *testing.T) {
	b := newTestBus(t, config.BusConfig{}, nil)

	done := make(chan struct{})
	var selfID SubscriptionID
	var nested int

	b.Subscribe(0x20, func(Message) { nested++ }, Immediate, 0)

	selfID = b.Subscribe(0x10, func(Message) {
		// Re-enter every bus operation from inside a delivery.
		extra := b.Subscribe(0x20, func(Message) {}, Immediate, 0)
		b.Publish(0x20, []byte{1})
		b.Unsubscribe(extra)
		b.Unsubscribe(selfID)
		close(done)
	}, Immediate, 0)

	go b.Publish(0x10, []byte{0})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("re-entrant callback deadlocked")
	}
	if nested != 1 {
		t.Fatalf("nested publish should deliver once, got %d", nested)
	}
}

func TestDeferredDeliveryRunsOnOwnerLoopInOrder(t *testing.T) {
	l := loop.New(config.LoopConfig{QueueDepth: 64})
	l.Start()
	defer l.Close()

	b := newTestBus(t, config.BusConfig{}, l)

	var mu sync.Mutex
	var got []byte
	done := make(chan struct{})
	b.Subscribe(0x30, func(m Message) {
		mu.Lock()
		got = append(got, m.Data[0])
		if len(got) == 5 {
			close(done)
		}
		mu.Unlock()
	}, Deferred, 0)

	for i := 0; i < 5; i++ {
		b.Publish(0x30, []byte{byte(i)})
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deferred deliveries did not arrive")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != byte(i) {
			t.Fatalf("per-topic order violated: %v", got)
		}
	}
}

func TestDeferredPayloadIsPrivateCopy(t *testing.T) {
	var captured func()
	capture := submitterFunc(func(fn func()) error {
		captured = fn
		return nil
	})
	b := newTestBus(t, config.BusConfig{}, capture)

	var got []byte
	b.Subscribe(0x31, func(m Message) { got = m.Data }, Deferred, 0)

	payload := []byte{1, 2, 3}
	b.Publish(0x31, payload)

	// Mutate the publisher's buffer after Publish returned but before the
	// owner loop executes the delivery.
	payload[0] = 99
	captured()

	if got[0] != 1 {
		t.Fatalf("deferred delivery must own a private payload copy, got %v", got)
	}
}

func TestUnsubscribeDoesNotCancelSubmittedDeferredDelivery(t *testing.T) {
	var captured func()
	capture := submitterFunc(func(fn func()) error {
		captured = fn
		return nil
	})
	b := newTestBus(t, config.BusConfig{}, capture)

	var calls int
	id := b.Subscribe(0x32, func(Message) { calls++ }, Deferred, 0)
	b.Publish(0x32, []byte{1})
	b.Unsubscribe(id)

	// The block was submitted before Unsubscribe; its callback copy runs.
	captured()
	if calls != 1 {
		t.Fatalf("already-submitted deferred delivery must execute, got %d calls", calls)
	}

	// But no new deliveries are produced.
	captured = nil
	b.Publish(0x32, []byte{2})
	if captured != nil {
		t.Fatal("publish after unsubscribe must not submit new deliveries")
	}
}

func TestSubmitFailureDropsSingleDeliveryOnly(t *testing.T) {
	reject := submitterFunc(func(func()) error {
		return errs.New("loop", errs.CodeExhausted)
	})
	b := newTestBus(t, config.BusConfig{}, reject)

	var immediate int
	b.Subscribe(0x40, func(Message) {}, Deferred, 0)
	b.Subscribe(0x40, func(Message) { immediate++ }, Immediate, 0)

	b.Publish(0x40, []byte{1})

	if immediate != 1 {
		t.Fatalf("remaining matches must still dispatch after a drop, got %d", immediate)
	}
}

func TestOperationsFailSoftlyWhileRegistryLockHeld(t *testing.T) {
	b := newTestBus(t, config.BusConfig{LockTimeout: 25 * time.Millisecond}, nil)

	var calls int
	liveID := b.Subscribe(0x80, func(Message) { calls++ }, Immediate, 0)
	if liveID == InvalidSubscription {
		t.Fatal("subscribe failed")
	}

	// Seize the registry lock so every operation hits the timeout path.
	b.reg.mu.Lock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if id := b.Subscribe(0x80, func(Message) {}, Immediate, 0); id != InvalidSubscription {
			t.Errorf("subscribe under contention must return invalid handle, got %d", id)
		}
		b.Publish(0x80, []byte{1})
		b.Unsubscribe(liveID)
		if n := b.SubscriberCount(); n != 0 {
			t.Errorf("subscriber count under contention must read 0, got %d", n)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		b.reg.mu.Unlock()
		t.Fatal("operations blocked past the lock timeout")
	}
	b.reg.mu.Unlock()

	if calls != 0 {
		t.Fatalf("no delivery may happen while the lock is held, got %d", calls)
	}

	// Soft failure, not state corruption: once contention clears, the
	// registry is intact and operations resume.
	if n := b.SubscriberCount(); n != 1 {
		t.Fatalf("timed-out unsubscribe must not remove the subscription, got %d", n)
	}
	b.Publish(0x80, []byte{2})
	if calls != 1 {
		t.Fatalf("expected delivery after contention cleared, got %d", calls)
	}
}

func TestCloseRemovesAllSubscriptions(t *testing.T) {
	b := New()
	if err := b.Init(config.BusConfig{}, inlineSubmitter); err != nil {
		t.Fatalf("init: %v", err)
	}

	var calls int
	b.Subscribe(0x50, func(Message) { calls++ }, Immediate, 0)
	b.Close()
	b.Close()

	b.Publish(0x50, []byte{1})
	if calls != 0 {
		t.Fatalf("publish after close must be a no-op, got %d calls", calls)
	}
	if b.SubscriberCount() != 0 {
		t.Fatal("expected empty registry after close")
	}
}

func TestConcurrentPublishSubscribeUnsubscribe(t *testing.T) {
	l := loop.New(config.LoopConfig{QueueDepth: 1024})
	l.Start()
	defer l.Close()

	b := newTestBus(t, config.BusConfig{MaxSubscribers: 64}, l)

	var delivered atomic.Int64
	var wg conc.WaitGroup
	for w := 0; w < 4; w++ {
		w := w
		wg.Go(func() {
			for i := 0; i < 200; i++ {
				topic := Topic(w % 2)
				mode := Immediate
				if i%2 == 0 {
					mode = Deferred
				}
				id := b.Subscribe(topic, func(Message) { delivered.Add(1) }, mode, 0)
				b.Publish(topic, []byte{byte(i)})
				b.Unsubscribe(id)
			}
		})
	}
	wg.Wait()

	if b.SubscriberCount() != 0 {
		t.Fatalf("expected all subscriptions removed, got %d", b.SubscriberCount())
	}
	if delivered.Load() == 0 {
		t.Fatal("expected some deliveries under contention")
	}
}
