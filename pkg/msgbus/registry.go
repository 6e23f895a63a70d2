package msgbus

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/coachpo/signalbus/errs"
	"github.com/coachpo/signalbus/lib/syncx"
)

// subscription is a registry record. The registry owns it exclusively;
// callers only ever hold the integer handle.
type subscription struct {
	id      SubscriptionID
	topic   Topic
	cb      Callback
	mode    DeliveryMode
	limiter *rate.Limiter
}

// dispatch is the per-subscriber snapshot copied out of the registry during
// a publish, so callbacks run without the registry lock held.
type dispatch struct {
	id   SubscriptionID
	cb   Callback
	mode DeliveryMode
}

// registry maps subscription handles to (topic, callback, mode, throttle)
// records. All mutation happens under a bounded-wait lock; on timeout the
// operation fails softly instead of blocking the caller.
type registry struct {
	mu      *syncx.Mutex
	timeout time.Duration

	subs   []*subscription
	nextID SubscriptionID
}

func newRegistry(capacityHint int, timeout time.Duration) *registry {
	r := new(registry)
	r.mu = syncx.NewMutex()
	r.timeout = timeout
	r.subs = make([]*subscription, 0, capacityHint)
	r.nextID = 1
	return r
}

func (r *registry) insert(topic Topic, cb Callback, mode DeliveryMode, minInterval time.Duration) (SubscriptionID, error) {
	if !r.mu.LockTimeout(r.timeout) {
		return InvalidSubscription, errs.New("msgbus/registry", errs.CodeTimeout)
	}
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	// Wrap-around guard: zero stays reserved.
	if r.nextID == InvalidSubscription {
		r.nextID = 1
	}

	var limiter *rate.Limiter
	if minInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(minInterval), 1)
	}

	r.subs = append(r.subs, &subscription{
		id:      id,
		topic:   topic,
		cb:      cb,
		mode:    mode,
		limiter: limiter,
	})
	return id, nil
}

func (r *registry) remove(id SubscriptionID) (bool, error) {
	if !r.mu.LockTimeout(r.timeout) {
		return false, errs.New("msgbus/registry", errs.CodeTimeout)
	}
	defer r.mu.Unlock()

	for i, sub := range r.subs {
		if sub.id == id {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// collect snapshots the matching, non-throttled subscribers for one publish.
// A throttled subscriber is skipped without consuming its throttle token, so
// the next publish after the window delivers the freshest payload.
func (r *registry) collect(topic Topic) ([]dispatch, int, error) {
	if !r.mu.LockTimeout(r.timeout) {
		return nil, 0, errs.New("msgbus/registry", errs.CodeTimeout)
	}
	defer r.mu.Unlock()

	var matches []dispatch
	throttled := 0
	for _, sub := range r.subs {
		if sub.topic != topic {
			continue
		}
		if sub.limiter != nil && !sub.limiter.Allow() {
			throttled++
			continue
		}
		matches = append(matches, dispatch{id: sub.id, cb: sub.cb, mode: sub.mode})
	}
	return matches, throttled, nil
}

func (r *registry) count() int {
	if !r.mu.LockTimeout(r.timeout) {
		return 0
	}
	defer r.mu.Unlock()
	return len(r.subs)
}

// clear removes every subscription. Teardown-only; waits unboundedly.
func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = r.subs[:0]
}
