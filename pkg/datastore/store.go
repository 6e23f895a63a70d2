// Package datastore provides a thread-safe reactive key-value store layered
// on the message bus. Every mutating Set publishes a change notification on
// topic = base + key, so watchers (typically UI pages) learn about new
// values without polling.
package datastore

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/coachpo/signalbus/config"
	"github.com/coachpo/signalbus/errs"
	"github.com/coachpo/signalbus/internal/observability"
	"github.com/coachpo/signalbus/lib/syncx"
	"github.com/coachpo/signalbus/pkg/msgbus"
)

// Store maps uint32 keys to owned byte values and republishes changes
// through the bus. Construct with New, call Init once before use; methods on
// an uninitialized store are safe no-ops.
type Store struct {
	initialized atomic.Bool

	lifecycleMu sync.Mutex
	closed      bool

	cfg config.StoreConfig
	bus *msgbus.Bus

	mu      *syncx.Mutex
	entries map[uint32][]byte
}

// New returns an uninitialized store.
func New() *Store {
	return new(Store)
}

// Init performs one-time setup against an initialized bus. A second call
// fails with CodeAlreadyInitialized.
func (s *Store) Init(cfg config.StoreConfig, bus *msgbus.Bus) error {
	if bus == nil {
		return errs.New("datastore/init", errs.CodeInvalid, errs.WithMessage("bus required"))
	}
	if cfg.MaxEntrySize <= 0 {
		cfg.MaxEntrySize = config.Default().Store.MaxEntrySize
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = config.DefaultLockTimeout
	}
	if cfg.TopicBase == 0 {
		cfg.TopicBase = config.DefaultTopicBase
	}

	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.closed {
		return errs.New("datastore/init", errs.CodeUnavailable, errs.WithMessage("store closed"))
	}
	if s.initialized.Load() {
		return errs.New("datastore/init", errs.CodeAlreadyInitialized, errs.WithMessage("store already initialized"))
	}

	s.cfg = cfg
	s.bus = bus
	s.mu = syncx.NewMutex()
	s.entries = make(map[uint32][]byte)
	s.initialized.Store(true)

	observability.Log().Info("datastore: initialized",
		observability.Field{Key: "max_entry_size", Value: cfg.MaxEntrySize},
		observability.Field{Key: "topic_base", Value: cfg.TopicBase})
	return nil
}

// SetRaw stores data under key and reports whether a change notification was
// published. Writing bytes identical to the stored value is an idempotent
// no-op, which keeps producers that re-publish unchanged readings from
// causing notification storms. The notification is published after the store
// lock is released, so a watch callback may synchronously call back into the
// store.
func (s *Store) SetRaw(key uint32, data []byte) bool {
	if !s.initialized.Load() || len(data) == 0 {
		return false
	}
	if len(data) > s.cfg.MaxEntrySize {
		observability.Log().Warn("datastore: value too large",
			observability.Field{Key: "key", Value: key},
			observability.Field{Key: "size", Value: len(data)},
			observability.Field{Key: "max", Value: s.cfg.MaxEntrySize})
		return false
	}

	if !s.mu.LockTimeout(s.cfg.LockTimeout) {
		observability.Log().Error("datastore: set lock timeout",
			observability.Field{Key: "key", Value: key})
		return false
	}
	existing, ok := s.entries[key]
	if ok && bytes.Equal(existing, data) {
		s.mu.Unlock()
		return false
	}
	s.entries[key] = append([]byte(nil), data...)
	s.mu.Unlock()

	s.bus.Publish(s.topic(key), data)
	return true
}

// GetRaw returns a copy of the value stored under key, but only when the
// stored size exactly equals size. A size mismatch is indistinguishable from
// a missing key: each key carries one consistent wire shape.
func (s *Store) GetRaw(key uint32, size int) ([]byte, bool) {
	if !s.initialized.Load() || size <= 0 {
		return nil, false
	}
	if !s.mu.LockTimeout(s.cfg.LockTimeout) {
		observability.Log().Error("datastore: get lock timeout",
			observability.Field{Key: "key", Value: key})
		return nil, false
	}
	defer s.mu.Unlock()

	value, ok := s.entries[key]
	if !ok || len(value) != size {
		return nil, false
	}
	return append([]byte(nil), value...), true
}

// GetInto copies the value stored under key into out when the stored size
// exactly equals len(out).
func (s *Store) GetInto(key uint32, out []byte) bool {
	value, ok := s.GetRaw(key, len(out))
	if !ok {
		return false
	}
	copy(out, value)
	return true
}

// Watch registers fn to run on the owner loop whenever key changes. Only the
// key is delivered; the consumer re-reads the value via Get if it cares.
// Returns the bus subscription handle for Unwatch.
func (s *Store) Watch(key uint32, fn func(key uint32)) msgbus.SubscriptionID {
	if !s.initialized.Load() || fn == nil {
		return msgbus.InvalidSubscription
	}
	return s.bus.Subscribe(s.topic(key), func(msgbus.Message) {
		fn(key)
	}, msgbus.Deferred, 0)
}

// Unwatch removes a watch previously registered with Watch.
func (s *Store) Unwatch(id msgbus.SubscriptionID) {
	if !s.initialized.Load() {
		return
	}
	s.bus.Unsubscribe(id)
}

// Contains reports whether key holds a value.
func (s *Store) Contains(key uint32) bool {
	if !s.initialized.Load() {
		return false
	}
	if !s.mu.LockTimeout(s.cfg.LockTimeout) {
		return false
	}
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Remove deletes key and its value. Removal publishes no notification:
// absence of a value is not itself a change event.
func (s *Store) Remove(key uint32) {
	if !s.initialized.Load() {
		return
	}
	if !s.mu.LockTimeout(s.cfg.LockTimeout) {
		observability.Log().Error("datastore: remove lock timeout",
			observability.Field{Key: "key", Value: key})
		return
	}
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// TopicBase returns the configured notification topic base.
func (s *Store) TopicBase() uint32 {
	return s.cfg.TopicBase
}

// Initialized reports whether Init has completed successfully.
func (s *Store) Initialized() bool {
	return s.initialized.Load()
}

// Close tears the store down; subsequent methods are no-ops. Idempotent.
// Watches registered through the store remain bus subscriptions and should
// be removed by their owners.
func (s *Store) Close() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if !s.initialized.Load() {
		return
	}
	s.initialized.Store(false)
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
	observability.Log().Info("datastore: closed")
}

func (s *Store) topic(key uint32) msgbus.Topic {
	return msgbus.Topic(s.cfg.TopicBase + key)
}
