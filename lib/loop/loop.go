// Package loop provides the single-goroutine run loop that executes deferred
// bus deliveries. It stands in for a UI event loop: jobs run strictly
// one-at-a-time, in submission order, on the loop's own goroutine.
package loop

import (
	"sync"

	"github.com/coachpo/signalbus/config"
	"github.com/coachpo/signalbus/errs"
	"github.com/coachpo/signalbus/internal/observability"
)

// Loop owns a bounded FIFO job queue drained by exactly one goroutine.
type Loop struct {
	jobs chan func()
	done chan struct{}

	mu        sync.RWMutex
	started   bool
	closed    bool
	startOnce sync.Once
	closeOnce sync.Once
}

// New constructs a stopped loop with the configured queue depth.
func New(cfg config.LoopConfig) *Loop {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = config.Default().Loop.QueueDepth
	}
	l := new(Loop)
	l.jobs = make(chan func(), depth)
	l.done = make(chan struct{})
	return l
}

// Start launches the loop goroutine. Subsequent calls are no-ops.
func (l *Loop) Start() {
	l.startOnce.Do(func() {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		l.started = true
		l.mu.Unlock()
		go l.run()
	})
}

// Submit schedules fn to run later on the loop goroutine. It never blocks:
// a full queue or a closed loop fails the submission and the caller decides
// whether the dropped work matters.
func (l *Loop) Submit(fn func()) error {
	if fn == nil {
		return errs.New("loop", errs.CodeInvalid, errs.WithMessage("job must not be nil"))
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return errs.New("loop", errs.CodeUnavailable, errs.WithMessage("loop closed"))
	}
	select {
	case l.jobs <- fn:
		return nil
	default:
		return errs.New("loop", errs.CodeExhausted, errs.WithMessage("job queue full"))
	}
}

// Close stops accepting jobs and waits for the loop goroutine to exit. On a
// started loop, jobs already queued are run before Close returns; on a loop
// that was never started, queued jobs are discarded. Close must not be called
// from a job running on the loop itself, since it waits for that job's
// goroutine to finish. Idempotent.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		started := l.started
		close(l.jobs)
		l.mu.Unlock()
		if !started {
			close(l.done)
		}
	})
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for fn := range l.jobs {
		l.invoke(fn)
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			// A panicking callback must not take the loop down with it.
			observability.Log().Error("loop: job panicked",
				observability.Field{Key: "panic", Value: r})
		}
	}()
	fn()
}
