// pkg/notify/fanout.go

package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"SecCam/pkg/utils"
)

var logger = utils.GetLogger("seccam")

// Sink handles one event. Errors are logged by the Fanout and never reach
// the producer.
type Sink interface {
	Handle(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Handle(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Fanout delivers events to the sinks registered for their kind, one sink
// after another in registration order.
type Fanout struct {
	mu      sync.RWMutex
	sinks   map[Kind][]Sink
	queue   chan Event
	done    chan struct{}
	cancel  context.CancelFunc
	started bool
	closed  bool
	dropped uint64
}

// NewFanout returns a Fanout buffering up to queueSize published events.
func NewFanout(queueSize int) *Fanout {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Fanout{
		sinks: make(map[Kind][]Sink),
		queue: make(chan Event, queueSize),
		done:  make(chan struct{}),
	}
}

func (f *Fanout) Register(kind Kind, sink Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks[kind] = append(f.sinks[kind], sink)
}

// Sinks returns the number of sinks registered for kind.
func (f *Fanout) Sinks(kind Kind) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sinks[kind])
}

func (f *Fanout) handle(ctx context.Context, sink Sink, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return sink.Handle(ctx, ev.Clone())
}

// Dispatch runs every sink registered for ev.Kind and returns the number of
// sinks that failed.
func (f *Fanout) Dispatch(ctx context.Context, ev Event) int {
	f.mu.RLock()
	sinks := append([]Sink(nil), f.sinks[ev.Kind]...)
	f.mu.RUnlock()
	var failed int
	for _, sink := range sinks {
		if err := f.handle(ctx, sink, ev); err != nil {
			failed++
			logger.Errorf("%s sink of type '%T' has failed: %s", ev.Kind, sink, err)
		}
	}
	return failed
}

// Publish queues a copy of ev for the dispatcher without blocking. It
// returns false when the event was dropped.
func (f *Fanout) Publish(ev Event) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return false
	}
	select {
	case f.queue <- ev.Clone():
		return true
	default:
		n := atomic.AddUint64(&f.dropped, 1)
		logger.Warnf("Notification queue is full, dropped %s (%d dropped so far)", ev, n)
		return false
	}
}

// Dropped returns the number of events that never reached their sinks:
// those Publish could not queue and those abandoned by Shutdown.
func (f *Fanout) Dropped() uint64 {
	return atomic.LoadUint64(&f.dropped)
}

// Start runs the dispatcher until Close. Sinks see ctx.
func (f *Fanout) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started || f.closed {
		return
	}
	f.started = true
	ctx, f.cancel = context.WithCancel(ctx)
	go func() {
		defer close(f.done)
		for ev := range f.queue {
			if ctx.Err() != nil {
				atomic.AddUint64(&f.dropped, 1)
				continue
			}
			f.Dispatch(ctx, ev)
		}
	}()
}

// Close stops accepting events and waits until the queued ones are handled.
func (f *Fanout) Close() {
	f.Shutdown(0)
}

// Shutdown is Close bounded by grace. When the queue is not drained in time
// the sinks' context is cancelled and the events still queued are dropped.
// It reports whether every queued event was handled. A grace of zero waits
// without bound.
func (f *Fanout) Shutdown(grace time.Duration) bool {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.queue)
	}
	started, cancel := f.started, f.cancel
	f.mu.Unlock()
	if !started {
		return true
	}
	defer cancel()
	if grace <= 0 {
		<-f.done
		return true
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-f.done:
		return true
	case <-timer.C:
		logger.Warnf("Notification sinks are still busy after %s, cancelling them", grace)
		cancel()
		<-f.done
		return false
	}
}
