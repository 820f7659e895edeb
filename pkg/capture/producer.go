// pkg/capture/producer.go

package capture

import (
	"context"
	"io"
	"sync"
	"time"

	"SecCam/pkg/notify"
	"SecCam/pkg/utils"
)

var logger = utils.GetLogger("seccam")

// Sink is the seekable output a producer records one chunk into.
type Sink interface {
	io.Writer
	io.Seeker
	Flush() error
	Position() int64
	Size() int64
}

// Producer captures media and encodes it into a Sink, one chunk at a time.
type Producer interface {
	// Open prepares the capture device. Events may be emitted from now on.
	Open(ctx context.Context) error
	// StartRecord begins encoding into sink.
	StartRecord(ctx context.Context, sink Sink) error
	// StopRecord finalizes the container and returns the recorded duration.
	// The sink is not touched after it returns.
	StopRecord(ctx context.Context) (time.Duration, error)
	// Subscribe registers fn for detection and focus changes.
	Subscribe(fn func(notify.Event)) (cancel func())
	Close() error
}

// hub delivers change events to subscribers. Detection events are emitted
// only when the face count changes, focus events only when the state
// changes.
type hub struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]func(notify.Event)
	faces   int
	focus   notify.FocusState
	started time.Time
}

func newHub() *hub {
	return &hub{subs: make(map[int]func(notify.Event)), focus: notify.FocusUninitialized}
}

func (h *hub) Subscribe(fn func(notify.Event)) (cancel func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	h.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// reset sets the origin of relative event times.
func (h *hub) reset(now time.Time) {
	h.mu.Lock()
	h.started = now
	h.mu.Unlock()
}

func (h *hub) emit(ev notify.Event) {
	h.mu.Lock()
	subs := make([]func(notify.Event), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.Unlock()
	for _, fn := range subs {
		fn(ev.Clone())
	}
}

func (h *hub) relative(now time.Time) time.Duration {
	if h.started.IsZero() {
		return 0
	}
	return now.Sub(h.started)
}

func (h *hub) detected(now time.Time, faces []notify.Face) bool {
	h.mu.Lock()
	if len(faces) == h.faces {
		h.mu.Unlock()
		return false
	}
	h.faces = len(faces)
	rel := h.relative(now)
	h.mu.Unlock()
	h.emit(notify.NewDetectionEvent(now, rel, faces))
	return true
}

func (h *hub) focused(now time.Time, state notify.FocusState) bool {
	h.mu.Lock()
	if state == h.focus {
		h.mu.Unlock()
		return false
	}
	h.focus = state
	rel := h.relative(now)
	h.mu.Unlock()
	h.emit(notify.NewFocusEvent(now, rel, state))
	return true
}
