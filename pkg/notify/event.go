// pkg/notify/event.go

package notify

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the category of a state change.
type Kind string

const (
	DetectionChanged Kind = "detection"
	FocusChanged     Kind = "focus"
)

// FocusState is the focus state reported by a capture device.
type FocusState string

const (
	FocusUninitialized FocusState = "Uninitialized"
	FocusLost          FocusState = "Lost"
	FocusSearching     FocusState = "Searching"
	FocusFocused       FocusState = "Focused"
	FocusFailed        FocusState = "Failed"
)

// Face is a detected face bounding box in frame pixels.
type Face struct {
	X      int `json:"x" msgpack:"x"`
	Y      int `json:"y" msgpack:"y"`
	Width  int `json:"width" msgpack:"width"`
	Height int `json:"height" msgpack:"height"`
}

// Event is an immutable state change notification; sinks receive copies.
type Event struct {
	ID       uuid.UUID     `json:"id" msgpack:"id"`
	Kind     Kind          `json:"kind" msgpack:"kind"`
	Time     time.Time     `json:"time" msgpack:"time"`
	Relative time.Duration `json:"relative" msgpack:"relative"` // since the capture started
	Faces    []Face        `json:"faces,omitempty" msgpack:"faces,omitempty"`
	Focus    FocusState    `json:"focus,omitempty" msgpack:"focus,omitempty"`
}

// NewDetectionEvent returns a DetectionChanged event for faces.
func NewDetectionEvent(now time.Time, relative time.Duration, faces []Face) Event {
	return Event{
		ID:       uuid.New(),
		Kind:     DetectionChanged,
		Time:     now,
		Relative: relative,
		Faces:    append([]Face(nil), faces...),
	}
}

// NewFocusEvent returns a FocusChanged event.
func NewFocusEvent(now time.Time, relative time.Duration, state FocusState) Event {
	return Event{
		ID:       uuid.New(),
		Kind:     FocusChanged,
		Time:     now,
		Relative: relative,
		Focus:    state,
	}
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	c := e
	if e.Faces != nil {
		c.Faces = append([]Face(nil), e.Faces...)
	}
	return c
}

// Count is the number of detected faces.
func (e Event) Count() int { return len(e.Faces) }

func (e Event) String() string {
	switch e.Kind {
	case DetectionChanged:
		return fmt.Sprintf("%d faces detected at %s", len(e.Faces), e.Time.Format(time.RFC3339))
	case FocusChanged:
		return fmt.Sprintf("focus %s at %s", e.Focus, e.Time.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s event at %s", e.Kind, e.Time.Format(time.RFC3339))
}
