// pkg/notify/fanout_test.go

package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Handle(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func faces(n int) []Face {
	fs := make([]Face, n)
	for i := range fs {
		fs[i] = Face{X: i * 10, Y: 5, Width: 32, Height: 32}
	}
	return fs
}

func TestDispatchIsolatesFailures(t *testing.T) {
	f := NewFanout(0)
	var order []string
	f.Register(DetectionChanged, SinkFunc(func(ctx context.Context, ev Event) error {
		order = append(order, "failing")
		return errors.New("boom")
	}))
	f.Register(DetectionChanged, SinkFunc(func(ctx context.Context, ev Event) error {
		order = append(order, "panicking")
		panic("bad sink")
	}))
	good := &recordingSink{}
	f.Register(DetectionChanged, good)
	focus := &recordingSink{}
	f.Register(FocusChanged, focus)

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		failed := f.Dispatch(ctx, NewDetectionEvent(time.Now(), time.Duration(i)*time.Second, faces(i)))
		assert.Equal(t, 2, failed)
	}
	assert.Equal(t, []string{"failing", "panicking", "failing", "panicking", "failing", "panicking"}, order)
	require.Len(t, good.Events(), 3)
	assert.Equal(t, 3, good.Events()[2].Count())
	assert.Empty(t, focus.Events())
	assert.Equal(t, 3, f.Sinks(DetectionChanged))
}

func TestSinksReceiveCopies(t *testing.T) {
	f := NewFanout(0)
	f.Register(DetectionChanged, SinkFunc(func(ctx context.Context, ev Event) error {
		ev.Faces[0].X = -1
		return nil
	}))
	r := &recordingSink{}
	f.Register(DetectionChanged, r)
	ev := NewDetectionEvent(time.Now(), 0, faces(1))
	f.Dispatch(context.Background(), ev)
	assert.Equal(t, 0, ev.Faces[0].X)
	assert.Equal(t, 0, r.Events()[0].Faces[0].X)
}

func TestPublishDeliversInOrder(t *testing.T) {
	f := NewFanout(16)
	r := &recordingSink{}
	f.Register(FocusChanged, r)
	f.Start(context.Background())
	states := []FocusState{FocusSearching, FocusFocused, FocusLost}
	for _, s := range states {
		assert.True(t, f.Publish(NewFocusEvent(time.Now(), 0, s)))
	}
	f.Close()
	f.Close()
	assert.False(t, f.Publish(NewFocusEvent(time.Now(), 0, FocusFailed)))

	events := r.Events()
	require.Len(t, events, 3)
	for i, s := range states {
		assert.Equal(t, s, events[i].Focus)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	f := NewFanout(1)
	assert.True(t, f.Publish(NewFocusEvent(time.Now(), 0, FocusFocused)))
	assert.False(t, f.Publish(NewFocusEvent(time.Now(), 0, FocusLost)))
	assert.Equal(t, uint64(1), f.Dropped())
	f.Close()
}

func TestShutdownDrainsWithinGrace(t *testing.T) {
	f := NewFanout(8)
	sink := &recordingSink{}
	f.Register(FocusChanged, sink)
	f.Start(context.Background())
	for i := 0; i < 5; i++ {
		require.True(t, f.Publish(NewFocusEvent(time.Now(), 0, FocusFocused)))
	}
	assert.True(t, f.Shutdown(5*time.Second))
	assert.Len(t, sink.Events(), 5)
	assert.Zero(t, f.Dropped())
	assert.True(t, f.Shutdown(time.Second))
	f.Close()
}

func TestLogSink(t *testing.T) {
	l, hook := test.NewNullLogger()
	s := &LogSink{Logger: l}
	require.NoError(t, s.Handle(context.Background(), NewDetectionEvent(time.Now(), 1500*time.Millisecond, faces(2))))
	require.NoError(t, s.Handle(context.Background(), NewFocusEvent(time.Now(), 0, FocusFocused)))
	require.Len(t, hook.AllEntries(), 2)
	assert.Equal(t, logrus.InfoLevel, hook.AllEntries()[0].Level)
	assert.Contains(t, hook.AllEntries()[0].Message, "Faces detected: 2")
	assert.Contains(t, hook.AllEntries()[0].Message, "relative: 1.5s")
	assert.Equal(t, "Focus state changed to 'Focused'.", hook.LastEntry().Message)
}

func TestEventClone(t *testing.T) {
	ev := NewDetectionEvent(time.Now(), 0, faces(2))
	c := ev.Clone()
	c.Faces[1].Width = 1
	assert.Equal(t, 32, ev.Faces[1].Width)
	assert.Equal(t, ev.ID, c.ID)
	assert.Nil(t, NewFocusEvent(time.Now(), 0, FocusLost).Clone().Faces)
}
