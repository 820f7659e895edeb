// pkg/utils/clock_unix.go

package utils

import "time"

// Timer is the part of the wall clock the recorder depends on, so tests can
// drive chunk deadlines without sleeping.
type Timer interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// WallClock is the Timer backed by the system clock.
var WallClock Timer = wallClock{}
