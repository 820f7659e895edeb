// pkg/notify/log.go

package notify

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// LogSink writes events to a logger.
type LogSink struct {
	Logger logrus.FieldLogger
}

func NewLogSink() *LogSink {
	return &LogSink{Logger: logger}
}

func (s *LogSink) Handle(ctx context.Context, ev Event) error {
	l := s.Logger.WithField("event", ev.ID.String())
	switch ev.Kind {
	case DetectionChanged:
		l.Infof("Faces detected: %d at %s (relative: %s)", ev.Count(), ev.Time.Format(time.RFC3339), ev.Relative)
	case FocusChanged:
		l.Infof("Focus state changed to '%s'.", ev.Focus)
	default:
		l.Infof("Unknown event %s", ev)
	}
	return nil
}
