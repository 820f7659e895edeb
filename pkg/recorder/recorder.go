// pkg/recorder/recorder.go

package recorder

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"SecCam/pkg/capture"
	"SecCam/pkg/meta"
	"SecCam/pkg/notify"
	"SecCam/pkg/object"
	"SecCam/pkg/pagestream"
	"SecCam/pkg/utils"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

var logger = utils.GetLogger("seccam")

// Summary is the outcome of Run.
type Summary = meta.Summary

type Options struct {
	ChunkSize     time.Duration
	MaxDuration   time.Duration // zero records until the context is cancelled
	NameFormat    string        // time layout of object names, see ObjectName
	Stream        *pagestream.Config
	StartRetry    utils.RetryPolicy
	ShutdownGrace time.Duration // bound of the teardown after cancellation
	// OnChunkFailed is called with the number of consecutive failed chunks.
	OnChunkFailed func(consecutive int, err error)
}

// ObjectName formats t with layout. The extension of layout is kept as is,
// so "2006/01/02/15-04-05.mp4" gives "2024/05/01/10-00-00.mp4".
func ObjectName(layout string, t time.Time) string {
	ext := path.Ext(layout)
	return t.Format(layout[:len(layout)-len(ext)]) + ext
}

// uniqueName appends "-seq" before the extension of a name already used in
// this run, so a chunk restarted within the same second keeps its own object.
func uniqueName(taken map[string]bool, name string, seq int) string {
	if taken[name] {
		ext := path.Ext(name)
		name = fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), seq, ext)
	}
	taken[name] = true
	return name
}

// Recorder records a producer into a sequence of bounded chunks, one object
// per chunk. A failed chunk is logged and followed by a new one; only
// cancellation or the end of MaxDuration stops a Run.
type Recorder struct {
	store    object.PageStore
	producer capture.Producer
	fanout   *notify.Fanout
	index    meta.Meta
	clock    utils.Timer
	opts     Options
}

// New returns a Recorder. fanout and index may be nil.
func New(store object.PageStore, producer capture.Producer, fanout *notify.Fanout, index meta.Meta, clock utils.Timer, opts *Options) *Recorder {
	o := *opts
	if o.ChunkSize <= 0 {
		o.ChunkSize = 10 * time.Minute
	}
	if o.NameFormat == "" {
		o.NameFormat = "2006/01/02/15-04-05.mp4"
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 30 * time.Second
	}
	if clock == nil {
		clock = utils.WallClock
	}
	return &Recorder{store: store, producer: producer, fanout: fanout, index: index, clock: clock, opts: o}
}

// Run records until ctx is cancelled or MaxDuration has elapsed. The error
// is non-nil only when the producer cannot be opened.
func (r *Recorder) Run(ctx context.Context) (*Summary, error) {
	started := r.clock.Now()
	var deadline time.Time
	if r.opts.MaxDuration > 0 {
		deadline = started.Add(r.opts.MaxDuration)
	}
	summary := &Summary{}
	defer func() {
		summary.RunTime = r.clock.Now().Sub(started)
		ru := utils.GetRusage()
		logger.Infof("Total recording time: %s, total run time: %s (%d chunks, %d failed, cpu %.1fs user %.1fs sys)",
			summary.Recorded, summary.RunTime, summary.Chunks, summary.Failed, ru.GetUtime(), ru.GetStime())
	}()

	if r.fanout != nil {
		unsubscribe := r.producer.Subscribe(func(ev notify.Event) {
			if !r.fanout.Publish(ev) {
				logger.Warnf("Dropped %s", ev)
			}
		})
		defer unsubscribe()
	}
	if err := r.producer.Open(ctx); err != nil {
		logger.Errorf("Open producer: %s", err)
		return summary, errors.Wrap(err, "open producer")
	}
	defer func() {
		if err := r.producer.Close(); err != nil {
			logger.Warnf("Close producer: %s", err)
		}
	}()

	consecutive := 0
	taken := make(map[string]bool)
	for seq := 0; ctx.Err() == nil; seq++ {
		now := r.clock.Now()
		length := r.opts.ChunkSize
		if !deadline.IsZero() {
			remaining := deadline.Sub(now)
			if remaining <= 0 {
				break
			}
			if remaining < length {
				length = remaining
			}
		}
		name := uniqueName(taken, ObjectName(r.opts.NameFormat, now), seq)
		seg, cancelled, err := r.recordChunk(ctx, seq, name, now, length)
		if seg != nil {
			summary.Chunks++
			summary.Recorded += seg.Duration
			if err != nil {
				summary.Failed++
				consecutive++
				logger.Warnf("Chunk %s failed: %s", seg.Name, err)
				if r.opts.OnChunkFailed != nil {
					r.opts.OnChunkFailed(consecutive, err)
				}
			} else {
				consecutive = 0
			}
			r.addSegment(seg)
		}
		if cancelled {
			break
		}
	}
	return summary, nil
}

func (r *Recorder) addSegment(seg *meta.Segment) {
	if r.index == nil {
		return
	}
	if err := r.index.AddSegment(seg); err != nil {
		logger.Warnf("Index segment %s: %s", seg.Name, err)
	}
}

// detach returns a context that survives the cancellation of ctx for the
// shutdown grace period.
func (r *Recorder) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		t := time.AfterFunc(r.opts.ShutdownGrace, cancel)
		context.AfterFunc(dctx, func() { t.Stop() })
	})
	return dctx, func() {
		stop()
		cancel()
	}
}

// recordChunk records one chunk of at most length into name. seg is nil
// when the chunk never started because ctx was cancelled. seg.Duration is
// set once the producer stopped, even if persisting the tail failed.
func (r *Recorder) recordChunk(ctx context.Context, seq int, name string, start time.Time, length time.Duration) (seg *meta.Segment, cancelled bool, err error) {
	seg = &meta.Segment{Seq: seq, Name: name, Start: start, Status: meta.SegmentRecorded}
	defer func() {
		if err != nil {
			seg.Status = meta.SegmentFailed
			seg.Error = err.Error()
		}
	}()

	sctx, release := r.detach(ctx)
	defer release()

	var st *pagestream.Stream
	err = r.opts.StartRetry.Do(ctx, func(attempt int) error {
		st = pagestream.New(sctx, r.store, name, r.opts.Stream)
		serr := r.producer.StartRecord(ctx, st)
		if serr != nil {
			logger.Warnf("Start chunk %s (attempt %d/%d): %s", name, attempt, r.opts.StartRetry.Attempts(), serr)
			if cerr := st.Close(); cerr != nil && !errors.Is(serr, cerr) {
				logger.Debugf("Close %s: %s", name, cerr)
			}
		}
		return serr
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, true, nil
		}
		seg.Size = st.Size()
		return seg, false, errors.Wrap(err, "start chunk")
	}
	logger.Infof("Started chunk %s", name)

	select {
	case <-r.clock.After(length):
	case <-ctx.Done():
		cancelled = true
	}

	recorded, err := r.producer.StopRecord(sctx)
	if err == nil {
		seg.Duration = recorded
		err = st.Flush()
	}
	if cerr := st.Close(); cerr != nil && (err == nil || !errors.Is(err, cerr)) {
		err = multierr.Append(err, cerr)
	}
	seg.Size = st.Size()
	if err == nil {
		logger.Infof("Stopped chunk %s after %s (%d bytes)", name, recorded, seg.Size)
	}
	return seg, cancelled, err
}
