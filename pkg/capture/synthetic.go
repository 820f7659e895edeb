// pkg/capture/synthetic.go

package capture

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"SecCam/pkg/notify"
	"SecCam/pkg/utils"

	"github.com/pkg/errors"
)

// SyntheticOptions configures the test pattern producer.
type SyntheticOptions struct {
	Bitrate        int           // payload bytes per second
	Tick           time.Duration // interval between payload writes
	DetectionEvery time.Duration // interval of scripted detections, zero disables them
	Clock          utils.Timer
}

// detectionScript is the face count sequence the synthetic producer plays.
var detectionScript = []int{0, 1, 1, 2, 1, 0, 0, 3}

// Synthetic writes an MP4 shaped test recording: ftyp, an mdat whose size is
// patched at stop and a moov trailer. Like a real muxer it seeks back into
// the sink once the payload size is known.
type Synthetic struct {
	*hub
	opts SyntheticOptions

	mu     sync.Mutex
	rec    *syntheticRecording
	opened bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

type syntheticRecording struct {
	sink    Sink
	started time.Time
	mdat    int64
	payload int64
	err     error
	stop    chan struct{}
	done    chan struct{}
}

func NewSynthetic(opts SyntheticOptions) *Synthetic {
	if opts.Bitrate <= 0 {
		opts.Bitrate = 256 << 10
	}
	if opts.Tick <= 0 {
		opts.Tick = 100 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = utils.WallClock
	}
	return &Synthetic{hub: newHub(), opts: opts}
}

func (s *Synthetic) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}
	s.opened = true
	s.stop = make(chan struct{})
	now := s.opts.Clock.Now()
	s.reset(now)
	s.focused(now, notify.FocusSearching)
	s.focused(now, notify.FocusFocused)
	if s.opts.DetectionEvery > 0 {
		s.wg.Add(1)
		go s.detect()
	}
	return nil
}

func (s *Synthetic) detect() {
	defer s.wg.Done()
	for i := 1; ; i++ {
		select {
		case <-s.stop:
			return
		case <-s.opts.Clock.After(s.opts.DetectionEvery):
		}
		n := detectionScript[i%len(detectionScript)]
		faces := make([]notify.Face, n)
		for j := range faces {
			faces[j] = notify.Face{X: 40 + 120*j, Y: 60, Width: 96, Height: 96}
		}
		s.detected(s.opts.Clock.Now(), faces)
	}
}

func box(typ string, payload []byte) []byte {
	b := make([]byte, 8, 8+len(payload))
	binary.BigEndian.PutUint32(b, uint32(8+len(payload)))
	copy(b[4:], typ)
	return append(b, payload...)
}

func ftypBox() []byte {
	return box("ftyp", []byte("isom\x00\x00\x02\x00isomiso2mp41"))
}

func moovBox(d time.Duration) []byte {
	mvhd := make([]byte, 100)
	binary.BigEndian.PutUint32(mvhd[12:], 1000) // timescale
	binary.BigEndian.PutUint32(mvhd[16:], uint32(d.Milliseconds()))
	binary.BigEndian.PutUint32(mvhd[20:], 0x00010000) // rate 1.0
	binary.BigEndian.PutUint16(mvhd[24:], 0x0100)     // volume 1.0
	for i, v := range []uint32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000} {
		binary.BigEndian.PutUint32(mvhd[36+4*i:], v)
	}
	binary.BigEndian.PutUint32(mvhd[96:], 1) // next track id
	return box("moov", box("mvhd", mvhd))
}

// pattern fills p with the payload bytes found at offset off.
func pattern(p []byte, off int64) {
	for i := range p {
		p[i] = byte((off + int64(i)) * 31)
	}
}

func (s *Synthetic) StartRecord(ctx context.Context, sink Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return errors.New("producer is not opened")
	}
	if s.rec != nil {
		return errors.New("already recording")
	}
	if _, err := sink.Write(ftypBox()); err != nil {
		return errors.Wrap(err, "write ftyp")
	}
	r := &syntheticRecording{
		sink:    sink,
		started: s.opts.Clock.Now(),
		mdat:    sink.Position(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if _, err := sink.Write(box("mdat", nil)); err != nil {
		return errors.Wrap(err, "write mdat")
	}
	s.rec = r
	go s.record(r)
	return nil
}

func (s *Synthetic) record(r *syntheticRecording) {
	defer close(r.done)
	n := int(int64(s.opts.Bitrate) * int64(s.opts.Tick) / int64(time.Second))
	if n <= 0 {
		n = 1
	}
	buf := make([]byte, n)
	for {
		select {
		case <-r.stop:
			return
		case <-s.opts.Clock.After(s.opts.Tick):
		}
		pattern(buf, r.payload)
		if _, err := r.sink.Write(buf); err != nil {
			logger.Warnf("Capture failed: %s", err)
			r.err = err
			return
		}
		r.payload += int64(n)
	}
}

func (s *Synthetic) StopRecord(ctx context.Context) (time.Duration, error) {
	s.mu.Lock()
	r := s.rec
	s.rec = nil
	s.mu.Unlock()
	if r == nil {
		return 0, errors.New("not recording")
	}
	close(r.stop)
	select {
	case <-r.done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	d := s.opts.Clock.Now().Sub(r.started)
	if r.err != nil {
		return d, r.err
	}
	if _, err := r.sink.Write(moovBox(d)); err != nil {
		return d, errors.Wrap(err, "write moov")
	}
	if _, err := r.sink.Seek(r.mdat, io.SeekStart); err != nil {
		return d, err
	}
	size := make([]byte, 4)
	binary.BigEndian.PutUint32(size, uint32(8+r.payload))
	if _, err := r.sink.Write(size); err != nil {
		return d, errors.Wrap(err, "patch mdat")
	}
	if _, err := r.sink.Seek(0, io.SeekEnd); err != nil {
		return d, err
	}
	return d, nil
}

func (s *Synthetic) Close() error {
	s.mu.Lock()
	r := s.rec
	opened := s.opened
	s.opened = false
	s.mu.Unlock()
	if r != nil {
		if _, err := s.StopRecord(context.Background()); err != nil {
			logger.Debugf("Stop recording on close: %s", err)
		}
	}
	if opened {
		close(s.stop)
		s.wg.Wait()
	}
	return nil
}
