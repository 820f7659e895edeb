// pkg/capture/gst.go

//go:build gst

package capture

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"SecCam/pkg/notify"
	"SecCam/pkg/utils"

	"github.com/pkg/errors"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Gst records an RTSP H.264 stream into MP4 with GStreamer:
//
//	rtspsrc ! rtph264depay ! h264parse ! tee ! mp4mux ! appsink
//	                                     tee ! avdec_h264 ! videoconvert ! facedetect ! fakesink
//
// mp4mux rewrites its headers at EOS; the byte offset carried by each
// buffer is turned into a seek on the sink.
type Gst struct {
	*hub
	opts GstOptions

	mu       sync.Mutex
	pipeline *gst.Pipeline
	sink     Sink
	err      error
	started  time.Time
	eos      chan struct{}
	stop     chan struct{}
	busDone  chan struct{}
}

func NewGst(opts GstOptions) (Producer, error) {
	if opts.URL == "" {
		return nil, errors.New("rtsp url is required")
	}
	if opts.Latency <= 0 {
		opts.Latency = 200 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = utils.WallClock
	}
	return &Gst{hub: newHub(), opts: opts}, nil
}

func (g *Gst) Open(ctx context.Context) error {
	gst.Init(nil)
	elements := []string{"rtspsrc", "rtph264depay", "h264parse", "mp4mux", "appsink"}
	if g.opts.FaceDetection {
		elements = append(elements, "avdec_h264", "facedetect")
	}
	for _, name := range elements {
		elem, err := gst.NewElement(name)
		if err != nil {
			return errors.Wrapf(err, "gstreamer element %s", name)
		}
		_ = elem.SetState(gst.StateNull)
	}
	g.reset(g.opts.Clock.Now())
	return nil
}

func (g *Gst) launch() string {
	desc := fmt.Sprintf("rtspsrc location=%q latency=%d protocols=tcp ! rtph264depay ! h264parse ! tee name=t "+
		"t. ! queue ! mp4mux name=mux ! appsink name=out sync=false emit-signals=false",
		g.opts.URL, g.opts.Latency.Milliseconds())
	if g.opts.FaceDetection {
		profile := ""
		if g.opts.Profile != "" {
			profile = fmt.Sprintf(" profile=%q", g.opts.Profile)
		}
		desc += " t. ! queue leaky=downstream ! avdec_h264 ! videoconvert ! facedetect display=false" + profile + " ! fakesink sync=false"
	}
	return desc
}

func (g *Gst) StartRecord(ctx context.Context, sink Sink) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pipeline != nil {
		return errors.New("already recording")
	}
	pipeline, err := gst.NewPipelineFromString(g.launch())
	if err != nil {
		return errors.Wrap(err, "create pipeline")
	}
	elem, err := pipeline.GetElementByName("out")
	if err != nil {
		return errors.Wrap(err, "find appsink")
	}
	out := app.SinkFromElement(elem)
	out.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: g.onSample,
	})
	g.pipeline = pipeline
	g.sink = sink
	g.err = nil
	g.started = g.opts.Clock.Now()
	g.eos = make(chan struct{})
	g.stop = make(chan struct{})
	g.busDone = make(chan struct{})
	go g.watchBus(pipeline.GetPipelineBus(), g.eos, g.stop, g.busDone)
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		close(g.stop)
		<-g.busDone
		g.pipeline = nil
		return errors.Wrap(err, "start pipeline")
	}
	return nil
}

func (g *Gst) fail(err error) {
	g.mu.Lock()
	if g.err == nil {
		g.err = err
	}
	g.mu.Unlock()
}

func (g *Gst) onSample(out *app.Sink) gst.FlowReturn {
	sample := out.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	info := buffer.Map(gst.MapRead)
	defer buffer.Unmap()
	data := info.Bytes()
	if len(data) == 0 {
		return gst.FlowOK
	}
	if off := buffer.Offset(); off >= 0 && off != g.sink.Position() {
		if _, err := g.sink.Seek(off, io.SeekStart); err != nil {
			g.fail(err)
			return gst.FlowError
		}
	}
	if _, err := g.sink.Write(data); err != nil {
		logger.Warnf("Capture failed: %s", err)
		g.fail(err)
		return gst.FlowError
	}
	return gst.FlowOK
}

func (g *Gst) watchBus(bus *gst.Bus, eos, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}
		msg := bus.TimedPop(100 * time.Millisecond)
		if msg == nil {
			continue
		}
		now := g.opts.Clock.Now()
		switch msg.Type() {
		case gst.MessageEOS:
			close(eos)
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			logger.Warnf("Capture failed: %s (%s)", gerr.Error(), gerr.DebugString())
			g.fail(gerr)
			g.focused(now, notify.FocusLost)
		case gst.MessageWarning:
			logger.Warnf("Capture warning: %s", msg.ParseWarning().Error())
		case gst.MessageStateChanged:
			if _, state := msg.ParseStateChanged(); state == gst.StatePlaying {
				g.focused(now, notify.FocusFocused)
			}
		case gst.MessageElement:
			if s := msg.GetStructure(); s != nil && s.Name() == "facedetect" {
				g.detected(now, parseFaces(s))
			}
		}
	}
}

// parseFaces reads the faces list posted by the facedetect element.
func parseFaces(s *gst.Structure) []notify.Face {
	v, err := s.GetValue("faces")
	if err != nil {
		return nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	faces := make([]notify.Face, 0, len(list))
	for _, item := range list {
		fs, ok := item.(*gst.Structure)
		if !ok {
			continue
		}
		var f notify.Face
		for key, dst := range map[string]*int{"x": &f.X, "y": &f.Y, "width": &f.Width, "height": &f.Height} {
			if v, err := fs.GetValue(key); err == nil {
				if n, ok := v.(uint); ok {
					*dst = int(n)
				}
			}
		}
		faces = append(faces, f)
	}
	return faces
}

func (g *Gst) StopRecord(ctx context.Context) (time.Duration, error) {
	g.mu.Lock()
	pipeline := g.pipeline
	g.pipeline = nil
	g.mu.Unlock()
	if pipeline == nil {
		return 0, errors.New("not recording")
	}
	pipeline.SendEvent(gst.NewEOSEvent())
	select {
	case <-g.eos:
	case <-time.After(10 * time.Second):
		logger.Warnf("No EOS from the pipeline after 10s")
	case <-ctx.Done():
	}
	close(g.stop)
	<-g.busDone
	_ = pipeline.SetState(gst.StateNull)
	d := g.opts.Clock.Now().Sub(g.started)
	g.mu.Lock()
	err := g.err
	g.mu.Unlock()
	if err == nil {
		err = ctx.Err()
	}
	return d, err
}

func (g *Gst) Close() error {
	g.mu.Lock()
	recording := g.pipeline != nil
	g.mu.Unlock()
	if recording {
		_, err := g.StopRecord(context.Background())
		return err
	}
	return nil
}
