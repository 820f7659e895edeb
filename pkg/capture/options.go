// pkg/capture/options.go

package capture

import (
	"time"

	"SecCam/pkg/utils"
)

// GstOptions configures the GStreamer RTSP producer.
type GstOptions struct {
	URL           string
	Latency       time.Duration
	FaceDetection bool
	Profile       string // cascade file of the facedetect element
	Clock         utils.Timer
}
