// pkg/capture/gst_stub.go

//go:build !gst

package capture

import "github.com/pkg/errors"

// NewGst needs a binary built with the gst tag.
func NewGst(opts GstOptions) (Producer, error) {
	return nil, errors.New("rtsp capture is not compiled in, rebuild with -tags gst")
}
