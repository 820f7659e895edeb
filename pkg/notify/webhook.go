// pkg/notify/webhook.go

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"SecCam/pkg/utils"

	"github.com/pkg/errors"
)

// DefaultWebhookDelays is the wait schedule between webhook attempts.
var DefaultWebhookDelays = []time.Duration{
	100 * time.Millisecond,
	time.Second,
	3 * time.Second,
	5 * time.Second,
	10 * time.Second,
	time.Minute,
}

// StatusError is an unexpected HTTP response status.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http status %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("http status %d", e.Code)
}

// IsTransient reports whether a delivery failure is worth retrying:
// timeouts, refused or reset connections, 408, 429 and 5xx responses.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusRequestTimeout || se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}

type detectionRequest struct {
	ID            string    `json:"id"`
	Time          time.Time `json:"time"`
	DetectedFaces []Face    `json:"detectedFaces"`
}

type focusRequest struct {
	ID    string     `json:"id"`
	Time  time.Time  `json:"time"`
	State FocusState `json:"state"`
}

// WebhookSink posts events as JSON to a URL, retrying transient failures.
type WebhookSink struct {
	URL    string
	client *http.Client
	retry  utils.RetryPolicy
}

// NewWebhookSink returns a sink with a per request timeout. A retry policy
// without Retryable retries transient failures only.
func NewWebhookSink(url string, timeout time.Duration, retry utils.RetryPolicy) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if retry.Retryable == nil {
		retry.Retryable = IsTransient
	}
	return &WebhookSink{URL: url, client: &http.Client{Timeout: timeout}, retry: retry}
}

func webhookBody(ev Event) ([]byte, error) {
	if ev.Kind == FocusChanged {
		return json.Marshal(focusRequest{ID: ev.ID.String(), Time: ev.Time, State: ev.Focus})
	}
	faces := ev.Faces
	if faces == nil {
		faces = []Face{}
	}
	return json.Marshal(detectionRequest{ID: ev.ID.String(), Time: ev.Time, DetectedFaces: faces})
}

func (s *WebhookSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return nil
}

func (s *WebhookSink) Handle(ctx context.Context, ev Event) error {
	body, err := webhookBody(ev)
	if err != nil {
		return err
	}
	logger.Infof("Calling web hook at '%s'...", s.URL)
	return s.retry.Do(ctx, func(attempt int) error {
		err := s.post(ctx, body)
		if err != nil && attempt <= len(s.retry.Delays) && s.retry.Retryable(err) {
			logger.Warnf("Web hook %s attempt %d failed: %s", s.URL, attempt, err)
		}
		return err
	})
}
