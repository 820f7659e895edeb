// pkg/config/config_test.go

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	p := filepath.Join(t.TempDir(), "seccam.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	return p
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, int64(32<<20), cfg.Blobs.InitialSizeHint)
	assert.Equal(t, 2.0, cfg.Blobs.ResizeFactor)
	assert.Equal(t, 10*time.Minute, cfg.Recording.ChunkSize)
	assert.Zero(t, cfg.Recording.MaxDuration)
	assert.Equal(t, 64, cfg.Sinks.QueueSize)
	assert.Equal(t, 30*time.Second, cfg.Recording.ShutdownGrace)
	assert.True(t, cfg.Sinks.Log.Enabled)
	assert.False(t, cfg.Sinks.SMS.Enabled)
	assert.False(t, cfg.Sinks.Webhook.Enabled)
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond, time.Second, 3 * time.Second, 5 * time.Second, 10 * time.Second, time.Minute,
	}, cfg.Sinks.Webhook.Delays)
}

func TestLoad(t *testing.T) {
	p := writeConfig(t, `
blobs:
  name_format: "cam/2006-01-02T15:04:05.mp4"
  resize_factor: 1.5
recording:
  chunk_size: 2m
  max_duration: 1h
capture:
  source: rtsp
  url: rtsp://10.0.0.5/stream
sinks:
  log:
    enabled: false
  webhook:
    enabled: true
    when: faces > 0
    face_detection_url: http://hooks.local/faces
    delays: [10ms, 20ms]
  sms:
    enabled: true
    account_sid: AC1
    auth_token: secret
    from: "+100"
    to: ["+1", "+2"]
  mqtt:
    enabled: true
    broker: tcp://broker:1883
    format: msgpack
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 1.5, cfg.Blobs.ResizeFactor)
	assert.Equal(t, int64(32<<20), cfg.Blobs.InitialSizeHint)
	assert.Equal(t, 2*time.Minute, cfg.Recording.ChunkSize)
	assert.Equal(t, time.Hour, cfg.Recording.MaxDuration)
	assert.Equal(t, "rtsp", cfg.Capture.Source)
	assert.False(t, cfg.Sinks.Log.Enabled)
	assert.Equal(t, "faces > 0", cfg.Sinks.Webhook.When)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, cfg.Sinks.Webhook.Delays)
	assert.Equal(t, []string{"+1", "+2"}, cfg.Sinks.SMS.To)
	assert.Equal(t, "secret", cfg.Sinks.SMS.AuthToken)
	assert.Equal(t, "tcp://broker:1883", cfg.Sinks.MQTT.Broker)
	assert.Equal(t, "seccam/events", cfg.Sinks.MQTT.Topic)

	start := time.Date(2024, 5, 1, 10, 4, 9, 0, time.UTC)
	assert.Equal(t, "cam/2024-05-01T10:04:09.mp4", cfg.Blobs.ObjectName(start))
	assert.Equal(t, "2024/05/01/10-04-09.mp4", Default().Blobs.ObjectName(start))

	sc := cfg.Blobs.Stream()
	assert.Equal(t, 1.5, sc.ResizeFactor)
	assert.Equal(t, 1<<20, sc.WriterBuffer)

	retry := cfg.Sinks.Webhook.Retry()
	assert.Equal(t, 3, retry.Attempts())
	assert.NotNil(t, retry.Retryable)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"factor":   "blobs:\n  resize_factor: 1\n",
		"hint":     "blobs:\n  initial_size_hint: 0\n",
		"chunk":    "recording:\n  chunk_size: 0s\n",
		"source":   "capture:\n  source: usb\n",
		"rtsp":     "capture:\n  source: rtsp\n",
		"redis":    "sinks:\n  redis:\n    enabled: true\n",
		"sms":      "sinks:\n  sms:\n    enabled: true\n    account_sid: AC1\n",
		"webhook":  "sinks:\n  webhook:\n    enabled: true\n",
		"mqtt":     "sinks:\n  mqtt:\n    enabled: true\n",
		"mqttfmt":  "sinks:\n  mqtt:\n    enabled: true\n    broker: tcp://b:1883\n    format: xml\n",
		"negative": "recording:\n  max_duration: -1s\n",
	}
	for name, body := range cases {
		_, err := Load(writeConfig(t, body))
		assert.Error(t, err, name)
	}

	_, err := Load(writeConfig(t, "blobs: ["))
	assert.Error(t, err)
	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestStartRetry(t *testing.T) {
	r := RecordingConfig{StartRetries: 3, StartBackoff: time.Second}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, r.StartRetry().Delays)
	r.StartBackoff = 0
	assert.Equal(t, []time.Duration{0, 0, 0}, r.StartRetry().Delays)
}

func TestRecorderOptions(t *testing.T) {
	cfg := Default()
	cfg.Recording.MaxDuration = time.Hour
	opts := cfg.Recorder()
	assert.Equal(t, 10*time.Minute, opts.ChunkSize)
	assert.Equal(t, time.Hour, opts.MaxDuration)
	assert.Equal(t, 30*time.Second, opts.ShutdownGrace)
	assert.Equal(t, 4, opts.StartRetry.Attempts())
	assert.Equal(t, int64(32<<20), opts.Stream.InitialSize)
	assert.Equal(t, 64<<10, opts.Stream.BufferSize)
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024/05/01/10-00-00.mp4", cfg.Blobs.ObjectName(ts))
}
