// pkg/config/config.go

package config

import (
	"fmt"
	"os"
	"time"

	"SecCam/pkg/notify"
	"SecCam/pkg/pagestream"
	"SecCam/pkg/recorder"
	"SecCam/pkg/utils"

	"gopkg.in/yaml.v3"
)

// Config is the recording configuration of the seccam daemon.
type Config struct {
	Blobs         BlobsConfig         `yaml:"blobs"`
	Recording     RecordingConfig     `yaml:"recording"`
	Capture       CaptureConfig       `yaml:"capture"`
	FaceDetection FaceDetectionConfig `yaml:"face_detection"`
	Sinks         SinksConfig         `yaml:"sinks"`
}

// BlobsConfig controls naming and sizing of recorded objects.
type BlobsConfig struct {
	NameFormat      string  `yaml:"name_format"` // time layout of the chunk start, extension kept verbatim
	InitialSizeHint int64   `yaml:"initial_size_hint"`
	ResizeFactor    float64 `yaml:"resize_factor"`
	BufferSize      int     `yaml:"buffer_size"`   // transfer buffer
	WriterBuffer    int     `yaml:"writer_buffer"` // bytes kept by the store writer
}

type RecordingConfig struct {
	ChunkSize     time.Duration `yaml:"chunk_size"`
	MaxDuration   time.Duration `yaml:"max_duration"` // zero records until stopped
	StartRetries  int           `yaml:"start_retries"`
	StartBackoff  time.Duration `yaml:"start_backoff"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

type CaptureConfig struct {
	Source  string        `yaml:"source"` // synthetic or rtsp
	URL     string        `yaml:"url"`
	Bitrate int           `yaml:"bitrate"` // bytes per second of the synthetic source
	Latency time.Duration `yaml:"latency"`
}

type FaceDetectionConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Profile  string        `yaml:"profile"` // cascade used by the facedetect element
}

// Toggle is shared by every sink section.
type Toggle struct {
	Enabled bool   `yaml:"enabled"`
	When    string `yaml:"when"` // CEL condition, empty matches every event
}

type SinksConfig struct {
	// QueueSize bounds the events waiting for the sinks, 64 by default.
	// Events published while it is full are dropped, logged and counted.
	QueueSize int         `yaml:"queue_size"`
	Log       Toggle      `yaml:"log"`
	Redis     RedisSink   `yaml:"redis"`
	SMS       SMSSink     `yaml:"sms"`
	Webhook   WebhookSink `yaml:"webhook"`
	MQTT      MQTTSink    `yaml:"mqtt"`
}

type RedisSink struct {
	Toggle `yaml:",inline"`
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
	MaxLen int64  `yaml:"max_len"`
}

type SMSSink struct {
	Toggle           `yaml:",inline"`
	notify.SMSConfig `yaml:",inline"`
}

type WebhookSink struct {
	Toggle           `yaml:",inline"`
	FaceDetectionURL string          `yaml:"face_detection_url"`
	FocusChangeURL   string          `yaml:"focus_change_url"`
	Timeout          time.Duration   `yaml:"timeout"`
	Delays           []time.Duration `yaml:"delays"`
}

type MQTTSink struct {
	Toggle            `yaml:",inline"`
	notify.MQTTConfig `yaml:",inline"`
}

// Default returns the configuration used for missing keys.
func Default() *Config {
	return &Config{
		Blobs: BlobsConfig{
			NameFormat:      "2006/01/02/15-04-05.mp4",
			InitialSizeHint: 32 << 20,
			ResizeFactor:    2,
			BufferSize:      64 << 10,
			WriterBuffer:    1 << 20,
		},
		Recording: RecordingConfig{
			ChunkSize:     10 * time.Minute,
			StartRetries:  3,
			StartBackoff:  time.Second,
			ShutdownGrace: 30 * time.Second,
		},
		Capture: CaptureConfig{
			Source:  "synthetic",
			Bitrate: 256 << 10,
			Latency: 200 * time.Millisecond,
		},
		FaceDetection: FaceDetectionConfig{
			Enabled:  true,
			Interval: 500 * time.Millisecond,
		},
		Sinks: SinksConfig{
			QueueSize: 64,
			Log:       Toggle{Enabled: true},
			Redis:     RedisSink{Prefix: "seccam:", MaxLen: 10000},
			Webhook: WebhookSink{
				Timeout: 10 * time.Second,
				Delays:  append([]time.Duration(nil), notify.DefaultWebhookDelays...),
			},
			MQTT: MQTTSink{MQTTConfig: notify.MQTTConfig{ClientID: "seccam", Topic: "seccam/events", Format: "json"}},
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults.
func Load(p string) (*Config, error) {
	cfg := Default()
	if p != "" {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges and the settings each enabled sink needs.
func Validate(c *Config) error {
	b := c.Blobs
	switch {
	case b.NameFormat == "":
		return fmt.Errorf("blobs.name_format is empty")
	case b.InitialSizeHint <= 0:
		return fmt.Errorf("blobs.initial_size_hint must be positive, got %d", b.InitialSizeHint)
	case b.ResizeFactor <= 1:
		return fmt.Errorf("blobs.resize_factor must be greater than 1, got %g", b.ResizeFactor)
	case b.BufferSize <= 0 || b.WriterBuffer <= 0:
		return fmt.Errorf("blobs buffers must be positive")
	}
	r := c.Recording
	switch {
	case r.ChunkSize <= 0:
		return fmt.Errorf("recording.chunk_size must be positive, got %s", r.ChunkSize)
	case r.MaxDuration < 0:
		return fmt.Errorf("recording.max_duration is negative")
	case r.StartRetries < 0 || r.StartBackoff < 0:
		return fmt.Errorf("recording start retry settings are negative")
	}
	switch c.Capture.Source {
	case "synthetic":
		if c.Capture.Bitrate <= 0 {
			return fmt.Errorf("capture.bitrate must be positive")
		}
	case "rtsp":
		if c.Capture.URL == "" {
			return fmt.Errorf("capture.url is required for rtsp")
		}
	default:
		return fmt.Errorf("unknown capture.source %q", c.Capture.Source)
	}
	s := c.Sinks
	if s.Redis.Enabled && s.Redis.URL == "" {
		return fmt.Errorf("sinks.redis.url is required")
	}
	if s.SMS.Enabled && (s.SMS.AccountSID == "" || s.SMS.From == "" || len(s.SMS.To) == 0) {
		return fmt.Errorf("sinks.sms needs account_sid, from and to")
	}
	if s.Webhook.Enabled {
		if s.Webhook.FaceDetectionURL == "" && s.Webhook.FocusChangeURL == "" {
			return fmt.Errorf("sinks.webhook needs face_detection_url or focus_change_url")
		}
		for _, d := range s.Webhook.Delays {
			if d < 0 {
				return fmt.Errorf("sinks.webhook.delays has a negative delay")
			}
		}
	}
	if s.MQTT.Enabled {
		if s.MQTT.Broker == "" {
			return fmt.Errorf("sinks.mqtt.broker is required")
		}
		if s.MQTT.Format != "json" && s.MQTT.Format != "msgpack" {
			return fmt.Errorf("sinks.mqtt.format must be json or msgpack")
		}
	}
	return nil
}

// Recorder returns the recorder options of the blobs and recording sections.
func (c *Config) Recorder() *recorder.Options {
	return &recorder.Options{
		ChunkSize:     c.Recording.ChunkSize,
		MaxDuration:   c.Recording.MaxDuration,
		NameFormat:    c.Blobs.NameFormat,
		Stream:        c.Blobs.Stream(),
		StartRetry:    c.Recording.StartRetry(),
		ShutdownGrace: c.Recording.ShutdownGrace,
	}
}

// Stream returns the adapter settings of the blobs section.
func (b BlobsConfig) Stream() *pagestream.Config {
	return &pagestream.Config{
		InitialSize:  b.InitialSizeHint,
		ResizeFactor: b.ResizeFactor,
		BufferSize:   b.BufferSize,
		WriterBuffer: b.WriterBuffer,
	}
}

// ObjectName formats the name of a chunk started at t.
func (b BlobsConfig) ObjectName(t time.Time) string {
	return recorder.ObjectName(b.NameFormat, t)
}

// StartRetry is the retry policy of chunk starts.
func (r RecordingConfig) StartRetry() utils.RetryPolicy {
	if r.StartBackoff == 0 {
		return utils.RetryPolicy{Delays: make([]time.Duration, r.StartRetries)}
	}
	return utils.RetryPolicy{Delays: utils.ExponentialBackoff(r.StartBackoff, 30*time.Second, r.StartRetries)}
}

// Retry is the delivery policy of the webhook sink.
func (w WebhookSink) Retry() utils.RetryPolicy {
	return utils.RetryPolicy{Delays: w.Delays, Retryable: notify.IsTransient}
}
