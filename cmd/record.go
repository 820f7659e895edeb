// cmd/record.go

package main

import (
	"context"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"syscall"

	"SecCam/pkg/capture"
	"SecCam/pkg/config"
	"SecCam/pkg/meta"
	"SecCam/pkg/notify"
	"SecCam/pkg/recorder"
	"SecCam/pkg/utils"

	"github.com/juicedata/godaemon"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

func makeDaemon(c *cli.Context) error {
	var attrs godaemon.DaemonAttr
	// the current dir will be changed to root in daemon,
	// so the config file has to be an absolute path.
	if godaemon.Stage() == 0 {
		if p := c.String("config"); p != "" {
			for i, a := range os.Args {
				if a == p {
					ap, err := filepath.Abs(p)
					if err == nil {
						os.Args[i] = ap
					} else {
						logger.Warnf("abs of %s: %s", p, err)
					}
				}
			}
		}
		var err error
		logfile := c.String("log")
		attrs.Stdout, err = os.OpenFile(logfile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			logger.Errorf("open log file %s: %s", logfile, err)
		}
	}
	_, _, err := godaemon.MakeDaemon(&attrs)
	return err
}

func newProducer(cfg *config.Config) (capture.Producer, error) {
	switch cfg.Capture.Source {
	case "rtsp":
		return capture.NewGst(capture.GstOptions{
			URL:           cfg.Capture.URL,
			Latency:       cfg.Capture.Latency,
			FaceDetection: cfg.FaceDetection.Enabled,
			Profile:       cfg.FaceDetection.Profile,
		})
	default:
		opts := capture.SyntheticOptions{Bitrate: cfg.Capture.Bitrate}
		if cfg.FaceDetection.Enabled {
			opts.DetectionEvery = cfg.FaceDetection.Interval
		}
		return capture.NewSynthetic(opts), nil
	}
}

// newFanout registers the enabled sinks of conf. The returned function
// releases the connections the sinks hold.
func newFanout(ctx context.Context, conf *config.SinksConfig) (*notify.Fanout, func(), error) {
	fanout := notify.NewFanout(conf.QueueSize)
	var closers []func()
	release := func() {
		for _, c := range closers {
			c()
		}
	}
	register := func(when string, sink notify.Sink, kinds ...notify.Kind) error {
		s, err := notify.Filtered(sink, when)
		if err != nil {
			return err
		}
		for _, kind := range kinds {
			fanout.Register(kind, s)
		}
		return nil
	}
	both := []notify.Kind{notify.DetectionChanged, notify.FocusChanged}

	err := func() error {
		if conf.Log.Enabled {
			if err := register(conf.Log.When, notify.NewLogSink(), both...); err != nil {
				return errors.Wrap(err, "log sink")
			}
		}
		if conf.Redis.Enabled {
			rs, err := notify.NewRedisSink(conf.Redis.URL, conf.Redis.Prefix, conf.Redis.MaxLen)
			if err != nil {
				return errors.Wrap(err, "redis sink")
			}
			closers = append(closers, func() { _ = rs.Close() })
			if err = register(conf.Redis.When, rs, both...); err != nil {
				return errors.Wrap(err, "redis sink")
			}
		}
		if conf.SMS.Enabled {
			if err := register(conf.SMS.When, notify.NewSMSSink(conf.SMS.SMSConfig), both...); err != nil {
				return errors.Wrap(err, "sms sink")
			}
		}
		if conf.Webhook.Enabled {
			if u := conf.Webhook.FaceDetectionURL; u != "" {
				wh := notify.NewWebhookSink(u, conf.Webhook.Timeout, conf.Webhook.Retry())
				if err := register(conf.Webhook.When, wh, notify.DetectionChanged); err != nil {
					return errors.Wrap(err, "webhook sink")
				}
			}
			if u := conf.Webhook.FocusChangeURL; u != "" {
				wh := notify.NewWebhookSink(u, conf.Webhook.Timeout, conf.Webhook.Retry())
				if err := register(conf.Webhook.When, wh, notify.FocusChanged); err != nil {
					return errors.Wrap(err, "webhook sink")
				}
			}
		}
		if conf.MQTT.Enabled {
			ms, err := notify.NewMQTTSink(ctx, conf.MQTT.MQTTConfig)
			if err != nil {
				return errors.Wrap(err, "mqtt sink")
			}
			closers = append(closers, ms.Close)
			if err = register(conf.MQTT.When, ms, both...); err != nil {
				return errors.Wrap(err, "mqtt sink")
			}
		}
		return nil
	}()
	if err != nil {
		release()
		return nil, nil, err
	}
	return fanout, release, nil
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("chunk-size") {
		cfg.Recording.ChunkSize = c.Duration("chunk-size")
	}
	if c.IsSet("max-duration") {
		cfg.Recording.MaxDuration = c.Duration("max-duration")
	}
	if c.IsSet("source") {
		cfg.Capture.Source = c.String("source")
	}
	if c.IsSet("url") {
		cfg.Capture.URL = c.String("url")
	}
	if err = config.Validate(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

func record(c *cli.Context) error {
	setup(c, 1)
	cfg, err := loadConfig(c)
	if err != nil {
		logger.Fatalf("config: %s", err)
	}
	addr := c.Args().Get(0)
	m, err := meta.NewClient(addr, &meta.Config{Retries: 10})
	if err != nil {
		logger.Fatalf("meta: %s", err)
	}
	format, err := m.Load()
	if err != nil {
		logger.Fatalf("load setting: %s", err)
	}

	store, err := createStorage(format)
	if err != nil {
		logger.Fatalf("object storage: %s", err)
	}
	logger.Infof("Data use %s", store)

	if c.Bool("d") {
		if err = makeDaemon(c); err != nil {
			logger.Fatalf("Failed to make daemon: %s", err)
		}
	} else if c.IsSet("log") {
		utils.SetOutFile(c.String("log"))
	}
	startAgent(c)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	producer, err := newProducer(cfg)
	if err != nil {
		logger.Fatalf("capture: %s", err)
	}
	fanout, release, err := newFanout(ctx, &cfg.Sinks)
	if err != nil {
		logger.Fatalf("sinks: %s", err)
	}
	defer release()
	// sinks outlive the recording by at most the shutdown grace
	fanout.Start(context.WithoutCancel(ctx))

	source := cfg.Capture.Source
	if cfg.Capture.URL != "" {
		source = utils.RemovePassword(cfg.Capture.URL)
	}
	if err = m.NewSession(source); err != nil {
		logger.Fatalf("new session: %s", err)
	}

	opts := cfg.Recorder()
	opts.OnChunkFailed = func(consecutive int, err error) {
		if consecutive >= 3 {
			logger.Errorf("%d chunks in a row failed, last error: %s", consecutive, err)
		}
	}
	rec := recorder.New(store, producer, fanout, m, utils.WallClock, opts)
	logger.Infof("Recording %s into %s (chunk %s)", source, store, cfg.Recording.ChunkSize)
	summary, runErr := rec.Run(ctx)
	fanout.Shutdown(cfg.Recording.ShutdownGrace)
	if dropped := fanout.Dropped(); dropped > 0 {
		logger.Warnf("%d notifications were dropped", dropped)
	}
	if err = m.CloseSession(summary); err != nil {
		logger.Warnf("close session: %s", err)
	}
	if err = m.Shutdown(); err != nil {
		logger.Warnf("shutdown meta: %s", err)
	}
	return runErr
}

func recordFlags() *cli.Command {
	var defaultLogDir = "/var/log"
	switch runtime.GOOS {
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			logger.Fatalf("%v", err)
			return nil
		}
		defaultLogDir = path.Join(homeDir, ".seccam")
	}
	return &cli.Command{
		Name:      "record",
		Usage:     "record the camera into a formatted volume",
		ArgsUsage: "META-URL",
		Action:    record,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path of the YAML recording configuration",
			},
			&cli.DurationFlag{
				Name:  "chunk-size",
				Usage: "length of each recorded object (overrides recording.chunk_size)",
			},
			&cli.DurationFlag{
				Name:  "max-duration",
				Usage: "stop after this long, 0 records until interrupted",
			},
			&cli.StringFlag{
				Name:  "source",
				Usage: "capture source (synthetic, rtsp)",
			},
			&cli.StringFlag{
				Name:  "url",
				Usage: "RTSP url of the camera",
			},
			&cli.BoolFlag{
				Name:    "d",
				Aliases: []string{"background"},
				Usage:   "run in background",
			},
			&cli.StringFlag{
				Name:  "log",
				Value: path.Join(defaultLogDir, "seccam.log"),
				Usage: "path of log file when running in background",
			},
			&cli.BoolFlag{
				Name:  "no-agent",
				Usage: "disable gops agent",
			},
		},
	}
}
