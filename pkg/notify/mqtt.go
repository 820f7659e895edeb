// pkg/notify/mqtt.go

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"SecCam/pkg/utils"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

// MQTTConfig configures the broker connection of an MQTTSink.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"` // events go to <topic>/<kind>
	QoS      byte   `yaml:"qos"`
	Format   string `yaml:"format"` // json or msgpack
}

// MQTTSink publishes events to a broker.
type MQTTSink struct {
	conf   MQTTConfig
	client mqtt.Client
}

// NewMQTTSink connects to the broker.
func NewMQTTSink(ctx context.Context, conf MQTTConfig) (*MQTTSink, error) {
	if conf.Topic == "" {
		conf.Topic = "seccam/events"
	}
	mqtt.ERROR = utils.GetStdLogger(logger, logrus.ErrorLevel)
	mqtt.WARN = utils.GetStdLogger(logger, logrus.WarnLevel)
	opts := mqtt.NewClientOptions()
	opts.AddBroker(conf.Broker)
	opts.SetClientID(conf.ClientID)
	if conf.Username != "" {
		opts.SetUsername(conf.Username)
		opts.SetPassword(conf.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(c mqtt.Client) {
		logger.Infof("MQTT connection to %s established", conf.Broker)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		logger.Warnf("MQTT connection to %s lost, will auto-reconnect: %s", conf.Broker, err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("mqtt connection to %s timeout", conf.Broker)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "mqtt connection to %s", conf.Broker)
	}
	return &MQTTSink{conf: conf, client: client}, nil
}

func encodeEvent(format string, ev Event) ([]byte, error) {
	switch format {
	case "", "json":
		return json.Marshal(ev)
	case "msgpack":
		return msgpack.Marshal(ev)
	}
	return nil, fmt.Errorf("unknown payload format %q", format)
}

func (s *MQTTSink) Handle(ctx context.Context, ev Event) error {
	payload, err := encodeEvent(s.conf.Format, ev)
	if err != nil {
		return err
	}
	topic := fmt.Sprintf("%s/%s", s.conf.Topic, ev.Kind)
	token := s.client.Publish(topic, s.conf.QoS, false, payload)
	select {
	case <-token.Done():
	case <-time.After(2 * time.Second):
		return fmt.Errorf("publish to %s timeout", topic)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return errors.Wrapf(err, "publish to %s", topic)
	}
	logger.Debugf("Published %s to %s (%d bytes)", ev, topic, len(payload))
	return nil
}

// Close disconnects with a short grace period.
func (s *MQTTSink) Close() {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}
