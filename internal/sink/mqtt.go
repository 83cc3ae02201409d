package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/jpalmerr/regadera/internal/store"
)

// DefaultMQTTTopic is the topic readings are relayed to when none is configured.
const DefaultMQTTTopic = "regadera/readings"

const (
	mqttConnectRetries = 4
	mqttDisconnectMs   = 250
)

// MQTTConfig holds the broker settings for the MQTT relay.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
	Username string
	Password string
}

// MQTTSink relays readings as JSON to an MQTT topic.
type MQTTSink struct {
	client mqtt.Client
	topic  string
	qos    byte
}

// DialMQTT connects to the broker, retrying with exponential backoff.
func DialMQTT(ctx context.Context, cfg MQTTConfig, logger *slog.Logger) (*MQTTSink, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	if cfg.QoS > 1 {
		return nil, fmt.Errorf("mqtt qos must be 0 or 1, got %d", cfg.QoS)
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "broker", cfg.Broker, "error", err.Error())
	})

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		token := client.Connect()
		if !waitToken(ctx, token) {
			return backoff.Permanent(ctx.Err())
		}
		if err := token.Error(); err != nil {
			logger.Warn("mqtt connect failed", "broker", cfg.Broker, "error", err.Error())
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, mqttConnectRetries), ctx))
	if err != nil {
		return nil, fmt.Errorf("connecting to mqtt broker %s: %w", cfg.Broker, err)
	}

	logger.Info("connected to mqtt broker", "broker", cfg.Broker)
	return newMQTTSink(client, cfg.Topic, cfg.QoS), nil
}

func newMQTTSink(client mqtt.Client, topic string, qos byte) *MQTTSink {
	if topic == "" {
		topic = DefaultMQTTTopic
	}
	return &MQTTSink{client: client, topic: topic, qos: qos}
}

func (s *MQTTSink) Name() string {
	return "mqtt"
}

// Write publishes r as JSON and waits for the broker acknowledgement the QoS
// level requires.
func (s *MQTTSink) Write(ctx context.Context, r store.Reading) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding reading %d: %w", r.ID, err)
	}

	token := s.client.Publish(s.topic, s.qos, false, payload)
	if !waitToken(ctx, token) {
		return fmt.Errorf("publishing reading %d: %w", r.ID, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing reading %d: %w", r.ID, err)
	}
	return nil
}

func (s *MQTTSink) Close() error {
	if s.client.IsConnected() {
		s.client.Disconnect(mqttDisconnectMs)
	}
	return nil
}

// waitToken waits for token to complete. It reports false if ctx ended first.
func waitToken(ctx context.Context, token mqtt.Token) bool {
	select {
	case <-token.Done():
		return true
	case <-ctx.Done():
		return false
	}
}
