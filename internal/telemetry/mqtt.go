package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqttLib "github.com/eclipse/paho.mqtt.golang"

	"github.com/mattjoyce/outpost/internal/log"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 5 * time.Second
	mqttQuiesceMillis  = 1000
)

// MQTTConfig configures the broker mirror.
type MQTTConfig struct {
	Broker   string
	Topic    string
	QoS      byte
	ClientID string
	Username string
	Password string
}

// mqttPublisher is the subset of mqttLib.Client the mirror needs.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqttLib.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// MQTTMirror publishes readings to <topic>/<deviceID>/sensor.
type MQTTMirror struct {
	client mqttPublisher
	topic  string
	qos    byte
	logger *slog.Logger
}

// DialMQTT connects to the broker and returns a ready mirror.
func DialMQTT(cfg MQTTConfig, deviceID string) (*MQTTMirror, error) {
	logger := log.WithComponent("mqtt")

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "outpost-" + deviceID
	}

	opts := mqttLib.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOnConnectHandler(func(mqttLib.Client) {
		logger.Info("connected to MQTT broker", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqttLib.Client, err error) {
		logger.Warn("MQTT connection lost", "error", err)
	})

	client := mqttLib.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("connect to MQTT broker %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", cfg.Broker, err)
	}

	return newMQTTMirror(client, cfg.Topic, deviceID, cfg.QoS, logger), nil
}

func newMQTTMirror(client mqttPublisher, topic, deviceID string, qos byte, logger *slog.Logger) *MQTTMirror {
	if topic == "" {
		topic = "outpost"
	}
	return &MQTTMirror{
		client: client,
		topic:  fmt.Sprintf("%s/%s/sensor", topic, deviceID),
		qos:    qos,
		logger: logger,
	}
}

// Topic returns the publish topic.
func (m *MQTTMirror) Topic() string { return m.topic }

// Publish sends r to the broker, waiting at most mqttPublishTimeout or until ctx is done.
func (m *MQTTMirror) Publish(ctx context.Context, r Reading) error {
	if !m.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	token := m.client.Publish(m.topic, m.qos, false, payload)
	select {
	case <-token.Done():
	case <-time.After(mqttPublishTimeout):
		return fmt.Errorf("publish to %s: timed out", m.topic)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", m.topic, err)
	}

	m.logger.Debug("published sensor reading", "topic", m.topic)
	return nil
}

// Close disconnects from the broker.
func (m *MQTTMirror) Close() {
	if m.client.IsConnected() {
		m.client.Disconnect(mqttQuiesceMillis)
	}
}
