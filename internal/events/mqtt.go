package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrNotConnected is returned by Publish while the broker is unreachable.
var ErrNotConnected = errors.New("events: mqtt not connected")

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	// Broker is a URL such as "tcp://localhost:1883".
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte

	// ConnectTimeout bounds the initial connection. Default 5s.
	ConnectTimeout time.Duration

	// PublishTimeout bounds each publish. Default 2s.
	PublishTimeout time.Duration
}

// MQTTPublisher is a [Publisher] backed by a paho MQTT client with automatic
// reconnection.
type MQTTPublisher struct {
	cfg       MQTTConfig
	client    mqtt.Client
	connected atomic.Bool
}

var _ Publisher = (*MQTTPublisher)(nil)

// DialMQTT connects to the broker. The connection is retried in the
// background after a loss; publishing while disconnected fails fast with
// [ErrNotConnected].
func DialMQTT(ctx context.Context, cfg MQTTConfig) (*MQTTPublisher, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("events: mqtt broker is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}

	p := &MQTTPublisher{cfg: cfg}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		p.connected.Store(true)
		slog.Info("events: mqtt connected", "broker", cfg.Broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.connected.Store(false)
		slog.Warn("events: mqtt connection lost, reconnecting", "broker", cfg.Broker, "err", err)
	}

	p.client = mqtt.NewClient(opts)
	token := p.client.Connect()

	timeout := cfg.ConnectTimeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	if !token.WaitTimeout(timeout) {
		p.client.Disconnect(0)
		return nil, fmt.Errorf("events: mqtt connect to %s: timeout after %s", cfg.Broker, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("events: mqtt connect to %s: %w", cfg.Broker, err)
	}
	p.connected.Store(true)
	return p, nil
}

// Publish sends payload to topic at the configured QoS.
func (p *MQTTPublisher) Publish(topic string, payload []byte) error {
	if !p.connected.Load() {
		return ErrNotConnected
	}
	token := p.client.Publish(topic, p.cfg.QoS, false, payload)
	if !token.WaitTimeout(p.cfg.PublishTimeout) {
		return fmt.Errorf("events: publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("events: publish %s: %w", topic, err)
	}
	return nil
}

// Connected reports whether the broker connection is up.
func (p *MQTTPublisher) Connected() bool { return p.connected.Load() }

// Close disconnects with a short grace period.
func (p *MQTTPublisher) Close() error {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	p.connected.Store(false)
	return nil
}
