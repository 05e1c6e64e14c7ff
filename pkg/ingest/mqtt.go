package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/loghive/loghive/pkg/config"
)

const mqttConnectTimeout = 5 * time.Second

// mqttListener subscribes to a topic filter on an external broker. The
// topic each message arrived on rides in Origin so the normalizer can
// derive a category from its tail segment.
type mqttListener struct {
	m      *Manager
	cfg    *config.MQTTConfig
	client mqtt.Client
}

func newMQTTListener(m *Manager, cfg *config.MQTTConfig) Listener {
	return &mqttListener{m: m, cfg: cfg}
}

func (l *mqttListener) Name() string { return "mqtt" }

func (l *mqttListener) Start(_ context.Context) error {
	clientID := l.cfg.ClientID
	if clientID == "" {
		clientID = "loghive-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions().
		AddBroker(l.cfg.BrokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false)
	if l.cfg.Username != "" {
		opts.SetUsername(l.cfg.Username)
		opts.SetPassword(l.cfg.Password)
	}
	// Resubscribe on every (re)connect; sessions are not persistent.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		slog.Info("MQTT connected", "broker", l.cfg.BrokerURL, "topic", l.cfg.Topic)
		if token := c.Subscribe(l.cfg.Topic, 1, l.onMessage); token.Wait() && token.Error() != nil {
			slog.Error("MQTT subscribe failed", "topic", l.cfg.Topic, "error", token.Error())
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("MQTT connection lost", "broker", l.cfg.BrokerURL, "error", err)
	})

	l.client = mqtt.NewClient(opts)
	token := l.client.Connect()
	if token.WaitTimeout(mqttConnectTimeout) {
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt: connect %s: %w", l.cfg.BrokerURL, err)
		}
	} else {
		slog.Warn("MQTT broker not reachable yet, retrying in background", "broker", l.cfg.BrokerURL)
	}
	return nil
}

func (l *mqttListener) Stop(_ context.Context) error {
	if l.client == nil {
		return nil
	}
	if l.client.IsConnected() {
		if token := l.client.Unsubscribe(l.cfg.Topic); !token.WaitTimeout(time.Second) {
			slog.Warn("MQTT unsubscribe timed out", "topic", l.cfg.Topic)
		}
	}
	l.client.Disconnect(250)
	return nil
}

func (l *mqttListener) onMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())
	l.m.offer(RawFrame{
		Proto:      ProtoMQTT,
		Payload:    payload,
		ReceivedAt: time.Now(),
		Origin:     msg.Topic(),
	})
}
