package internal

import (
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/exp/slog"
)

// MQTTMirror republishes sensor and alert texts to a broker. Publishing is
// fire-and-forget; failures are only logged.
type MQTTMirror struct {
	logger *slog.Logger
	client mqtt.Client
	prefix string
}

func MirrorTopic(prefix string, kind Kind) string {
	return fmt.Sprintf("%v/%v", strings.TrimSuffix(prefix, "/"), kind)
}

// ConnectMQTT waits up to wait for the broker. An unreachable broker is not
// fatal: the client keeps retrying in the background and publishes made in
// the meantime are logged as failed.
func ConnectMQTT(logger *slog.Logger, broker, clientID, prefix string, wait time.Duration) (*MQTTMirror, error) {
	log := logger.With(slog.String("broker", broker))

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		log.Info("mqtt connected")
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		log.Warn("mqtt connection lost, reconnecting", slog.String("reason", err.Error()))
	}

	client := mqtt.NewClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(wait) {
		log.Warn("mqtt broker unreachable, retrying in background", slog.Duration("waited", wait))
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	return &MQTTMirror{logger: log, client: client, prefix: prefix}, nil
}

func (m *MQTTMirror) Publish(kind Kind, payload []byte) {
	topic := MirrorTopic(m.prefix, kind)
	token := m.client.Publish(topic, 0, false, payload)

	go func() {
		if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
			m.logger.Warn("mqtt publish failed", slog.String("topic", topic), slog.Any("reason", token.Error()))
		}
	}()
}

func (m *MQTTMirror) Close() {
	m.client.Disconnect(250)
}
