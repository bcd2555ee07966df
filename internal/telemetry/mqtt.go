package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"codeberg.org/howlx/atmosd/internal/errors"
)

const (
	mqttDefaultPort    = 1883
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 10 * time.Second
	mqttQoS            = 1
)

// MQTTConfig configures the local-broker sink.
type MQTTConfig struct {
	Broker   string
	Port     int
	ClientID string
	Topic    string
	Username string
	Password string
}

// MQTTSink publishes the cycle as one JSON document. The node sleeps
// between cycles, so each publish is a fresh connect/publish/disconnect
// rather than a held session.
type MQTTSink struct {
	cfg MQTTConfig
}

func NewMQTT(cfg MQTTConfig) (*MQTTSink, error) {
	if cfg.Broker == "" || cfg.Topic == "" {
		return nil, errors.WithData(errors.ErrSinkConfig, "mqtt requires a broker and a topic")
	}
	if cfg.Port == 0 {
		cfg.Port = mqttDefaultPort
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "atmosd-" + NodeID()
	}

	return &MQTTSink{cfg: cfg}, nil
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) Publish(ctx context.Context, c Cycle) error {
	payload, err := cycleJSON(c)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, err)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", s.cfg.Broker, s.cfg.Port)).
		SetClientID(s.cfg.ClientID).
		SetConnectTimeout(mqttConnectTimeout).
		SetAutoReconnect(false)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); !token.WaitTimeout(mqttConnectTimeout) || token.Error() != nil {
		return errors.WithData(errors.ErrSinkDelivery,
			fmt.Sprintf("mqtt connect to %s:%d failed: %v", s.cfg.Broker, s.cfg.Port, token.Error()))
	}
	defer client.Disconnect(250)

	token := client.Publish(s.cfg.Topic, mqttQoS, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) || token.Error() != nil {
		return errors.WithData(errors.ErrSinkDelivery,
			fmt.Sprintf("mqtt publish to %q failed: %v", s.cfg.Topic, token.Error()))
	}

	return nil
}

// cycleJSON renders the points as a flat JSON object, preserving feed order.
func cycleJSON(c Cycle) ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, p := range c.Points {
		if i > 0 {
			b.WriteByte(',')
		}
		key, err := json.Marshal(p.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(p.Value)
		if err != nil {
			return nil, err
		}
		b.Write(key)
		b.WriteByte(':')
		b.Write(val)
	}
	b.WriteByte('}')

	return b.Bytes(), nil
}
