package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/partikus/nettiego-watcher/services/watcher/internal/models"
)

const mqttQoS = 1

// MQTTSink publishes retained state messages on <prefix>/<instance>/state.
type MQTTSink struct {
	client mqtt.Client
	prefix string
}

// NewMQTTSink connects to the broker and waits up to timeout for the session.
func NewMQTTSink(broker, clientID, prefix string, timeout time.Duration) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(timeout)
	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &MQTTSink{client: c, prefix: strings.TrimRight(prefix, "/")}, nil
}

func (s *MQTTSink) Name() string { return "mqtt" }

// Topic returns the state topic for an instance.
func (s *MQTTSink) Topic(instanceID string) string {
	return s.prefix + "/" + instanceID + "/state"
}

func (s *MQTTSink) Publish(ctx context.Context, update models.StateUpdate) error {
	payload, err := encode(update)
	if err != nil {
		return err
	}
	return s.send(ctx, s.Topic(update.InstanceID), payload)
}

// Remove clears the retained message so subscribers stop seeing the instance.
func (s *MQTTSink) Remove(ctx context.Context, instanceID string) error {
	return s.send(ctx, s.Topic(instanceID), []byte{})
}

func (s *MQTTSink) send(ctx context.Context, topic string, payload []byte) error {
	token := s.client.Publish(topic, mqttQoS, true, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return errors.Join(fmt.Errorf("mqtt publish to %s", topic), ctx.Err())
	}
}

func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
