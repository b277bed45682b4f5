// Package mqtt publishes the marker set as a retained MQTT message.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/OCAP2/locsync/internal/config"
	"github.com/OCAP2/locsync/internal/sink"
	"github.com/OCAP2/locsync/pkg/core"
	"github.com/OCAP2/locsync/pkg/streaming"
)

const (
	connectTimeout = 30 * time.Second
	publishTimeout = 10 * time.Second
	disconnectWait = 250 // ms
)

// Publisher is the part of the paho client the sink uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Sink publishes an add_markers envelope to <topicPrefix>/markers on every
// render. Clearing publishes an empty collection.
type Sink struct {
	pub     Publisher
	client  mqtt.Client // nil when built on a bare Publisher
	topic   string
	groupID string
	qos     byte
	logger  *slog.Logger
}

// New creates a sink with its own paho client. Call Connect before use.
func New(cfg config.MQTTSinkConfig, groupID string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("MQTT connected", "broker", cfg.Broker)
	})

	client := mqtt.NewClient(opts)
	s := NewWithPublisher(client, cfg.TopicPrefix, groupID, cfg.QoS, logger)
	s.client = client
	return s
}

// NewWithPublisher creates a sink on an existing publisher.
func NewWithPublisher(pub Publisher, topicPrefix, groupID string, qos byte, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		pub:     pub,
		topic:   Topic(topicPrefix),
		groupID: groupID,
		qos:     qos,
		logger:  logger,
	}
}

// Topic returns the marker topic under prefix.
func Topic(prefix string) string {
	if prefix == "" {
		return "markers"
	}
	return prefix + "/markers"
}

// Connect connects the owned client to the broker.
func (s *Sink) Connect() error {
	if s.client == nil || s.client.IsConnected() {
		return nil
	}
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connection timeout after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection error: %w", err)
	}
	return nil
}

// Close disconnects the owned client.
func (s *Sink) Close() error {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(disconnectWait)
	}
	return nil
}

// ClearAll publishes an empty marker collection.
func (s *Sink) ClearAll(ctx context.Context) error {
	return s.publish(ctx, []streaming.Marker{})
}

// AddAll publishes the projected marker collection.
func (s *Sink) AddAll(ctx context.Context, markers []core.MarkerEntity) error {
	out, err := sink.Project(markers)
	if err != nil {
		return err
	}
	return s.publish(ctx, out)
}

func (s *Sink) publish(ctx context.Context, markers []streaming.Marker) error {
	env, err := streaming.NewEnvelope(streaming.TypeAddMarkers, streaming.AddMarkersPayload{
		GroupID: s.groupID,
		Markers: markers,
	})
	if err != nil {
		return fmt.Errorf("marshal markers: %w", err)
	}
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	token := s.pub.Publish(s.topic, s.qos, true, data)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(publishTimeout):
		return fmt.Errorf("mqtt publish to %s timed out", s.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", s.topic, err)
	}

	s.logger.Debug("Published markers", "topic", s.topic, "count", len(markers))
	return nil
}
