// Package pubsub connects the gateway to the MQTT broker: one subscriber per
// channel for inbound commands and a one-shot publisher for channel state.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/resident-x/go-ec133/internal/config"
	"github.com/resident-x/go-ec133/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Broker timeouts.
const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 250 // milliseconds
)

// MQTT errors.
var (
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
	ErrSubscribeFailed  = errors.New("mqtt: subscribe failed")
)

// ClientFactory creates a paho client from options. Tests swap it out.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Message is one MQTT message to publish.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// clientOptions returns the common client options for the configured broker.
func clientOptions(cfg *config.Config, clientID string) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL()).
		SetClientID(clientID).
		SetConnectTimeout(connectTimeout).
		SetWriteTimeout(publishTimeout).
		SetKeepAlive(30 * time.Second).
		SetConnectRetry(false).
		SetCleanSession(true)

	// Set credentials if provided
	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}

	return opts
}

// clientID builds a client identifier unique to this connection and role.
// The suffix keeps it within the 23 bytes MQTT 3.1.1 brokers must accept
// for short prefixes.
func clientID(cfg *config.Config, role string) string {
	return fmt.Sprintf("%s-%s-%s", cfg.MQTT.ClientIDPrefix, role, uuid.NewString()[:8])
}

// waitToken waits for a paho token, the timeout or ctx, whichever comes first.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timeout after %v", timeout)
	case <-token.Done():
		return token.Error()
	}
}

// NoopPublisher drops every state report.
type NoopPublisher struct{}

// NewNoopPublisher creates a new no-operation publisher.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

// PublishState is a no-op for the NoopPublisher.
func (p *NoopPublisher) PublishState(_ context.Context, _ domain.Channel, _ domain.StateReport) error {
	return nil
}

// StatePublisher publishes channel state with a short-lived connection per
// call: connect, publish retained, disconnect.
type StatePublisher struct {
	config    *config.Config
	topics    [domain.ChannelCount]string
	newClient ClientFactory
	logger    zerolog.Logger
}

// PublisherOption customises a StatePublisher.
type PublisherOption func(*StatePublisher)

// WithPublisherClientFactory replaces the paho client constructor.
func WithPublisherClientFactory(factory ClientFactory) PublisherOption {
	return func(p *StatePublisher) {
		p.newClient = factory
	}
}

// NewStatePublisher creates a publisher for the configured state topics.
func NewStatePublisher(cfg *config.Config, opts ...PublisherOption) *StatePublisher {
	p := &StatePublisher{
		config:    cfg,
		newClient: mqtt.NewClient,
		logger:    log.With().Str("component", "mqtt-publisher").Logger(),
	}
	for i, pair := range cfg.ChannelTopics() {
		p.topics[i] = pair.State
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// PublishState sends {"state":..,"brightness":..} to the channel's state
// topic, retained, at the configured QoS.
func (p *StatePublisher) PublishState(ctx context.Context, channel domain.Channel, report domain.StateReport) error {
	if !channel.IsReal() {
		return fmt.Errorf("%w: %w: %s", ErrPublishFailed, domain.ErrUnknownChannel, channel)
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("%w: marshal state: %w", ErrPublishFailed, err)
	}

	return p.Publish(ctx, Message{Topic: p.topics[channel], Payload: payload, Retained: true})
}

// Publish sends the messages in order over one short-lived connection.
func (p *StatePublisher) Publish(ctx context.Context, messages ...Message) error {
	if len(messages) == 0 {
		return nil
	}

	client := p.newClient(clientOptions(p.config, clientID(p.config, "pub")))

	if err := waitToken(ctx, client.Connect(), connectTimeout); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConnectionFailed, p.config.BrokerURL(), err)
	}
	defer client.Disconnect(disconnectQuiesce)

	qos := byte(p.config.MQTT.QoS)
	for _, msg := range messages {
		token := client.Publish(msg.Topic, qos, msg.Retained, msg.Payload)
		if err := waitToken(ctx, token, publishTimeout); err != nil {
			return fmt.Errorf("%w: topic %s: %w", ErrPublishFailed, msg.Topic, err)
		}

		p.logger.Debug().
			Str("topic", msg.Topic).
			Bytes("payload", msg.Payload).
			Bool("retained", msg.Retained).
			Msg("Published")
	}

	return nil
}
