package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/resident-x/go-ec133/internal/config"
	"github.com/resident-x/go-ec133/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// backlogWarning is the number of waiting commands past which every new one
// is logged as a warning.
const backlogWarning = 16

// Subscriber listens on one channel's command topic over its own broker
// connection and feeds payloads to the command handler in arrival order.
type Subscriber struct {
	config    *config.Config
	channel   domain.Channel
	topic     string
	handler   domain.CommandHandler
	newClient ClientFactory

	connectAttempts int
	connectInterval time.Duration

	client mqtt.Client

	// pending holds received payloads in arrival order until the worker
	// takes them; wake signals that it is non-empty.
	pendingMu sync.Mutex
	pending   [][]byte
	wake      chan struct{}

	subscribed chan error
	done       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	logger     zerolog.Logger
}

// SubscriberOption customises a Subscriber.
type SubscriberOption func(*Subscriber)

// WithClientFactory replaces the paho client constructor.
func WithClientFactory(factory ClientFactory) SubscriberOption {
	return func(s *Subscriber) {
		s.newClient = factory
	}
}

// WithConnectRetry overrides the connection attempt budget.
func WithConnectRetry(attempts int, interval time.Duration) SubscriberOption {
	return func(s *Subscriber) {
		s.connectAttempts = attempts
		s.connectInterval = interval
	}
}

// NewSubscriber creates a subscriber for one channel's command topic.
func NewSubscriber(cfg *config.Config, channel domain.Channel, topic string, handler domain.CommandHandler, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		config:          cfg,
		channel:         channel,
		topic:           topic,
		handler:         handler,
		newClient:       mqtt.NewClient,
		connectAttempts: cfg.MQTT.ConnectionRetryAttempts,
		connectInterval: time.Duration(cfg.MQTT.ConnectionRetryInterval) * time.Second,
		wake:            make(chan struct{}, 1),
		subscribed:      make(chan error, 1),
		done:            make(chan struct{}),
		logger: log.With().
			Str("component", "mqtt-subscriber").
			Str("channel", channel.String()).
			Logger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Channel returns the channel this subscriber serves.
func (s *Subscriber) Channel() domain.Channel {
	return s.channel
}

// Start connects to the broker, subscribes to the command topic and starts
// the worker feeding the handler. ctx is handed to every HandleCommand call.
func (s *Subscriber) Start(ctx context.Context) error {
	opts := clientOptions(s.config, clientID(s.config, s.channel.String())).
		SetAutoReconnect(true).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.logger.Warn().Err(err).Msg("Broker connection lost")
		})
	s.client = s.newClient(opts)

	if err := s.connect(ctx); err != nil {
		return err
	}

	// The first subscription must be in place before we report success.
	select {
	case err := <-s.subscribed:
		if err != nil {
			s.client.Disconnect(disconnectQuiesce)
			return err
		}
	case <-ctx.Done():
		s.client.Disconnect(disconnectQuiesce)
		return ctx.Err()
	}

	s.wg.Add(1)
	go s.work(ctx)

	return nil
}

// connect tries to reach the broker until the attempt budget is spent.
func (s *Subscriber) connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= s.connectAttempts; attempt++ {
		lastErr = waitToken(ctx, s.client.Connect(), connectTimeout)
		if lastErr == nil {
			s.logger.Info().
				Str("broker", s.config.BrokerURL()).
				Int("attempt", attempt).
				Msg("Connected to broker")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn().
			Err(lastErr).
			Int("attempt", attempt).
			Int("max_attempts", s.connectAttempts).
			Dur("retry_in", s.connectInterval).
			Msg("Broker connection failed")

		if attempt == s.connectAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.connectInterval):
		}
	}

	return fmt.Errorf("%w: channel %s after %d attempts: %w", ErrConnectionFailed, s.channel, s.connectAttempts, lastErr)
}

// onConnect runs on every (re)connect and renews the subscription.
func (s *Subscriber) onConnect(client mqtt.Client) {
	token := client.Subscribe(s.topic, byte(s.config.MQTT.QoS), s.onMessage)

	var err error
	if !token.WaitTimeout(connectTimeout) {
		err = fmt.Errorf("%w: %s: timeout", ErrSubscribeFailed, s.topic)
	} else if token.Error() != nil {
		err = fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, s.topic, token.Error())
	}

	if err != nil {
		s.logger.Error().Err(err).Str("topic", s.topic).Msg("Subscription failed")
	} else {
		s.logger.Info().
			Str("topic", s.topic).
			Int("qos", s.config.MQTT.QoS).
			Msg("Subscribed to command topic")
	}

	// Only the first result is waited for; later ones are just logged.
	select {
	case s.subscribed <- err:
	default:
	}
}

// onMessage appends the payload to the pending list and returns at once.
// It runs on paho's router goroutine, which must stay free to process
// keepalives, so it never waits for the controller.
func (s *Subscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := append([]byte(nil), msg.Payload()...)

	s.pendingMu.Lock()
	s.pending = append(s.pending, payload)
	backlog := len(s.pending)
	s.pendingMu.Unlock()

	event := s.logger.Debug()
	if backlog > backlogWarning {
		event = s.logger.Warn()
	}
	event.
		Str("topic", msg.Topic()).
		Bytes("payload", payload).
		Int("backlog", backlog).
		Msg("Command received")

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next removes and returns the oldest pending payload.
func (s *Subscriber) next() ([]byte, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	if len(s.pending) == 0 {
		return nil, false
	}
	payload := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return payload, true
}

// work hands pending payloads to the command handler one at a time.
func (s *Subscriber) work(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-s.wake:
		}

		for {
			payload, ok := s.next()
			if !ok {
				break
			}
			if s.stopped(ctx) {
				return
			}
			// Errors are logged by the handler itself.
			_ = s.handler.HandleCommand(ctx, s.channel, payload)
		}
	}
}

// stopped reports whether the worker should quit.
func (s *Subscriber) stopped(ctx context.Context) bool {
	select {
	case <-s.done:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Stop unsubscribes, disconnects and waits for the worker to finish the
// command it is processing.
func (s *Subscriber) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)

		if s.client != nil && s.client.IsConnected() {
			token := s.client.Unsubscribe(s.topic)
			if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
				s.logger.Warn().Err(token.Error()).Str("topic", s.topic).Msg("Unsubscribe failed")
			}
		}
		if s.client != nil {
			s.client.Disconnect(disconnectQuiesce)
		}

		s.wg.Wait()
		s.logger.Info().Msg("Subscriber stopped")
	})
}

// Bridge runs one Subscriber per channel, the toggle channel included.
type Bridge struct {
	subscribers []*Subscriber
	logger      zerolog.Logger
}

// NewBridge creates subscribers for the three outputs and the toggle group.
func NewBridge(cfg *config.Config, handler domain.CommandHandler, opts ...SubscriberOption) *Bridge {
	b := &Bridge{
		logger: log.With().Str("component", "mqtt-bridge").Logger(),
	}

	for i, pair := range cfg.ChannelTopics() {
		b.subscribers = append(b.subscribers, NewSubscriber(cfg, domain.Channel(i), pair.Command, handler, opts...))
	}
	b.subscribers = append(b.subscribers,
		NewSubscriber(cfg, domain.ToggleChannel, cfg.EC133.Topics.Toggle.Command, handler, opts...))

	return b
}

// Subscribers returns the per-channel subscribers.
func (b *Bridge) Subscribers() []*Subscriber {
	return b.subscribers
}

// SubscribeAll starts every subscriber concurrently. If any of them cannot
// connect, the others are stopped and the first error is returned.
func (b *Bridge) SubscribeAll(ctx context.Context) error {
	var g errgroup.Group
	for _, s := range b.subscribers {
		g.Go(func() error {
			return s.Start(ctx)
		})
	}

	if err := g.Wait(); err != nil {
		b.Stop()
		return err
	}

	b.logger.Info().Int("subscribers", len(b.subscribers)).Msg("All channel subscriptions active")
	return nil
}

// Stop stops every subscriber.
func (b *Bridge) Stop() {
	var wg sync.WaitGroup
	for _, s := range b.subscribers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stop()
		}()
	}
	wg.Wait()
}
