// Package service wires the device session, the channel controller, the MQTT
// bridge and the HTTP API into one gateway.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/resident-x/go-ec133/internal/api"
	"github.com/resident-x/go-ec133/internal/config"
	"github.com/resident-x/go-ec133/internal/controller"
	"github.com/resident-x/go-ec133/internal/domain"
	"github.com/resident-x/go-ec133/internal/homeassistant"
	"github.com/resident-x/go-ec133/internal/pubsub"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Device is the serial side of the gateway. device.Session implements it.
type Device interface {
	domain.RegisterWriter
	Open() error
	Close() error
}

// Gateway owns every component of the running bridge.
type Gateway struct {
	config     *config.Config
	device     Device
	mqtt       *pubsub.StatePublisher
	controller *controller.Controller
	bridge     *pubsub.Bridge
	apiServer  *api.Server
	discovery  *homeassistant.AutoDiscovery
	version    string
	cancel     context.CancelFunc
	logger     zerolog.Logger
	startTime  time.Time
}

// options collects the knobs NewGateway accepts.
type options struct {
	publisher         domain.StatePublisher
	controllerOptions []controller.Option
	subscriberOptions []pubsub.SubscriberOption
}

// Option customises a Gateway.
type Option func(*options)

// WithStatePublisher replaces the MQTT state publisher given to the controller.
func WithStatePublisher(publisher domain.StatePublisher) Option {
	return func(o *options) {
		o.publisher = publisher
	}
}

// WithControllerOptions passes options through to the controller.
func WithControllerOptions(opts ...controller.Option) Option {
	return func(o *options) {
		o.controllerOptions = append(o.controllerOptions, opts...)
	}
}

// WithSubscriberOptions passes options through to every channel subscriber.
func WithSubscriberOptions(opts ...pubsub.SubscriberOption) Option {
	return func(o *options) {
		o.subscriberOptions = append(o.subscriberOptions, opts...)
	}
}

// NewGateway creates a gateway instance. Nothing is opened until Start.
func NewGateway(cfg *config.Config, device Device, version string, opts ...Option) (*Gateway, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	g := &Gateway{
		config:  cfg,
		device:  device,
		mqtt:    pubsub.NewStatePublisher(cfg),
		version: version,
		logger:  log.With().Str("component", "gateway").Logger(),
	}

	publisher := o.publisher
	if publisher == nil {
		publisher = g.mqtt
	}

	g.controller = controller.New(cfg, device, publisher, o.controllerOptions...)
	g.bridge = pubsub.NewBridge(cfg, g.controller, o.subscriberOptions...)

	if cfg.MQTT.HomeAssistantDiscovery.Enabled {
		discovery, err := homeassistant.New(cfg, version)
		if err != nil {
			return nil, fmt.Errorf("failed to set up Home Assistant discovery: %w", err)
		}
		g.discovery = discovery
	}

	// Initialize HTTP API server if enabled.
	if cfg.API.Enabled {
		g.apiServer = api.NewServer(cfg, g.controller, version)
	}

	return g, nil
}

// Controller returns the channel controller.
func (g *Gateway) Controller() *controller.Controller {
	return g.controller
}

// Start opens the device, announces the entities, subscribes every channel
// and starts the API. A device or subscriber failure is returned and leaves
// nothing running.
func (g *Gateway) Start(ctx context.Context) error {
	g.startTime = time.Now()

	if err := g.device.Open(); err != nil {
		return fmt.Errorf("failed to open device: %w", err)
	}

	// Commands run on this context so Stop can end pending write retries.
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	g.publishDiscovery(runCtx)

	if err := g.bridge.SubscribeAll(runCtx); err != nil {
		cancel()
		g.closeDevice()
		return fmt.Errorf("failed to subscribe channels: %w", err)
	}

	if g.apiServer != nil {
		if err := g.apiServer.Start(runCtx); err != nil {
			cancel()
			g.bridge.Stop()
			g.closeDevice()
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	g.logger.Info().
		Str("version", g.version).
		Str("broker", g.config.BrokerURL()).
		Str("device", g.config.Serial.Device).
		Msg("Gateway started")

	return nil
}

// Stop ends pending commands, unsubscribes every channel, stops the API and
// releases the serial line.
func (g *Gateway) Stop(ctx context.Context) error {
	g.logger.Info().Msg("Stopping gateway")

	if g.cancel != nil {
		g.cancel()
	}

	g.bridge.Stop()

	if g.apiServer != nil {
		if err := g.apiServer.Stop(ctx); err != nil {
			g.logger.Error().Err(err).Msg("Failed to stop API server")
		}
	}

	g.closeDevice()

	g.logger.Info().
		Dur("uptime", time.Since(g.startTime)).
		Interface("stats", g.controller.Stats()).
		Msg("Gateway stopped")

	return nil
}

// publishDiscovery announces the lights and the toggle button. Failures are
// logged only.
func (g *Gateway) publishDiscovery(ctx context.Context) {
	if g.discovery == nil {
		return
	}

	messages, err := g.discovery.Messages()
	if err != nil {
		g.logger.Warn().Err(err).Msg("Failed to build Home Assistant discovery messages")
		return
	}

	if err := g.mqtt.Publish(ctx, messages...); err != nil {
		g.logger.Warn().Err(err).Msg("Failed to publish Home Assistant discovery")
		return
	}

	g.logger.Info().Int("entities", len(messages)).Msg("Home Assistant discovery published")
}

func (g *Gateway) closeDevice() {
	if err := g.device.Close(); err != nil {
		g.logger.Error().Err(err).Msg("Failed to close device")
	}
}
