// Package controller implements the EC133 channel state machine. All device
// writes and all state changes go through one lock.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/resident-x/go-ec133/internal/config"
	"github.com/resident-x/go-ec133/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultSettleTime is the pause after every successful write before the
// device accepts the next one.
const DefaultSettleTime = 20 * time.Millisecond

// ErrRetriesExhausted is returned when a write still fails after the last
// attempt allowed by the retry policy.
var ErrRetriesExhausted = errors.New("controller: write retries exhausted")

// Stats are running counters of the controller's work.
type Stats struct {
	Commands          uint64 `json:"commands"`
	MalformedCommands uint64 `json:"malformed_commands"`
	Writes            uint64 `json:"writes"`
	FailedWrites      uint64 `json:"failed_writes"`
	PublishFailures   uint64 `json:"publish_failures"`
}

// Controller owns the state of the three outputs and the toggle group.
type Controller struct {
	curve     config.CurveConfig
	writer    domain.RegisterWriter
	publisher domain.StatePublisher
	retry     RetryPolicy
	settle    time.Duration
	sleep     func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	channels [domain.ChannelCount]domain.ChannelState
	toggle   domain.ToggleGroupState

	commands          atomic.Uint64
	malformedCommands atomic.Uint64
	writes            atomic.Uint64
	failedWrites      atomic.Uint64
	publishFailures   atomic.Uint64

	logger zerolog.Logger
}

// Option customises a Controller.
type Option func(*Controller)

// WithRetryPolicy overrides the retry policy taken from the configuration.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Controller) {
		c.retry = policy
	}
}

// WithSettleTime overrides the pause after each successful write.
func WithSettleTime(d time.Duration) Option {
	return func(c *Controller) {
		c.settle = d
	}
}

// New creates a controller with every channel ON at full brightness and the
// toggle group ON. publisher may be nil when no state is reported.
func New(cfg *config.Config, writer domain.RegisterWriter, publisher domain.StatePublisher, opts ...Option) *Controller {
	c := &Controller{
		curve:     cfg.Curve,
		writer:    writer,
		publisher: publisher,
		retry:     RetryPolicyFromConfig(cfg),
		settle:    DefaultSettleTime,
		sleep:     sleepContext,
		logger:    log.With().Str("component", "controller").Logger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	for i := range c.channels {
		c.channels[i] = domain.ChannelState{
			Brightness: domain.DefaultBrightness,
			Power:      domain.PowerOn,
			Register:   c.Curve(domain.DefaultBrightness),
		}
		c.toggle.Saved[i] = domain.ChannelSnapshot{
			Brightness: domain.DefaultBrightness,
			Power:      domain.PowerOn,
		}
	}
	c.toggle.Active = domain.PowerOn

	return c
}

// Curve applies the configured brightness curve.
func (c *Controller) Curve(value int) int {
	return Curve(c.curve, value)
}

// HandleCommand decodes one raw payload and applies it to the channel.
// Malformed payloads are logged and discarded without touching any state.
func (c *Controller) HandleCommand(ctx context.Context, channel domain.Channel, payload []byte) error {
	c.commands.Add(1)

	if !channel.IsReal() && !channel.IsToggle() {
		return fmt.Errorf("%w: %s", domain.ErrUnknownChannel, channel)
	}

	cmd, err := domain.DecodeCommand(payload)
	if err != nil {
		c.malformedCommands.Add(1)
		c.logger.Warn().
			Err(err).
			Str("channel", channel.String()).
			Bytes("payload", payload).
			Msg("Discarding malformed command")
		return err
	}

	if cmd.Clamped {
		c.logger.Warn().
			Str("channel", channel.String()).
			Int("brightness", *cmd.Brightness).
			Msg("Brightness out of range, clamped")
	}

	c.logger.Debug().
		Str("channel", channel.String()).
		Str("state", string(cmd.State)).
		Bool("has_brightness", cmd.HasBrightness()).
		Msg("Handling command")

	if channel.IsToggle() {
		return c.applyToggle(ctx)
	}
	return c.applyChannel(ctx, channel, cmd)
}

// Snapshot returns a consistent copy of all channel and toggle group state.
func (c *Controller) Snapshot() domain.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return domain.Snapshot{
		Channels: c.channels,
		Toggle:   c.toggle,
	}
}

// Stats returns the current counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Commands:          c.commands.Load(),
		MalformedCommands: c.malformedCommands.Load(),
		Writes:            c.writes.Load(),
		FailedWrites:      c.failedWrites.Load(),
		PublishFailures:   c.publishFailures.Load(),
	}
}

// applyChannel runs a direct channel command. The lock is taken per attempt,
// so other channels can get through while this one waits to retry.
func (c *Controller) applyChannel(ctx context.Context, channel domain.Channel, cmd domain.Command) error {
	return c.withRetry(ctx, channel, func() error {
		c.mu.Lock()
		defer c.mu.Unlock()

		return c.writeLocked(ctx, channel, cmd)
	})
}

// applyToggle switches the whole group. It holds the lock for the full
// sequence so no channel command can land between the group's writes.
// The group flips only once every write has succeeded; after a failure the
// next press tries the same transition again.
func (c *Controller) applyToggle(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.toggle
	commands := make([]domain.Command, domain.ChannelCount)

	if c.toggle.Active == domain.PowerOn {
		for i, ch := range c.channels {
			next.Saved[i] = domain.ChannelSnapshot{Brightness: ch.Brightness, Power: ch.Power}
			commands[i] = domain.NewCommand(domain.PowerOff)
		}
		next.Active = domain.PowerOff
	} else {
		for i, saved := range c.toggle.Saved {
			commands[i] = domain.NewCommand(saved.Power).WithBrightness(saved.Brightness)
		}
		next.Active = domain.PowerOn
	}

	var errs []error
	for _, channel := range domain.AllChannels() {
		err := c.withRetry(ctx, channel, func() error {
			return c.writeLocked(ctx, channel, commands[channel])
		})
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		c.logger.Warn().
			Err(err).
			Str("active", string(c.toggle.Active)).
			Msg("Toggle group unchanged")
		return err
	}

	c.toggle = next
	if next.Active == domain.PowerOff {
		c.logger.Info().Interface("saved", next.Saved).Msg("Toggle group off")
	} else {
		c.logger.Info().Interface("restore", next.Saved).Msg("Toggle group on")
	}

	return nil
}

// writeLocked resolves the command against the stored state, writes the
// register and commits the new state. The caller holds c.mu.
func (c *Controller) writeLocked(ctx context.Context, channel domain.Channel, cmd domain.Command) error {
	current := c.channels[channel]

	brightness := current.Brightness
	if cmd.HasBrightness() {
		brightness = *cmd.Brightness
	}

	register := 0
	if cmd.State == domain.PowerOn {
		register = c.Curve(brightness)
	}

	c.writes.Add(1)
	if err := c.writer.WriteRegister(channel, uint16(register)); err != nil {
		c.failedWrites.Add(1)
		return err
	}

	c.channels[channel] = domain.ChannelState{
		Brightness: brightness,
		Power:      cmd.State,
		Register:   register,
	}

	c.logger.Info().
		Str("channel", channel.String()).
		Str("state", string(cmd.State)).
		Int("brightness", brightness).
		Int("register", register).
		Msg("Channel updated")

	if c.settle > 0 {
		time.Sleep(c.settle)
	}

	c.publishLocked(ctx, channel, domain.StateReport{State: cmd.State, Brightness: brightness})
	return nil
}

// publishLocked reports the new state. Failures are counted and dropped.
func (c *Controller) publishLocked(ctx context.Context, channel domain.Channel, report domain.StateReport) {
	if c.publisher == nil {
		return
	}

	if err := c.publisher.PublishState(ctx, channel, report); err != nil {
		c.publishFailures.Add(1)
		c.logger.Warn().
			Err(err).
			Str("channel", channel.String()).
			Msg("Failed to publish channel state")
	}
}

// withRetry runs attempt until it succeeds, the policy gives up or ctx ends.
func (c *Controller) withRetry(ctx context.Context, channel domain.Channel, attempt func() error) error {
	delay := c.retry.Delay

	for n := 1; ; n++ {
		err := attempt()
		if err == nil {
			if n > 1 {
				c.logger.Info().
					Str("channel", channel.String()).
					Int("attempt", n).
					Msg("Write succeeded after retry")
			}
			return nil
		}

		if c.retry.exhausted(n) {
			c.logger.Error().
				Err(err).
				Str("channel", channel.String()).
				Int("attempts", n).
				Msg("Giving up on register write")
			return fmt.Errorf("%w: channel %s after %d attempts: %w", ErrRetriesExhausted, channel, n, err)
		}

		c.logger.Warn().
			Err(err).
			Str("channel", channel.String()).
			Int("attempt", n).
			Dur("retry_in", delay).
			Msg("Register write failed, retrying")

		if err := c.sleep(ctx, delay); err != nil {
			return fmt.Errorf("channel %s write aborted: %w", channel, err)
		}
		delay = c.retry.next(delay)
	}
}
