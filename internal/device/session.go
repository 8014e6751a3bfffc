// Package device owns the Modbus RTU connection to the EC133 module.
package device

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/resident-x/go-ec133/internal/config"
	"github.com/resident-x/go-ec133/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/simonvetter/modbus"
)

// Serial open policy.
const (
	defaultOpenAttempts = 3
	defaultOpenDelay    = 200 * time.Millisecond
)

// Device errors.
var (
	// ErrConnection means the serial line could not be opened; the gateway cannot start.
	ErrConnection = errors.New("device: connection failed")

	// ErrTransport covers any failed register write: timeout, line error,
	// malformed or exception response.
	ErrTransport = errors.New("device: transport error")

	// ErrClosed is returned when writing to a session that is not open.
	ErrClosed = errors.New("device: session closed")
)

// Client is the part of a Modbus client the session needs.
// *modbus.ModbusClient satisfies it.
type Client interface {
	Open() error
	Close() error
	SetUnitId(id uint8) error
	WriteRegisters(addr uint16, values []uint16) error
}

// ClientFactory creates a Modbus client from its configuration.
type ClientFactory func(conf *modbus.ClientConfiguration) (Client, error)

// NewModbusClient creates a simonvetter/modbus client.
func NewModbusClient(conf *modbus.ClientConfiguration) (Client, error) {
	return modbus.NewClient(conf)
}

// Session owns the Modbus client bound to the serial line.
type Session struct {
	config       *config.Config
	newClient    ClientFactory
	openAttempts int
	openDelay    time.Duration
	sleep        func(time.Duration)

	mu     sync.Mutex
	client Client
	logger zerolog.Logger
}

// Option customises a Session.
type Option func(*Session)

// WithClientFactory replaces the Modbus client constructor (for testing).
func WithClientFactory(factory ClientFactory) Option {
	return func(s *Session) {
		s.newClient = factory
	}
}

// WithOpenRetry overrides the number of open attempts and the delay between them.
func WithOpenRetry(attempts int, delay time.Duration) Option {
	return func(s *Session) {
		s.openAttempts = attempts
		s.openDelay = delay
	}
}

// NewSession creates a new, not yet opened device session.
func NewSession(cfg *config.Config, opts ...Option) *Session {
	s := &Session{
		config:       cfg,
		newClient:    NewModbusClient,
		openAttempts: defaultOpenAttempts,
		openDelay:    defaultOpenDelay,
		sleep:        time.Sleep,
		logger:       log.With().Str("component", "device").Logger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// URL returns the Modbus client URL of the configured device. A plain path
// is a local serial port; a value carrying a scheme (for example
// rtuovertcp://host:port) is used as given.
func URL(cfg *config.Config) string {
	if strings.Contains(cfg.Serial.Device, "://") {
		return cfg.Serial.Device
	}
	return "rtu://" + cfg.Serial.Device
}

// ClientConfiguration converts the serial and device settings into a
// Modbus client configuration.
func ClientConfiguration(cfg *config.Config) *modbus.ClientConfiguration {
	conf := &modbus.ClientConfiguration{
		URL:      URL(cfg),
		Speed:    uint(cfg.Serial.BaudRate),
		DataBits: uint(cfg.Serial.ByteSize),
		Parity:   modbus.PARITY_NONE,
		StopBits: uint(cfg.Serial.StopBits),
		Timeout:  cfg.DeviceTimeout(),
	}

	switch cfg.Serial.Parity {
	case "E":
		conf.Parity = modbus.PARITY_EVEN
	case "O":
		conf.Parity = modbus.PARITY_ODD
	}

	return conf
}

// Open opens the serial line and binds the Modbus client to the device
// address. It fails with ErrConnection after the last attempt.
func (s *Session) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return nil
	}

	conf := ClientConfiguration(s.config)

	var lastErr error
	for attempt := 1; attempt <= s.openAttempts; attempt++ {
		client, err := s.connect(conf)
		if err == nil {
			s.client = client
			s.logger.Info().
				Str("url", conf.URL).
				Uint("baudrate", conf.Speed).
				Int("address", s.config.EC133.Address).
				Int("attempt", attempt).
				Msg("Serial line opened")
			return nil
		}

		lastErr = err
		s.logger.Warn().
			Err(err).
			Str("url", conf.URL).
			Int("attempt", attempt).
			Int("max_attempts", s.openAttempts).
			Msg("Failed to open serial line")

		if attempt < s.openAttempts {
			s.sleep(s.openDelay)
		}
	}

	return fmt.Errorf("%w: %s after %d attempts: %w", ErrConnection, s.config.Serial.Device, s.openAttempts, lastErr)
}

// connect makes one attempt at creating and opening the client.
func (s *Session) connect(conf *modbus.ClientConfiguration) (Client, error) {
	client, err := s.newClient(conf)
	if err != nil {
		return nil, err
	}

	if err := client.Open(); err != nil {
		return nil, err
	}

	if err := client.SetUnitId(uint8(s.config.EC133.Address)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("set unit id: %w", err)
	}

	return client, nil
}

// WriteRegister writes one value to the register of a physical channel with
// function 16. It never retries; retry policy belongs to the caller.
func (s *Session) WriteRegister(channel domain.Channel, value uint16) error {
	if !channel.IsReal() {
		return fmt.Errorf("%w: %w: %s", ErrTransport, domain.ErrUnknownChannel, channel)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return ErrClosed
	}

	register := uint16(s.config.EC133.RegisterBase + int(channel))
	if err := s.client.WriteRegisters(register, []uint16{value}); err != nil {
		return fmt.Errorf("%w: channel %s register %d: %w", ErrTransport, channel, register, err)
	}

	s.logger.Debug().
		Str("channel", channel.String()).
		Uint16("register", register).
		Uint16("value", value).
		Msg("Register written")

	return nil
}

// Close releases the Modbus client and the serial line. It is idempotent and
// only logs close errors.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}

	if err := s.client.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to close serial line")
	} else {
		s.logger.Info().Msg("Serial line closed")
	}

	s.client = nil
	return nil
}
