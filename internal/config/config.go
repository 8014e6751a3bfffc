// Package config provides configuration management for the go-ec133 gateway.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	// General settings
	LogLevel string `mapstructure:"log_level"`

	// Serial line settings
	Serial struct {
		Device   string `mapstructure:"device"`
		BaudRate int    `mapstructure:"baudrate"`
		ByteSize int    `mapstructure:"bytesize"`
		Parity   string `mapstructure:"parity"`
		StopBits int    `mapstructure:"stopbits"`
	} `mapstructure:"serial"`

	// EC133 device settings
	EC133 struct {
		Address        int     `mapstructure:"addr"`
		TimeoutSeconds float64 `mapstructure:"timeout"`
		RegisterBase   int     `mapstructure:"register_base"`

		Topics struct {
			Ch0    TopicPair `mapstructure:"ch0"`
			Ch1    TopicPair `mapstructure:"ch1"`
			Ch2    TopicPair `mapstructure:"ch2"`
			Toggle TopicPair `mapstructure:"toggle"`
		} `mapstructure:"topics"`

		WriteRetry struct {
			MaxAttempts int `mapstructure:"max_attempts"`
			DelayMS     int `mapstructure:"delay_ms"`
			MaxDelayMS  int `mapstructure:"max_delay_ms"`
		} `mapstructure:"write_retry"`
	} `mapstructure:"ec133"`

	// Brightness curve settings
	Curve CurveConfig `mapstructure:"curve"`

	// MQTT settings
	MQTT struct {
		Host           string `mapstructure:"address"`
		Port           int    `mapstructure:"port"`
		Username       string `mapstructure:"username"`
		Password       string `mapstructure:"password"`
		QoS            int    `mapstructure:"qos"`
		ClientIDPrefix string `mapstructure:"client_id_prefix"`

		ConnectionRetryAttempts int `mapstructure:"connection_retry_attempts"`
		ConnectionRetryInterval int `mapstructure:"connection_retry_interval_seconds"`

		// Home Assistant discovery settings
		HomeAssistantDiscovery struct {
			Enabled         bool   `mapstructure:"enabled"`
			DiscoveryPrefix string `mapstructure:"discovery_prefix"`
			NodeID          string `mapstructure:"node_id"`
			DeviceName      string `mapstructure:"device_name"`
		} `mapstructure:"homeassistant_discovery"`
	} `mapstructure:"mqtt"`

	// HTTP API settings
	API struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`

		// CommandRate is the sustained number of command requests per
		// second the API accepts; 0 disables the limit.
		CommandRate float64 `mapstructure:"command_rate"`
	} `mapstructure:"api"`
}

// TopicPair holds the command and state topic of one channel.
type TopicPair struct {
	Command string `mapstructure:"command"`
	State   string `mapstructure:"state"`
}

// CurveConfig holds the brightness curve parameters.
type CurveConfig struct {
	Active bool    `mapstructure:"active"`
	Range  float64 `mapstructure:"range"`
	Offset float64 `mapstructure:"offset"`
	Tau    float64 `mapstructure:"tau"`
}

// envBindings maps configuration keys to the environment variables that
// override them.
var envBindings = map[string]string{
	"log_level": "LOG_LEVEL",

	"serial.device":   "UART_DEVICE",
	"serial.baudrate": "UART_BAUD",
	"serial.bytesize": "UART_BYTESIZE",
	"serial.parity":   "UART_PARITY",
	"serial.stopbits": "UART_STOPBITS",

	"ec133.addr":                     "EC133_ADDR",
	"ec133.timeout":                  "EC133_TIMEOUT",
	"ec133.register_base":            "EC133_REGISTER_BASE",
	"ec133.topics.ch0.command":       "CH0_COMMAND",
	"ec133.topics.ch0.state":         "CH0_STATE",
	"ec133.topics.ch1.command":       "CH1_COMMAND",
	"ec133.topics.ch1.state":         "CH1_STATE",
	"ec133.topics.ch2.command":       "CH2_COMMAND",
	"ec133.topics.ch2.state":         "CH2_STATE",
	"ec133.topics.toggle.command":    "TOGGLE_COMMAND",
	"ec133.topics.toggle.state":      "TOGGLE_STATE",
	"ec133.write_retry.max_attempts": "WRITE_RETRY_MAX_ATTEMPTS",
	"ec133.write_retry.delay_ms":     "WRITE_RETRY_DELAY_MS",
	"ec133.write_retry.max_delay_ms": "WRITE_RETRY_MAX_DELAY_MS",

	"curve.active": "CURVE_ACTIVE",
	"curve.range":  "CURVE_RANGE",
	"curve.offset": "CURVE_OFFSET",
	"curve.tau":    "CURVE_TAU",

	"mqtt.address":                           "MQTT_ADDR",
	"mqtt.port":                              "MQTT_PORT",
	"mqtt.username":                          "MQTT_USER",
	"mqtt.password":                          "MQTT_PASS",
	"mqtt.qos":                               "MQTT_QOS",
	"mqtt.client_id_prefix":                  "MQTT_CLIENT_ID_PREFIX",
	"mqtt.connection_retry_attempts":         "MQTT_CONNECT_RETRY_ATTEMPTS",
	"mqtt.connection_retry_interval_seconds": "MQTT_CONNECT_RETRY_INTERVAL",

	"mqtt.homeassistant_discovery.enabled":          "HA_DISCOVERY_ENABLED",
	"mqtt.homeassistant_discovery.discovery_prefix": "HA_DISCOVERY_PREFIX",
	"mqtt.homeassistant_discovery.node_id":          "HA_NODE_ID",
	"mqtt.homeassistant_discovery.device_name":      "HA_DEVICE_NAME",

	"api.enabled":      "API_ENABLED",
	"api.host":         "API_HOST",
	"api.port":         "API_PORT",
	"api.command_rate": "API_COMMAND_RATE",
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel: "info",
	}

	// Default serial settings
	cfg.Serial.Device = "/dev/ttyUSB0"
	cfg.Serial.BaudRate = 19200
	cfg.Serial.ByteSize = 8
	cfg.Serial.Parity = "N"
	cfg.Serial.StopBits = 1

	// Default EC133 settings
	cfg.EC133.Address = 1
	cfg.EC133.TimeoutSeconds = 0.2
	cfg.EC133.RegisterBase = 0
	cfg.EC133.Topics.Ch0 = TopicPair{Command: "ec133/ch0/set", State: "ec133/ch0/state"}
	cfg.EC133.Topics.Ch1 = TopicPair{Command: "ec133/ch1/set", State: "ec133/ch1/state"}
	cfg.EC133.Topics.Ch2 = TopicPair{Command: "ec133/ch2/set", State: "ec133/ch2/state"}
	cfg.EC133.Topics.Toggle = TopicPair{Command: "ec133/toggle/set", State: "ec133/toggle/state"}
	cfg.EC133.WriteRetry.MaxAttempts = 0 // unlimited
	cfg.EC133.WriteRetry.DelayMS = 200
	cfg.EC133.WriteRetry.MaxDelayMS = 5000

	// Default curve settings
	cfg.Curve.Active = true
	cfg.Curve.Range = 255
	cfg.Curve.Offset = 0.02
	cfg.Curve.Tau = 0.25

	// Default MQTT settings
	cfg.MQTT.Host = "127.0.0.1"
	cfg.MQTT.Port = 1883
	cfg.MQTT.QoS = 1
	cfg.MQTT.ClientIDPrefix = "go-ec133"
	cfg.MQTT.ConnectionRetryAttempts = 60
	cfg.MQTT.ConnectionRetryInterval = 10

	// Default Home Assistant discovery settings
	cfg.MQTT.HomeAssistantDiscovery.Enabled = false
	cfg.MQTT.HomeAssistantDiscovery.DiscoveryPrefix = "homeassistant"
	cfg.MQTT.HomeAssistantDiscovery.NodeID = "ec133"
	cfg.MQTT.HomeAssistantDiscovery.DeviceName = "EC133 Dimmer"

	// Default API settings
	cfg.API.Enabled = false
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080
	cfg.API.CommandRate = 10

	return cfg
}

// Load reads the configuration from a file and environment variables.
// A missing file at the default location is not an error; environment
// variables always take precedence over file values.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Set up Viper
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Override with specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			log.Debug().Msg("No configuration file found, using defaults")
		} else {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	// Bind environment variables
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("error binding %s: %w", env, err)
		}
	}

	// Unmarshal config
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	cfg.Serial.Parity = strings.ToUpper(strings.TrimSpace(cfg.Serial.Parity))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks the resolved configuration for values the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Serial.Parity {
	case "N", "E", "O":
	default:
		errs = append(errs, fmt.Errorf("serial parity must be N, E or O, got %q", c.Serial.Parity))
	}
	if c.Serial.StopBits != 1 && c.Serial.StopBits != 2 {
		errs = append(errs, fmt.Errorf("serial stop bits must be 1 or 2, got %d", c.Serial.StopBits))
	}
	if c.Serial.ByteSize < 5 || c.Serial.ByteSize > 8 {
		errs = append(errs, fmt.Errorf("serial byte size must be 5..8, got %d", c.Serial.ByteSize))
	}
	if c.Serial.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("serial baud rate must be positive, got %d", c.Serial.BaudRate))
	}

	if c.EC133.Address < 1 || c.EC133.Address > 247 {
		errs = append(errs, fmt.Errorf("device address must be 1..247, got %d", c.EC133.Address))
	}
	if c.EC133.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("device timeout must be positive, got %v", c.EC133.TimeoutSeconds))
	}
	if c.EC133.RegisterBase < 0 || c.EC133.RegisterBase > 0xFFFF-3 {
		errs = append(errs, fmt.Errorf("register base out of range: %d", c.EC133.RegisterBase))
	}
	if c.EC133.WriteRetry.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("write retry attempts must not be negative, got %d", c.EC133.WriteRetry.MaxAttempts))
	}
	if c.EC133.WriteRetry.DelayMS < 0 || c.EC133.WriteRetry.MaxDelayMS < 0 {
		errs = append(errs, errors.New("write retry delays must not be negative"))
	}

	for i, pair := range c.ChannelTopics() {
		if pair.Command == "" {
			errs = append(errs, fmt.Errorf("channel %d command topic is empty", i))
		}
		if pair.State == "" {
			errs = append(errs, fmt.Errorf("channel %d state topic is empty", i))
		}
	}
	if c.EC133.Topics.Toggle.Command == "" {
		errs = append(errs, errors.New("toggle command topic is empty"))
	}

	if c.Curve.Range <= 0 {
		errs = append(errs, fmt.Errorf("curve range must be positive, got %v", c.Curve.Range))
	}
	if c.Curve.Offset < 0 || c.Curve.Offset >= 1 {
		errs = append(errs, fmt.Errorf("curve offset must be in [0,1), got %v", c.Curve.Offset))
	}
	if c.Curve.Tau <= 0 {
		errs = append(errs, fmt.Errorf("curve tau must be positive, got %v", c.Curve.Tau))
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.MQTT.ConnectionRetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("mqtt connection retry attempts must be at least 1, got %d", c.MQTT.ConnectionRetryAttempts))
	}

	if c.API.CommandRate < 0 {
		errs = append(errs, fmt.Errorf("api command rate must not be negative, got %v", c.API.CommandRate))
	}

	return errors.Join(errs...)
}

// ChannelTopics returns the topics of the physical channels in channel order.
func (c *Config) ChannelTopics() []TopicPair {
	return []TopicPair{c.EC133.Topics.Ch0, c.EC133.Topics.Ch1, c.EC133.Topics.Ch2}
}

// DeviceTimeout returns the Modbus response timeout.
func (c *Config) DeviceTimeout() time.Duration {
	return time.Duration(c.EC133.TimeoutSeconds * float64(time.Second))
}

// BrokerURL returns the paho broker address.
func (c *Config) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.MQTT.Host, c.MQTT.Port)
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("go-ec133 Gateway Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")

	logger.Info().
		Str("device", c.Serial.Device).
		Int("baudrate", c.Serial.BaudRate).
		Int("bytesize", c.Serial.ByteSize).
		Str("parity", c.Serial.Parity).
		Int("stopbits", c.Serial.StopBits).
		Msg("Serial")

	logger.Info().
		Int("address", c.EC133.Address).
		Dur("timeout", c.DeviceTimeout()).
		Int("register_base", c.EC133.RegisterBase).
		Int("write_retry_max_attempts", c.EC133.WriteRetry.MaxAttempts).
		Msg("EC133")

	for i, pair := range c.ChannelTopics() {
		logger.Info().
			Int("channel", i).
			Str("command", pair.Command).
			Str("state", pair.State).
			Msg("Channel topics")
	}
	logger.Info().
		Str("command", c.EC133.Topics.Toggle.Command).
		Str("state", c.EC133.Topics.Toggle.State).
		Msg("Toggle topics")

	logger.Info().
		Bool("active", c.Curve.Active).
		Float64("range", c.Curve.Range).
		Float64("offset", c.Curve.Offset).
		Float64("tau", c.Curve.Tau).
		Msg("Brightness curve")

	password := ""
	if c.MQTT.Password != "" {
		password = "********"
	}
	logger.Info().
		Str("host", c.MQTT.Host).
		Int("port", c.MQTT.Port).
		Str("username", c.MQTT.Username).
		Str("password", password).
		Int("qos", c.MQTT.QoS).
		Bool("homeassistant_discovery_enabled", c.MQTT.HomeAssistantDiscovery.Enabled).
		Msg("MQTT Configuration")

	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
	if c.API.Enabled {
		logger.Info().
			Str("host", c.API.Host).
			Int("port", c.API.Port).
			Float64("command_rate", c.API.CommandRate).
			Msg("API Server")
	}

	logger.Info().Msg("-----------------------------")
}
