package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)

	// Serial defaults
	assert.Equal(t, "/dev/ttyUSB0", cfg.Serial.Device)
	assert.Equal(t, 19200, cfg.Serial.BaudRate)
	assert.Equal(t, 8, cfg.Serial.ByteSize)
	assert.Equal(t, "N", cfg.Serial.Parity)
	assert.Equal(t, 1, cfg.Serial.StopBits)

	// EC133 defaults
	assert.Equal(t, 1, cfg.EC133.Address)
	assert.Equal(t, 200*time.Millisecond, cfg.DeviceTimeout())
	assert.Equal(t, "ec133/ch0/set", cfg.EC133.Topics.Ch0.Command)
	assert.Equal(t, "ec133/toggle/set", cfg.EC133.Topics.Toggle.Command)
	assert.Equal(t, 0, cfg.EC133.WriteRetry.MaxAttempts)
	assert.Equal(t, 200, cfg.EC133.WriteRetry.DelayMS)

	// MQTT defaults
	assert.Equal(t, "127.0.0.1", cfg.MQTT.Host)
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.Equal(t, 1, cfg.MQTT.QoS)
	assert.Equal(t, 60, cfg.MQTT.ConnectionRetryAttempts)
	assert.Equal(t, 10, cfg.MQTT.ConnectionRetryInterval)
	assert.Equal(t, "tcp://127.0.0.1:1883", cfg.BrokerURL())

	assert.False(t, cfg.API.Enabled)
	assert.Equal(t, 10.0, cfg.API.CommandRate)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigWithNonExistentFile(t *testing.T) {
	_, err := Load("nonexistent_config.yaml")

	// Should error when an explicitly named file doesn't exist
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config")
}

func TestLoadConfigWithoutFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Setenv("UART_DEVICE", "/dev/ttyAMA0")
	t.Setenv("UART_BAUD", "9600")
	t.Setenv("UART_PARITY", "e")
	t.Setenv("UART_STOPBITS", "2")
	t.Setenv("EC133_ADDR", "7")
	t.Setenv("EC133_TIMEOUT", "0.5")
	t.Setenv("CH0_COMMAND", "home/light0/set")
	t.Setenv("CH0_STATE", "home/light0/state")
	t.Setenv("TOGGLE_COMMAND", "home/all/toggle")
	t.Setenv("CURVE_ACTIVE", "false")
	t.Setenv("CURVE_TAU", "0.4")
	t.Setenv("MQTT_ADDR", "broker.local")
	t.Setenv("MQTT_PORT", "8883")
	t.Setenv("MQTT_USER", "light")
	t.Setenv("MQTT_PASS", "secret")
	t.Setenv("MQTT_QOS", "2")
	t.Setenv("WRITE_RETRY_MAX_ATTEMPTS", "25")
	t.Setenv("API_COMMAND_RATE", "2.5")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyAMA0", cfg.Serial.Device)
	assert.Equal(t, 9600, cfg.Serial.BaudRate)
	assert.Equal(t, "E", cfg.Serial.Parity)
	assert.Equal(t, 2, cfg.Serial.StopBits)
	assert.Equal(t, 7, cfg.EC133.Address)
	assert.Equal(t, 500*time.Millisecond, cfg.DeviceTimeout())
	assert.Equal(t, "home/light0/set", cfg.EC133.Topics.Ch0.Command)
	assert.Equal(t, "home/light0/state", cfg.EC133.Topics.Ch0.State)
	assert.Equal(t, "ec133/ch1/set", cfg.EC133.Topics.Ch1.Command, "unset channels keep defaults")
	assert.Equal(t, "home/all/toggle", cfg.EC133.Topics.Toggle.Command)
	assert.False(t, cfg.Curve.Active)
	assert.Equal(t, 0.4, cfg.Curve.Tau)
	assert.Equal(t, 255.0, cfg.Curve.Range)
	assert.Equal(t, "broker.local", cfg.MQTT.Host)
	assert.Equal(t, 8883, cfg.MQTT.Port)
	assert.Equal(t, "light", cfg.MQTT.Username)
	assert.Equal(t, "secret", cfg.MQTT.Password)
	assert.Equal(t, 2, cfg.MQTT.QoS)
	assert.Equal(t, 25, cfg.EC133.WriteRetry.MaxAttempts)
	assert.Equal(t, 2.5, cfg.API.CommandRate)
}

func TestLoadConfigWithValidYAML(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "test_config.yaml")

	configContent := `
log_level: debug
serial:
  device: /dev/ttyS1
  baudrate: 38400
ec133:
  addr: 3
  timeout: 1.5
  topics:
    ch2:
      command: test/ch2/set
      state: test/ch2/state
  write_retry:
    max_attempts: 5
    delay_ms: 50
curve:
  active: true
  range: 200
  offset: 0.1
  tau: 0.5
mqtt:
  address: mqtt.example.com
  port: 1884
  qos: 0
  homeassistant_discovery:
    enabled: true
    node_id: kitchen
api:
  enabled: true
  port: 9000
`

	err := os.WriteFile(configFile, []byte(configContent), 0o644)
	require.NoError(t, err)

	cfg, err := Load(configFile)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/dev/ttyS1", cfg.Serial.Device)
	assert.Equal(t, 38400, cfg.Serial.BaudRate)
	assert.Equal(t, 8, cfg.Serial.ByteSize)
	assert.Equal(t, 3, cfg.EC133.Address)
	assert.Equal(t, 1500*time.Millisecond, cfg.DeviceTimeout())
	assert.Equal(t, "test/ch2/set", cfg.EC133.Topics.Ch2.Command)
	assert.Equal(t, "test/ch2/state", cfg.EC133.Topics.Ch2.State)
	assert.Equal(t, 5, cfg.EC133.WriteRetry.MaxAttempts)
	assert.Equal(t, 50, cfg.EC133.WriteRetry.DelayMS)
	assert.Equal(t, 5000, cfg.EC133.WriteRetry.MaxDelayMS)
	assert.Equal(t, CurveConfig{Active: true, Range: 200, Offset: 0.1, Tau: 0.5}, cfg.Curve)
	assert.Equal(t, "mqtt.example.com", cfg.MQTT.Host)
	assert.Equal(t, 1884, cfg.MQTT.Port)
	assert.Equal(t, 0, cfg.MQTT.QoS)
	assert.True(t, cfg.MQTT.HomeAssistantDiscovery.Enabled)
	assert.Equal(t, "kitchen", cfg.MQTT.HomeAssistantDiscovery.NodeID)
	assert.Equal(t, "homeassistant", cfg.MQTT.HomeAssistantDiscovery.DiscoveryPrefix)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, 9000, cfg.API.Port)
}

func TestLoadConfigEnvironmentOverridesFile(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("mqtt:\n  address: from-file\n"), 0o644))

	t.Setenv("MQTT_ADDR", "from-env")

	cfg, err := Load(configFile)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.MQTT.Host)
}

func TestLoadConfigWithInvalidYAML(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "invalid_config.yaml")

	invalidContent := `
invalid: yaml: content: [
`

	err := os.WriteFile(configFile, []byte(invalidContent), 0o644)
	require.NoError(t, err)

	_, err = Load(configFile)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		message string
	}{
		{"bad parity", func(c *Config) { c.Serial.Parity = "X" }, "parity"},
		{"bad stop bits", func(c *Config) { c.Serial.StopBits = 3 }, "stop bits"},
		{"bad byte size", func(c *Config) { c.Serial.ByteSize = 9 }, "byte size"},
		{"zero address", func(c *Config) { c.EC133.Address = 0 }, "device address"},
		{"zero timeout", func(c *Config) { c.EC133.TimeoutSeconds = 0 }, "timeout"},
		{"negative retries", func(c *Config) { c.EC133.WriteRetry.MaxAttempts = -1 }, "retry attempts"},
		{"empty command topic", func(c *Config) { c.EC133.Topics.Ch1.Command = "" }, "channel 1 command topic"},
		{"empty state topic", func(c *Config) { c.EC133.Topics.Ch2.State = "" }, "channel 2 state topic"},
		{"empty toggle topic", func(c *Config) { c.EC133.Topics.Toggle.Command = "" }, "toggle command topic"},
		{"zero range", func(c *Config) { c.Curve.Range = 0 }, "curve range"},
		{"offset of one", func(c *Config) { c.Curve.Offset = 1 }, "curve offset"},
		{"negative tau", func(c *Config) { c.Curve.Tau = -0.1 }, "curve tau"},
		{"qos three", func(c *Config) { c.MQTT.QoS = 3 }, "qos"},
		{"no connect attempts", func(c *Config) { c.MQTT.ConnectionRetryAttempts = 0 }, "connection retry attempts"},
		{"negative command rate", func(c *Config) { c.API.CommandRate = -1 }, "api command rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestLoadRejectsInvalidEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MQTT_QOS", "5")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestPrint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MQTT.Password = "hidden"
	cfg.API.Enabled = true

	// This test mainly ensures Print() doesn't panic
	assert.NotPanics(t, func() {
		cfg.Print()
	})
}
