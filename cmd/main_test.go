package main

import (
	"bytes"
	"context"
	"flag"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runWithArgs resets the flag set and calls run with the given arguments.
func runWithArgs(t *testing.T, args ...string) int {
	t.Helper()
	oldArgs := os.Args
	t.Cleanup(func() { os.Args = oldArgs })

	os.Args = append([]string{"go-ec133"}, args...)
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ContinueOnError)

	return run()
}

// captureStdout returns what fn printed to stdout.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	fn()

	w.Close()
	os.Stdout = oldStdout
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	return buf.String()
}

func TestRun_Version(t *testing.T) {
	var code int
	output := captureStdout(t, func() {
		code = runWithArgs(t, "-version")
	})

	assert.Equal(t, 0, code)
	assert.Equal(t, "go-ec133 gateway "+Version+"\n", output)
}

func TestRun_MissingConfigFile(t *testing.T) {
	var code int
	output := captureStdout(t, func() {
		code = runWithArgs(t, "-config", filepath.Join(t.TempDir(), "missing.yaml"))
	})

	assert.Equal(t, 1, code)
	assert.Contains(t, output, "Failed to load configuration")
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("MQTT_QOS", "7")

	var code int
	output := captureStdout(t, func() {
		code = runWithArgs(t)
	})

	assert.Equal(t, 1, code)
	assert.Contains(t, output, "mqtt qos")
}

func TestRun_SerialOpenFailureExits(t *testing.T) {
	originalLogger := log.Logger
	defer func() { log.Logger = originalLogger }()

	t.Setenv("UART_DEVICE", filepath.Join(t.TempDir(), "ttyNOPE"))
	t.Setenv("LOG_LEVEL", "error")

	assert.Equal(t, 1, runWithArgs(t))
}

// freePort returns a local TCP port nothing listens on.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestRun_SignalDuringStartupExits(t *testing.T) {
	originalLogger := log.Logger
	defer func() { log.Logger = originalLogger }()

	originalSignalContext := signalContext
	defer func() { signalContext = originalSignalContext }()
	signalContext = func(parent context.Context) (context.Context, context.CancelFunc) {
		return context.WithTimeout(parent, 300*time.Millisecond)
	}

	// The serial line is RTU over TCP to a local listener; the broker is unreachable.
	line, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer line.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		if conn, err := line.Accept(); err == nil {
			accepted <- conn
		}
	}()

	t.Setenv("UART_DEVICE", "rtuovertcp://"+line.Addr().String())
	t.Setenv("MQTT_ADDR", "127.0.0.1")
	t.Setenv("MQTT_PORT", strconv.Itoa(freePort(t)))
	t.Setenv("MQTT_CONNECT_RETRY_ATTEMPTS", "100")
	t.Setenv("MQTT_CONNECT_RETRY_INTERVAL", "1")
	t.Setenv("HA_DISCOVERY_ENABLED", "false")
	t.Setenv("API_ENABLED", "false")
	t.Setenv("LOG_LEVEL", "error")

	start := time.Now()
	assert.Equal(t, 0, runWithArgs(t))
	assert.Less(t, time.Since(start), 5*time.Second)

	// The serial line was released on the way out.
	select {
	case conn := <-accepted:
		defer conn.Close()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, err := conn.Read(make([]byte, 1))
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("gateway never opened the serial line")
	}
}

// TestInitLogger tests the logger initialization function.
func TestInitLogger(t *testing.T) {
	// Save original logger
	originalLogger := log.Logger
	originalLevel := zerolog.GlobalLevel()
	defer func() {
		log.Logger = originalLogger
		zerolog.SetGlobalLevel(originalLevel)
	}()

	tests := []struct {
		name     string
		level    string
		expected zerolog.Level
	}{
		{name: "info level", level: "info", expected: zerolog.InfoLevel},
		{name: "debug level", level: "debug", expected: zerolog.DebugLevel},
		{name: "warn level", level: "warn", expected: zerolog.WarnLevel},
		{name: "error level", level: "error", expected: zerolog.ErrorLevel},
		{name: "uppercase level", level: "INFO", expected: zerolog.InfoLevel},
		{name: "empty defaults to info", level: "", expected: zerolog.InfoLevel},
		{name: "invalid level defaults to info", level: "invalid", expected: zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := captureStdout(t, func() {
				initLogger(tt.level)
			})

			// Check global log level was set correctly
			assert.Equal(t, tt.expected, zerolog.GlobalLevel())

			// Check for invalid level message
			if tt.level == "invalid" {
				assert.Contains(t, output, "Invalid log level 'invalid'")
			}
		})
	}
}
