// Package main provides the entry point for the go-ec133 MQTT to Modbus gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/resident-x/go-ec133/internal/config"
	"github.com/resident-x/go-ec133/internal/device"
	"github.com/resident-x/go-ec133/internal/pubsub"
	"github.com/resident-x/go-ec133/internal/service"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

// shutdownTimeout bounds the graceful stop after a signal.
const shutdownTimeout = 10 * time.Second

// signalContext returns a context cancelled on SIGINT or SIGTERM.
var signalContext = func(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func main() {
	code := run() // run() returns an int
	os.Exit(code) // os.Exit is called after deferred functions in run() execute
}

func run() int {
	// Parse command line flags
	configFile := flag.String("config", "", "Path to configuration file (default: ./config.yaml if present)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	// Show version if requested
	if *showVersion {
		fmt.Printf("go-ec133 gateway %s\n", Version)
		return 0
	}

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		return 1
	}

	// Initialize logger with the configured log level
	initLogger(cfg.LogLevel)

	log.Info().Str("version", Version).Msg("Starting go-ec133 gateway")
	cfg.Print()

	gateway, err := service.NewGateway(cfg, device.NewSession(cfg), Version)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create gateway")
		return 1
	}

	// A signal during startup aborts the broker and serial retries.
	ctx, stop := signalContext(context.Background())
	defer stop()

	if err := gateway.Start(ctx); err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			log.Info().Msg("Startup interrupted")
			return 0
		case errors.Is(err, device.ErrConnection):
			log.Error().Err(err).Msg("Cannot open the EC133 serial line")
		case errors.Is(err, pubsub.ErrConnectionFailed):
			log.Error().Err(err).Msg("Cannot reach the MQTT broker")
		default:
			log.Error().Err(err).Msg("Failed to start gateway")
		}
		return 1
	}

	// Wait for shutdown signal
	<-ctx.Done()
	stop()
	log.Info().Msg("Shutdown signal received")

	// Create context with timeout for graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := gateway.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping gateway")
		return 1
	}

	log.Info().Msg("Gateway stopped")
	return 0
}

// initLogger configures the global zerolog logger.
func initLogger(level string) {
	// Set up pretty console logging for development
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	// Parse the log level
	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	// Configure global logger
	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}
