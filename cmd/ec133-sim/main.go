// Command ec133-sim answers Modbus RTU register writes the way an EC133
// dimmer does. Point it at one end of a pseudo terminal pair (for example
// created with socat) and the gateway at the other to bench test without
// hardware. With -listen it accepts RTU over TCP instead, matching a gateway
// configured with UART_DEVICE=rtuovertcp://host:port.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/resident-x/go-ec133/internal/config"
	"github.com/resident-x/go-ec133/internal/domain"
	"github.com/resident-x/go-ec133/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

// exceptionIllegalAddress is returned for writes outside the channel registers.
const exceptionIllegalAddress = 0x02

// pollInterval bounds how long a read blocks before the context is checked.
const pollInterval = 100 * time.Millisecond

// Simulator holds the register image of one simulated EC133.
type Simulator struct {
	slaveID byte
	base    uint16
	frames  *protocol.FrameBuilder

	// dropEvery leaves every n-th valid request unanswered; zero disables it.
	dropEvery int

	mu        sync.Mutex
	registers [domain.ChannelCount]uint16
	handled   int
	dropped   int
	logger    zerolog.Logger
}

// NewSimulator creates a simulator answering as slaveID with channel 0 at base.
func NewSimulator(slaveID byte, base uint16, dropEvery int) *Simulator {
	return &Simulator{
		slaveID:   slaveID,
		base:      base,
		frames:    protocol.NewFrameBuilder(),
		dropEvery: dropEvery,
		logger:    log.With().Str("component", "simulator").Logger(),
	}
}

// Handle processes one request frame and returns the reply, or nil when the
// device stays silent.
func (sim *Simulator) Handle(frame []byte) []byte {
	req, err := sim.frames.DecodeWriteRequest(frame)
	if err != nil {
		sim.logger.Warn().Err(err).Hex("frame", frame).Msg("Ignoring invalid frame")
		return nil
	}
	if req.SlaveID != sim.slaveID {
		return nil
	}

	sim.mu.Lock()
	defer sim.mu.Unlock()

	sim.handled++
	if sim.dropEvery > 0 && sim.handled%sim.dropEvery == 0 {
		sim.dropped++
		sim.logger.Info().Uint16("register", req.Register).Msg("Dropping reply")
		return nil
	}

	if req.Register < sim.base || int(req.Register-sim.base) >= domain.ChannelCount {
		return sim.frames.EncodeException(req.SlaveID, protocol.FuncCodeWriteMultipleRegisters, exceptionIllegalAddress)
	}

	channel := domain.Channel(req.Register - sim.base)
	sim.registers[channel] = req.Value
	sim.logger.Info().
		Str("channel", channel.String()).
		Uint16("value", req.Value).
		Msg("Register written")

	return sim.frames.EncodeWriteResponse(req)
}

// Registers returns the current register values.
func (sim *Simulator) Registers() [domain.ChannelCount]uint16 {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	return sim.registers
}

// Serve reads request frames from rw and writes the replies until ctx is done
// or the line fails. Reads on rw are expected to time out periodically.
func (sim *Simulator) Serve(ctx context.Context, rw io.ReadWriter) error {
	buf := make([]byte, 0, protocol.WriteRequestSize)
	chunk := make([]byte, protocol.WriteRequestSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := rw.Read(chunk[:protocol.WriteRequestSize-len(buf)])
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("read request: %w", err)
		}
		if n == 0 {
			// An idle line separates frames.
			buf = buf[:0]
			continue
		}

		buf = append(buf, chunk[:n]...)
		if len(buf) < protocol.WriteRequestSize {
			continue
		}

		reply := sim.Handle(buf)
		buf = buf[:0]
		if reply == nil {
			continue
		}
		if _, err := rw.Write(reply); err != nil {
			return fmt.Errorf("write reply: %w", err)
		}
	}
}

// ServeListener answers every connection accepted on ln, one at a time, until
// ctx is done.
func (sim *Simulator) ServeListener(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("accept: %w", err)
		}

		sim.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("Gateway connected")
		closeConn := context.AfterFunc(ctx, func() { _ = conn.Close() })
		err = sim.Serve(ctx, conn)
		closeConn()
		_ = conn.Close()

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		sim.logger.Info().Err(err).Msg("Gateway disconnected")
	}
}

// serialMode converts the configured line settings to a serial port mode.
func serialMode(cfg *config.Config) *serial.Mode {
	mode := &serial.Mode{
		BaudRate: cfg.Serial.BaudRate,
		DataBits: cfg.Serial.ByteSize,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	switch cfg.Serial.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	if cfg.Serial.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	return mode
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configFile = flag.String("config", "", "Path to the gateway configuration file")
		port       = flag.String("port", "", "Serial device to answer on (default: serial.device from the configuration)")
		listen     = flag.String("listen", "", "Accept RTU over TCP on this address instead of a serial device")
		dropEvery  = flag.Int("drop-every", 0, "Leave every n-th request unanswered")
		verbose    = flag.Bool("verbose", false, "Enable debug logging")
	)
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return 1
	}
	if *port != "" {
		cfg.Serial.Device = *port
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sim := NewSimulator(byte(cfg.EC133.Address), uint16(cfg.EC133.RegisterBase), *dropEvery)

	if *listen != "" {
		ln, err := net.Listen("tcp", *listen)
		if err != nil {
			log.Error().Err(err).Str("listen", *listen).Msg("Cannot listen")
			return 1
		}

		log.Info().
			Str("listen", ln.Addr().String()).
			Int("address", cfg.EC133.Address).
			Int("register_base", cfg.EC133.RegisterBase).
			Int("drop_every", *dropEvery).
			Msg("EC133 simulator listening")

		err = sim.ServeListener(ctx, ln)
		return sim.finish(err)
	}

	line, err := serial.Open(cfg.Serial.Device, serialMode(cfg))
	if err != nil {
		log.Error().Err(err).Str("port", cfg.Serial.Device).Msg("Cannot open serial port")
		return 1
	}
	defer line.Close()

	if err := line.SetReadTimeout(pollInterval); err != nil {
		log.Error().Err(err).Msg("Cannot set read timeout")
		return 1
	}

	log.Info().
		Str("port", cfg.Serial.Device).
		Int("address", cfg.EC133.Address).
		Int("register_base", cfg.EC133.RegisterBase).
		Int("drop_every", *dropEvery).
		Msg("EC133 simulator listening")

	return sim.finish(sim.Serve(ctx, line))
}

// finish logs the final register image and maps the serve error to an exit code.
func (sim *Simulator) finish(err error) int {
	registers := sim.Registers()
	sim.mu.Lock()
	handled, dropped := sim.handled, sim.dropped
	sim.mu.Unlock()

	values := make([]string, len(registers))
	for i, v := range registers {
		values[i] = fmt.Sprintf("%s=%d", domain.Channel(i), v)
	}
	log.Info().
		Str("registers", strings.Join(values, " ")).
		Int("handled", handled).
		Int("dropped", dropped).
		Msg("EC133 simulator stopped")

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Simulator error")
		return 1
	}
	return 0
}
