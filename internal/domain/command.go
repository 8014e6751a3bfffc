package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Domain errors.
var (
	// ErrMalformedCommand is returned for payloads that are not a JSON object
	// or carry fields of the wrong type.
	ErrMalformedCommand = errors.New("malformed command")

	// ErrUnknownChannel is returned when a channel name or index is not known.
	ErrUnknownChannel = errors.New("unknown channel")
)

// Command is one decoded inbound lighting command.
type Command struct {
	// State defaults to ON when the payload omits it
	State PowerState

	// Brightness is nil when the payload omits it
	Brightness *int

	// Clamped is set when the requested brightness was outside 0..255
	Clamped bool
}

// HasBrightness reports whether the command carries an explicit brightness.
func (c Command) HasBrightness() bool {
	return c.Brightness != nil
}

// NewCommand builds a command in code, e.g. for the toggle group.
func NewCommand(state PowerState) Command {
	return Command{State: state}
}

// WithBrightness returns a copy of c carrying the given brightness.
func (c Command) WithBrightness(brightness int) Command {
	b := clampBrightness(brightness)
	c.Brightness = &b
	c.Clamped = b != brightness
	return c
}

// DecodeCommand parses a raw JSON payload into a Command.
//
// The payload must be a JSON object. A missing or null "state" means ON, a
// missing or null "brightness" means "keep the stored level". Brightness
// values outside 0..255 are clamped and flagged on the returned command.
func DecodeCommand(payload []byte) (Command, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Command{}, fmt.Errorf("%w: payload is not a JSON object", ErrMalformedCommand)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}

	cmd := Command{State: PowerOn}

	if raw, ok := fields["state"]; ok && !isNull(raw) {
		var state string
		if err := json.Unmarshal(raw, &state); err != nil {
			return Command{}, fmt.Errorf("%w: state must be a string", ErrMalformedCommand)
		}

		switch strings.ToUpper(strings.TrimSpace(state)) {
		case string(PowerOn):
			cmd.State = PowerOn
		case string(PowerOff):
			cmd.State = PowerOff
		default:
			return Command{}, fmt.Errorf("%w: unsupported state %q", ErrMalformedCommand, state)
		}
	}

	if raw, ok := fields["brightness"]; ok && !isNull(raw) {
		var value float64
		if err := json.Unmarshal(raw, &value); err != nil {
			return Command{}, fmt.Errorf("%w: brightness must be a number", ErrMalformedCommand)
		}
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return Command{}, fmt.Errorf("%w: brightness is not finite", ErrMalformedCommand)
		}

		// Clamp in float space first so huge values cannot overflow int.
		clamped := math.Max(MinBrightness, math.Min(MaxBrightness, math.Trunc(value)))
		cmd = cmd.WithBrightness(int(clamped))
		cmd.Clamped = clamped != math.Trunc(value)
	}

	return cmd, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func clampBrightness(value int) int {
	if value < MinBrightness {
		return MinBrightness
	}
	if value > MaxBrightness {
		return MaxBrightness
	}
	return value
}
