// Package domain provides core domain models and interfaces for the go-ec133 gateway.
package domain

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Channel layout of the EC133 module.
const (
	// ChannelCount is the number of physical dimmer outputs.
	ChannelCount = 3

	// MinBrightness and MaxBrightness bound both brightness and register values.
	MinBrightness = 0
	MaxBrightness = 255

	// DefaultBrightness is the cold start level of every channel.
	DefaultBrightness = MaxBrightness
)

// PowerState is the ON/OFF state of a channel or of the toggle group.
type PowerState string

// Power states as they appear on the wire.
const (
	PowerOn  PowerState = "ON"
	PowerOff PowerState = "OFF"
)

// Channel identifies a logical channel: 0..ChannelCount-1 are the physical
// outputs, ToggleChannel is the virtual toggle group.
type Channel int

// ToggleChannel is the virtual channel that switches all outputs as one unit.
const ToggleChannel Channel = ChannelCount

// IsToggle reports whether c is the virtual toggle channel.
func (c Channel) IsToggle() bool {
	return c == ToggleChannel
}

// IsReal reports whether c addresses a physical output.
func (c Channel) IsReal() bool {
	return c >= 0 && c < ChannelCount
}

// String returns the short name used in logs and topics.
func (c Channel) String() string {
	switch {
	case c.IsToggle():
		return "toggle"
	case c.IsReal():
		return "ch" + strconv.Itoa(int(c))
	default:
		return "unknown(" + strconv.Itoa(int(c)) + ")"
	}
}

// ParseChannel converts "0".."2", "ch0".."ch2" or "toggle" into a Channel.
func ParseChannel(s string) (Channel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "toggle" {
		return ToggleChannel, nil
	}

	n, err := strconv.Atoi(strings.TrimPrefix(s, "ch"))
	if err != nil || !Channel(n).IsReal() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownChannel, s)
	}

	return Channel(n), nil
}

// AllChannels returns the physical channels in register order.
func AllChannels() []Channel {
	channels := make([]Channel, ChannelCount)
	for i := range channels {
		channels[i] = Channel(i)
	}
	return channels
}

// ChannelState is the controller's record of one physical output.
// Register is 0 whenever Power is OFF, otherwise the curve of Brightness.
type ChannelState struct {
	Brightness int        `json:"brightness"`
	Power      PowerState `json:"state"`
	Register   int        `json:"register"`
}

// ChannelSnapshot is the part of a channel state the toggle group restores.
type ChannelSnapshot struct {
	Brightness int        `json:"brightness"`
	Power      PowerState `json:"state"`
}

// ToggleGroupState is the virtual toggle group. Saved is valid whenever
// Active is OFF.
type ToggleGroupState struct {
	Active PowerState                    `json:"state"`
	Saved  [ChannelCount]ChannelSnapshot `json:"saved"`
}

// StateReport is the retained state message for one channel. Brightness is
// emitted as a bare JSON number.
type StateReport struct {
	State      PowerState `json:"state"`
	Brightness int        `json:"brightness"`
}

// Snapshot is a consistent copy of the complete controller state.
type Snapshot struct {
	Channels [ChannelCount]ChannelState `json:"channels"`
	Toggle   ToggleGroupState           `json:"toggle"`
}

// RegisterWriter performs a single blocking register write on the device.
type RegisterWriter interface {
	// WriteRegister writes one 16-bit value to the register of the given output
	WriteRegister(channel Channel, value uint16) error
}

// StatePublisher reports a channel's resulting state after a successful write.
type StatePublisher interface {
	// PublishState sends the state report to the channel's state topic
	PublishState(ctx context.Context, channel Channel, report StateReport) error
}

// CommandHandler consumes raw inbound command payloads.
type CommandHandler interface {
	// HandleCommand decodes and applies one command payload for a channel
	HandleCommand(ctx context.Context, channel Channel, payload []byte) error
}
