// Package homeassistant provides MQTT auto-discovery support for Home Assistant integration.
package homeassistant

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/resident-x/go-ec133/internal/config"
	"github.com/resident-x/go-ec133/internal/domain"
	"github.com/resident-x/go-ec133/internal/pubsub"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed layouts/entities.yaml
var entitiesYAML []byte

// EntityConfig is the presentation of one entity in the layout YAML.
type EntityConfig struct {
	Name string `yaml:"name"`
	Icon string `yaml:"icon,omitempty"`
}

// LayoutConfig represents the entity layout shipped with the gateway.
type LayoutConfig struct {
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
	Device      struct {
		Manufacturer string `yaml:"manufacturer"`
		Model        string `yaml:"model"`
	} `yaml:"device"`
	Lights map[string]EntityConfig `yaml:"lights"`
	Toggle EntityConfig            `yaml:"toggle"`
}

// DeviceInfo represents device information for Home Assistant.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	SwVersion    string   `json:"sw_version,omitempty"`
}

// LightDiscovery is the discovery payload of a JSON schema light.
type LightDiscovery struct {
	Name            string     `json:"name"`
	UniqueID        string     `json:"unique_id"`
	Schema          string     `json:"schema"`
	CommandTopic    string     `json:"command_topic"`
	StateTopic      string     `json:"state_topic"`
	Brightness      bool       `json:"brightness"`
	BrightnessScale int        `json:"brightness_scale"`
	Icon            string     `json:"icon,omitempty"`
	Device          DeviceInfo `json:"device"`
}

// ButtonDiscovery is the discovery payload of the toggle button.
type ButtonDiscovery struct {
	Name         string     `json:"name"`
	UniqueID     string     `json:"unique_id"`
	CommandTopic string     `json:"command_topic"`
	PayloadPress string     `json:"payload_press"`
	Icon         string     `json:"icon,omitempty"`
	Device       DeviceInfo `json:"device"`
}

// AutoDiscovery builds the retained discovery configs for the gateway's entities.
type AutoDiscovery struct {
	config  *config.Config
	layout  *LayoutConfig
	version string
}

// New creates a new Home Assistant auto-discovery instance.
func New(cfg *config.Config, version string) (*AutoDiscovery, error) {
	ad := &AutoDiscovery{
		config:  cfg,
		version: version,
	}

	// Load the layout configuration
	if err := ad.loadLayoutConfig(); err != nil {
		return nil, fmt.Errorf("failed to load layout config: %w", err)
	}

	return ad, nil
}

// loadLayoutConfig loads the entity layout from embedded YAML.
func (ad *AutoDiscovery) loadLayoutConfig() error {
	var layout LayoutConfig
	if err := yaml.Unmarshal(entitiesYAML, &layout); err != nil {
		return fmt.Errorf("failed to unmarshal Home Assistant entities config: %w", err)
	}

	ad.layout = &layout
	log.Debug().
		Str("component", "homeassistant").
		Str("version", layout.Version).
		Int("light_count", len(layout.Lights)).
		Msg("Home Assistant layout configuration loaded from YAML")

	return nil
}

// Messages returns one retained discovery message per light and one for the
// toggle button.
func (ad *AutoDiscovery) Messages() ([]pubsub.Message, error) {
	device := ad.deviceInfo()
	topics := ad.config.ChannelTopics()

	var messages []pubsub.Message
	for _, channel := range domain.AllChannels() {
		entity := ad.entity(channel)
		light := LightDiscovery{
			Name:            entity.Name,
			UniqueID:        ad.uniqueID(channel),
			Schema:          "json",
			CommandTopic:    topics[channel].Command,
			StateTopic:      topics[channel].State,
			Brightness:      true,
			BrightnessScale: domain.MaxBrightness,
			Icon:            entity.Icon,
			Device:          device,
		}

		msg, err := ad.message(ad.discoveryTopic("light", channel), light)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	entity := ad.entity(domain.ToggleChannel)
	button := ButtonDiscovery{
		Name:         entity.Name,
		UniqueID:     ad.uniqueID(domain.ToggleChannel),
		CommandTopic: ad.config.EC133.Topics.Toggle.Command,
		PayloadPress: "{}",
		Icon:         entity.Icon,
		Device:       device,
	}

	msg, err := ad.message(ad.discoveryTopic("button", domain.ToggleChannel), button)
	if err != nil {
		return nil, err
	}

	return append(messages, msg), nil
}

func (ad *AutoDiscovery) message(topic string, payload any) (pubsub.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return pubsub.Message{}, fmt.Errorf("failed to marshal discovery message for %s: %w", topic, err)
	}
	return pubsub.Message{Topic: topic, Payload: data, Retained: true}, nil
}

// discoveryTopic returns <prefix>/<component>/<node>/<channel>/config.
func (ad *AutoDiscovery) discoveryTopic(component string, channel domain.Channel) string {
	ha := ad.config.MQTT.HomeAssistantDiscovery
	return fmt.Sprintf("%s/%s/%s/%s/config", ha.DiscoveryPrefix, component, ha.NodeID, channel)
}

func (ad *AutoDiscovery) uniqueID(channel domain.Channel) string {
	return fmt.Sprintf("%s_%s", ad.config.MQTT.HomeAssistantDiscovery.NodeID, channel)
}

// entity returns the layout entry of a channel, falling back to its short name.
func (ad *AutoDiscovery) entity(channel domain.Channel) EntityConfig {
	entity := ad.layout.Toggle
	if channel.IsReal() {
		entity = ad.layout.Lights[channel.String()]
	}
	if entity.Name == "" {
		entity.Name = channel.String()
	}
	return entity
}

func (ad *AutoDiscovery) deviceInfo() DeviceInfo {
	ha := ad.config.MQTT.HomeAssistantDiscovery
	return DeviceInfo{
		Identifiers:  []string{ha.NodeID},
		Name:         ha.DeviceName,
		Manufacturer: ad.layout.Device.Manufacturer,
		Model:        ad.layout.Device.Model,
		SwVersion:    ad.version,
	}
}
