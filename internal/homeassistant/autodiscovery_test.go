package homeassistant

import (
	"encoding/json"
	"testing"

	"github.com/resident-x/go-ec133/internal/config"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.MQTT.HomeAssistantDiscovery.Enabled = true
	cfg.MQTT.HomeAssistantDiscovery.NodeID = "dimmer1"
	cfg.MQTT.HomeAssistantDiscovery.DeviceName = "Hallway Dimmer"
	return cfg
}

func TestNew(t *testing.T) {
	ad, err := New(testConfig(), "1.2.3")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if ad.layout == nil {
		t.Fatal("Expected layout to be loaded")
	}

	if len(ad.layout.Lights) != 3 {
		t.Errorf("Expected 3 lights in layout, got %d", len(ad.layout.Lights))
	}

	if ad.layout.Toggle.Name == "" {
		t.Error("Expected toggle entity to have a name")
	}
}

func TestMessages(t *testing.T) {
	ad, err := New(testConfig(), "1.2.3")
	if err != nil {
		t.Fatalf("Failed to create AutoDiscovery: %v", err)
	}

	messages, err := ad.Messages()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	expectedTopics := []string{
		"homeassistant/light/dimmer1/ch0/config",
		"homeassistant/light/dimmer1/ch1/config",
		"homeassistant/light/dimmer1/ch2/config",
		"homeassistant/button/dimmer1/toggle/config",
	}

	if len(messages) != len(expectedTopics) {
		t.Fatalf("Expected %d messages, got %d", len(expectedTopics), len(messages))
	}

	for i, topic := range expectedTopics {
		if messages[i].Topic != topic {
			t.Errorf("Message %d: expected topic %s, got %s", i, topic, messages[i].Topic)
		}
		if !messages[i].Retained {
			t.Errorf("Message %d: expected retained discovery message", i)
		}
	}
}

func TestLightDiscoveryPayload(t *testing.T) {
	ad, err := New(testConfig(), "1.2.3")
	if err != nil {
		t.Fatalf("Failed to create AutoDiscovery: %v", err)
	}

	messages, err := ad.Messages()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	var light LightDiscovery
	if err := json.Unmarshal(messages[1].Payload, &light); err != nil {
		t.Fatalf("Failed to unmarshal light payload: %v", err)
	}

	if light.Schema != "json" {
		t.Errorf("Expected json schema, got %s", light.Schema)
	}
	if light.CommandTopic != "ec133/ch1/set" || light.StateTopic != "ec133/ch1/state" {
		t.Errorf("Unexpected topics: %s / %s", light.CommandTopic, light.StateTopic)
	}
	if !light.Brightness || light.BrightnessScale != 255 {
		t.Errorf("Expected brightness with scale 255, got %v / %d", light.Brightness, light.BrightnessScale)
	}
	if light.UniqueID != "dimmer1_ch1" {
		t.Errorf("Expected unique id dimmer1_ch1, got %s", light.UniqueID)
	}
	if light.Name != "Channel 2" {
		t.Errorf("Expected name from layout, got %s", light.Name)
	}
	if light.Device.Name != "Hallway Dimmer" || light.Device.SwVersion != "1.2.3" {
		t.Errorf("Unexpected device info: %+v", light.Device)
	}
	if len(light.Device.Identifiers) != 1 || light.Device.Identifiers[0] != "dimmer1" {
		t.Errorf("Unexpected identifiers: %v", light.Device.Identifiers)
	}
}

func TestButtonDiscoveryPayload(t *testing.T) {
	cfg := testConfig()
	cfg.EC133.Topics.Toggle.Command = "house/lights/all/set"

	ad, err := New(cfg, "dev")
	if err != nil {
		t.Fatalf("Failed to create AutoDiscovery: %v", err)
	}

	messages, err := ad.Messages()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	var button ButtonDiscovery
	if err := json.Unmarshal(messages[3].Payload, &button); err != nil {
		t.Fatalf("Failed to unmarshal button payload: %v", err)
	}

	if button.CommandTopic != "house/lights/all/set" {
		t.Errorf("Expected toggle command topic, got %s", button.CommandTopic)
	}
	if button.PayloadPress != "{}" {
		t.Errorf("Expected press payload {}, got %s", button.PayloadPress)
	}
	if button.UniqueID != "dimmer1_toggle" {
		t.Errorf("Expected unique id dimmer1_toggle, got %s", button.UniqueID)
	}
}

func TestEntityFallbackName(t *testing.T) {
	ad, err := New(testConfig(), "dev")
	if err != nil {
		t.Fatalf("Failed to create AutoDiscovery: %v", err)
	}

	delete(ad.layout.Lights, "ch2")
	if got := ad.entity(2).Name; got != "ch2" {
		t.Errorf("Expected fallback name ch2, got %s", got)
	}
}
