package config

import (
	"testing"

	"github.com/bitchat-mesh/bitchat/internal/bcerr"
)

func TestCanonicalPresetValidates(t *testing.T) {
	if err := Canonical().Validate(); err != nil {
		t.Fatalf("canonical preset should validate, got %v", err)
	}
}

func TestAllPresetsValidate(t *testing.T) {
	presets := map[string]Config{
		"development":       Development(),
		"production":        Production(),
		"battery_optimized": BatteryOptimized(),
		"testing":           Testing(),
	}
	for name, c := range presets {
		if err := c.Validate(); err != nil {
			t.Fatalf("%s preset should validate, got %v", name, err)
		}
	}
}

func TestFragmentSizeOutOfRangeIsRejected(t *testing.T) {
	c := Canonical()
	c.BLE.FragmentSize = 50
	err := c.Validate()
	if err == nil || !bcerr.Is(err, bcerr.ConfigurationError) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestMaxCentralLinksOutOfRangeIsRejected(t *testing.T) {
	c := Canonical()
	c.BLE.MaxCentralLinks = 20
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error for max_central_links out of range")
	}
}

func TestPerConversationCapMustNotExceedGlobalCap(t *testing.T) {
	c := Canonical()
	c.MessageStore.PerConversationCap = c.MessageStore.GlobalCap + 1
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error when per-conversation cap exceeds global cap")
	}
}
