package core

import (
	"testing"
	"time"

	"mixdeck/internal/i18n"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.App.Language != i18n.DefaultLanguage {
		t.Errorf("Expected default language to be %s, got %s", i18n.DefaultLanguage, config.App.Language)
	}

	if config.Cache.TTL != 60*time.Minute {
		t.Errorf("Expected cache TTL of one hour, got %v", config.Cache.TTL)
	}

	if config.Cache.PageSize != DefaultPageSize {
		t.Errorf("Expected page size %d, got %d", DefaultPageSize, config.Cache.PageSize)
	}

	if config.Player.TickInterval != 250*time.Millisecond {
		t.Errorf("Expected tick interval 250ms, got %v", config.Player.TickInterval)
	}

	if config.Player.ReverseThreshold != 0.3 {
		t.Errorf("Expected reverse threshold 0.3, got %v", config.Player.ReverseThreshold)
	}

	if config.Spotify.TokenLifetime != 3600*time.Second {
		t.Errorf("Expected token lifetime 3600s, got %v", config.Spotify.TokenLifetime)
	}

	if config.Device.Kind != "helper" {
		t.Errorf("Expected the web helper device by default, got %s", config.Device.Kind)
	}

	if config.Backend.BaseURL != "" {
		t.Errorf("Expected no refresh backend by default, got %s", config.Backend.BaseURL)
	}
}

func TestLanguageConfiguration(t *testing.T) {
	config := DefaultConfig()

	for _, lang := range i18n.GetSupportedLanguages() {
		config.App.Language = lang
		localizer := i18n.NewLocalizer(config.App.Language)
		if localizer == nil {
			t.Errorf("Failed to create localizer for language %s", lang)
		}

		if message := localizer.T("error.generic"); message == "" {
			t.Errorf("Empty message for key 'error.generic' in language %s", lang)
		}
	}
}

func TestConfigConstants(t *testing.T) {
	if DefaultReverseThreshold <= 0 || DefaultReverseThreshold >= 1 {
		t.Error("DefaultReverseThreshold should be a fraction")
	}

	if DefaultTickInterval <= 0 || DefaultTickInterval >= time.Second {
		t.Error("DefaultTickInterval should be below one second")
	}

	if port := DefaultConfig().Server.Port; port <= 0 || port > 65535 {
		t.Error("default server port should be a valid port number")
	}
}
