package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestLoadConfigDefaults tests default configuration loading
func TestLoadConfigDefaults(t *testing.T) {
	// Use non-existent file to trigger defaults
	cfg, err := LoadConfig("non-existent-config.toml")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	// Verify default values
	if cfg.Camera.Width != 640 {
		t.Errorf("Default Camera.Width = %d, want 640", cfg.Camera.Width)
	}

	if cfg.Camera.Height != 480 {
		t.Errorf("Default Camera.Height = %d, want 480", cfg.Camera.Height)
	}

	if cfg.Server.WebPort != 8011 {
		t.Errorf("Default Server.WebPort = %d, want 8011", cfg.Server.WebPort)
	}

	if cfg.Pool.Size != 4 {
		t.Errorf("Default Pool.Size = %d, want 4", cfg.Pool.Size)
	}

	if cfg.Stream.MaxClients != 10 {
		t.Errorf("Default Stream.MaxClients = %d, want 10", cfg.Stream.MaxClients)
	}

	if cfg.Watchdog.StallTimeoutSeconds != 10 {
		t.Errorf("Default Watchdog.StallTimeoutSeconds = %d, want 10", cfg.Watchdog.StallTimeoutSeconds)
	}

	if cfg.Camera.CaptureTimeoutSeconds != 10 {
		t.Errorf("Default Camera.CaptureTimeoutSeconds = %d, want 10", cfg.Camera.CaptureTimeoutSeconds)
	}
}

// TestQualityConfigDefaults tests adaptive quality controller defaults
func TestQualityConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("non-existent-config.toml")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Quality.MinJPEGQuality != 60 {
		t.Errorf("MinJPEGQuality = %d, want 60", cfg.Quality.MinJPEGQuality)
	}

	if cfg.Quality.MaxJPEGQuality != 90 {
		t.Errorf("MaxJPEGQuality = %d, want 90", cfg.Quality.MaxJPEGQuality)
	}

	if cfg.Quality.QualityStep != 5 {
		t.Errorf("QualityStep = %d, want 5", cfg.Quality.QualityStep)
	}

	if cfg.Quality.MinFPS != 5 || cfg.Quality.MaxFPS != 25 {
		t.Errorf("FPS range = [%d, %d], want [5, 25]", cfg.Quality.MinFPS, cfg.Quality.MaxFPS)
	}

	if cfg.Quality.HardCPUCeilingPercent != 90 {
		t.Errorf("HardCPUCeilingPercent = %v, want 90", cfg.Quality.HardCPUCeilingPercent)
	}
}

// TestLoadConfigFromFile tests loading values from a TOML file over defaults
func TestLoadConfigFromFile(t *testing.T) {
	content := `
[camera]
width = 1280
height = 720

[stream]
max_clients = 3
queue_capacity = 2

[server]
web_port = 9000
`

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Camera.Width != 1280 || cfg.Camera.Height != 720 {
		t.Errorf("Camera dims = %dx%d, want 1280x720", cfg.Camera.Width, cfg.Camera.Height)
	}

	if cfg.Stream.MaxClients != 3 {
		t.Errorf("MaxClients = %d, want 3", cfg.Stream.MaxClients)
	}

	if cfg.Server.WebPort != 9000 {
		t.Errorf("WebPort = %d, want 9000", cfg.Server.WebPort)
	}

	// Values not in file keep defaults
	if cfg.Pool.Size != 4 {
		t.Errorf("Pool.Size = %d, want default 4", cfg.Pool.Size)
	}

	if cfg.Quality.MaxJPEGQuality != 90 {
		t.Errorf("MaxJPEGQuality = %d, want default 90", cfg.Quality.MaxJPEGQuality)
	}
}

// TestLoadConfigInvalid tests validation failures
func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "zero width",
			content: `
[camera]
width = 0
`,
		},
		{
			name: "inverted quality range",
			content: `
[quality]
min_jpeg_quality = 95
max_jpeg_quality = 60
`,
		},
		{
			name: "zero pool",
			content: `
[pool]
size = 0
`,
		},
		{
			name: "zero divisor",
			content: `
[stream]
skip_threshold_divisor = 0
`,
		},
		{
			name: "zero capture timeout",
			content: `
[camera]
capture_timeout_seconds = 0
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("Failed to write temp config: %v", err)
			}

			if _, err := LoadConfig(path); err == nil {
				t.Error("Expected validation error, got nil")
			}
		})
	}
}

// TestSaveConfigRoundTrip tests saving and reloading a config
func TestSaveConfigRoundTrip(t *testing.T) {
	cfg, err := LoadConfig("non-existent-config.toml")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	cfg.Camera.Width = 800
	cfg.Camera.Height = 600
	cfg.Stream.MaxClients = 7

	path := filepath.Join(t.TempDir(), "saved.toml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig after save failed: %v", err)
	}

	if loaded.Camera.Width != 800 || loaded.Camera.Height != 600 {
		t.Errorf("Round-trip dims = %dx%d, want 800x600", loaded.Camera.Width, loaded.Camera.Height)
	}

	if loaded.Stream.MaxClients != 7 {
		t.Errorf("Round-trip MaxClients = %d, want 7", loaded.Stream.MaxClients)
	}
}
