package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config represents the application configuration
type Config struct {
	Camera   CameraConfig   `toml:"camera" json:"camera"`
	Stream   StreamConfig   `toml:"stream" json:"stream"`
	Quality  QualityConfig  `toml:"quality" json:"quality"`
	Pool     PoolConfig     `toml:"pool" json:"pool"`
	Watchdog WatchdogConfig `toml:"watchdog" json:"watchdog"`
	Overlay  OverlayConfig  `toml:"overlay" json:"overlay"`
	Server   ServerConfig   `toml:"server" json:"server"`
	Timeouts TimeoutConfig  `toml:"timeouts" json:"timeouts"`
	Logging  LoggingConfig  `toml:"logging" json:"logging"`
	Limits   LimitConfig    `toml:"limits" json:"limits"`
}

// CameraConfig holds camera device settings
type CameraConfig struct {
	Device                string `toml:"device" json:"device"`   // camera selector (--camera), empty for the default
	Command               string `toml:"command" json:"command"` // capture command, auto-detected if empty
	Width                 int    `toml:"width" json:"width"`
	Height                int    `toml:"height" json:"height"`
	CaptureTimeoutSeconds int    `toml:"capture_timeout_seconds" json:"capture_timeout_seconds"`
}

// StreamConfig holds fan-out and client queue settings
type StreamConfig struct {
	MaxClients           int `toml:"max_clients" json:"max_clients"`
	QueueCapacity        int `toml:"queue_capacity" json:"queue_capacity"`
	SkipThresholdDivisor int `toml:"skip_threshold_divisor" json:"skip_threshold_divisor"`
	PublishTimeoutMs     int `toml:"publish_timeout_ms" json:"publish_timeout_ms"`
	IdleProbeSeconds     int `toml:"idle_probe_seconds" json:"idle_probe_seconds"`
}

// QualityConfig holds adaptive quality controller settings
type QualityConfig struct {
	MinJPEGQuality         int     `toml:"min_jpeg_quality" json:"min_jpeg_quality"`
	MaxJPEGQuality         int     `toml:"max_jpeg_quality" json:"max_jpeg_quality"`
	QualityStep            int     `toml:"quality_step" json:"quality_step"`
	MinFPS                 int     `toml:"min_fps" json:"min_fps"`
	MaxFPS                 int     `toml:"max_fps" json:"max_fps"`
	TargetCPUPercent       float64 `toml:"target_cpu_percent" json:"target_cpu_percent"`
	ThrottleTempCelsius    float64 `toml:"throttle_temp_celsius" json:"throttle_temp_celsius"`
	HardCPUCeilingPercent  float64 `toml:"hard_cpu_ceiling_percent" json:"hard_cpu_ceiling_percent"`
	MeasureIntervalSeconds int     `toml:"measure_interval_seconds" json:"measure_interval_seconds"`
}

// PoolConfig holds frame buffer pool settings
type PoolConfig struct {
	Size             int `toml:"size" json:"size"`
	AcquireTimeoutMs int `toml:"acquire_timeout_ms" json:"acquire_timeout_ms"`
}

// WatchdogConfig holds pipeline watchdog settings
type WatchdogConfig struct {
	StallTimeoutSeconds int `toml:"stall_timeout_seconds" json:"stall_timeout_seconds"`
	MaxRestarts         int `toml:"max_restarts" json:"max_restarts"`
}

// OverlayConfig holds timestamp overlay settings
type OverlayConfig struct {
	Enabled  bool   `toml:"enabled" json:"enabled"`
	Timezone string `toml:"timezone" json:"timezone"`
}

// ServerConfig holds web server settings
type ServerConfig struct {
	WebPort int    `toml:"web_port" json:"web_port"`
	BindIP  string `toml:"bind_ip" json:"bind_ip"`
}

// TimeoutConfig holds timeout and delay settings
type TimeoutConfig struct {
	ShutdownTimeout     int `toml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds"`
	HTTPShutdownTimeout int `toml:"http_shutdown_timeout_seconds" json:"http_shutdown_timeout_seconds"`
	CameraRetrySeconds  int `toml:"camera_retry_seconds" json:"camera_retry_seconds"`
	CameraHealthSeconds int `toml:"camera_health_seconds" json:"camera_health_seconds"`
	ErrorBackoffMs      int `toml:"error_backoff_ms" json:"error_backoff_ms"`
}

// LoggingConfig holds logging interval settings
type LoggingConfig struct {
	FrameLogInterval uint64 `toml:"frame_log_interval" json:"frame_log_interval"`
	MaxLogFiles      int    `toml:"max_log_files" json:"max_log_files"`
}

// LimitConfig holds resource limit settings
type LimitConfig struct {
	MaxMemoryUsageMB    int `toml:"max_memory_usage_mb" json:"max_memory_usage_mb"`
	MemoryWarnPercent   int `toml:"memory_warn_percent" json:"memory_warn_percent"`
	FrameAgeWarnSeconds int `toml:"frame_age_warn_seconds" json:"frame_age_warn_seconds"`
}

// LoadConfig loads configuration from a TOML file, falling back to defaults
// for anything the file does not set. A missing file is not an error.
func LoadConfig(configPath string) (*Config, error) {
	// Set default values
	config := &Config{
		Camera: CameraConfig{
			Width:                 640,
			Height:                480,
			CaptureTimeoutSeconds: 10,
		},
		Stream: StreamConfig{
			MaxClients:           10,
			QueueCapacity:        4,
			SkipThresholdDivisor: 3,
			PublishTimeoutMs:     100,
			IdleProbeSeconds:     5,
		},
		Quality: QualityConfig{
			MinJPEGQuality:         60,
			MaxJPEGQuality:         90,
			QualityStep:            5,
			MinFPS:                 5,
			MaxFPS:                 25,
			TargetCPUPercent:       70,
			ThrottleTempCelsius:    70,
			HardCPUCeilingPercent:  90,
			MeasureIntervalSeconds: 5,
		},
		Pool: PoolConfig{
			Size:             4,
			AcquireTimeoutMs: 100,
		},
		Watchdog: WatchdogConfig{
			StallTimeoutSeconds: 10,
			MaxRestarts:         3,
		},
		Overlay: OverlayConfig{
			Enabled:  true,
			Timezone: "Europe/Berlin",
		},
		Server: ServerConfig{
			WebPort: 8011,
			BindIP:  "0.0.0.0",
		},
		Timeouts: TimeoutConfig{
			ShutdownTimeout:     30,
			HTTPShutdownTimeout: 5,
			CameraRetrySeconds:  2,
			CameraHealthSeconds: 30,
			ErrorBackoffMs:      1000,
		},
		Logging: LoggingConfig{
			FrameLogInterval: 100,
			MaxLogFiles:      20,
		},
		Limits: LimitConfig{
			MaxMemoryUsageMB:    512,
			MemoryWarnPercent:   85,
			FrameAgeWarnSeconds: 10,
		},
	}

	// Load from file if it exists
	if _, err := os.Stat(configPath); err == nil {
		if _, err := toml.DecodeFile(configPath, config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks configuration invariants the pipeline relies on
func (c *Config) Validate() error {
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("invalid camera dimensions %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.CaptureTimeoutSeconds < 1 {
		return fmt.Errorf("capture_timeout_seconds must be at least 1, got %d", c.Camera.CaptureTimeoutSeconds)
	}
	if c.Quality.MinJPEGQuality < 1 || c.Quality.MaxJPEGQuality > 100 ||
		c.Quality.MinJPEGQuality > c.Quality.MaxJPEGQuality {
		return fmt.Errorf("invalid quality range [%d, %d]", c.Quality.MinJPEGQuality, c.Quality.MaxJPEGQuality)
	}
	if c.Quality.MinFPS < 1 || c.Quality.MinFPS > c.Quality.MaxFPS {
		return fmt.Errorf("invalid fps range [%d, %d]", c.Quality.MinFPS, c.Quality.MaxFPS)
	}
	if c.Pool.Size < 1 {
		return fmt.Errorf("pool size must be at least 1, got %d", c.Pool.Size)
	}
	if c.Stream.MaxClients < 1 || c.Stream.QueueCapacity < 1 {
		return fmt.Errorf("invalid stream limits: max_clients=%d queue_capacity=%d",
			c.Stream.MaxClients, c.Stream.QueueCapacity)
	}
	if c.Stream.SkipThresholdDivisor < 1 {
		return fmt.Errorf("skip_threshold_divisor must be at least 1, got %d", c.Stream.SkipThresholdDivisor)
	}
	return nil
}

// SaveConfig saves the current configuration to a file
func SaveConfig(config *Config, configPath string) error {
	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}
