package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete controller configuration
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Stream    StreamConfig    `yaml:"stream"`
	HTTP      HTTPConfig      `yaml:"http"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DeviceConfig identifies the device and the control-plane endpoints
type DeviceConfig struct {
	// Address of the device; empty means multicast discovery is used.
	// A zone-scoped IPv6 address ("fe80::...%eth0") selects the network
	// interface for both HTTP and UDP traffic.
	Address        string `yaml:"address"`
	UDPPort        int    `yaml:"udp_port"`
	RESTPort       int    `yaml:"rest_port"` // 0 means the default HTTP port
	VideoScene     bool   `yaml:"video_scene"`
	ConnectTimeout int    `yaml:"connect_timeout"` // seconds, 0 = poll forever
}

// DiscoveryConfig tunes the multicast device discovery
type DiscoveryConfig struct {
	ListenPort int `yaml:"listen_port"`
	Timeout    int `yaml:"timeout"` // seconds per interface
}

// StreamConfig tunes the streaming session duties
type StreamConfig struct {
	KeepaliveInterval float64 `yaml:"keepalive_interval"` // seconds
	ReceiveTimeout    int     `yaml:"receive_timeout"`    // seconds
	BufferSize        int     `yaml:"buffer_size"`        // datagram buffer, bytes
}

// HTTPConfig contains monitor HTTP server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration matching the device factory settings.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			UDPPort:        49152,
			ConnectTimeout: 30,
		},
		Discovery: DiscoveryConfig{
			ListenPort: 13006,
			Timeout:    30,
		},
		Stream: StreamConfig{
			KeepaliveInterval: 1.0,
			ReceiveTimeout:    5,
			BufferSize:        1024,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "127.0.0.1",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs validation of the complete configuration
func (c *Config) Validate() error {
	if err := c.Device.Validate(); err != nil {
		return fmt.Errorf("device config: %w", err)
	}

	if err := c.Discovery.Validate(); err != nil {
		return fmt.Errorf("discovery config: %w", err)
	}

	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates device configuration
func (d *DeviceConfig) Validate() error {
	if d.UDPPort < 1 || d.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", d.UDPPort)
	}

	if d.RESTPort < 0 || d.RESTPort > 65535 {
		return fmt.Errorf("rest_port must be between 0 and 65535, got %d", d.RESTPort)
	}

	if d.ConnectTimeout < 0 {
		return fmt.Errorf("connect_timeout cannot be negative, got %d", d.ConnectTimeout)
	}

	return nil
}

// Validate validates discovery configuration
func (d *DiscoveryConfig) Validate() error {
	if d.ListenPort < 1 || d.ListenPort > 65534 {
		return fmt.Errorf("listen_port must be between 1 and 65534, got %d", d.ListenPort)
	}

	if d.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", d.Timeout)
	}

	return nil
}

// Validate validates stream configuration
func (s *StreamConfig) Validate() error {
	if s.KeepaliveInterval <= 0 {
		return fmt.Errorf("keepalive_interval must be positive, got %f", s.KeepaliveInterval)
	}

	if s.ReceiveTimeout < 1 {
		return fmt.Errorf("receive_timeout must be at least 1 second, got %d", s.ReceiveTimeout)
	}

	if s.BufferSize < 512 {
		return fmt.Errorf("buffer_size must be at least 512 bytes, got %d", s.BufferSize)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetConnectTimeoutDuration returns the connect timeout as a time.Duration;
// zero means poll without a deadline.
func (d *DeviceConfig) GetConnectTimeoutDuration() time.Duration {
	return time.Duration(d.ConnectTimeout) * time.Second
}

// GetTimeoutDuration returns the per-interface discovery timeout as a time.Duration
func (d *DiscoveryConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(d.Timeout) * time.Second
}

// GetKeepaliveIntervalDuration returns the keepalive interval as a time.Duration
func (s *StreamConfig) GetKeepaliveIntervalDuration() time.Duration {
	return time.Duration(s.KeepaliveInterval * float64(time.Second))
}

// GetReceiveTimeoutDuration returns the socket receive timeout as a time.Duration
func (s *StreamConfig) GetReceiveTimeoutDuration() time.Duration {
	return time.Duration(s.ReceiveTimeout) * time.Second
}
