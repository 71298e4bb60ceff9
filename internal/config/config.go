package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values. The token and model
// version are secrets; the port override matches common PaaS conventions.
const (
	EnvAPIToken     = "PREDICTION_API_TOKEN"
	EnvModelVersion = "PREDICTION_MODEL_VERSION"
	EnvPort         = "PORT"
)

// Config represents the complete service configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Stream     StreamConfig     `yaml:"stream"`
	Audio      AudioConfig      `yaml:"audio"`
	Prediction PredictionConfig `yaml:"prediction"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port        int    `yaml:"port"`
	BindAddress string `yaml:"bind_address"`
	// ProxyPrefixes are reverse-proxy path prefixes stripped before routing,
	// e.g. "/apps/voice" when mounted as a storefront app proxy.
	ProxyPrefixes []string `yaml:"proxy_prefixes"`
}

// StreamConfig contains push-stream and session lifecycle configuration
type StreamConfig struct {
	HeartbeatInterval int `yaml:"heartbeat_interval"` // seconds
	IdleTimeout       int `yaml:"idle_timeout"`       // seconds
	SweepInterval     int `yaml:"sweep_interval"`     // seconds
	SocketSendBuffer  int `yaml:"socket_send_buffer"` // queued frames per socket
}

// AudioConfig contains fragment buffering parameters
type AudioConfig struct {
	FlushThreshold   int `yaml:"flush_threshold"`    // fragments per dispatch
	MaxFragmentBytes int `yaml:"max_fragment_bytes"` // decoded payload cap
}

// PredictionConfig contains external prediction service configuration
type PredictionConfig struct {
	Endpoint        string `yaml:"endpoint"`
	APIToken        string `yaml:"api_token"`
	ModelVersion    string `yaml:"model_version"`
	SubmitTimeout   int    `yaml:"submit_timeout"`    // seconds
	PollInterval    int    `yaml:"poll_interval"`     // milliseconds
	MaxPollAttempts int    `yaml:"max_poll_attempts"`
	MaxConcurrent   int    `yaml:"max_concurrent"`
	// Strict makes missing credentials a startup failure instead of
	// degrading dispatch to the canned fallback response.
	Strict bool `yaml:"strict"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file, then applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// applyEnv lets the environment win over file values for secrets and port.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPIToken); v != "" {
		c.Prediction.APIToken = v
	}
	if v := os.Getenv(EnvModelVersion); v != "" {
		c.Prediction.ModelVersion = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Prediction.Validate(); err != nil {
		return fmt.Errorf("prediction config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	for _, prefix := range s.ProxyPrefixes {
		if prefix == "" || prefix[0] != '/' {
			return fmt.Errorf("proxy prefix must start with '/', got %q", prefix)
		}
	}

	return nil
}

// Validate validates stream configuration
func (s *StreamConfig) Validate() error {
	if s.HeartbeatInterval < 1 {
		return fmt.Errorf("heartbeat_interval must be at least 1 second, got %d", s.HeartbeatInterval)
	}

	if s.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", s.IdleTimeout)
	}

	if s.SweepInterval < 1 {
		return fmt.Errorf("sweep_interval must be at least 1 second, got %d", s.SweepInterval)
	}

	if s.SocketSendBuffer < 1 {
		return fmt.Errorf("socket_send_buffer must be at least 1, got %d", s.SocketSendBuffer)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.FlushThreshold < 1 {
		return fmt.Errorf("flush_threshold must be at least 1 fragment, got %d", a.FlushThreshold)
	}

	if a.MaxFragmentBytes < 1024 {
		return fmt.Errorf("max_fragment_bytes must be at least 1024, got %d", a.MaxFragmentBytes)
	}

	return nil
}

// Validate validates prediction configuration. Credentials may be empty:
// whether that degrades dispatch or aborts startup is decided by Strict, in
// main.
func (p *PredictionConfig) Validate() error {
	if p.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if p.SubmitTimeout < 1 {
		return fmt.Errorf("submit_timeout must be at least 1 second, got %d", p.SubmitTimeout)
	}

	if p.PollInterval < 1 {
		return fmt.Errorf("poll_interval must be at least 1 millisecond, got %d", p.PollInterval)
	}

	if p.MaxPollAttempts < 1 {
		return fmt.Errorf("max_poll_attempts must be at least 1, got %d", p.MaxPollAttempts)
	}

	if p.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", p.MaxConcurrent)
	}

	return nil
}

// HasCredentials reports whether the external service can actually be
// called.
func (p *PredictionConfig) HasCredentials() bool {
	return p.APIToken != "" && p.ModelVersion != ""
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

// GetHeartbeatInterval returns the heartbeat interval as a time.Duration
func (s *StreamConfig) GetHeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatInterval) * time.Second
}

// GetIdleTimeout returns the session idle timeout as a time.Duration
func (s *StreamConfig) GetIdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetSweepInterval returns the GC sweep interval as a time.Duration
func (s *StreamConfig) GetSweepInterval() time.Duration {
	return time.Duration(s.SweepInterval) * time.Second
}

// GetSubmitTimeout returns the submission timeout as a time.Duration
func (p *PredictionConfig) GetSubmitTimeout() time.Duration {
	return time.Duration(p.SubmitTimeout) * time.Second
}

// GetPollInterval returns the poll interval as a time.Duration
func (p *PredictionConfig) GetPollInterval() time.Duration {
	return time.Duration(p.PollInterval) * time.Millisecond
}
