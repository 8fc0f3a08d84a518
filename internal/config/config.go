// Package config loads and validates the relay configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for the relay process.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the websocket gateway.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AllowedOrigins is the cross-origin allow list for websocket
	// upgrades. "*" allows any origin. An empty list allows only
	// same-origin requests.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// PongWait is how long a connection may go without a pong before
	// the transport declares it dead.
	PongWait time.Duration `yaml:"pong_wait"`

	// PingInterval is how often the server pings each connection.
	// Must be shorter than PongWait.
	PingInterval time.Duration `yaml:"ping_interval"`

	// WriteWait bounds a single websocket write.
	WriteWait time.Duration `yaml:"write_wait"`

	// SendBuffer is the per-connection outbound queue length. When the
	// buffer is full, deliveries to that connection are dropped.
	SendBuffer int `yaml:"send_buffer"`

	// MaxPayloadBytes limits inbound frame size.
	MaxPayloadBytes int64 `yaml:"max_payload_bytes"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML config file, expanding ${ENV_VAR} references before
// decoding, then applies defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes with env expansion, defaulting, and
// validation.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8790
	}
	if c.Server.PongWait == 0 {
		c.Server.PongWait = 45 * time.Second
	}
	if c.Server.PingInterval == 0 {
		c.Server.PingInterval = 15 * time.Second
	}
	if c.Server.WriteWait == 0 {
		c.Server.WriteWait = 10 * time.Second
	}
	if c.Server.SendBuffer == 0 {
		c.Server.SendBuffer = 64
	}
	if c.Server.MaxPayloadBytes == 0 {
		c.Server.MaxPayloadBytes = 1 << 20
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks invariants the defaults cannot repair.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.PingInterval >= c.Server.PongWait {
		return fmt.Errorf("server.ping_interval (%v) must be shorter than server.pong_wait (%v)",
			c.Server.PingInterval, c.Server.PongWait)
	}
	if c.Server.SendBuffer < 1 {
		return fmt.Errorf("server.send_buffer must be positive")
	}
	return nil
}

// OriginAllowed reports whether a cross-origin websocket upgrade from
// origin is permitted. An empty origin (same-origin or non-browser
// client) is always allowed.
func (s *ServerConfig) OriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range s.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
