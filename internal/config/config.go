// Package config loads the service configuration: defaults first, then the
// YAML file layered on top.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Broker BrokerConfig `yaml:"broker"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type BrokerConfig struct {
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	SweepInterval     Duration `yaml:"sweep_interval"`
	StaleAfter        Duration `yaml:"stale_after"`
	BufferLimit       int      `yaml:"buffer_limit"`
	BufferRetention   Duration `yaml:"buffer_retention"`
	MaxConnections    int      `yaml:"max_connections"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Duration parses human-readable YAML values like "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if parsed < 0 {
		return fmt.Errorf("invalid duration %q: must be >= 0", raw)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Broker: BrokerConfig{
			HeartbeatInterval: Duration(30 * time.Second),
			SweepInterval:     Duration(60 * time.Second),
			StaleAfter:        Duration(5 * time.Minute),
			BufferLimit:       50,
			BufferRetention:   Duration(time.Hour),
			MaxConnections:    256,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration, for running without a file.
func Default() *Config {
	return defaultConfig()
}
