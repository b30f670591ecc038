package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds initialization parameters for every bus subsystem.
type Config struct {
	Middleware MiddlewareConfig `json:"middleware" yaml:"middleware"`
	Channels   ChannelConfig    `json:"channels" yaml:"channels"`
	Request    RequestConfig    `json:"request" yaml:"request"`
	PubSub     PubSubConfig     `json:"pubsub" yaml:"pubsub"`
}

// DefaultConfig returns a Config with sensible defaults for all subsystems.
func DefaultConfig() Config {
	return Config{
		Middleware: DefaultMiddlewareConfig(),
		Channels:   DefaultChannelConfig(),
		Request:    DefaultRequestConfig(),
		PubSub:     DefaultPubSubConfig(),
	}
}

// Merge applies non-zero values from source into c, delegating to each
// subsystem's Merge method.
func (c *Config) Merge(source *Config) {
	c.Middleware.Merge(&source.Middleware)
	c.Channels.Merge(&source.Channels)
	c.Request.Merge(&source.Request)
	c.PubSub.Merge(&source.PubSub)
}

// SetLogger points every subsystem at logger.
func (c *Config) SetLogger(logger *slog.Logger) {
	c.Middleware.Logger = logger
	c.Channels.Logger = logger
	c.Request.Logger = logger
	c.PubSub.Logger = logger
}

// LoadConfig reads a JSON or YAML config file (chosen by extension), merges
// it over defaults and returns the result.
func LoadConfig(filename string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var loaded Config
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &loaded); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &loaded); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.Merge(&loaded)
	return &cfg, nil
}
