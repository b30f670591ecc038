package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables read by ApplyEnv.
const (
	EnvMiddlewareName       = "MESSAGEBUS_NAME"
	EnvObserver             = "MESSAGEBUS_OBSERVER"
	EnvCompressionThreshold = "MESSAGEBUS_COMPRESSION_THRESHOLD"
	EnvInlineThreshold      = "MESSAGEBUS_INLINE_THRESHOLD"
	EnvAutoCreateGroups     = "MESSAGEBUS_AUTO_CREATE_GROUPS"
	EnvRequestTimeout       = "MESSAGEBUS_REQUEST_TIMEOUT"
	EnvTopicTTL             = "MESSAGEBUS_TOPIC_TTL"
	EnvTopicHistorySize     = "MESSAGEBUS_TOPIC_HISTORY_SIZE"
)

// LoadEnv loads dotenv files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", file, err)
		}
	}
	return nil
}

// ApplyEnv overrides configuration from MESSAGEBUS_* environment variables.
func (c *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv(EnvMiddlewareName); ok && v != "" {
		c.Middleware.Name = v
	}

	if v, ok := os.LookupEnv(EnvObserver); ok && v != "" {
		c.Middleware.Observer = v
		c.Request.Observer = v
		c.PubSub.Observer = v
	}

	if v, ok := os.LookupEnv(EnvCompressionThreshold); ok {
		if err := c.Channels.CompressionThreshold.parse(v); err != nil {
			return fmt.Errorf("%s: %w", EnvCompressionThreshold, err)
		}
	}

	if v, ok := os.LookupEnv(EnvInlineThreshold); ok {
		if err := c.Channels.InlineThreshold.parse(v); err != nil {
			return fmt.Errorf("%s: %w", EnvInlineThreshold, err)
		}
	}

	if v, ok := os.LookupEnv(EnvAutoCreateGroups); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvAutoCreateGroups, err)
		}
		c.Channels.AutoCreateGroups = b
	}

	if v, ok := os.LookupEnv(EnvRequestTimeout); ok {
		if err := c.Request.DefaultTimeout.parse(v); err != nil {
			return fmt.Errorf("%s: %w", EnvRequestTimeout, err)
		}
	}

	if v, ok := os.LookupEnv(EnvTopicTTL); ok {
		if err := c.PubSub.DefaultTTL.parse(v); err != nil {
			return fmt.Errorf("%s: %w", EnvTopicTTL, err)
		}
	}

	if v, ok := os.LookupEnv(EnvTopicHistorySize); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTopicHistorySize, err)
		}
		c.PubSub.HistorySize = n
	}

	return nil
}
