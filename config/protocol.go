package config

import (
	"log/slog"
	"time"
)

// RequestConfig defines configuration for the request-response protocol.
//
// Example JSON:
//
//	{
//	  "default_timeout": "30s",
//	  "monitor_interval": "100ms",
//	  "early_response_ttl": "5m",
//	  "observer": "slog"
//	}
type RequestConfig struct {
	// DefaultTimeout applies when a request does not set its own
	DefaultTimeout Duration `json:"default_timeout" yaml:"default_timeout"`

	// MonitorInterval is the tick of the background timeout monitor
	MonitorInterval Duration `json:"monitor_interval" yaml:"monitor_interval"`

	// EarlyResponseTTL bounds how long unmatched responses and completed
	// request ids are remembered
	EarlyResponseTTL Duration `json:"early_response_ttl" yaml:"early_response_ttl"`

	// Observer specifies which observer implementation to use ("noop", "slog", etc.)
	Observer string `json:"observer" yaml:"observer"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

// DefaultRequestConfig returns request-response defaults: 30s timeout,
// 100ms monitor tick and a 5 minute early-response grace window.
func DefaultRequestConfig() RequestConfig {
	return RequestConfig{
		DefaultTimeout:   Duration(30 * time.Second),
		MonitorInterval:  Duration(100 * time.Millisecond),
		EarlyResponseTTL: Duration(5 * time.Minute),
		Observer:         "slog",
		Logger:           slog.Default(),
	}
}

func (c *RequestConfig) Merge(source *RequestConfig) {
	if source.DefaultTimeout > 0 {
		c.DefaultTimeout = source.DefaultTimeout
	}

	if source.MonitorInterval > 0 {
		c.MonitorInterval = source.MonitorInterval
	}

	if source.EarlyResponseTTL > 0 {
		c.EarlyResponseTTL = source.EarlyResponseTTL
	}

	if source.Observer != "" {
		c.Observer = source.Observer
	}

	if source.Logger != nil {
		c.Logger = source.Logger
	}
}

// PubSubConfig defines configuration for the publish-subscribe protocol.
type PubSubConfig struct {
	// HistorySize caps the number of publications kept per topic
	HistorySize int `json:"history_size" yaml:"history_size"`

	// DefaultTTL applies to topics created without an explicit TTL (0 = never expire)
	DefaultTTL Duration `json:"default_ttl" yaml:"default_ttl"`

	// CleanupInterval is the tick of the background history cleanup loop
	CleanupInterval Duration `json:"cleanup_interval" yaml:"cleanup_interval"`

	Observer string `json:"observer" yaml:"observer"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

// DefaultPubSubConfig returns publish-subscribe defaults: 100 entries of
// history, one hour TTL and a 60s cleanup tick.
func DefaultPubSubConfig() PubSubConfig {
	return PubSubConfig{
		HistorySize:     100,
		DefaultTTL:      Duration(time.Hour),
		CleanupInterval: Duration(60 * time.Second),
		Observer:        "slog",
		Logger:          slog.Default(),
	}
}

func (c *PubSubConfig) Merge(source *PubSubConfig) {
	if source.HistorySize > 0 {
		c.HistorySize = source.HistorySize
	}

	if source.DefaultTTL > 0 {
		c.DefaultTTL = source.DefaultTTL
	}

	if source.CleanupInterval > 0 {
		c.CleanupInterval = source.CleanupInterval
	}

	if source.Observer != "" {
		c.Observer = source.Observer
	}

	if source.Logger != nil {
		c.Logger = source.Logger
	}
}
