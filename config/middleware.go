package config

import "log/slog"

// MiddlewareConfig defines configuration for a Middleware instance.
type MiddlewareConfig struct {
	// Middleware identity, used in logs and as the metrics label
	Name string `json:"name" yaml:"name"`

	// Observer names the observability.Observer that receives routing events
	Observer string `json:"observer" yaml:"observer"`

	// Observability
	Logger *slog.Logger `json:"-" yaml:"-"`
}

// DefaultMiddlewareConfig returns a MiddlewareConfig with sensible defaults.
func DefaultMiddlewareConfig() MiddlewareConfig {
	return MiddlewareConfig{
		Name:     "default",
		Observer: "slog",
		Logger:   slog.Default(),
	}
}

func (c *MiddlewareConfig) Merge(source *MiddlewareConfig) {
	if source.Name != "" {
		c.Name = source.Name
	}

	if source.Observer != "" {
		c.Observer = source.Observer
	}

	if source.Logger != nil {
		c.Logger = source.Logger
	}
}
