package config

import "log/slog"

const (
	defaultCompressionThreshold = 1024
	defaultInlineThreshold      = 10240
	defaultGroupHistoryLimit    = 1000
)

// ChannelConfig controls the behavior shared by the built-in channels.
//
// Configuration fields:
//   - CompressionThreshold: blob payloads larger than this are gzip+base64 encoded
//   - InlineThreshold: message "data" larger than this is offloaded to the blob store
//   - AutoCreateGroups: a send to an unknown group creates it with the sender as member
//   - GroupHistoryLimit: entries kept per group history
//
// Example YAML:
//
//	channels:
//	  compression_threshold: 1KiB
//	  inline_threshold: 10KiB
//	  auto_create_groups: false
//	  group_history_limit: 500
type ChannelConfig struct {
	CompressionThreshold SizeBytes `json:"compression_threshold" yaml:"compression_threshold"`
	InlineThreshold      SizeBytes `json:"inline_threshold" yaml:"inline_threshold"`
	AutoCreateGroups     bool      `json:"auto_create_groups" yaml:"auto_create_groups"`
	GroupHistoryLimit    int       `json:"group_history_limit" yaml:"group_history_limit"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

// DefaultChannelConfig returns channel configuration with 1 KiB compression
// and 10 KiB inline thresholds.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		CompressionThreshold: defaultCompressionThreshold,
		InlineThreshold:      defaultInlineThreshold,
		AutoCreateGroups:     false,
		GroupHistoryLimit:    defaultGroupHistoryLimit,
		Logger:               slog.Default(),
	}
}

func (c *ChannelConfig) Merge(source *ChannelConfig) {
	if source.CompressionThreshold > 0 {
		c.CompressionThreshold = source.CompressionThreshold
	}

	if source.InlineThreshold > 0 {
		c.InlineThreshold = source.InlineThreshold
	}

	if source.AutoCreateGroups {
		c.AutoCreateGroups = source.AutoCreateGroups
	}

	if source.GroupHistoryLimit > 0 {
		c.GroupHistoryLimit = source.GroupHistoryLimit
	}

	if source.Logger != nil {
		c.Logger = source.Logger
	}
}
