// Package config provides configuration structures for the message bus.
//
// Each subsystem has its own configuration type with a Default constructor
// and a Merge method; Config aggregates them so a whole bus can be described
// by one JSON or YAML document.
//
// # Default Configuration
//
//	cfg := config.DefaultConfig()
//	// Middleware: Name "default", Observer "slog"
//	// Channels:   1 KiB compression threshold, 10 KiB inline threshold
//	// Request:    30s timeout, 100ms monitor tick, 5m early-response window
//	// PubSub:     100 history entries, 1h TTL, 60s cleanup tick
//
// # Loading
//
// LoadConfig merges a file over the defaults. The format is picked from the
// extension (.yaml/.yml, otherwise JSON):
//
//	middleware:
//	  name: analysis-bus
//	channels:
//	  inline_threshold: 64KiB
//	request:
//	  default_timeout: 10s
//
// Durations accept Go duration strings ("250ms") or numbers of seconds.
// Sizes accept plain integers or human-friendly strings ("10KiB", "1MB").
//
// Environment overrides are applied explicitly:
//
//	_ = config.LoadEnv(".env")
//	cfg, _ := config.LoadConfig("bus.yaml")
//	if err := cfg.ApplyEnv(); err != nil { ... }
//
// # Configuration Merging
//
// Merge semantics by field type:
//
//   - Strings: Merge if source is non-empty
//   - Integers and sizes: Merge if source is greater than zero
//   - Durations: Merge if source is greater than zero
//   - Pointers: Merge if source is non-nil
//   - Booleans with false defaults: Merge if source is true
//   - Nested configs: Recursive merge
//
// Loggers are never read from files; set them in code with SetLogger or on
// the individual sections.
package config
