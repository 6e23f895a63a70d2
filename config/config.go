// Package config centralises runtime configuration for signalbus components.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTopicBase is the default offset added to store keys when deriving
// change-notification topics. Pick a base with headroom above the largest
// application topic.
const DefaultTopicBase uint32 = 0x8000

// DefaultLockTimeout bounds every registry and store lock acquisition.
const DefaultLockTimeout = time.Second

// BusConfig tunes the message bus.
type BusConfig struct {
	// MaxSubscribers is a pre-reservation hint, not a hard cap.
	MaxSubscribers int
	// MaxPayloadSize caps publish payloads; oversized payloads are truncated.
	MaxPayloadSize int
	// LockTimeout bounds registry lock acquisition.
	LockTimeout time.Duration
}

// StoreConfig tunes the reactive data store.
type StoreConfig struct {
	// MaxEntrySize caps stored values; oversized writes are rejected.
	MaxEntrySize int
	// LockTimeout bounds store lock acquisition.
	LockTimeout time.Duration
	// TopicBase is added to each key to form the notification topic.
	TopicBase uint32
}

// LoopConfig tunes the owner run loop.
type LoopConfig struct {
	// QueueDepth is the capacity of the deferred-delivery queue.
	QueueDepth int
}

// TelemetryConfig configures OTLP metric export.
type TelemetryConfig struct {
	OTLPEndpoint  string
	ServiceName   string
	EnableMetrics bool
}

// AppConfig is the unified signalbus configuration combining all concerns.
type AppConfig struct {
	Bus       BusConfig
	Store     StoreConfig
	Loop      LoopConfig
	Telemetry TelemetryConfig
}

// appConfigYAML is the YAML representation that maps to AppConfig. Durations
// are strings in time.ParseDuration syntax.
type appConfigYAML struct {
	Bus struct {
		MaxSubscribers int    `yaml:"maxSubscribers"`
		MaxPayloadSize int    `yaml:"maxPayloadSize"`
		LockTimeout    string `yaml:"lockTimeout"`
	} `yaml:"bus"`
	Store struct {
		MaxEntrySize int    `yaml:"maxEntrySize"`
		LockTimeout  string `yaml:"lockTimeout"`
		TopicBase    uint32 `yaml:"topicBase"`
	} `yaml:"store"`
	Loop struct {
		QueueDepth int `yaml:"queueDepth"`
	} `yaml:"loop"`
	Telemetry struct {
		OTLPEndpoint  string `yaml:"otlpEndpoint"`
		ServiceName   string `yaml:"serviceName"`
		EnableMetrics *bool  `yaml:"enableMetrics"`
	} `yaml:"telemetry"`
}

// Default returns the default signalbus configuration.
func Default() AppConfig {
	return AppConfig{
		Bus: BusConfig{
			MaxSubscribers: 32,
			MaxPayloadSize: 512,
			LockTimeout:    DefaultLockTimeout,
		},
		Store: StoreConfig{
			MaxEntrySize: 256,
			LockTimeout:  DefaultLockTimeout,
			TopicBase:    DefaultTopicBase,
		},
		Loop: LoopConfig{
			QueueDepth: 64,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "",
			ServiceName:   "signalbus",
			EnableMetrics: true,
		},
	}
}

// Load loads configuration with precedence: defaults, then YAML overrides.
// A missing file returns the defaults unchanged.
func Load(path string) (AppConfig, error) {
	cfg := Default()

	path = strings.TrimSpace(path)
	if path == "" {
		path = os.Getenv("SIGNALBUS_CONFIG")
	}
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.merge(raw); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Parse merges YAML overrides into the defaults and validates the result.
func Parse(raw []byte) (AppConfig, error) {
	cfg := Default()
	if err := cfg.merge(raw); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *AppConfig) merge(raw []byte) error {
	var y appConfigYAML
	if err := yaml.Unmarshal(raw, &y); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	if y.Bus.MaxSubscribers > 0 {
		c.Bus.MaxSubscribers = y.Bus.MaxSubscribers
	}
	if y.Bus.MaxPayloadSize > 0 {
		c.Bus.MaxPayloadSize = y.Bus.MaxPayloadSize
	}
	if err := mergeDuration(&c.Bus.LockTimeout, y.Bus.LockTimeout, "bus.lockTimeout"); err != nil {
		return err
	}

	if y.Store.MaxEntrySize > 0 {
		c.Store.MaxEntrySize = y.Store.MaxEntrySize
	}
	if err := mergeDuration(&c.Store.LockTimeout, y.Store.LockTimeout, "store.lockTimeout"); err != nil {
		return err
	}
	if y.Store.TopicBase > 0 {
		c.Store.TopicBase = y.Store.TopicBase
	}

	if y.Loop.QueueDepth > 0 {
		c.Loop.QueueDepth = y.Loop.QueueDepth
	}

	if endpoint := strings.TrimSpace(y.Telemetry.OTLPEndpoint); endpoint != "" {
		c.Telemetry.OTLPEndpoint = endpoint
	}
	if service := strings.TrimSpace(y.Telemetry.ServiceName); service != "" {
		c.Telemetry.ServiceName = service
	}
	if y.Telemetry.EnableMetrics != nil {
		c.Telemetry.EnableMetrics = *y.Telemetry.EnableMetrics
	}
	return nil
}

func mergeDuration(dst *time.Duration, raw, field string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", field, err)
	}
	*dst = parsed
	return nil
}

// Validate reports the first configuration problem found.
func (c AppConfig) Validate() error {
	if c.Bus.MaxSubscribers <= 0 {
		return fmt.Errorf("bus.maxSubscribers must be positive")
	}
	if c.Bus.MaxPayloadSize <= 0 {
		return fmt.Errorf("bus.maxPayloadSize must be positive")
	}
	if c.Bus.LockTimeout <= 0 {
		return fmt.Errorf("bus.lockTimeout must be positive")
	}
	if c.Store.MaxEntrySize <= 0 {
		return fmt.Errorf("store.maxEntrySize must be positive")
	}
	if c.Store.LockTimeout <= 0 {
		return fmt.Errorf("store.lockTimeout must be positive")
	}
	if c.Loop.QueueDepth <= 0 {
		return fmt.Errorf("loop.queueDepth must be positive")
	}
	return nil
}
