package roomsync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines the sync core configuration.
type Config struct {
	// StatePath is the file path for the durable state store (change
	// tokens and retry queue metadata). Required.
	StatePath string `yaml:"state_path"`

	// Scheduler configures sync pass coalescing.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Outbox configures the pending-write staging area.
	Outbox OutboxConfig `yaml:"outbox"`

	// Retry configures the offline retry queue.
	Retry RetryQueueConfig `yaml:"retry"`

	// Engine configures the delta-fetch engine.
	Engine EngineConfig `yaml:"engine"`

	// Events configures the notification hub.
	Events EventHubConfig `yaml:"events"`

	// Attachments configures attachment materialization.
	Attachments AttachmentStoreConfig `yaml:"attachments"`

	// Remote configures the HTTP remote store client. Ignored when a
	// custom RemoteStore is supplied to Open.
	Remote *RemoteHTTPConfig `yaml:"remote,omitempty"`

	// Push configures the websocket change-feed listener.
	// If nil or Enabled is false, no listener is started.
	Push *PushListenerConfig `yaml:"push,omitempty"`
}

// SchedulerConfig groups sync scheduling settings.
type SchedulerConfig struct {
	// Debounce is how long a fresh sync request waits to absorb bursts.
	// Default: 500ms.
	Debounce time.Duration `yaml:"debounce"`

	// Cooldown is the minimum spacing before a coalesced trailing pass.
	// Default: 5s.
	Cooldown time.Duration `yaml:"cooldown"`

	// Periodic, when positive, requests a background pass for every
	// scope at this interval. 0 disables periodic sync.
	Periodic time.Duration `yaml:"periodic,omitempty"`
}

// OutboxConfig groups outbox settings.
type OutboxConfig struct {
	// Capacity is the maximum staged entries before LRU eviction.
	// Default: 2000.
	Capacity int `yaml:"capacity"`
}

// RetryQueueConfig groups offline retry queue settings.
type RetryQueueConfig struct {
	// Capacity is the maximum queued writes; the oldest is evicted when
	// full. Default: 1000.
	Capacity int `yaml:"capacity"`

	// MaxAttempts before a write is dropped and reported as a permanent
	// failure. Default: 3.
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelay is the first retry delay; subsequent retries double it.
	// Default: 2s.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps the exponential backoff. Default: 1m.
	MaxDelay time.Duration `yaml:"max_delay"`
}

// EngineConfig groups delta-fetch settings.
type EngineConfig struct {
	// DesiredFields is the whitelist of record fields requested from the
	// remote store. Empty means all fields.
	DesiredFields []string `yaml:"desired_fields,omitempty"`
}

// EventHubConfig groups notification hub settings.
type EventHubConfig struct {
	// BufferSize is the channel buffer per subscription. Events beyond a
	// full buffer are dropped for that subscriber. Default: 256.
	BufferSize int `yaml:"buffer_size"`
}

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() Config {
	return Config{
		StatePath: "roomsync.db",
		Scheduler: SchedulerConfig{
			Debounce: 500 * time.Millisecond,
			Cooldown: 5 * time.Second,
		},
		Outbox: OutboxConfig{
			Capacity: 2000,
		},
		Retry: RetryQueueConfig{
			Capacity:    1000,
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			MaxDelay:    time.Minute,
		},
		Engine: EngineConfig{
			DesiredFields: []string{
				"sender", "text", "sentAt",
				"messageID", "emoji", "userID",
				"fileName", "data",
				"displayName",
			},
		},
		Events: EventHubConfig{
			BufferSize: 256,
		},
		Attachments: AttachmentStoreConfig{
			Dir: "attachments",
		},
	}
}

// applyDefaults fills zero values with defaults.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.StatePath == "" {
		c.StatePath = def.StatePath
	}
	if c.Scheduler.Debounce <= 0 {
		c.Scheduler.Debounce = def.Scheduler.Debounce
	}
	if c.Scheduler.Cooldown <= 0 {
		c.Scheduler.Cooldown = def.Scheduler.Cooldown
	}
	if c.Outbox.Capacity <= 0 {
		c.Outbox.Capacity = def.Outbox.Capacity
	}
	if c.Retry.Capacity <= 0 {
		c.Retry.Capacity = def.Retry.Capacity
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = def.Retry.BaseDelay
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = def.Retry.MaxDelay
	}
	if len(c.Engine.DesiredFields) == 0 {
		c.Engine.DesiredFields = def.Engine.DesiredFields
	}
	if c.Events.BufferSize <= 0 {
		c.Events.BufferSize = def.Events.BufferSize
	}
	if c.Attachments.Dir == "" {
		c.Attachments.Dir = def.Attachments.Dir
	}
}

// parseYAMLDuration accepts Go duration strings ("250ms", "5s").
// Empty means unset.
func parseYAMLDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// UnmarshalYAML parses duration fields from their string form.
func (c *SchedulerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Debounce string `yaml:"debounce"`
		Cooldown string `yaml:"cooldown"`
		Periodic string `yaml:"periodic"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	var err error
	if c.Debounce, err = parseYAMLDuration(raw.Debounce); err != nil {
		return err
	}
	if c.Cooldown, err = parseYAMLDuration(raw.Cooldown); err != nil {
		return err
	}
	c.Periodic, err = parseYAMLDuration(raw.Periodic)
	return err
}

// UnmarshalYAML parses duration fields from their string form.
func (c *RetryQueueConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Capacity    int    `yaml:"capacity"`
		MaxAttempts int    `yaml:"max_attempts"`
		BaseDelay   string `yaml:"base_delay"`
		MaxDelay    string `yaml:"max_delay"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.Capacity = raw.Capacity
	c.MaxAttempts = raw.MaxAttempts

	var err error
	if c.BaseDelay, err = parseYAMLDuration(raw.BaseDelay); err != nil {
		return err
	}
	c.MaxDelay, err = parseYAMLDuration(raw.MaxDelay)
	return err
}

// UnmarshalYAML parses the timeout from its string form.
func (c *RemoteHTTPConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		BaseURL   string            `yaml:"base_url"`
		AuthToken string            `yaml:"auth_token"`
		Username  string            `yaml:"username"`
		Password  string            `yaml:"password"`
		Headers   map[string]string `yaml:"headers"`
		Timeout   string            `yaml:"timeout"`
		Compress  bool              `yaml:"compress"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.BaseURL = raw.BaseURL
	c.AuthToken = raw.AuthToken
	c.Username = raw.Username
	c.Password = raw.Password
	c.Headers = raw.Headers
	c.Compress = raw.Compress

	var err error
	c.Timeout, err = parseYAMLDuration(raw.Timeout)
	return err
}

// UnmarshalYAML parses duration fields from their string form.
func (c *PushListenerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Enabled           bool   `yaml:"enabled"`
		URL               string `yaml:"url"`
		AuthToken         string `yaml:"auth_token"`
		ReconnectDelay    string `yaml:"reconnect_delay"`
		MaxReconnectDelay string `yaml:"max_reconnect_delay"`
		PingInterval      string `yaml:"ping_interval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.Enabled = raw.Enabled
	c.URL = raw.URL
	c.AuthToken = raw.AuthToken

	var err error
	if c.ReconnectDelay, err = parseYAMLDuration(raw.ReconnectDelay); err != nil {
		return err
	}
	if c.MaxReconnectDelay, err = parseYAMLDuration(raw.MaxReconnectDelay); err != nil {
		return err
	}
	c.PingInterval, err = parseYAMLDuration(raw.PingInterval)
	return err
}

// LoadConfigFile reads a YAML configuration file and applies defaults
// for any unset values.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}
