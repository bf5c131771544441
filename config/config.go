package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/DendraScience/dendra-worker-tasks-dpe/errors"
)

// Pipeline flavors
const (
	FlavorDecode    = "decode"
	FlavorTransform = "transform"
	FlavorInflux    = "influx_write"
	FlavorWebhook   = "webhook_send"
	FlavorArchive   = "archive"
)

// Defaults applied during validation
const (
	DefaultAckWaitMs     = 60000
	DefaultMaxInFlight   = 10
	DefaultBatchInterval = 1000
	DefaultBatchSize     = 5000

	DefaultRuleCacheSize   = 20
	DefaultWriterCacheSize = 60
)

// Config is a versioned snapshot of the worker configuration. A snapshot is
// immutable once loaded; reconfiguration replaces the whole snapshot under a
// new VersionTs.
type Config struct {
	// VersionTs is the snapshot version in Unix milliseconds. Zero means
	// the loader assigns the config file's modification time.
	VersionTs int64 `yaml:"version_ts"`

	NATS    NATSConfig    `yaml:"nats"`
	Metrics MetricsConfig `yaml:"metrics"`
	Caches  CacheConfig   `yaml:"caches"`

	// Pipelines maps a pipeline name to its flavor, sources and rules.
	Pipelines map[string]PipelineConfig `yaml:"pipelines"`

	// Archive is the document store used by archive-flavor pipelines.
	Archive ArchiveConfig `yaml:"archive"`

	// Influx and Webhook hold the base endpoints for write-flavor sinks;
	// messages select the database or path within them.
	Influx  InfluxConfig  `yaml:"influx"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// InfluxConfig holds the time-series endpoint settings.
type InfluxConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// WebhookConfig holds the webhook base endpoint settings.
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// NATSConfig holds transport connection settings.
type NATSConfig struct {
	URL      string `yaml:"url"`
	Name     string `yaml:"name"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`

	// Stream is the JetStream stream holding all subscribed subjects.
	Stream string `yaml:"stream"`
}

// MetricsConfig holds the Prometheus scrape endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// CacheConfig sizes the derived-resource and writer caches.
type CacheConfig struct {
	Decoders    int `yaml:"decoders"`
	TimeEditors int `yaml:"time_editors"`
	Expressions int `yaml:"expressions"`
	Writers     int `yaml:"writers"`
}

// ArchiveConfig points archive-flavor pipelines at a document store.
type ArchiveConfig struct {
	URL        string `yaml:"url"`
	Collection string `yaml:"collection"`
}

// PipelineConfig describes one pipeline: its flavor, the sources it
// subscribes to, and the static rules it consults.
type PipelineConfig struct {
	Flavor  string                  `yaml:"flavor"`
	Sources map[string]SourceConfig `yaml:"sources"`

	StaticRules []RuleConfig `yaml:"static_rules"`

	// ChangeLogSubject, when set on a write-flavor pipeline, receives a
	// summary envelope per measurement after each successful write.
	ChangeLogSubject string `yaml:"change_log_subject"`
}

// SourceConfig identifies one subscription and its handling options.
type SourceConfig struct {
	SubToSubject string `yaml:"sub_to_subject"`
	PubToSubject string `yaml:"pub_to_subject"`
	ErrorSubject string `yaml:"error_subject"`
	QueueGroup   string `yaml:"queue_group"`

	SubOptions      SubOptions  `yaml:"sub_options"`
	ErrorSubOptions *SubOptions `yaml:"error_sub_options"`

	// IgnoreBeforeDate acks without processing any message whose stream
	// timestamp precedes this RFC3339 cutoff.
	IgnoreBeforeDate string `yaml:"ignore_before_date"`

	// IgnoreErrors suppresses failures once the redelivery count reaches
	// IgnoreErrorsAtRedelivery. True with no explicit count means 0:
	// suppress on first failure.
	IgnoreErrors             bool `yaml:"ignore_errors"`
	IgnoreErrorsAtRedelivery *int `yaml:"ignore_errors_at_redelivery"`

	WriterOptions WriterOptions `yaml:"writer_options"`

	PreprocessingExpr string `yaml:"preprocessing_expr"`
}

// SubOptions configure the durable subscription for a source.
type SubOptions struct {
	AckWaitMs        int64  `yaml:"ack_wait"`
	DurableName      string `yaml:"durable_name"`
	MaxInFlight      int    `yaml:"max_in_flight"`
	StartAtTimeDelta int64  `yaml:"start_at_time_delta"`
}

// WriterOptions configure batched writing for write-flavor sources.
type WriterOptions struct {
	BatchIntervalMs int64 `yaml:"batch_interval"`
	BatchSize       int   `yaml:"batch_size"`
}

// RuleConfig is the YAML form of a static rule.
type RuleConfig struct {
	BeginsAt   string         `yaml:"begins_at"`
	EndsBefore string         `yaml:"ends_before"`
	Tags       []string       `yaml:"tags"`
	Definition RuleDefinition `yaml:"definition"`
}

// RuleDefinition selects decode and transform behavior for a rule.
type RuleDefinition struct {
	DecodeFormat  string   `yaml:"decode_format"`
	DecodeColumns []string `yaml:"decode_columns"`
	DecodeSlice   []int    `yaml:"decode_slice"`
	TimeEdit      string   `yaml:"time_edit"`
	TimeInterval  int64    `yaml:"time_interval"`
	TransformExpr string   `yaml:"transform_expr"`
}

// Validate checks the configuration and applies defaults in place.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return errors.WrapInvalid(
			fmt.Errorf("nats.url is required"),
			"Config", "Validate", "missing NATS URL")
	}
	if c.NATS.Stream == "" {
		return errors.WrapInvalid(
			fmt.Errorf("nats.stream is required"),
			"Config", "Validate", "missing stream name")
	}

	if c.Caches.Decoders <= 0 {
		c.Caches.Decoders = DefaultRuleCacheSize
	}
	if c.Caches.TimeEditors <= 0 {
		c.Caches.TimeEditors = DefaultRuleCacheSize
	}
	if c.Caches.Expressions <= 0 {
		c.Caches.Expressions = DefaultRuleCacheSize
	}
	if c.Caches.Writers <= 0 {
		c.Caches.Writers = DefaultWriterCacheSize
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port == 0 {
			c.Metrics.Port = 9090
		}
		if c.Metrics.Path == "" {
			c.Metrics.Path = "/metrics"
		}
	}

	for name, p := range c.Pipelines {
		if err := p.validate(name); err != nil {
			return err
		}
		c.Pipelines[name] = p
	}

	return nil
}

func (p *PipelineConfig) validate(name string) error {
	switch p.Flavor {
	case FlavorDecode, FlavorTransform, FlavorInflux, FlavorWebhook, FlavorArchive:
	case "":
		return errors.WrapInvalid(
			fmt.Errorf("pipeline %s: flavor is required", name),
			"PipelineConfig", "validate", "missing flavor")
	default:
		return errors.WrapInvalid(
			fmt.Errorf("pipeline %s: unknown flavor %q", name, p.Flavor),
			"PipelineConfig", "validate", "unknown flavor")
	}

	for key, src := range p.Sources {
		if src.SubToSubject == "" {
			return errors.WrapInvalid(
				fmt.Errorf("pipeline %s source %s: sub_to_subject is required", name, key),
				"PipelineConfig", "validate", "missing subject")
		}
		src.applyDefaults()
		p.Sources[key] = src
	}

	for i, rule := range p.StaticRules {
		if rule.BeginsAt == "" || rule.EndsBefore == "" {
			return errors.WrapInvalid(
				fmt.Errorf("pipeline %s rule %d: begins_at and ends_before are required", name, i),
				"PipelineConfig", "validate", "missing rule window")
		}
	}

	return nil
}

func (s *SourceConfig) applyDefaults() {
	if s.SubOptions.AckWaitMs <= 0 {
		s.SubOptions.AckWaitMs = DefaultAckWaitMs
	}
	if s.SubOptions.MaxInFlight <= 0 {
		s.SubOptions.MaxInFlight = DefaultMaxInFlight
	}
	if s.WriterOptions.BatchIntervalMs <= 0 {
		s.WriterOptions.BatchIntervalMs = DefaultBatchInterval
	}
	if s.WriterOptions.BatchSize <= 0 {
		s.WriterOptions.BatchSize = DefaultBatchSize
	}
}

// ErrorSuppressionThreshold returns the redelivery count at which failures
// are suppressed, or -1 when suppression is disabled.
func (s *SourceConfig) ErrorSuppressionThreshold() int {
	if s.IgnoreErrorsAtRedelivery != nil {
		return *s.IgnoreErrorsAtRedelivery
	}
	if s.IgnoreErrors {
		return 0
	}
	return -1
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := yaml.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}

	return &clone
}

// SafeConfig provides thread-safe access to the current snapshot.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// VersionTs returns the current snapshot version without copying.
func (sc *SafeConfig) VersionTs() int64 {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.VersionTs
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(
			fmt.Errorf("config cannot be nil"),
			"SafeConfig", "Update", "nil config")
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Load reads, parses and validates a configuration file. A zero VersionTs
// is assigned from the file's modification time so that touching the file
// advances the version.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config", "Load", "read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "parse YAML")
	}

	// Environment overrides for deployment without editing the file
	if url := os.Getenv("DPE_NATS_URL"); url != "" {
		cfg.NATS.URL = url
	}
	if token := os.Getenv("DPE_NATS_TOKEN"); token != "" {
		cfg.NATS.Token = token
	}
	if url := os.Getenv("DPE_INFLUX_URL"); url != "" {
		cfg.Influx.URL = url
	}
	if url := os.Getenv("DPE_WEBHOOK_URL"); url != "" {
		cfg.Webhook.URL = url
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.VersionTs == 0 {
		if info, err := os.Stat(path); err == nil {
			cfg.VersionTs = info.ModTime().UnixMilli()
		}
	}

	return &cfg, nil
}
