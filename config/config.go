// Package config provides configuration loading and management for the
// research monitor.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/XiaoChennnng/DeepResearchPro/pipeline"
)

// Config represents the complete monitor configuration
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Poll    PollConfig    `yaml:"poll"`
	Cache   CacheConfig   `yaml:"cache"`
	Bands   []BandConfig  `yaml:"bands"`
}

// BackendConfig configures the DeepResearchPro backend connection
type BackendConfig struct {
	// URL is the REST base URL (default: http://localhost:8000)
	URL string `yaml:"url"`
	// StreamURL overrides the websocket endpoint base. Empty derives
	// it from URL.
	StreamURL string `yaml:"stream_url"`
	// Timeout is the per-request REST timeout
	Timeout time.Duration `yaml:"timeout"`
}

// PollConfig configures the adaptive REST polling loop
type PollConfig struct {
	// Unconfirmed is the poll interval while the stream is not confirmed
	Unconfirmed time.Duration `yaml:"unconfirmed"`
	// Confirmed is the poll interval while the stream is live
	Confirmed time.Duration `yaml:"confirmed"`
	// Reevaluate is how often the interval choice is re-checked
	Reevaluate time.Duration `yaml:"reevaluate"`
}

// CacheConfig selects and configures the task cache backend
type CacheConfig struct {
	// Backend is one of: memory, file, sqlite, nats
	Backend string `yaml:"backend"`
	// Dir is the cache directory for the file backend
	Dir string `yaml:"dir"`
	// Path is the database file for the sqlite backend
	Path string `yaml:"path"`
	// URL is the NATS server URL for the nats backend
	URL string `yaml:"url"`
}

// BandConfig maps one pipeline stage onto a global-progress interval.
type BandConfig struct {
	Stage string  `yaml:"stage"`
	Start float64 `yaml:"start"`
	End   float64 `yaml:"end"`
}

// yaml.v3 has no native duration support, so the duration-bearing
// sections decode "5s" style strings themselves. Absent keys keep the
// values already present (the defaults).

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *BackendConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		URL       string `yaml:"url"`
		StreamURL string `yaml:"stream_url"`
		Timeout   string `yaml:"timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.URL != "" {
		b.URL = raw.URL
	}
	if raw.StreamURL != "" {
		b.StreamURL = raw.StreamURL
	}
	return setDuration(&b.Timeout, raw.Timeout, "backend.timeout")
}

// MarshalYAML implements yaml.Marshaler.
func (b BackendConfig) MarshalYAML() (interface{}, error) {
	return struct {
		URL       string `yaml:"url"`
		StreamURL string `yaml:"stream_url,omitempty"`
		Timeout   string `yaml:"timeout"`
	}{b.URL, b.StreamURL, b.Timeout.String()}, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *PollConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Unconfirmed string `yaml:"unconfirmed"`
		Confirmed   string `yaml:"confirmed"`
		Reevaluate  string `yaml:"reevaluate"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if err := setDuration(&p.Unconfirmed, raw.Unconfirmed, "poll.unconfirmed"); err != nil {
		return err
	}
	if err := setDuration(&p.Confirmed, raw.Confirmed, "poll.confirmed"); err != nil {
		return err
	}
	return setDuration(&p.Reevaluate, raw.Reevaluate, "poll.reevaluate")
}

// MarshalYAML implements yaml.Marshaler.
func (p PollConfig) MarshalYAML() (interface{}, error) {
	return struct {
		Unconfirmed string `yaml:"unconfirmed"`
		Confirmed   string `yaml:"confirmed"`
		Reevaluate  string `yaml:"reevaluate"`
	}{p.Unconfirmed.String(), p.Confirmed.String(), p.Reevaluate.String()}, nil
}

func setDuration(dst *time.Duration, raw, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = d
	return nil
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	cfg := &Config{
		Backend: BackendConfig{
			URL:     "http://localhost:8000",
			Timeout: 15 * time.Second,
		},
		Poll: PollConfig{
			Unconfirmed: 5 * time.Second,
			Confirmed:   30 * time.Second,
			Reevaluate:  10 * time.Second,
		},
		Cache: CacheConfig{
			Backend: "memory",
		},
	}
	for _, b := range pipeline.DefaultBands() {
		cfg.Bands = append(cfg.Bands, BandConfig{
			Stage: b.Stage.String(),
			Start: b.Start,
			End:   b.End,
		})
	}
	return cfg
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	if c.Poll.Unconfirmed <= 0 {
		return fmt.Errorf("poll.unconfirmed must be positive")
	}
	if c.Poll.Confirmed <= 0 {
		return fmt.Errorf("poll.confirmed must be positive")
	}
	if c.Poll.Reevaluate <= 0 {
		return fmt.Errorf("poll.reevaluate must be positive")
	}
	switch c.Cache.Backend {
	case "memory":
	case "file":
		if c.Cache.Dir == "" {
			return fmt.Errorf("cache.dir is required for the file backend")
		}
	case "sqlite":
		if c.Cache.Path == "" {
			return fmt.Errorf("cache.path is required for the sqlite backend")
		}
	case "nats":
		if c.Cache.URL == "" {
			return fmt.Errorf("cache.url is required for the nats backend")
		}
	default:
		return fmt.Errorf("cache.backend must be one of memory, file, sqlite, nats")
	}
	if _, err := c.BandTable(); err != nil {
		return fmt.Errorf("bands: %w", err)
	}
	return nil
}

// BandTable converts the configured bands into a validated table.
func (c *Config) BandTable() (pipeline.BandTable, error) {
	if len(c.Bands) == 0 {
		return pipeline.DefaultBands(), nil
	}
	table := make(pipeline.BandTable, 0, len(c.Bands))
	for _, b := range c.Bands {
		table = append(table, pipeline.Band{
			Stage: pipeline.Stage(b.Stage),
			Start: b.Start,
			End:   b.End,
		})
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// LoadFromFile loads configuration from a YAML file. ${VAR} references
// in the file are expanded from the environment before parsing.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Backend
	if other.Backend.URL != "" {
		c.Backend.URL = other.Backend.URL
	}
	if other.Backend.StreamURL != "" {
		c.Backend.StreamURL = other.Backend.StreamURL
	}
	if other.Backend.Timeout != 0 {
		c.Backend.Timeout = other.Backend.Timeout
	}

	// Poll
	if other.Poll.Unconfirmed != 0 {
		c.Poll.Unconfirmed = other.Poll.Unconfirmed
	}
	if other.Poll.Confirmed != 0 {
		c.Poll.Confirmed = other.Poll.Confirmed
	}
	if other.Poll.Reevaluate != 0 {
		c.Poll.Reevaluate = other.Poll.Reevaluate
	}

	// Cache
	if other.Cache.Backend != "" {
		c.Cache.Backend = other.Cache.Backend
	}
	if other.Cache.Dir != "" {
		c.Cache.Dir = other.Cache.Dir
	}
	if other.Cache.Path != "" {
		c.Cache.Path = other.Cache.Path
	}
	if other.Cache.URL != "" {
		c.Cache.URL = other.Cache.URL
	}

	// Bands
	if len(other.Bands) > 0 {
		c.Bands = other.Bands
	}
}
