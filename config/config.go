// Package config loads the offline-cache daemon configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the file omits a value.
const (
	DefaultMaxAge        = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
	DefaultProbeInterval = 15 * time.Second
)

// Config is the daemon configuration, loaded from a YAML file.
type Config struct {
	// Upstream is the base URL of the backend API the proxy forwards to.
	Upstream string `yaml:"upstream"`

	Cache CacheConfig `yaml:"cache"`

	// Rules is the allow-list of cache-eligible GET path patterns.
	Rules []Rule `yaml:"rules"`

	// Warm lists paths fetched through the cache at startup to pre-warm
	// their partitions.
	Warm []string `yaml:"warm"`

	// ProbeInterval is how often the connectivity probe checks the
	// upstream.
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

// CacheConfig holds cache policy settings.
type CacheConfig struct {
	// MaxAge is how long a cached response stays servable.
	MaxAge time.Duration `yaml:"max_age"`

	// SweepInterval is how often expired entries are removed.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// MaxSize is an optional byte cap on stored responses. Zero
	// disables size-based eviction.
	MaxSize int64 `yaml:"max_size"`
}

// Rule maps a path pattern to a cache partition.
type Rule struct {
	// Match is the path pattern. A trailing "*" matches any suffix,
	// e.g. "/api/purchase-orders*".
	Match string `yaml:"match"`

	// Partition names the store partition entries matched by this rule
	// are written to. Defaults to "http".
	Partition string `yaml:"partition"`
}

// Default returns the configuration shipped when no file is given:
// the idempotent read endpoints of the procurement API.
func Default() Config {
	return Config{
		Cache: CacheConfig{
			MaxAge:        DefaultMaxAge,
			SweepInterval: DefaultSweepInterval,
		},
		Rules: []Rule{
			{Match: "/api/dashboard/*", Partition: "dashboard"},
			{Match: "/api/purchase-orders*", Partition: "purchase-orders"},
			{Match: "/api/assets*", Partition: "http"},
			{Match: "/api/vendors*", Partition: "http"},
			{Match: "/api/users*", Partition: "user"},
		},
		ProbeInterval: DefaultProbeInterval,
	}
}

// Load reads and validates the configuration at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) validate() error {
	for i, r := range c.Rules {
		m := strings.TrimSpace(r.Match)
		if m == "" {
			return fmt.Errorf("rules[%d].match is empty", i)
		}
		if !strings.HasPrefix(m, "/") {
			return fmt.Errorf("rules[%d].match %q must start with /", i, m)
		}
	}
	for i, w := range c.Warm {
		if !strings.HasPrefix(w, "/") {
			return fmt.Errorf("warm[%d] %q must be an absolute path", i, w)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Cache.MaxAge == 0 {
		c.Cache.MaxAge = DefaultMaxAge
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = DefaultSweepInterval
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	for i := range c.Rules {
		c.Rules[i].Match = strings.TrimSpace(c.Rules[i].Match)
		if c.Rules[i].Partition == "" {
			c.Rules[i].Partition = "http"
		}
	}
}
