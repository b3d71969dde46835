// Package config defines the typed configuration for the statistics cache.
// All tunables live here and are passed explicitly to the components that use
// them; business logic never branches on an environment name.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/reviewpulse/statcache/pkg/stat"
)

// Configuration represents the complete statistics cache configuration
type Configuration struct {
	Global   GlobalConfig         `yaml:"global"`
	Primary  PrimaryConfig        `yaml:"primary"`
	Fallback FallbackConfig       `yaml:"fallback"`
	Breaker  BreakerConfig        `yaml:"breaker"`
	TTL      TTLConfig            `yaml:"ttl"`
	Compute  ComputeConfig        `yaml:"compute"`
	Jobs     map[string]JobConfig `yaml:"jobs"`
	Admin    AdminConfig          `yaml:"admin"`
}

// GlobalConfig represents process-wide settings
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
}

// PrimaryConfig represents the primary (Redis-role) cache backend settings
type PrimaryConfig struct {
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	KeyPrefix   string        `yaml:"key_prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	OpTimeout   time.Duration `yaml:"op_timeout"`

	// Cross-process single-flight via a conditional primary-cache write.
	// Off by default; per-process single-flight is the baseline guarantee.
	LockEnabled bool          `yaml:"lock_enabled"`
	LockTTL     time.Duration `yaml:"lock_ttl"`
}

// FallbackConfig represents the bounded in-process fallback cache settings
type FallbackConfig struct {
	MaxEntries      int           `yaml:"max_entries"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// BreakerConfig represents circuit breaker thresholds. The breaker opens when
// at least FailureThreshold of the last Window primary operations failed.
type BreakerConfig struct {
	Window           int           `yaml:"window"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// TTLConfig represents soft/hard TTL policy per stat type
type TTLConfig struct {
	Default  stat.TTLPolicy            `yaml:"default"`
	PerType  map[string]stat.TTLPolicy `yaml:"per_type"`
	JitterPt float64                   `yaml:"jitter_percent"`
}

// PolicyFor returns the TTL policy for a stat type, falling back to the
// default policy.
func (t TTLConfig) PolicyFor(statType string) stat.TTLPolicy {
	if p, ok := t.PerType[statType]; ok {
		return p.Normalize()
	}
	return t.Default.Normalize()
}

// ComputeConfig bounds on-demand aggregation computations
type ComputeConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// JobConfig represents one refresh job's schedule settings
type JobConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxDuration time.Duration `yaml:"max_duration"`
	Priority    int           `yaml:"priority"`
}

// AdminConfig represents the admin/metrics HTTP server settings
type AdminConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Address       string        `yaml:"address"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	EnableMetrics bool          `yaml:"enable_metrics"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel: "INFO",
		},
		Primary: PrimaryConfig{
			Address:     "localhost:6379",
			DB:          0,
			KeyPrefix:   "statcache:",
			DialTimeout: 2 * time.Second,
			OpTimeout:   250 * time.Millisecond,
			LockEnabled: false,
			LockTTL:     30 * time.Second,
		},
		Fallback: FallbackConfig{
			MaxEntries:      10000,
			CleanupInterval: time.Minute,
		},
		Breaker: BreakerConfig{
			Window:           20,
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		},
		TTL: TTLConfig{
			Default: stat.TTLPolicy{Soft: time.Hour, Hard: 24 * time.Hour},
			PerType: map[string]stat.TTLPolicy{
				"sentiment_trend":     {Soft: time.Hour, Hard: 24 * time.Hour},
				"rating_distribution": {Soft: 30 * time.Minute, Hard: 12 * time.Hour},
				"keyword_sentiment":   {Soft: 2 * time.Hour, Hard: 48 * time.Hour},
				"product_comparison":  {Soft: time.Hour, Hard: 24 * time.Hour},
			},
			JitterPt: 0.1,
		},
		Compute: ComputeConfig{
			Timeout: 10 * time.Second,
		},
		Jobs: map[string]JobConfig{
			"refresh_popular_products": {Interval: 15 * time.Minute, MaxDuration: 10 * time.Minute, Priority: 1},
			"refresh_platform_stats":   {Interval: 30 * time.Minute, MaxDuration: 10 * time.Minute, Priority: 2},
			"prune_stale_stats":        {Interval: time.Hour, MaxDuration: 5 * time.Minute, Priority: 3},
		},
		Admin: AdminConfig{
			Enabled:       false,
			Address:       "localhost:8080",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			EnableMetrics: true,
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration overrides from environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("STATCACHE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("STATCACHE_PRIMARY_ADDRESS"); val != "" {
		c.Primary.Address = val
	}
	if val := os.Getenv("STATCACHE_PRIMARY_PASSWORD"); val != "" {
		c.Primary.Password = val
	}
	if val := os.Getenv("STATCACHE_PRIMARY_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			c.Primary.DB = db
		}
	}
	if val := os.Getenv("STATCACHE_PRIMARY_OP_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Primary.OpTimeout = d
		}
	}
	if val := os.Getenv("STATCACHE_FALLBACK_MAX_ENTRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Fallback.MaxEntries = n
		}
	}
	if val := os.Getenv("STATCACHE_BREAKER_COOLDOWN"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Breaker.Cooldown = d
		}
	}
	if val := os.Getenv("STATCACHE_COMPUTE_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Compute.Timeout = d
		}
	}
	if val := os.Getenv("STATCACHE_ADMIN_ADDRESS"); val != "" {
		c.Admin.Address = val
		c.Admin.Enabled = true
	}
	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if c.Primary.Address == "" {
		return fmt.Errorf("primary.address must not be empty")
	}
	if c.Primary.OpTimeout <= 0 {
		return fmt.Errorf("primary.op_timeout must be greater than 0")
	}
	if c.Fallback.MaxEntries <= 0 {
		return fmt.Errorf("fallback.max_entries must be greater than 0")
	}
	if c.Breaker.Window <= 0 {
		return fmt.Errorf("breaker.window must be greater than 0")
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.FailureThreshold > c.Breaker.Window {
		return fmt.Errorf("breaker.failure_threshold must be in 1..window (got %d of %d)",
			c.Breaker.FailureThreshold, c.Breaker.Window)
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker.cooldown must be greater than 0")
	}
	if c.TTL.JitterPt < 0 || c.TTL.JitterPt > 1 {
		return fmt.Errorf("ttl.jitter_percent must be in [0,1]")
	}
	for name, p := range c.TTL.PerType {
		if p.Soft < 0 || p.Hard < 0 {
			return fmt.Errorf("ttl.per_type[%s] must not be negative", name)
		}
	}
	if c.Compute.Timeout <= 0 {
		return fmt.Errorf("compute.timeout must be greater than 0")
	}
	for name, job := range c.Jobs {
		if job.Interval <= 0 {
			return fmt.Errorf("jobs[%s].interval must be greater than 0", name)
		}
		if job.MaxDuration <= 0 {
			return fmt.Errorf("jobs[%s].max_duration must be greater than 0", name)
		}
	}
	if _, err := parseLogLevel(c.Global.LogLevel); err != nil {
		return err
	}
	return nil
}

func parseLogLevel(level string) (string, error) {
	switch level {
	case "DEBUG", "INFO", "WARN", "ERROR":
		return level, nil
	default:
		return "", fmt.Errorf("invalid log_level: %s (must be one of: DEBUG, INFO, WARN, ERROR)", level)
	}
}
