package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alecgard/agentrt/internal/alert"
	"github.com/alecgard/agentrt/internal/auth"
	"github.com/alecgard/agentrt/internal/breaker"
	"github.com/alecgard/agentrt/internal/cache"
	"github.com/alecgard/agentrt/internal/cost"
	"github.com/alecgard/agentrt/internal/health"
	"github.com/alecgard/agentrt/internal/metering"
	"github.com/alecgard/agentrt/internal/optimizer"
	"github.com/alecgard/agentrt/internal/secret"
)

type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	Redis     RedisConfig      `yaml:"redis"`
	Anthropic AnthropicConfig  `yaml:"anthropic"`
	Metering  MeteringConfig   `yaml:"metering"`
	Cache     CacheConfig      `yaml:"cache"`
	Defaults  Tuning           `yaml:"defaults"`
	Agents    []AgentConfig    `yaml:"agents"`
	Workflows []WorkflowConfig `yaml:"workflows"`
	Pricing   cost.Pricing     `yaml:"pricing"`
	Alerts    alert.Thresholds `yaml:"alerts"`
	Optimizer OptimizerConfig  `yaml:"optimizer"`
	Health    health.Config    `yaml:"health"`
	Breaker   breaker.Config   `yaml:"breaker"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	CORS      CORSConfig       `yaml:"cors"`
	Auth      AuthConfig       `yaml:"auth"`
}

// AuthConfig lists the API keys accepted by the HTTP API. With no keys the
// API is open.
type AuthConfig struct {
	Keys []auth.Key `yaml:"keys"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"` // default: [] (same-origin only when empty; ["*"] for dev)
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig points at the call record archive. An empty URL runs the
// server without an archive.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig enables the shared response cache when URL is set.
type RedisConfig struct {
	URL       string `yaml:"url"`
	Namespace string `yaml:"namespace"`
}

type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

type MeteringConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	// RingCapacity bounds the in-memory record history used for live metrics.
	RingCapacity int `yaml:"ring_capacity"`
}

type CacheConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

type OptimizerConfig struct {
	Rules                 optimizer.Rules `yaml:"rules"`
	AutoApplyHighPriority bool            `yaml:"auto_apply_high_priority"`
}

type SchedulerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	AlertWindow time.Duration `yaml:"alert_window"`
}

func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		expanded := expandEnvVars(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.openSecrets(os.Getenv("AGENTRT_SECRET_KEY")); err != nil {
		return nil, err
	}

	return cfg, nil
}

// openSecrets replaces sealed credential values with their plaintext.
func (c *Config) openSecrets(hexKey string) error {
	box, err := secret.NewBox(hexKey)
	if err != nil {
		return fmt.Errorf("AGENTRT_SECRET_KEY: %w", err)
	}
	open := func(where string, v *string) error {
		plain, err := box.Open(*v)
		if err != nil {
			return fmt.Errorf("%s: %w", where, err)
		}
		*v = plain
		return nil
	}

	var errs []error
	errs = append(errs,
		open("database.url", &c.Database.URL),
		open("redis.url", &c.Redis.URL),
		open("anthropic.api_key", &c.Anthropic.APIKey),
	)
	for i := range c.Agents {
		a := &c.Agents[i]
		errs = append(errs, open(fmt.Sprintf("agents[%d].auth.key", i), &a.Auth.Key))
		for k, v := range a.Headers {
			if err := open(fmt.Sprintf("agents[%d].headers.%s", i, k), &v); err != nil {
				errs = append(errs, err)
				continue
			}
			a.Headers[k] = v
		}
	}
	return errors.Join(errs...)
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
		},
		Redis: RedisConfig{
			Namespace: cache.DefaultRedisNamespace,
		},
		Metering: MeteringConfig{
			BatchSize:     100,
			FlushInterval: 5 * time.Second,
			RingCapacity:  metering.DefaultCapacity,
		},
		Cache: CacheConfig{
			MaxEntries: cache.DefaultMaxEntries,
		},
		Pricing: cost.DefaultPricing(),
		Alerts:  alert.DefaultThresholds(),
		Optimizer: OptimizerConfig{
			Rules: optimizer.DefaultRules(),
		},
		Health:  health.DefaultConfig(),
		Breaker: breaker.DefaultConfig(),
		Scheduler: SchedulerConfig{
			Interval:    time.Minute,
			AlertWindow: time.Hour,
		},
	}
}

func expandEnvVars(s string) string {
	return os.ExpandEnv(s)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTRT_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("AGENTRT_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("AGENTRT_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("AGENTRT_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Anthropic.APIKey = v
	}
}

// Validate checks the configuration for values the server cannot run with.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		errs = append(errs, errors.New("server timeouts must be positive"))
	}
	if c.Metering.BatchSize <= 0 {
		errs = append(errs, errors.New("metering.batch_size must be positive"))
	}
	if c.Metering.FlushInterval <= 0 {
		errs = append(errs, errors.New("metering.flush_interval must be positive"))
	}
	if c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive"))
	}
	if _, err := auth.NewKeyring(c.Auth.Keys); err != nil {
		errs = append(errs, err)
	}
	if err := c.Defaults.validate("defaults"); err != nil {
		errs = append(errs, err)
	}

	agents := make(map[string]bool, len(c.Agents))
	needsKey := false
	for i, a := range c.Agents {
		if err := a.validate(); err != nil {
			errs = append(errs, fmt.Errorf("agents[%d]: %w", i, err))
			continue
		}
		if agents[a.Name] {
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate agent %q", i, a.Name))
		}
		agents[a.Name] = true
		needsKey = needsKey || a.UsesAnthropic()
	}
	if needsKey && c.Anthropic.APIKey == "" {
		errs = append(errs, errors.New("anthropic.api_key (or ANTHROPIC_API_KEY) is required for claude agents"))
	}

	for i, w := range c.Workflows {
		if err := w.validate(agents); err != nil {
			errs = append(errs, fmt.Errorf("workflows[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) MigrationsSource() string {
	return "file://migrations"
}

func (c *Config) DatabaseURLForMigrate() string {
	url := c.Database.URL
	if !strings.Contains(url, "sslmode=") {
		if strings.Contains(url, "?") {
			url += "&sslmode=disable"
		} else {
			url += "?sslmode=disable"
		}
	}
	return url
}
