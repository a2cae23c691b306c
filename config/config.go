/*
Package config loads runtime settings for the allocation server and CLI.

ORDER OF PRECEDENCE (last wins):
  1. Defaults
  2. YAML file (allocator.yaml, or --config)
  3. Environment variables (ALLOC_*), optionally loaded from .env
  4. Command-line flags (applied by cmd/allocator)

SEE ALSO:
  - cmd/allocator/main.go: Flag overrides
*/
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server struct {
		Port           int           `yaml:"port"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
		ReadTimeout    time.Duration `yaml:"read_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
	} `yaml:"server"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Cache struct {
		TTL         time.Duration `yaml:"ttl"`
		CleanupCron string        `yaml:"cleanup_cron"`
	} `yaml:"cache"`
	Scheduler struct {
		RolloverCron string `yaml:"rollover_cron"`
	} `yaml:"scheduler"`
	AMQP struct {
		URL      string `yaml:"url"`
		Exchange string `yaml:"exchange"`
	} `yaml:"amqp"`
	Log struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`
	// DefaultCurrency is used for workspaces created by demo scenarios.
	DefaultCurrency string `yaml:"default_currency"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads config from a YAML file, then applies environment variable
// overrides. A missing file is not an error. A .env file in the working
// directory is loaded first if present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("ALLOC_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ALLOC_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("ALLOC_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("ALLOC_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("ALLOC_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ALLOC_CACHE_TTL: %w", err)
		}
		c.Cache.TTL = d
	}
	if v := os.Getenv("ALLOC_CACHE_CLEANUP_CRON"); v != "" {
		c.Cache.CleanupCron = v
	}
	if v := os.Getenv("ALLOC_ROLLOVER_CRON"); v != "" {
		c.Scheduler.RolloverCron = v
	}
	if v := os.Getenv("ALLOC_AMQP_URL"); v != "" {
		c.AMQP.URL = v
	}
	if v := os.Getenv("ALLOC_AMQP_EXCHANGE"); v != "" {
		c.AMQP.Exchange = v
	}
	if v := os.Getenv("ALLOC_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("ALLOC_LOG_DEVELOPMENT"); v != "" {
		dev, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ALLOC_LOG_DEVELOPMENT: %w", err)
		}
		c.Log.Development = dev
	}
	if v := os.Getenv("ALLOC_DEFAULT_CURRENCY"); v != "" {
		c.DefaultCurrency = v
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Database.Path == "" {
		c.Database.Path = "allocation.db"
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 10 * time.Minute
	}
	if c.Cache.CleanupCron == "" {
		c.Cache.CleanupCron = "0 */5 * * * *"
	}
	if c.Scheduler.RolloverCron == "" {
		c.Scheduler.RolloverCron = "0 0 0 1 * *"
	}
	if c.AMQP.Exchange == "" {
		c.AMQP.Exchange = "allocation.events"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.DefaultCurrency == "" {
		c.DefaultCurrency = money.EUR
	}
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d: must be between 1 and 65535", c.Server.Port))
	}
	if c.Database.Path == "" {
		problems = append(problems, "database.path cannot be empty")
	}
	if c.Cache.TTL < 0 {
		problems = append(problems, "cache.ttl cannot be negative")
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{
		"cache.cleanup_cron":      c.Cache.CleanupCron,
		"scheduler.rollover_cron": c.Scheduler.RolloverCron,
	} {
		if _, err := parser.Parse(spec); err != nil {
			problems = append(problems, fmt.Sprintf("%s %q: %v", name, spec, err))
		}
	}

	if c.AMQP.URL != "" {
		if u, err := url.Parse(c.AMQP.URL); err != nil {
			problems = append(problems, fmt.Sprintf("invalid AMQP URL: %v", err))
		} else if u.Scheme != "amqp" && u.Scheme != "amqps" {
			problems = append(problems, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", u.Scheme))
		}
		if c.AMQP.Exchange == "" {
			problems = append(problems, "amqp.exchange cannot be empty when amqp.url is set")
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q: must be debug, info, warn or error", c.Log.Level))
	}

	if money.GetCurrency(c.DefaultCurrency) == nil {
		problems = append(problems, fmt.Sprintf("default_currency %q: unknown ISO 4217 code", c.DefaultCurrency))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.Server.Port) }

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
