// Package config loads the service configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds everything the service needs to start.
type Config struct {
	ListenAddr      string        `yaml:"listen_addr"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Remote          Remote        `yaml:"remote"`
	Storage         Storage       `yaml:"storage"`
}

// Remote configures the comments REST API.
type Remote struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
}

// Storage configures where visitor profiles live.
type Storage struct {
	Backend     string        `yaml:"backend"`
	RedisAddr   string        `yaml:"redis_addr"`
	PostgresDSN string        `yaml:"postgres_dsn"`
	TTL         time.Duration `yaml:"ttl"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		ListenAddr:      ":8080",
		RefreshInterval: 60 * time.Second,
		Remote: Remote{
			Timeout: 10 * time.Second,
			Retries: 2,
		},
		Storage: Storage{
			Backend: BackendMemory,
		},
	}
}

// Load reads path, if set, over the defaults and applies COMMENTVIEW_*
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"COMMENTVIEW_LISTEN_ADDR":     &c.ListenAddr,
		"COMMENTVIEW_REMOTE_BASE_URL": &c.Remote.BaseURL,
		"COMMENTVIEW_STORAGE_BACKEND": &c.Storage.Backend,
		"COMMENTVIEW_REDIS_ADDR":      &c.Storage.RedisAddr,
		"COMMENTVIEW_POSTGRES_DSN":    &c.Storage.PostgresDSN,
	}
	for name, dst := range str {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}

	dur := map[string]*time.Duration{
		"COMMENTVIEW_REFRESH_INTERVAL": &c.RefreshInterval,
		"COMMENTVIEW_REMOTE_TIMEOUT":   &c.Remote.Timeout,
		"COMMENTVIEW_STORAGE_TTL":      &c.Storage.TTL,
	}
	for name, dst := range dur {
		if v, ok := lookup(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = d
		}
	}

	if v, ok := lookup("COMMENTVIEW_REMOTE_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("COMMENTVIEW_REMOTE_RETRIES: %w", err)
		}
		c.Remote.Retries = n
	}
	return nil
}

// Validate reports every problem with the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Remote.BaseURL == "" {
		errs = append(errs, errors.New("remote.base_url is required"))
	}
	if c.RefreshInterval <= 0 {
		errs = append(errs, errors.New("refresh_interval must be positive"))
	}
	if c.Remote.Retries < 0 {
		errs = append(errs, errors.New("remote.retries must not be negative"))
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Storage.RedisAddr == "" {
			errs = append(errs, errors.New("storage.redis_addr is required for the redis backend"))
		}
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}
	return errors.Join(errs...)
}
