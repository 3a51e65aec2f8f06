package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted in the `backend` key.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	Server struct {
		Port         string `yaml:"port"`
		ReadTimeout  string `yaml:"readTimeout"`
		WriteTimeout string `yaml:"writeTimeout"`
	} `yaml:"server"`
	Backend string `yaml:"backend"`
	Redis   struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Quiz struct {
		PerQuestion    string `yaml:"perQuestion"`
		Tick           string `yaml:"tick"`
		AnswerGrace    string `yaml:"answerGrace"`
		SubmitRetries  *int   `yaml:"submitRetries"`
		LeaderboardTop int    `yaml:"leaderboardTop"`
	} `yaml:"quiz"`
	Admin struct {
		Email        string `yaml:"email"`
		PasswordHash string `yaml:"passwordHash"` // bcrypt
	} `yaml:"admin"`
	Log struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"maxSizeMB"`
		MaxBackups int    `yaml:"maxBackups"`
		MaxAgeDays int    `yaml:"maxAgeDays"`
	} `yaml:"log"`
	Notify struct {
		RelayURL      string `yaml:"relayURL"`
		PublicBaseURL string `yaml:"publicBaseURL"`
		Concurrency   int    `yaml:"concurrency"`
		MaxRetry      int    `yaml:"maxRetry"`
	} `yaml:"notify"`
}

// Load reads YAML config from path. A missing file yields the defaults so
// the service can start with flags and environment only.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return cfg, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) applyDefaults() {
	if c.Backend == "" {
		switch {
		case c.Postgres.URL != "":
			c.Backend = BackendPostgres
		case c.Redis.Addr != "":
			c.Backend = BackendRedis
		default:
			c.Backend = BackendMemory
		}
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "paperquiz:"
	}
	if c.Quiz.SubmitRetries == nil {
		retries := 3
		c.Quiz.SubmitRetries = &retries
	}
	if c.Quiz.LeaderboardTop == 0 {
		c.Quiz.LeaderboardTop = 5
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Notify.Concurrency == 0 {
		c.Notify.Concurrency = 5
	}
	if c.Notify.MaxRetry == 0 {
		c.Notify.MaxRetry = 3
	}
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("backend %q needs redis.addr", c.Backend)
		}
	case BackendPostgres:
		if c.Postgres.URL == "" {
			return fmt.Errorf("backend %q needs postgres.url", c.Backend)
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Admin.Email != "" && c.Admin.PasswordHash == "" {
		return fmt.Errorf("admin.passwordHash is required when admin.email is set")
	}
	return nil
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	return fallback
}
