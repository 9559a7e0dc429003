// Package config loads the server settings. Values are layered: defaults,
// then an optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissing wraps every error for a required setting that is not set.
var ErrMissing = errors.New("missing required setting")

type Config struct {
	Port      string `yaml:"port"`
	DBPath    string `yaml:"db_path"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Origin is the public base URL used in magic links, e.g. https://pantry.example.com.
	Origin          string        `yaml:"origin"`
	MagicLinkSecret string        `yaml:"magic_link_secret"`
	SessionSecret   string        `yaml:"session_secret"`
	SessionMaxAge   time.Duration `yaml:"session_max_age"`

	// LoginRateLimit is the number of login requests allowed per client IP
	// per minute. Zero disables the limit.
	LoginRateLimit int `yaml:"login_rate_limit"`
}

func Default() *Config {
	return &Config{
		Port:           "8080",
		DBPath:         "pantry.db",
		LogLevel:       "info",
		LogFormat:      "text",
		SessionMaxAge:  30 * 24 * time.Hour,
		LoginRateLimit: 10,
	}
}

// LoadFile reads path over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// envVars maps each setting to the variables that set it, later names
// taking precedence.
var envVars = []struct {
	names []string
	set   func(c *Config, v string) error
}{
	{[]string{"PANTRY_PORT"}, func(c *Config, v string) error { c.Port = v; return nil }},
	{[]string{"PANTRY_DB_PATH"}, func(c *Config, v string) error { c.DBPath = v; return nil }},
	{[]string{"PANTRY_LOG_LEVEL"}, func(c *Config, v string) error { c.LogLevel = v; return nil }},
	{[]string{"PANTRY_LOG_FORMAT"}, func(c *Config, v string) error { c.LogFormat = v; return nil }},
	{[]string{"ORIGIN", "PANTRY_ORIGIN"}, func(c *Config, v string) error { c.Origin = v; return nil }},
	{[]string{"MAGIC_LINK_SECRET", "PANTRY_MAGIC_LINK_SECRET"}, func(c *Config, v string) error { c.MagicLinkSecret = v; return nil }},
	{[]string{"PANTRY_SESSION_SECRET"}, func(c *Config, v string) error { c.SessionSecret = v; return nil }},
	{[]string{"PANTRY_SESSION_MAX_AGE"}, func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PANTRY_SESSION_MAX_AGE: %w", err)
		}
		c.SessionMaxAge = d
		return nil
	}},
	{[]string{"PANTRY_LOGIN_RATE_LIMIT"}, func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PANTRY_LOGIN_RATE_LIMIT: %w", err)
		}
		c.LoginRateLimit = n
		return nil
	}},
}

// ApplyEnv overrides settings from the environment. lookup is usually
// os.LookupEnv. Empty variables are ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, ev := range envVars {
		for _, name := range ev.names {
			v, ok := lookup(name)
			if !ok || strings.TrimSpace(v) == "" {
				continue
			}
			if err := ev.set(c, strings.TrimSpace(v)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Validate reports the first missing or malformed setting.
func (c *Config) Validate() error {
	if c.Origin == "" {
		return fmt.Errorf("%w: origin (PANTRY_ORIGIN)", ErrMissing)
	}
	u, err := url.Parse(c.Origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("origin %q must be an absolute http(s) URL", c.Origin)
	}
	if c.MagicLinkSecret == "" {
		return fmt.Errorf("%w: magic_link_secret (PANTRY_MAGIC_LINK_SECRET)", ErrMissing)
	}
	if c.SessionSecret == "" {
		return fmt.Errorf("%w: session_secret (PANTRY_SESSION_SECRET)", ErrMissing)
	}
	if c.Port == "" {
		return fmt.Errorf("%w: port", ErrMissing)
	}
	if c.DBPath == "" {
		return fmt.Errorf("%w: db_path", ErrMissing)
	}
	if c.SessionMaxAge <= 0 {
		return fmt.Errorf("session_max_age must be positive, got %s", c.SessionMaxAge)
	}
	if c.LoginRateLimit < 0 {
		return fmt.Errorf("login_rate_limit must not be negative, got %d", c.LoginRateLimit)
	}
	return nil
}

// SecureCookies reports whether the origin is served over https.
func (c *Config) SecureCookies() bool {
	return strings.HasPrefix(strings.ToLower(c.Origin), "https://")
}

// OriginHost is the host[:port] of Origin, for websocket origin checks.
func (c *Config) OriginHost() string {
	u, err := url.Parse(c.Origin)
	if err != nil {
		return ""
	}
	return u.Host
}
