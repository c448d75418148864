// Package config holds the collector configuration. Values come from
// defaults, an optional TOML file and environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/Sternrassler/gh-repo-collector/pkg/client"
	"github.com/Sternrassler/gh-repo-collector/pkg/credentials"
	"github.com/Sternrassler/gh-repo-collector/pkg/logging"
	"github.com/Sternrassler/gh-repo-collector/pkg/pagination"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Environment variables read by ApplyEnv.
const (
	EnvTokens      = "GITHUB_TOKENS"
	EnvToken       = "GITHUB_TOKEN"
	EnvLimit       = "LIMIT"
	EnvPageSize    = "PAGE_SIZE"
	EnvRedisURL    = "REDIS_URL"
	EnvLogLevel    = "LOG_LEVEL"
	EnvMetricsAddr = "METRICS_ADDR"
)

// DefaultLimit is the number of repositories collected when none is configured.
const DefaultLimit = 100

// Config is the complete collector configuration.
type Config struct {
	// Tokens are GitHub personal access tokens, used in order.
	Tokens []string `toml:"Tokens"`
	// Limit is the number of repositories to collect.
	Limit int `toml:"Limit"`
	// PageSize is the preferred number of repositories per request.
	PageSize int `toml:"PageSize"`

	Endpoint       string        `toml:"Endpoint"`
	SearchQuery    string        `toml:"SearchQuery"`
	RequestTimeout time.Duration `toml:"RequestTimeout"`
	PageDelay      time.Duration `toml:"PageDelay"`

	// RedisURL enables the shared quota store when set (redis://host:port/db).
	RedisURL string `toml:"RedisURL"`

	LogLevel  string `toml:"LogLevel"`
	LogPretty bool   `toml:"LogPretty"`

	// MetricsAddr serves /metrics and /health when set, e.g. ":9090".
	MetricsAddr string `toml:"MetricsAddr"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	cc := client.DefaultConfig()
	return Config{
		Limit:          DefaultLimit,
		PageSize:       cc.PageSize,
		Endpoint:       cc.Endpoint,
		SearchQuery:    cc.SearchQuery,
		RequestTimeout: cc.RequestTimeout,
		PageDelay:      cc.PageDelay,
		LogLevel:       "info",
	}
}

// LoadFile reads a TOML file over the defaults.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return LoadBytes(data)
}

// LoadBytes decodes TOML over the defaults. Keys absent from data keep their
// default values.
func LoadBytes(data []byte) (Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse TOML config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables found by lookup
// (usually os.LookupEnv). GITHUB_TOKENS takes precedence over GITHUB_TOKEN.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvTokens); ok && strings.TrimSpace(v) != "" {
		c.Tokens = SplitTokens(v)
	} else if v, ok := lookup(EnvToken); ok && strings.TrimSpace(v) != "" {
		c.Tokens = []string{strings.TrimSpace(v)}
	}

	if v, ok := lookup(EnvLimit); ok && v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, EnvLimit, v)
		}
		c.Limit = n
	}

	if v, ok := lookup(EnvPageSize); ok && v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, EnvPageSize, v)
		}
		c.PageSize = n
	}

	if v, ok := lookup(EnvRedisURL); ok {
		c.RedisURL = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup(EnvMetricsAddr); ok {
		c.MetricsAddr = strings.TrimSpace(v)
	}

	return nil
}

// SplitTokens splits a comma separated token list, dropping blanks.
func SplitTokens(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Validate checks the configuration before any network activity.
func (c Config) Validate() error {
	if len(SplitTokens(strings.Join(c.Tokens, ","))) == 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, credentials.ErrNoCredentials)
	}

	err := validation.ValidateStruct(&c,
		validation.Field(&c.Limit, validation.Min(0)),
		validation.Field(&c.PageSize, validation.Required, validation.Min(1), validation.Max(pagination.MaxPageSize)),
		validation.Field(&c.Endpoint, validation.Required),
		validation.Field(&c.RequestTimeout, validation.Required, validation.Min(time.Duration(1))),
		validation.Field(&c.PageDelay, validation.Min(time.Duration(0))),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return nil
}

// ClientConfig returns the subset consumed by client.New.
func (c Config) ClientConfig() client.Config {
	cc := client.DefaultConfig()
	cc.Endpoint = c.Endpoint
	if c.SearchQuery != "" {
		cc.SearchQuery = c.SearchQuery
	}
	cc.PageSize = c.PageSize
	cc.PageDelay = c.PageDelay
	cc.RequestTimeout = c.RequestTimeout
	return cc
}

// LoggingConfig returns the subset consumed by logging.Setup.
func (c Config) LoggingConfig() logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = c.LogLevel
	lc.Pretty = c.LogPretty
	return lc
}
