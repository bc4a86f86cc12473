// Package config loads relay configuration from an optional YAML file with
// environment variable overrides on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"protorelay/internal/account"
	"protorelay/internal/protocol"
)

const (
	CredentialPassthrough = "passthrough"
	CredentialStatic      = "static"

	StoreMemory = "memory"
	StoreRedis  = "redis"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Relay       RelayConfig       `yaml:"relay"`
	Accounts    AccountsConfig    `yaml:"accounts"`
	HealthStore HealthStoreConfig `yaml:"health_store"`
}

type ServerConfig struct {
	Port         string `yaml:"port"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
	// RequestTimeout bounds non-streaming auxiliary routes (models, health).
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// UpstreamConfig describes the single backend the relay talks to.
type UpstreamConfig struct {
	Protocol         string            `yaml:"protocol"`
	BaseURL          string            `yaml:"base_url"`
	Timeout          time.Duration     `yaml:"timeout"`
	MaxRetries       int               `yaml:"max_retries"`
	BaseBackoff      time.Duration     `yaml:"base_backoff"`
	AnthropicVersion string            `yaml:"anthropic_version"`
	Headers          map[string]string `yaml:"headers"`
	// ForwardClientHeaders copies caller headers upstream, minus hop-by-hop
	// and credential headers.
	ForwardClientHeaders bool `yaml:"forward_client_headers"`
}

type RelayConfig struct {
	// ForceBuffered makes every backend call non-streaming; streaming callers
	// get a synthesized stream.
	ForceBuffered       bool     `yaml:"force_buffered"`
	DefaultSystemPrompt string   `yaml:"default_system_prompt"`
	DefaultMaxTokens    int      `yaml:"default_max_tokens"`
	Models              []string `yaml:"models"`
}

type AccountsConfig struct {
	Mode             string        `yaml:"mode"`
	Strategy         string        `yaml:"strategy"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetWindow      time.Duration `yaml:"reset_window"`
	// ClientKeys are the caller keys accepted in static mode.
	ClientKeys []string `yaml:"client_keys"`
	// AllowAnonymous lets static mode serve callers that present no key.
	AllowAnonymous bool         `yaml:"allow_anonymous"`
	Keys           []AccountKey `yaml:"keys"`
}

type AccountKey struct {
	Name       string `yaml:"name"`
	Credential string `yaml:"credential"`
	Weight     int    `yaml:"weight"`
	Disabled   bool   `yaml:"disabled"`
}

type HealthStoreConfig struct {
	Backend   string        `yaml:"backend"`
	RedisAddr string        `yaml:"redis_addr"`
	Prefix    string        `yaml:"prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// Load reads path (if non-empty), applies environment overrides and
// defaults, and validates the result.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}
		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	getenv := func(key string) (string, bool) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return "", false
		}
		return strings.TrimSpace(v), true
	}

	if v, ok := getenv("PORT"); ok {
		c.Server.Port = v
	}
	if v, ok := getenv("UPSTREAM_PROTOCOL"); ok {
		c.Upstream.Protocol = v
	}
	if v, ok := getenv("UPSTREAM_BASE_URL"); ok {
		c.Upstream.BaseURL = v
	}
	if v, ok := getenv("HTTP_TIMEOUT"); ok {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("HTTP_TIMEOUT: %w", err)
		}
		c.Upstream.Timeout = d
	}
	if v, ok := getenv("MAX_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_RETRIES: %w", err)
		}
		c.Upstream.MaxRetries = n
	}
	if v, ok := getenv("FORCE_NON_STREAM"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FORCE_NON_STREAM: %w", err)
		}
		c.Relay.ForceBuffered = b
	}
	if v, ok := getenv("DEFAULT_SYSTEM_PROMPT"); ok {
		c.Relay.DefaultSystemPrompt = v
	}
	if v, ok := getenv("DEFAULT_MAX_TOKENS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DEFAULT_MAX_TOKENS: %w", err)
		}
		c.Relay.DefaultMaxTokens = n
	}
	if v, ok := getenv("CREDENTIAL_MODE"); ok {
		c.Accounts.Mode = v
	}
	if v, ok := getenv("ACCOUNT_KEYS"); ok {
		keys := account.ParseCredentials(v)
		c.Accounts.Keys = make([]AccountKey, 0, len(keys))
		for _, k := range keys {
			c.Accounts.Keys = append(c.Accounts.Keys, AccountKey{Credential: k})
		}
	}
	if v, ok := getenv("CLIENT_KEYS"); ok {
		c.Accounts.ClientKeys = account.ParseCredentials(v)
	}
	if v, ok := getenv("ALLOW_ANONYMOUS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ALLOW_ANONYMOUS: %w", err)
		}
		c.Accounts.AllowAnonymous = b
	}
	if v, ok := getenv("LB_STRATEGY"); ok {
		c.Accounts.Strategy = v
	}
	if v, ok := getenv("FAILURE_THRESHOLD"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FAILURE_THRESHOLD: %w", err)
		}
		c.Accounts.FailureThreshold = n
	}
	if v, ok := getenv("RESET_WINDOW"); ok {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("RESET_WINDOW: %w", err)
		}
		c.Accounts.ResetWindow = d
	}
	if v, ok := getenv("HEALTH_STORE_BACKEND"); ok {
		c.HealthStore.Backend = v
	}
	if v, ok := getenv("REDIS_ADDR"); ok {
		c.HealthStore.RedisAddr = v
	}
	return nil
}

// parseSeconds accepts a Go duration ("90s") or a bare number of seconds.
func parseSeconds(v string) (time.Duration, error) {
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

// WithDefaults returns a copy with unset fields filled in.
func (c Config) WithDefaults() Config {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 10 << 20
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 15 * time.Second
	}

	if c.Upstream.Protocol == "" {
		c.Upstream.Protocol = string(protocol.Anthropic)
	}
	if c.Upstream.BaseURL == "" {
		if p, err := protocol.Parse(c.Upstream.Protocol); err == nil && p == protocol.OpenAI {
			c.Upstream.BaseURL = "https://api.openai.com"
		} else {
			c.Upstream.BaseURL = "https://api.anthropic.com"
		}
	}
	if c.Upstream.Timeout <= 0 {
		c.Upstream.Timeout = 120 * time.Second
	}
	if c.Upstream.MaxRetries < 0 {
		c.Upstream.MaxRetries = 0
	}

	if c.Relay.DefaultMaxTokens <= 0 {
		c.Relay.DefaultMaxTokens = 8192
	}

	if c.Accounts.Mode == "" {
		if len(c.Accounts.Keys) > 0 {
			c.Accounts.Mode = CredentialStatic
		} else {
			c.Accounts.Mode = CredentialPassthrough
		}
	}
	if c.Accounts.Strategy == "" {
		c.Accounts.Strategy = string(account.RoundRobin)
	}
	if c.Accounts.FailureThreshold <= 0 {
		c.Accounts.FailureThreshold = account.DefaultFailureThreshold
	}
	if c.Accounts.ResetWindow <= 0 {
		c.Accounts.ResetWindow = account.DefaultResetWindow
	}

	if c.HealthStore.Backend == "" {
		c.HealthStore.Backend = StoreMemory
	}
	if c.HealthStore.RedisAddr == "" {
		c.HealthStore.RedisAddr = "127.0.0.1:6379"
	}
	if c.HealthStore.Prefix == "" {
		c.HealthStore.Prefix = "protorelay"
	}
	if c.HealthStore.TTL <= 0 {
		c.HealthStore.TTL = 24 * time.Hour
	}
	return c
}

// Validate performs sanity checks on a defaulted configuration.
func (c Config) Validate() error {
	port, err := strconv.Atoi(c.Server.Port)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %q", c.Server.Port)
	}
	if _, err := protocol.Parse(c.Upstream.Protocol); err != nil {
		return fmt.Errorf("upstream.protocol: %w", err)
	}
	if !strings.HasPrefix(c.Upstream.BaseURL, "http://") && !strings.HasPrefix(c.Upstream.BaseURL, "https://") {
		return fmt.Errorf("upstream.base_url must be an http(s) URL, got %q", c.Upstream.BaseURL)
	}
	for k := range c.Upstream.Headers {
		if strings.TrimSpace(k) == "" {
			return errors.New("upstream.headers: header name must not be empty")
		}
	}

	if _, err := account.ParseStrategy(c.Accounts.Strategy); err != nil {
		return fmt.Errorf("accounts.strategy: %w", err)
	}
	switch c.Accounts.Mode {
	case CredentialPassthrough:
	case CredentialStatic:
		if len(c.Accounts.Keys) == 0 {
			return errors.New("accounts.keys: static mode needs at least one key")
		}
		if len(c.Accounts.ClientKeys) == 0 && !c.Accounts.AllowAnonymous {
			return errors.New("accounts.client_keys: static mode needs client keys unless allow_anonymous is set")
		}
		for i, k := range c.Accounts.Keys {
			if strings.TrimSpace(k.Credential) == "" {
				return fmt.Errorf("accounts.keys[%d]: credential must not be empty", i)
			}
			if k.Weight < 0 {
				return fmt.Errorf("accounts.keys[%d]: weight must not be negative", i)
			}
		}
	default:
		return fmt.Errorf("accounts.mode must be %q or %q, got %q", CredentialPassthrough, CredentialStatic, c.Accounts.Mode)
	}

	switch c.HealthStore.Backend {
	case StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("health_store.backend must be %q or %q, got %q", StoreMemory, StoreRedis, c.HealthStore.Backend)
	}
	return nil
}

// PersistsHealth reports whether account health survives a restart. The
// memory backend starts empty on every boot, so there is nothing to restore.
func (c Config) PersistsHealth() bool {
	return c.HealthStore.Backend == StoreRedis
}

// UpstreamProtocol is the parsed upstream protocol. Only valid after Validate.
func (c Config) UpstreamProtocol() protocol.Protocol {
	p, _ := protocol.Parse(c.Upstream.Protocol)
	return p
}

// AccountEntries converts configured keys to pool entries.
func (c Config) AccountEntries() []account.Entry {
	out := make([]account.Entry, 0, len(c.Accounts.Keys))
	for _, k := range c.Accounts.Keys {
		out = append(out, account.Entry{
			Name:       k.Name,
			Credential: strings.TrimSpace(k.Credential),
			Weight:     k.Weight,
			Disabled:   k.Disabled,
		})
	}
	return out
}

// PoolOptions returns the account pool options. Only valid after Validate.
func (c Config) PoolOptions() account.Options {
	strategy, _ := account.ParseStrategy(c.Accounts.Strategy)
	return account.Options{
		Strategy:         strategy,
		FailureThreshold: c.Accounts.FailureThreshold,
		ResetWindow:      c.Accounts.ResetWindow,
	}
}
