package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DefaultVerifierBaseURL is the verifier used when none is configured
const DefaultVerifierBaseURL = "https://verifier2.portal.test.waltid.cloud"

// DefaultAllowedHost is always accepted by the allowed-hosts check
const DefaultAllowedHost = "digital-credentials.walt.id"

// Config represents the application configuration
type Config struct {
	Server          ServerConfig          `yaml:"server" envconfig:"SERVER"`
	Verifier        VerifierConfig        `yaml:"verifier" envconfig:"VERIFIER"`
	Templates       TemplatesConfig       `yaml:"templates" envconfig:"TEMPLATES"`
	Mock            MockConfig            `yaml:"mock" envconfig:"MOCK"`
	SessionRegistry SessionRegistryConfig `yaml:"session_registry" envconfig:"SESSION_REGISTRY"`
	Storage         StorageConfig         `yaml:"storage" envconfig:"STORAGE"`
	Logging         LoggingConfig         `yaml:"logging" envconfig:"LOGGING"`
	RateLimit       RateLimitConfig       `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string   `yaml:"host" envconfig:"HOST"`
	Port         int      `yaml:"port" envconfig:"PORT"`
	AllowedHosts []string `yaml:"allowed_hosts" envconfig:"ALLOWED_HOSTS"` // empty allows any host
	CORSOrigins  []string `yaml:"cors_origins" envconfig:"CORS_ORIGINS"`
}

// VerifierConfig contains the remote verifier configuration
type VerifierConfig struct {
	BaseURL string `yaml:"base_url" envconfig:"BASE_URL"`
	Timeout int    `yaml:"timeout" envconfig:"TIMEOUT"` // seconds
	// RequestFallbacks are alternate request URL shapes tried in order when
	// the primary request URL answers 404. Placeholders: {base}, {sessionId}.
	RequestFallbacks []string `yaml:"request_fallbacks" envconfig:"REQUEST_FALLBACKS"`
	// Origin is sent in Annex C create requests when the caller has none.
	Origin   string     `yaml:"origin" envconfig:"ORIGIN"`
	Standard PollConfig `yaml:"standard" envconfig:"STANDARD"`
	AnnexC   PollConfig `yaml:"annex_c" envconfig:"ANNEX_C"`
}

// PollConfig controls the verification status polling of one protocol
type PollConfig struct {
	IntervalMS  int `yaml:"interval_ms" envconfig:"INTERVAL_MS"`
	MaxAttempts int `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS"`
}

// Interval returns the poll interval as a duration
func (c PollConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// TemplatesConfig locates the request template files (<id>-conf.json)
type TemplatesConfig struct {
	ConfigDir string `yaml:"config_dir" envconfig:"CONFIG_DIR"`
}

// MockConfig contains mock substrate configuration
type MockConfig struct {
	Enabled     bool   `yaml:"enabled" envconfig:"ENABLED"`
	FlagFile    string `yaml:"flag_file" envconfig:"FLAG_FILE"`
	FixturesDir string `yaml:"fixtures_dir" envconfig:"FIXTURES_DIR"` // optional, overrides embedded fixtures
	DCAPIDelay  int    `yaml:"dcapi_delay_ms" envconfig:"DCAPI_DELAY_MS"`
}

// SessionRegistryConfig contains latest-session registry configuration
type SessionRegistryConfig struct {
	// Type is the registry type: "memory" or "redis"
	Type  string      `yaml:"type" envconfig:"TYPE"`
	Redis RedisConfig `yaml:"redis" envconfig:"REDIS"`
	// TTLMinutes bounds how long a session id stays resolvable
	TTLMinutes int `yaml:"ttl_minutes" envconfig:"TTL_MINUTES"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Address   string `yaml:"address" envconfig:"ADDRESS"`
	Password  string `yaml:"password" envconfig:"PASSWORD"`
	DB        int    `yaml:"db" envconfig:"DB"`
	KeyPrefix string `yaml:"key_prefix" envconfig:"KEY_PREFIX"`
}

// StorageConfig contains flow history storage configuration
type StorageConfig struct {
	Type    string        `yaml:"type" envconfig:"TYPE"` // memory, mongodb
	MongoDB MongoDBConfig `yaml:"mongodb" envconfig:"MONGODB"`
}

// MongoDBConfig contains MongoDB-specific configuration
type MongoDBConfig struct {
	URI      string `yaml:"uri" envconfig:"URI"`
	Database string `yaml:"database" envconfig:"DATABASE"`
	Timeout  int    `yaml:"timeout" envconfig:"TIMEOUT"` // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" envconfig:"FORMAT"` // json, text
}

// RateLimitConfig limits session creation per client
type RateLimitConfig struct {
	Enabled       bool `yaml:"enabled" envconfig:"ENABLED"`
	MaxRequests   int  `yaml:"max_requests" envconfig:"MAX_REQUESTS"`
	WindowSeconds int  `yaml:"window_seconds" envconfig:"WINDOW_SECONDS"`
}

// SetDefaults fills zero values with defaults
func (c *RateLimitConfig) SetDefaults() {
	if c.MaxRequests <= 0 {
		c.MaxRequests = 30
	}
	if c.WindowSeconds <= 0 {
		c.WindowSeconds = 60
	}
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	cfg := defaultConfig()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// File doesn't exist, that's ok - we'll use defaults and env vars
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Legacy dev-server variables
	if v := os.Getenv("VERIFIER_BASE"); v != "" {
		cfg.Verifier.BaseURL = v
	}
	if v := os.Getenv("ALLOWED_HOSTS"); v != "" {
		cfg.Server.AllowedHosts = splitList(v)
	}

	if err := envconfig.Process("DC", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	cfg.Server.AllowedHosts = normalizeHosts(cfg.Server.AllowedHosts)
	cfg.Verifier.BaseURL = strings.TrimSuffix(cfg.Verifier.BaseURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns the default configuration
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			CORSOrigins: []string{"*"},
		},
		Verifier: VerifierConfig{
			BaseURL: DefaultVerifierBaseURL,
			Timeout: 30,
			RequestFallbacks: []string{
				"{base}/verification-session/{sessionId}/request?intentToRetain=false",
				"{base}/api/verification-session/{sessionId}/request",
				"{base}/verification-session/request?sessionId={sessionId}",
			},
			Standard: PollConfig{IntervalMS: 800, MaxAttempts: 5},
			AnnexC:   PollConfig{IntervalMS: 500, MaxAttempts: 10},
		},
		Templates: TemplatesConfig{
			ConfigDir: "config",
		},
		Mock: MockConfig{
			FlagFile:   ".dc-mock-enabled",
			DCAPIDelay: 200,
		},
		SessionRegistry: SessionRegistryConfig{
			Type:       "memory",
			TTLMinutes: 60,
			Redis: RedisConfig{
				Address:   "localhost:6379",
				KeyPrefix: "dc:session:",
			},
		},
		Storage: StorageConfig{
			Type: "memory",
			MongoDB: MongoDBConfig{
				URI:      "mongodb://localhost:27017",
				Database: "digital_credentials",
				Timeout:  10,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			MaxRequests:   30,
			WindowSeconds: 60,
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Verifier.BaseURL == "" {
		return fmt.Errorf("verifier base_url is required")
	}
	if !strings.HasPrefix(c.Verifier.BaseURL, "http://") && !strings.HasPrefix(c.Verifier.BaseURL, "https://") {
		return fmt.Errorf("verifier base_url must be an http(s) URL: %s", c.Verifier.BaseURL)
	}

	for name, p := range map[string]PollConfig{"standard": c.Verifier.Standard, "annex_c": c.Verifier.AnnexC} {
		if p.MaxAttempts < 1 {
			return fmt.Errorf("verifier %s max_attempts must be at least 1", name)
		}
		if p.IntervalMS < 0 {
			return fmt.Errorf("verifier %s interval_ms must not be negative", name)
		}
	}

	if c.SessionRegistry.Type != "memory" && c.SessionRegistry.Type != "redis" {
		return fmt.Errorf("invalid session registry type: %s (must be memory or redis)", c.SessionRegistry.Type)
	}
	if c.SessionRegistry.Type == "redis" && c.SessionRegistry.Redis.Address == "" {
		return fmt.Errorf("redis address is required when using the redis session registry")
	}

	if c.Storage.Type != "memory" && c.Storage.Type != "mongodb" {
		return fmt.Errorf("invalid storage type: %s (must be memory or mongodb)", c.Storage.Type)
	}
	if c.Storage.Type == "mongodb" && c.Storage.MongoDB.URI == "" {
		return fmt.Errorf("mongodb uri is required when using mongodb storage")
	}

	return nil
}

// Address returns the server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// VerifierTimeout returns the HTTP timeout for verifier calls
func (c *VerifierConfig) VerifierTimeout() time.Duration {
	if c.Timeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Timeout) * time.Second
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// normalizeHosts trims entries and appends the default demo host when a
// restriction list is configured.
func normalizeHosts(hosts []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	if len(out) > 0 && !seen[DefaultAllowedHost] {
		out = append(out, DefaultAllowedHost)
	}
	return out
}
