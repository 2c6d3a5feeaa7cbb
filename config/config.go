// Package config loads gateway configuration from the environment with an
// optional YAML overlay for event topic names. Values are read once at startup
// and threaded through explicit dependency wiring; nothing in this package is
// a mutable global.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config carries all process-level settings.
	Config struct {
		// MongoURI is the connection string for the document store.
		MongoURI string
		// MongoDatabase is the database holding all collections.
		MongoDatabase string
		// HTTPPort is the port the gateway listens on.
		HTTPPort int
		// CORSOrigin is the allowed origin for browser clients. "*" permits all.
		CORSOrigin string

		// RedisAddr is the address of the Redis instance backing the event fabric.
		RedisAddr string
		// RedisPassword is optional.
		RedisPassword string
		// EventsEnabled toggles the event fabric. When false the bus degrades to
		// no-op publishes and the gateway invokes tools synchronously.
		EventsEnabled bool
		// Topics names the four logical topics.
		Topics Topics
		// PublishRate caps outgoing event publishes per second. Zero leaves
		// the producer unthrottled.
		PublishRate float64

		// OpenAIKey authenticates the worker's generative model client.
		OpenAIKey string
		// ModelTimeout bounds a single generative call.
		ModelTimeout time.Duration

		// OAuthClientID, OAuthClientSecret, and OAuthRedirectURI configure the
		// token refresh flow for per-server OAuth.
		OAuthClientID     string
		OAuthClientSecret string
		OAuthRedirectURI  string
		// EncryptionSecret feeds scrypt key derivation for the token vault.
		// Required when OAuth is configured.
		EncryptionSecret string

		// DiscoveryTimeout bounds stdio tool discovery during publish.
		DiscoveryTimeout time.Duration
	}

	// Topics holds the configurable topic names. Logical roles are fixed; only
	// the names vary across deployments.
	Topics struct {
		Request string `yaml:"request"`
		Result  string `yaml:"result"`
		Fanout  string `yaml:"fanout"`
		DLQ     string `yaml:"dlq"`
	}
)

// Default values applied when the environment leaves a setting empty.
const (
	DefaultHTTPPort         = 8080
	DefaultModelTimeout     = 120 * time.Second
	DefaultDiscoveryTimeout = 30 * time.Second
)

// DefaultTopics returns the topic names used when no override is supplied.
func DefaultTopics() Topics {
	return Topics{
		Request: "design.requests",
		Result:  "design.results",
		Fanout:  "mcp.events.all",
		DLQ:     "mcp.events.dlq",
	}
}

// Load reads configuration from the environment. topicsFile optionally points
// to a YAML file overriding topic names; an empty path skips the overlay.
func Load(topicsFile string) (*Config, error) {
	cfg := &Config{
		MongoURI:          os.Getenv("DATABASE_URL"),
		MongoDatabase:     envOr("DATABASE_NAME", "mcp_gateway"),
		CORSOrigin:        envOr("CORS_ORIGIN", "*"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		OAuthClientID:     os.Getenv("OAUTH_CLIENT_ID"),
		OAuthClientSecret: os.Getenv("OAUTH_CLIENT_SECRET"),
		OAuthRedirectURI:  os.Getenv("OAUTH_REDIRECT_URI"),
		EncryptionSecret:  os.Getenv("ENCRYPTION_SECRET"),
		Topics:            DefaultTopics(),
		ModelTimeout:      DefaultModelTimeout,
		DiscoveryTimeout:  DefaultDiscoveryTimeout,
	}

	cfg.HTTPPort = DefaultHTTPPort
	if p := os.Getenv("PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid PORT %q", p)
		}
		cfg.HTTPPort = port
	}

	cfg.EventsEnabled = boolEnv("ENABLE_EVENT_BUS", true)

	if r := os.Getenv("PUBLISH_RATE"); r != "" {
		rate, err := strconv.ParseFloat(r, 64)
		if err != nil || rate < 0 {
			return nil, fmt.Errorf("invalid PUBLISH_RATE %q", r)
		}
		cfg.PublishRate = rate
	}

	if d := os.Getenv("MODEL_TIMEOUT"); d != "" {
		t, err := time.ParseDuration(d)
		if err != nil {
			return nil, fmt.Errorf("invalid MODEL_TIMEOUT %q: %w", d, err)
		}
		cfg.ModelTimeout = t
	}
	if d := os.Getenv("DISCOVERY_TIMEOUT"); d != "" {
		t, err := time.ParseDuration(d)
		if err != nil {
			return nil, fmt.Errorf("invalid DISCOVERY_TIMEOUT %q: %w", d, err)
		}
		cfg.DiscoveryTimeout = t
	}

	if topicsFile != "" {
		if err := cfg.loadTopics(topicsFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadTopics applies topic name overrides from a YAML file. Unset fields keep
// their defaults.
func (c *Config) loadTopics(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read topics file: %w", err)
	}
	var overlay Topics
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("parse topics file: %w", err)
	}
	if overlay.Request != "" {
		c.Topics.Request = overlay.Request
	}
	if overlay.Result != "" {
		c.Topics.Result = overlay.Result
	}
	if overlay.Fanout != "" {
		c.Topics.Fanout = overlay.Fanout
	}
	if overlay.DLQ != "" {
		c.Topics.DLQ = overlay.DLQ
	}
	return nil
}

// Validate reports every missing required setting at once so operators fix
// them in a single pass.
func (c *Config) Validate() error {
	var errs []error
	if c.MongoURI == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.EventsEnabled && c.RedisAddr == "" {
		errs = append(errs, errors.New("REDIS_ADDR is required when the event bus is enabled"))
	}
	if c.OAuthClientID != "" && c.EncryptionSecret == "" {
		errs = append(errs, errors.New("ENCRYPTION_SECRET is required when OAuth is configured"))
	}
	return errors.Join(errs...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func boolEnv(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
