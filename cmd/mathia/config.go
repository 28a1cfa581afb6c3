package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"mathia.chat/mathia/runtime/keystore"
)

// Environment variable names for secrets. Everything else comes from the
// YAML config file.
const (
	envMasterKey    = "MATHIA_MASTER_KEY"
	envAnthropicKey = "ANTHROPIC_API_KEY"
	envOpenAIKey    = "OPENAI_API_KEY"
	envMongoURI     = "MATHIA_MONGO_URI"
	envRedisAddr    = "MATHIA_REDIS_ADDR"
)

type (
	// Config is the YAML-backed service configuration. Secrets are never
	// stored here; they arrive through the environment.
	Config struct {
		Listen string `yaml:"listen"`

		Mongo struct {
			URI      string `yaml:"uri"`
			Database string `yaml:"database"`
		} `yaml:"mongo"`

		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`

		S3 struct {
			Bucket        string `yaml:"bucket"`
			Region        string `yaml:"region"`
			PublicBaseURL string `yaml:"public_base_url"`
			Prefix        string `yaml:"prefix"`
		} `yaml:"s3"`

		Models struct {
			Anthropic struct {
				Model     string `yaml:"model"`
				MaxTokens int    `yaml:"max_tokens"`
			} `yaml:"anthropic"`
			OpenAI struct {
				Model string `yaml:"model"`
			} `yaml:"openai"`
			// TokensPerMinute seeds the adaptive provider budget.
			TokensPerMinute    float64 `yaml:"tokens_per_minute"`
			MaxTokensPerMinute float64 `yaml:"max_tokens_per_minute"`
		} `yaml:"models"`

		Keys struct {
			// Legacy holds previous base64 master keys, newest first, so
			// envelopes wrapped before a rotation still unwrap.
			Legacy []string `yaml:"legacy"`
		} `yaml:"keys"`

		Quota struct {
			Limit  int           `yaml:"limit"`
			Window time.Duration `yaml:"window"`
		} `yaml:"quota"`

		Upstream struct {
			InfoBaseURL      string        `yaml:"info_base_url"`
			TravelBaseURL    string        `yaml:"travel_base_url"`
			CalendarBaseURL  string        `yaml:"calendar_base_url"`
			MessagingBaseURL string        `yaml:"messaging_base_url"`
			APIKey           string        `yaml:"api_key"`
			Timeout          time.Duration `yaml:"timeout"`
		} `yaml:"upstream"`

		// Webhooks maps provider name to the environment variable holding
		// its HMAC secret.
		Webhooks map[string]string `yaml:"webhooks"`
	}

	// secrets is the environment-sourced material resolved at startup.
	secrets struct {
		masterKey      []byte
		legacyKeys     [][]byte
		anthropicKey   string
		openaiKey      string
		webhookSecrets map[string][]byte
	}
)

// loadConfig reads and validates the YAML file at path.
func loadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides lets 12-factor deployments point at their backends
// without editing the file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(envMongoURI); v != "" {
		c.Mongo.URI = v
	}
	if v := os.Getenv(envRedisAddr); v != "" {
		c.Redis.Addr = v
	}
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "mathia"
	}
	if c.Models.Anthropic.Model == "" {
		c.Models.Anthropic.Model = "claude-sonnet-4-5"
	}
	if c.Models.OpenAI.Model == "" {
		c.Models.OpenAI.Model = "gpt-4o-mini"
	}
	if c.Upstream.Timeout <= 0 {
		c.Upstream.Timeout = 10 * time.Second
	}
}

// Validate reports the first missing required setting.
func (c *Config) Validate() error {
	switch {
	case c.Mongo.URI == "":
		return errors.New("config: mongo.uri is required")
	case c.Redis.Addr == "":
		return errors.New("config: redis.addr is required")
	case c.S3.Bucket == "":
		return errors.New("config: s3.bucket is required")
	case c.S3.PublicBaseURL == "":
		return errors.New("config: s3.public_base_url is required")
	}
	return nil
}

// loadSecrets resolves key material from the environment.
func loadSecrets(cfg *Config) (*secrets, error) {
	s := &secrets{
		anthropicKey:   os.Getenv(envAnthropicKey),
		openaiKey:      os.Getenv(envOpenAIKey),
		webhookSecrets: make(map[string][]byte),
	}
	raw := os.Getenv(envMasterKey)
	if raw == "" {
		return nil, fmt.Errorf("%s is required", envMasterKey)
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid base64: %w", envMasterKey, err)
	}
	if len(key) != keystore.KeySize {
		return nil, fmt.Errorf("%s must decode to %d bytes", envMasterKey, keystore.KeySize)
	}
	s.masterKey = key

	for i, legacy := range cfg.Keys.Legacy {
		decoded, err := base64.StdEncoding.DecodeString(legacy)
		if err != nil {
			return nil, fmt.Errorf("keys.legacy[%d] is not valid base64: %w", i, err)
		}
		s.legacyKeys = append(s.legacyKeys, decoded)
	}

	for provider, envName := range cfg.Webhooks {
		secret := os.Getenv(envName)
		if secret == "" {
			return nil, fmt.Errorf("webhook secret %s for provider %q is not set", envName, provider)
		}
		s.webhookSecrets[provider] = []byte(secret)
	}
	if s.anthropicKey == "" {
		return nil, fmt.Errorf("%s is required", envAnthropicKey)
	}
	if s.openaiKey == "" {
		return nil, fmt.Errorf("%s is required", envOpenAIKey)
	}
	return s, nil
}
