package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// rawConfig is used for proper default handling of fields whose zero value
// is meaningful: deduplicate defaults to true, maxRetries of 0 disables retries
type rawConfig struct {
	Coordinator struct {
		Deduplicate *bool `json:"deduplicate" yaml:"deduplicate"`
		MaxRetries  *int  `json:"maxRetries" yaml:"maxRetries"`
	} `json:"coordinator" yaml:"coordinator"`
}

// Load reads and parses the configuration file.
// Files ending in .yaml or .yml are decoded as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data, isYAML(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration bytes, applies defaults and validates the result
func Parse(data []byte, asYAML bool) (*Config, error) {
	cfg := &Config{}
	var raw rawConfig

	if asYAML {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if raw.Coordinator.Deduplicate != nil {
		cfg.Coordinator.Deduplicate = *raw.Coordinator.Deduplicate
	} else {
		cfg.Coordinator.Deduplicate = DefaultDeduplicate
	}
	if raw.Coordinator.MaxRetries == nil {
		cfg.Coordinator.MaxRetries = DefaultMaxRetries
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.Coordinator.Deduplicate = DefaultDeduplicate
	cfg.Coordinator.MaxRetries = DefaultMaxRetries
	applyDefaults(cfg)
	return cfg
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}

	c := &cfg.Coordinator
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MinDelay == 0 {
		c.MinDelay = DefaultMinDelay
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}

	t := &cfg.Transport
	if t.Kind == "" {
		t.Kind = DefaultTransportKind
	}
	if t.MessageTimeout == 0 {
		t.MessageTimeout = DefaultMessageTimeout
	}
	if t.ReconnectInterval == 0 {
		t.ReconnectInterval = DefaultReconnectInterval
	}

	if cfg.Metrics != nil && cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = DefaultMetricsNamespace
	}

	for i := range cfg.Batches {
		if cfg.Batches[i].Method == "" {
			cfg.Batches[i].Method = "POST"
		}
	}
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	c := cfg.Coordinator
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("coordinator.maxBatchSize must be positive")
	}
	if c.MinDelay < 0 || c.MaxDelay < 0 {
		return fmt.Errorf("coordinator delays must be non-negative")
	}
	if c.DefaultTimeout < 0 {
		return fmt.Errorf("coordinator.defaultTimeout must be non-negative")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("coordinator.maxRetries must be non-negative")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("coordinator.retryDelay must be non-negative")
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("coordinator.maxConcurrent must be non-negative")
	}

	t := cfg.Transport
	switch t.Kind {
	case TransportHTTP:
	case TransportWS:
		if t.GatewayURL == "" {
			return errors.New("transport.gatewayUrl is required for ws transport")
		}
	default:
		return fmt.Errorf("transport.kind must be 'http' or 'ws'")
	}
	if t.RequestTimeout < 0 {
		return fmt.Errorf("transport.requestTimeout must be non-negative")
	}
	if t.IsRateLimitEnabled() && (t.RateLimit.RPS <= 0 || t.RateLimit.Burst <= 0) {
		return fmt.Errorf("transport.rateLimit rps and burst must be positive when enabled")
	}

	if cfg.IsCacheEnabled() {
		if cfg.Cache.TTL <= 0 {
			return fmt.Errorf("cache.ttl must be positive when cache is enabled")
		}
		if cfg.Cache.Size <= 0 {
			return fmt.Errorf("cache.size must be positive when cache is enabled")
		}
	}

	keys := make(map[string]bool)
	for i, b := range cfg.Batches {
		if b.Key == "" {
			return fmt.Errorf("batches[%d]: key is required", i)
		}
		if keys[b.Key] {
			return fmt.Errorf("batches[%d]: duplicate key '%s'", i, b.Key)
		}
		keys[b.Key] = true

		if b.URL == "" {
			return fmt.Errorf("batch '%s': url is required", b.Key)
		}
		switch b.Kind {
		case "graphql":
		case "rest":
			if b.IDField == "" {
				return fmt.Errorf("batch '%s': idField is required for rest batches", b.Key)
			}
		default:
			return fmt.Errorf("batch '%s': kind must be 'graphql' or 'rest'", b.Key)
		}
	}

	return nil
}
