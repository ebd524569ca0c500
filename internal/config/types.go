package config

import (
	"net"
	"strconv"
	"time"
)

// TransportKind selects the wire transport used for outbound calls
type TransportKind string

const (
	TransportHTTP TransportKind = "http"
	TransportWS   TransportKind = "ws"
)

// Config represents the main configuration structure
type Config struct {
	Host        string            `json:"host" yaml:"host"`
	Port        int               `json:"port" yaml:"port"`
	LogLevel    string            `json:"logLevel" yaml:"logLevel"`
	MaxBodySize int64             `json:"maxBodySize" yaml:"maxBodySize"`
	Coordinator CoordinatorConfig `json:"coordinator" yaml:"coordinator"`
	Transport   TransportConfig   `json:"transport" yaml:"transport"`
	Cache       *CacheConfig      `json:"cache,omitempty" yaml:"cache,omitempty"`
	Metrics     *MetricsConfig    `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Batches     []BatchConfig     `json:"batches,omitempty" yaml:"batches,omitempty"`
}

// CoordinatorConfig holds the options captured by the coordinator at construction.
// All durations are in milliseconds.
type CoordinatorConfig struct {
	MaxBatchSize   int  `json:"maxBatchSize" yaml:"maxBatchSize"`
	MaxDelay       int  `json:"maxDelay" yaml:"maxDelay"` // reserved ceiling, not enforced yet
	MinDelay       int  `json:"minDelay" yaml:"minDelay"` // debounce window before a time-triggered flush
	DefaultTimeout int  `json:"defaultTimeout" yaml:"defaultTimeout"`
	Deduplicate    bool `json:"deduplicate" yaml:"deduplicate"`
	MaxRetries     int  `json:"maxRetries" yaml:"maxRetries"`
	RetryDelay     int  `json:"retryDelay" yaml:"retryDelay"` // backoff base
	MaxConcurrent  int  `json:"maxConcurrent" yaml:"maxConcurrent"`
	DebugMode      bool `json:"debugMode" yaml:"debugMode"`
}

// TransportConfig configures the outbound sender
type TransportConfig struct {
	Kind              TransportKind         `json:"kind" yaml:"kind"`
	BaseURL           string                `json:"baseUrl" yaml:"baseUrl"`
	GatewayURL        string                `json:"gatewayUrl" yaml:"gatewayUrl"` // ws gateway, required for kind=ws
	RequestTimeout    int                   `json:"requestTimeout" yaml:"requestTimeout"`
	MessageTimeout    int                   `json:"messageTimeout" yaml:"messageTimeout"`
	ReconnectInterval int                   `json:"reconnectInterval" yaml:"reconnectInterval"`
	RateLimit         *RateLimitConfig      `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`
	CircuitBreaker    *CircuitBreakerConfig `json:"circuitBreaker,omitempty" yaml:"circuitBreaker,omitempty"`
}

// RateLimitConfig limits outbound calls per second
type RateLimitConfig struct {
	Enabled bool    `json:"enabled" yaml:"enabled"`
	RPS     float64 `json:"rps" yaml:"rps"`
	Burst   int     `json:"burst" yaml:"burst"`
}

// CircuitBreakerConfig configures the sender circuit breaker
type CircuitBreakerConfig struct {
	Enabled             bool `json:"enabled" yaml:"enabled"`
	FailureThreshold    int  `json:"failureThreshold" yaml:"failureThreshold"`
	RecoveryTimeout     int  `json:"recoveryTimeout" yaml:"recoveryTimeout"` // ms
	HalfOpenMaxRequests int  `json:"halfOpenMaxRequests" yaml:"halfOpenMaxRequests"`
}

// CacheConfig represents response cache configuration
type CacheConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	TTL     int  `json:"ttl" yaml:"ttl"`   // seconds
	Size    int  `json:"size" yaml:"size"` // number of entries
}

// MetricsConfig represents prometheus exposition configuration
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// BatchConfig binds a built-in transformer to a batch key
type BatchConfig struct {
	Key     string `json:"key" yaml:"key"`
	Kind    string `json:"kind" yaml:"kind"` // graphql | rest
	URL     string `json:"url" yaml:"url"`
	Method  string `json:"method" yaml:"method"`
	IDField string `json:"idField" yaml:"idField"` // rest only
}

// Default values
const (
	DefaultHost              = "localhost"
	DefaultPort              = 8090
	DefaultLogLevel          = "info"
	DefaultMaxBodySize       = int64(0) // 0 means no limit
	DefaultMaxBatchSize      = 10
	DefaultMaxDelay          = 50 // ms
	DefaultMinDelay          = 10 // ms
	DefaultTimeout           = 30000
	DefaultDeduplicate       = true
	DefaultMaxRetries        = 3
	DefaultRetryDelay        = 1000 // ms
	DefaultTransportKind     = TransportHTTP
	DefaultRequestTimeout    = 0     // ms - 0 leaves deadline to the per-request timer
	DefaultMessageTimeout    = 60000 // ms
	DefaultReconnectInterval = 5000  // ms
	DefaultMetricsNamespace  = "reqcoord"
	DefaultBatchKey          = "default"
)

// GetMaxDelayDuration returns the max delay as time.Duration
func (c *CoordinatorConfig) GetMaxDelayDuration() time.Duration {
	return time.Duration(c.MaxDelay) * time.Millisecond
}

// GetMinDelayDuration returns the debounce window as time.Duration
func (c *CoordinatorConfig) GetMinDelayDuration() time.Duration {
	return time.Duration(c.MinDelay) * time.Millisecond
}

// GetDefaultTimeoutDuration returns the default per-request timeout as time.Duration
func (c *CoordinatorConfig) GetDefaultTimeoutDuration() time.Duration {
	return time.Duration(c.DefaultTimeout) * time.Millisecond
}

// GetRetryDelayDuration returns the backoff base as time.Duration
func (c *CoordinatorConfig) GetRetryDelayDuration() time.Duration {
	return time.Duration(c.RetryDelay) * time.Millisecond
}

// GetRequestTimeoutDuration returns the transport-level timeout as time.Duration
func (c *TransportConfig) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

// GetMessageTimeoutDuration returns the WebSocket read timeout as time.Duration
func (c *TransportConfig) GetMessageTimeoutDuration() time.Duration {
	return time.Duration(c.MessageTimeout) * time.Millisecond
}

// GetReconnectIntervalDuration returns the WebSocket reconnect interval as time.Duration
func (c *TransportConfig) GetReconnectIntervalDuration() time.Duration {
	return time.Duration(c.ReconnectInterval) * time.Millisecond
}

// GetRecoveryTimeoutDuration returns the breaker recovery timeout as time.Duration
func (c *CircuitBreakerConfig) GetRecoveryTimeoutDuration() time.Duration {
	return time.Duration(c.RecoveryTimeout) * time.Millisecond
}

// GetTTLDuration returns cache TTL as time.Duration
func (c *CacheConfig) GetTTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Second
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// IsCacheEnabled returns true if cache is configured and enabled
func (c *Config) IsCacheEnabled() bool {
	return c.Cache != nil && c.Cache.Enabled
}

// IsMetricsEnabled returns true if metrics are configured and enabled
func (c *Config) IsMetricsEnabled() bool {
	return c.Metrics != nil && c.Metrics.Enabled
}

// IsRateLimitEnabled returns true if outbound rate limiting is enabled
func (c *TransportConfig) IsRateLimitEnabled() bool {
	return c.RateLimit != nil && c.RateLimit.Enabled
}

// IsCircuitBreakerEnabled returns true if the circuit breaker is enabled
func (c *TransportConfig) IsCircuitBreakerEnabled() bool {
	return c.CircuitBreaker != nil && c.CircuitBreaker.Enabled
}
