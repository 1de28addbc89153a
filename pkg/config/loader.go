package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	config     *Config
	configOnce sync.Once
	configErr  error
	configMu   sync.RWMutex
)

// Load parses the YAML config file once and caches it globally.
func Load(configPath string) (*Config, error) {
	configOnce.Do(func() {
		cfg, err := Parse(configPath)
		if err != nil {
			configErr = err
			return
		}
		configMu.Lock()
		config = cfg
		configMu.Unlock()
	})
	if configErr != nil {
		return nil, configErr
	}
	configMu.RLock()
	defer configMu.RUnlock()
	return config, nil
}

// Parse parses the YAML config file without touching the global cache.
func Parse(configPath string) (*Config, error) {
	// Resolve symlinks to handle Kubernetes ConfigMap mounts.
	resolved, _ := filepath.EvalSymlinks(configPath)
	if resolved == "" {
		resolved = configPath
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Replace replaces the globally cached config. Safe for concurrent readers.
func Replace(newCfg *Config) {
	configMu.Lock()
	config = newCfg
	configErr = nil
	configMu.Unlock()
}

// Get returns the current configuration.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return config
}

// Default returns a Config populated with working development defaults.
// Parse unmarshals on top of it so the YAML only needs to list overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               8080,
			ReadTimeoutSeconds: 30,
			IdleTimeoutSeconds: 60,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Provider: ProviderConfig{
			Name:        "openai",
			Model:       "gpt-4o-mini",
			Temperature: 0.7,
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow:    100,
			Window:               "hour",
			FailOpen:             true,
			MaxConcurrentStreams: 5,
		},
		Estimator: EstimatorConfig{
			TimeoutMillis: 500,
		},
		Experiments: ExperimentsConfig{
			ControlVariant:         "control",
			ControlPrompt:          "You are a helpful AI assistant. Provide detailed and informative responses.",
			RefreshIntervalSeconds: 30,
			InvalidationChannel:    "promptlab:experiments:invalidate",
		},
		Stream: StreamConfig{
			TimeoutSeconds:     120,
			IdleTimeoutSeconds: 60,
			HistoryLimit:       10,
		},
		Persistence: PersistenceConfig{
			QueueSize: 256,
		},
		Feedback: FeedbackConfig{
			DegradedThreshold: 15,
			MinSamples:        20,
		},
	}
}

// Validate checks cross-field constraints after parsing.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.RateLimit.Window {
	case "minute", "hour", "day":
	default:
		return fmt.Errorf("rate_limit.window %q must be one of minute, hour, day", c.RateLimit.Window)
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("rate_limit.requests_per_window must be positive")
	}
	if c.RateLimit.MaxConcurrentStreams <= 0 {
		return fmt.Errorf("rate_limit.max_concurrent_streams must be positive")
	}
	if c.Stream.IdleTimeoutSeconds <= 0 || c.Stream.TimeoutSeconds <= 0 {
		return fmt.Errorf("stream timeouts must be positive")
	}
	if c.Stream.IdleTimeoutSeconds > c.Stream.TimeoutSeconds {
		return fmt.Errorf("stream.idle_timeout_seconds %d exceeds stream.timeout_seconds %d",
			c.Stream.IdleTimeoutSeconds, c.Stream.TimeoutSeconds)
	}
	if c.Experiments.ControlVariant == "" {
		return fmt.Errorf("experiments.control_variant must not be empty")
	}
	if c.Estimator.RemoteURL != "" && c.Estimator.TimeoutMillis <= 0 {
		return fmt.Errorf("estimator.timeout_ms must be positive when remote_url is set")
	}
	switch c.Provider.Name {
	case "openai", "mock":
	default:
		return fmt.Errorf("provider.name %q must be openai or mock", c.Provider.Name)
	}
	return nil
}
