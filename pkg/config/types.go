package config

import "time"

// Config is the root configuration for the PromptLab backend. It is loaded
// once from YAML at startup and replaced wholesale on reload; request
// handlers only ever see one consistent snapshot.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Redis       RedisConfig       `yaml:"redis"`
	Provider    ProviderConfig    `yaml:"provider"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Estimator   EstimatorConfig   `yaml:"estimator"`
	Experiments ExperimentsConfig `yaml:"experiments"`
	Stream      StreamConfig      `yaml:"stream"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Feedback    FeedbackConfig    `yaml:"feedback"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port               int `yaml:"port"`
	ReadTimeoutSeconds int `yaml:"read_timeout_seconds"`
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`
}

// RedisConfig is the shared store used by the rate limiter and the
// experiment registry. The password comes from REDIS_PASSWORD, never YAML.
type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// ProviderConfig selects the generative model provider.
type ProviderConfig struct {
	// Name is the provider implementation: "openai" or "mock".
	Name string `yaml:"name"`
	// BaseURL overrides the provider endpoint (empty = provider default).
	BaseURL string `yaml:"base_url"`
	// Model is the default model for chat exchanges.
	Model string `yaml:"model"`
	// Temperature is the sampling temperature passed through to the provider.
	Temperature float64 `yaml:"temperature"`
}

// RateLimitConfig controls per-user admission.
type RateLimitConfig struct {
	// RequestsPerWindow is the default quota when a user has no explicit limit.
	RequestsPerWindow int `yaml:"requests_per_window"`
	// Window is the fixed-window granularity ("minute", "hour", "day").
	Window string `yaml:"window"`
	// FailOpen admits requests when the shared store is unreachable,
	// falling back to a best-effort per-process counter.
	FailOpen bool `yaml:"fail_open"`
	// MaxConcurrentStreams caps simultaneous open streams per user.
	MaxConcurrentStreams int `yaml:"max_concurrent_streams"`
}

// EstimatorConfig controls token estimation.
type EstimatorConfig struct {
	// RemoteURL points at the high-throughput token counter service.
	// Empty disables the remote path entirely.
	RemoteURL string `yaml:"remote_url"`
	// TimeoutMillis bounds remote estimator calls; keep this short so a
	// slow estimator never stalls admission.
	TimeoutMillis int `yaml:"timeout_ms"`
	// UseTiktoken switches the local estimator from the character
	// heuristic to BPE encoding via tiktoken.
	UseTiktoken bool `yaml:"use_tiktoken"`
}

// ExperimentsConfig controls A/B experiment evaluation.
type ExperimentsConfig struct {
	// ControlVariant is the variant served when no experiment applies.
	ControlVariant string `yaml:"control_variant"`
	// ControlPrompt is the system prompt used with the control variant.
	ControlPrompt string `yaml:"control_prompt"`
	// ActiveKey pins the experiment evaluated for chat requests; empty
	// auto-selects the first active experiment in the registry.
	ActiveKey string `yaml:"active_key"`
	// RefreshIntervalSeconds is the periodic snapshot refresh backstop;
	// pub/sub invalidation normally propagates changes much faster.
	RefreshIntervalSeconds int `yaml:"refresh_interval_seconds"`
	// InvalidationChannel is the Redis pub/sub channel for registry
	// invalidation broadcasts.
	InvalidationChannel string `yaml:"invalidation_channel"`
}

// StreamConfig bounds streaming exchanges.
type StreamConfig struct {
	// TimeoutSeconds caps the total duration of one exchange.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// IdleTimeoutSeconds bounds a single wait for the next provider chunk;
	// it is also the latency bound for detecting a disconnected client.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`
	// HistoryLimit is how many prior messages are replayed into the prompt.
	HistoryLimit int `yaml:"history_limit"`
}

// PersistenceConfig tunes the durable store for exchanges and feedback.
// The Postgres DSN comes from DATABASE_URL; when unset an in-memory store
// is used (single replica, development only).
type PersistenceConfig struct {
	// QueueSize is the buffered write queue between the orchestrator and
	// the store; writes are async so finalization never blocks on the DB.
	QueueSize int `yaml:"queue_size"`
}

// FeedbackConfig controls the approval-rate aggregate.
type FeedbackConfig struct {
	// DegradedThreshold flags a variant whose approval rate falls this far
	// below the control variant's (absolute percentage points).
	DegradedThreshold float64 `yaml:"degraded_threshold"`
	// MinSamples is the number of ratings required before the degraded
	// signal is considered meaningful.
	MinSamples int `yaml:"min_samples"`
}

// WindowDuration maps the configured window granularity to a duration.
func (c *RateLimitConfig) WindowDuration() time.Duration {
	switch c.Window {
	case "minute":
		return time.Minute
	case "day":
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// Timeout returns the remote estimator call budget.
func (c *EstimatorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMillis) * time.Millisecond
}

// RefreshInterval returns the registry refresh backstop period.
func (c *ExperimentsConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

// Timeout returns the overall stream budget.
func (c *StreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// IdleTimeout returns the per-chunk read budget.
func (c *StreamConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}
