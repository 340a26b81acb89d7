// Package config handles loading and validating Terraphim RLM configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Backend names accepted in BackendPreference.
const (
	BackendDocker  = "docker"
	BackendProcess = "process"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultTimeBudgetMs       = 300_000 // 5 minutes per query.
	DefaultTokenBudget        = 100_000
	DefaultMaxIterations      = 100
	DefaultMaxRecursionDepth  = 5
	DefaultMaxSnapshots       = 10
	DefaultMaxExtensions      = 3
	DefaultSessionDuration    = time.Hour
	DefaultExtensionIncrement = 30 * time.Minute
)

// Config is the root configuration for the RLM orchestrator.
type Config struct {
	// BackendPreference is the ordered list of execution backends to probe.
	// The first healthy backend wins. Default: ["docker", "process"].
	BackendPreference []string `json:"backend_preference,omitempty" yaml:"backend_preference,omitempty"`

	// TimeBudgetMs is the wall-clock ceiling for a single query in milliseconds.
	TimeBudgetMs int64 `json:"time_budget_ms" yaml:"time_budget_ms"`

	// TokenBudget is the token ceiling for a single query.
	TokenBudget int64 `json:"token_budget" yaml:"token_budget"`

	// MaxIterations bounds the query loop.
	MaxIterations int `json:"max_iterations" yaml:"max_iterations"`

	// AllowRecursion enables QUERY_LLM nested calls inside the loop.
	AllowRecursion bool `json:"allow_recursion" yaml:"allow_recursion"`

	// MaxRecursionDepth bounds nested QUERY_LLM calls.
	MaxRecursionDepth int `json:"max_recursion_depth" yaml:"max_recursion_depth"`

	// MaxSnapshotsPerSession caps snapshots per session.
	MaxSnapshotsPerSession int `json:"max_snapshots_per_session" yaml:"max_snapshots_per_session"`

	// MaxExtensions caps how many times a session's expiry can be pushed forward.
	MaxExtensions int `json:"max_extensions" yaml:"max_extensions"`

	// SessionDuration is the initial session lifetime.
	SessionDuration time.Duration `json:"session_duration" yaml:"session_duration"`

	// ExtensionIncrement is added to the expiry per extension.
	ExtensionIncrement time.Duration `json:"extension_increment" yaml:"extension_increment"`

	// StrictParsing makes unparseable model output terminate the loop
	// instead of queueing a corrective retry.
	StrictParsing bool `json:"strict_parsing" yaml:"strict_parsing"`

	Validator     ValidatorConfig      `json:"validator" yaml:"validator"`
	Provider      ProviderConfig       `json:"provider" yaml:"provider"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	History       *HistoryConfig       `json:"history,omitempty" yaml:"history,omitempty"`             // nil = history disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ValidatorConfig controls the static pre-execution input check.
type ValidatorConfig struct {
	// Strictness: "permissive" (warn only), "normal" (default), "strict".
	Strictness string `json:"strictness" yaml:"strictness"`
}

// ProviderConfig configures the model-serving collaborator.
type ProviderConfig struct {
	// BaseURL of an OpenAI-compatible chat completions API.
	// Default: https://api.openai.com. For Ollama: http://localhost:11434.
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	// Model identifier sent to the provider.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`

	// APIKeyEnv names the environment variable holding the API key.
	// Default: RLM_API_KEY.
	APIKeyEnv string `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`

	// FallbackBaseURLs are tried in order when the primary provider fails.
	FallbackBaseURLs []string `json:"fallback_base_urls,omitempty" yaml:"fallback_base_urls,omitempty"`
}

// SandboxConfig tunes the reference execution backends.
type SandboxConfig struct {
	// Image for the docker backend. Default: rlm-runtime:latest.
	Image string `json:"image,omitempty" yaml:"image,omitempty"`

	// MemoryMB hard limit per execution. Default: 512.
	MemoryMB int `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`

	// CPUCores rate limit for the docker backend. Default: 1.0.
	CPUCores float64 `json:"cpu_cores,omitempty" yaml:"cpu_cores,omitempty"`

	// NetworkAllowed enables the network stack inside sandboxes. Default: false.
	NetworkAllowed bool `json:"network_allowed" yaml:"network_allowed"`

	// WorkDir is the root for process-backend session directories.
	// Default: os.TempDir()/terraphim-rlm.
	WorkDir string `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
}

// HistoryConfig configures the query-run audit store.
// When nil, query runs are not persisted.
type HistoryConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres".
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"` // Postgres DSN. Override: RLM_HISTORY_DSN.
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr,omitempty" yaml:"addr,omitempty"` // Default: ":9464".
	Path    string `json:"path,omitempty" yaml:"path,omitempty"` // Default: "/metrics".
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	ServiceName string  `json:"service_name,omitempty" yaml:"service_name,omitempty"` // Default: "terraphim-rlm".
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	Protocol    string  `json:"protocol,omitempty" yaml:"protocol,omitempty"` // "grpc" (default) or "http".
	Insecure    bool    `json:"insecure" yaml:"insecure"`
	SampleRate  float64 `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"` // Default: 1.0.
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{AllowRecursion: true}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads configuration from a YAML or JSON file, applies environment
// overrides and defaults, and validates the result.
// An empty path yields the default configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{AllowRecursion: true}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json":
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		}
	}

	cfg.applyEnvOverrides()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets RLM_* environment variables override file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RLM_BACKEND_PREFERENCE"); v != "" {
		c.BackendPreference = splitAndTrim(v)
	}
	if v := os.Getenv("RLM_TOKEN_BUDGET"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.TokenBudget = n
		}
	}
	if v := os.Getenv("RLM_TIME_BUDGET_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.TimeBudgetMs = n
		}
	}
	if v := os.Getenv("RLM_HISTORY_DSN"); v != "" {
		if c.History == nil {
			c.History = &HistoryConfig{Driver: "postgres"}
		}
		c.History.DSN = v
	}
}

// ApplyDefaults fills zero-valued fields with defaults.
func (c *Config) ApplyDefaults() {
	if len(c.BackendPreference) == 0 {
		c.BackendPreference = []string{BackendDocker, BackendProcess}
	}
	if c.TimeBudgetMs == 0 {
		c.TimeBudgetMs = DefaultTimeBudgetMs
	}
	if c.TokenBudget == 0 {
		c.TokenBudget = DefaultTokenBudget
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MaxRecursionDepth == 0 {
		c.MaxRecursionDepth = DefaultMaxRecursionDepth
	}
	if c.MaxSnapshotsPerSession == 0 {
		c.MaxSnapshotsPerSession = DefaultMaxSnapshots
	}
	if c.MaxExtensions == 0 {
		c.MaxExtensions = DefaultMaxExtensions
	}
	if c.SessionDuration == 0 {
		c.SessionDuration = DefaultSessionDuration
	}
	if c.ExtensionIncrement == 0 {
		c.ExtensionIncrement = DefaultExtensionIncrement
	}
	if c.Validator.Strictness == "" {
		c.Validator.Strictness = "normal"
	}
	if c.Provider.APIKeyEnv == "" {
		c.Provider.APIKeyEnv = "RLM_API_KEY"
	}
}

// Validate checks configuration invariants. Violations are fatal at
// construction time.
func (c *Config) Validate() error {
	if c.TimeBudgetMs <= 0 {
		return fmt.Errorf("config: time_budget_ms must be positive, got %d", c.TimeBudgetMs)
	}
	if c.TokenBudget <= 0 {
		return fmt.Errorf("config: token_budget must be positive, got %d", c.TokenBudget)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("config: max_iterations must be positive, got %d", c.MaxIterations)
	}
	if c.MaxRecursionDepth < 0 {
		return fmt.Errorf("config: max_recursion_depth must not be negative, got %d", c.MaxRecursionDepth)
	}
	if c.MaxSnapshotsPerSession < 0 {
		return fmt.Errorf("config: max_snapshots_per_session must not be negative, got %d", c.MaxSnapshotsPerSession)
	}
	if c.MaxExtensions < 0 {
		return fmt.Errorf("config: max_extensions must not be negative, got %d", c.MaxExtensions)
	}
	if c.SessionDuration <= 0 {
		return fmt.Errorf("config: session_duration must be positive, got %s", c.SessionDuration)
	}
	if len(c.BackendPreference) == 0 {
		return fmt.Errorf("config: backend_preference must not be empty")
	}
	for _, b := range c.BackendPreference {
		switch b {
		case BackendDocker, BackendProcess:
		default:
			return fmt.Errorf("config: unknown backend %q (known: %s, %s)", b, BackendDocker, BackendProcess)
		}
	}
	switch c.Validator.Strictness {
	case "permissive", "normal", "strict":
	default:
		return fmt.Errorf("config: unknown validator strictness %q", c.Validator.Strictness)
	}
	if c.History != nil {
		switch c.History.Driver {
		case "", "sqlite", "postgres":
		default:
			return fmt.Errorf("config: unknown history driver %q", c.History.Driver)
		}
		if c.History.Driver == "postgres" && c.History.DSN == "" {
			return fmt.Errorf("config: history driver postgres requires a dsn")
		}
	}
	return nil
}

// CommandTimeout returns the per-command timeout used inside the query
// loop: a tenth of the whole-query time budget.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.TimeBudgetMs/10) * time.Millisecond
}

// APIKey resolves the provider API key from the configured environment variable.
func (c *Config) APIKey() string {
	return os.Getenv(c.Provider.APIKeyEnv)
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
