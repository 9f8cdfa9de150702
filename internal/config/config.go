// Package config handles configuration loading and management for switchboard.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides (SWITCHBOARD_CACHE_MAX_SIZE etc).
const EnvPrefix = "SWITCHBOARD"

// Config holds all configuration for switchboard.
type Config struct {
	Anthropic    AnthropicConfig    `mapstructure:"anthropic"`
	Embedding    EmbeddingConfig    `mapstructure:"embedding"`
	Store        StoreConfig        `mapstructure:"store"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Tracer       TracerConfig       `mapstructure:"tracer"`
	Router       RouterConfig       `mapstructure:"router"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Skills       SkillsConfig       `mapstructure:"skills"`
	Server       ServerConfig       `mapstructure:"server"`
	Notify       NotifyConfig       `mapstructure:"notify"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Log          LogConfig          `mapstructure:"log"`
}

// AnthropicConfig holds generation provider settings.
type AnthropicConfig struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int64  `mapstructure:"max_tokens"`
	// UseBedrock routes calls through AWS Bedrock using the default credential chain.
	UseBedrock bool   `mapstructure:"use_bedrock"`
	Region     string `mapstructure:"region"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	// Provider is "hash" (offline feature hashing) or "http" (OpenAI-compatible endpoint).
	Provider   string `mapstructure:"provider"`
	URL        string `mapstructure:"url"`
	Model      string `mapstructure:"model"`
	APIKey     string `mapstructure:"api_key"`
	Dimensions int    `mapstructure:"dimensions"`
}

// StoreConfig selects the durable tier.
type StoreConfig struct {
	// Driver is "sqlite" or "redis".
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	RedisURL string `mapstructure:"redis_url"`
	Prefix   string `mapstructure:"prefix"`
}

// CacheConfig holds fast-tier settings.
type CacheConfig struct {
	MaxSize       int           `mapstructure:"max_size"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
}

// BreakerPolicy holds the tunables for one circuit breaker.
// Zero fields inherit from the defaults.
type BreakerPolicy struct {
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	HalfOpenSuccesses int           `mapstructure:"half_open_successes"`
	HalfOpenMaxCalls  int           `mapstructure:"half_open_max_calls"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// BreakerConfig holds the default breaker policy plus per-dependency overrides.
type BreakerConfig struct {
	BreakerPolicy `mapstructure:",squash"`
	Overrides     map[string]BreakerPolicy `mapstructure:"overrides"`
}

// PolicyFor returns the effective policy for the named dependency.
func (b BreakerConfig) PolicyFor(name string) BreakerPolicy {
	p := b.BreakerPolicy
	o, ok := b.Overrides[strings.ToLower(name)]
	if !ok {
		return p
	}
	if o.FailureThreshold > 0 {
		p.FailureThreshold = o.FailureThreshold
	}
	if o.HalfOpenSuccesses > 0 {
		p.HalfOpenSuccesses = o.HalfOpenSuccesses
	}
	if o.HalfOpenMaxCalls > 0 {
		p.HalfOpenMaxCalls = o.HalfOpenMaxCalls
	}
	if o.Cooldown > 0 {
		p.Cooldown = o.Cooldown
	}
	if o.Timeout > 0 {
		p.Timeout = o.Timeout
	}
	return p
}

// TracerConfig holds trace sampling and retention settings.
type TracerConfig struct {
	SampleRate   float64       `mapstructure:"sample_rate"`
	MaxCalls     int           `mapstructure:"max_calls"`
	PreviewChars int           `mapstructure:"preview_chars"`
	TTL          time.Duration `mapstructure:"ttl"`
}

// RouterConfig holds skill routing settings.
type RouterConfig struct {
	MinScore      float64       `mapstructure:"min_score"`
	Limit         int           `mapstructure:"limit"`
	RouteCacheTTL time.Duration `mapstructure:"route_cache_ttl"`
	// FallbackMinOverlap is the minimum number of shared keywords for a fallback match.
	FallbackMinOverlap int `mapstructure:"fallback_min_overlap"`
}

// OrchestratorConfig holds request execution settings.
type OrchestratorConfig struct {
	MaxParallel   int           `mapstructure:"max_parallel"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBase     time.Duration `mapstructure:"retry_base"`
	RetryMax      time.Duration `mapstructure:"retry_max"`
	HistoryTurns  int           `mapstructure:"history_turns"`
	HistoryTTL    time.Duration `mapstructure:"history_ttl"`
}

// SkillsConfig locates the capability catalogue.
type SkillsConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

// ServerConfig holds admin HTTP settings.
type ServerConfig struct {
	Addr    string `mapstructure:"addr"`
	Metrics bool   `mapstructure:"metrics"`
}

// NotifyConfig holds progress notifier settings. An empty NATSURL selects the console.
type NotifyConfig struct {
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

// TelemetryConfig holds OpenTelemetry exporter settings.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Exporter is "stdout" or "otlp".
	Exporter string `mapstructure:"exporter"`
	Endpoint string `mapstructure:"endpoint"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (SWITCHBOARD_*, ANTHROPIC_API_KEY)
// 2. Project config (.switchboard.yaml in current directory or parent)
// 3. User config (~/.config/switchboard/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific path. Environment
// overrides still apply.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", EnvPrefix+"_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.Embedding.APIKey = expandEnv(cfg.Embedding.APIKey)
	cfg.Store.Path = expandHome(cfg.Store.Path)
	cfg.Skills.Dir = expandHome(cfg.Skills.Dir)

	lower := make(map[string]BreakerPolicy, len(cfg.Breaker.Overrides))
	for name, p := range cfg.Breaker.Overrides {
		lower[strings.ToLower(name)] = p
	}
	cfg.Breaker.Overrides = lower

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	switch c.Embedding.Provider {
	case "hash", "http":
	default:
		return fmt.Errorf("embedding.provider: unknown provider %q", c.Embedding.Provider)
	}
	if c.Tracer.SampleRate < 0 || c.Tracer.SampleRate > 1 {
		return fmt.Errorf("tracer.sample_rate: %v is outside [0,1]", c.Tracer.SampleRate)
	}
	if c.Router.MinScore < 0 || c.Router.MinScore > 1 {
		return fmt.Errorf("router.min_score: %v is outside [0,1]", c.Router.MinScore)
	}
	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache.max_size: must be positive, got %d", c.Cache.MaxSize)
	}
	if c.Orchestrator.MaxParallel <= 0 {
		return fmt.Errorf("orchestrator.max_parallel: must be positive, got %d", c.Orchestrator.MaxParallel)
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.HalfOpenSuccesses <= 0 {
		return fmt.Errorf("breaker: thresholds must be positive")
	}
	if c.Breaker.HalfOpenMaxCalls < 0 {
		return fmt.Errorf("breaker.half_open_max_calls: must not be negative, got %d", c.Breaker.HalfOpenMaxCalls)
	}
	return nil
}

// Save writes the configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return SaveTo(cfg, filepath.Join(userConfigDir, "config.yaml"))
}

// SaveTo writes the configuration to path as YAML.
func SaveTo(cfg *Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	for key, value := range Flatten(cfg) {
		v.Set(key, value)
	}
	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Flatten returns cfg as dotted keys, the same keys accepted by Load.
// Durations are rendered as strings.
func Flatten(cfg *Config) map[string]any {
	m := map[string]any{
		"anthropic.api_key":                 cfg.Anthropic.APIKey,
		"anthropic.model":                   cfg.Anthropic.Model,
		"anthropic.max_tokens":              cfg.Anthropic.MaxTokens,
		"anthropic.use_bedrock":             cfg.Anthropic.UseBedrock,
		"anthropic.region":                  cfg.Anthropic.Region,
		"embedding.provider":                cfg.Embedding.Provider,
		"embedding.url":                     cfg.Embedding.URL,
		"embedding.model":                   cfg.Embedding.Model,
		"embedding.api_key":                 cfg.Embedding.APIKey,
		"embedding.dimensions":              cfg.Embedding.Dimensions,
		"store.driver":                      cfg.Store.Driver,
		"store.path":                        cfg.Store.Path,
		"store.redis_url":                   cfg.Store.RedisURL,
		"store.prefix":                      cfg.Store.Prefix,
		"cache.max_size":                    cfg.Cache.MaxSize,
		"cache.sweep_interval":              cfg.Cache.SweepInterval.String(),
		"cache.default_ttl":                 cfg.Cache.DefaultTTL.String(),
		"breaker.failure_threshold":         cfg.Breaker.FailureThreshold,
		"breaker.half_open_successes":       cfg.Breaker.HalfOpenSuccesses,
		"breaker.half_open_max_calls":       cfg.Breaker.HalfOpenMaxCalls,
		"breaker.cooldown":                  cfg.Breaker.Cooldown.String(),
		"breaker.timeout":                   cfg.Breaker.Timeout.String(),
		"tracer.sample_rate":                cfg.Tracer.SampleRate,
		"tracer.max_calls":                  cfg.Tracer.MaxCalls,
		"tracer.preview_chars":              cfg.Tracer.PreviewChars,
		"tracer.ttl":                        cfg.Tracer.TTL.String(),
		"router.min_score":                  cfg.Router.MinScore,
		"router.limit":                      cfg.Router.Limit,
		"router.route_cache_ttl":            cfg.Router.RouteCacheTTL.String(),
		"router.fallback_min_overlap":       cfg.Router.FallbackMinOverlap,
		"orchestrator.max_parallel":         cfg.Orchestrator.MaxParallel,
		"orchestrator.retry_attempts":       cfg.Orchestrator.RetryAttempts,
		"orchestrator.retry_base":           cfg.Orchestrator.RetryBase.String(),
		"orchestrator.retry_max":            cfg.Orchestrator.RetryMax.String(),
		"orchestrator.history_turns":        cfg.Orchestrator.HistoryTurns,
		"orchestrator.history_ttl":          cfg.Orchestrator.HistoryTTL.String(),
		"skills.dir":                        cfg.Skills.Dir,
		"skills.watch":                      cfg.Skills.Watch,
		"server.addr":                       cfg.Server.Addr,
		"server.metrics":                    cfg.Server.Metrics,
		"notify.nats_url":                   cfg.Notify.NATSURL,
		"notify.subject":                    cfg.Notify.Subject,
		"telemetry.enabled":                 cfg.Telemetry.Enabled,
		"telemetry.exporter":                cfg.Telemetry.Exporter,
		"telemetry.endpoint":                cfg.Telemetry.Endpoint,
		"log.level":                         cfg.Log.Level,
		"log.format":                        cfg.Log.Format,
	}
	for name, p := range cfg.Breaker.Overrides {
		prefix := "breaker.overrides." + name + "."
		if p.FailureThreshold > 0 {
			m[prefix+"failure_threshold"] = p.FailureThreshold
		}
		if p.HalfOpenSuccesses > 0 {
			m[prefix+"half_open_successes"] = p.HalfOpenSuccesses
		}
		if p.HalfOpenMaxCalls > 0 {
			m[prefix+"half_open_max_calls"] = p.HalfOpenMaxCalls
		}
		if p.Cooldown > 0 {
			m[prefix+"cooldown"] = p.Cooldown.String()
		}
		if p.Timeout > 0 {
			m[prefix+"timeout"] = p.Timeout.String()
		}
	}
	return m
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// DataDir returns the directory holding the default sqlite database and catalogue.
func DataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "switchboard")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".switchboard")
	}
	return filepath.Join(home, ".local", "share", "switchboard")
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()
	for key, value := range Flatten(d) {
		v.SetDefault(key, value)
	}
}

// getUserConfigDir returns the XDG config directory for switchboard.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "switchboard")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "switchboard")
	}
	return filepath.Join(home, ".config", "switchboard")
}

// findProjectConfig searches for .switchboard.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".switchboard.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Default returns a Config with default values.
func Default() *Config {
	dataDir := DataDir()
	return &Config{
		Anthropic: AnthropicConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
			Region:    "us-east-1",
		},
		Embedding: EmbeddingConfig{
			Provider:   "hash",
			Model:      "text-embedding-3-small",
			Dimensions: 256,
		},
		Store: StoreConfig{
			Driver:   "sqlite",
			Path:     filepath.Join(dataDir, "switchboard.db"),
			RedisURL: "redis://localhost:6379/0",
			Prefix:   "switchboard",
		},
		Cache: CacheConfig{
			MaxSize:       10000,
			SweepInterval: 5 * time.Minute,
			DefaultTTL:    time.Hour,
		},
		Breaker: BreakerConfig{
			BreakerPolicy: BreakerPolicy{
				FailureThreshold:  5,
				HalfOpenSuccesses: 2,
				HalfOpenMaxCalls:  2,
				Cooldown:          30 * time.Second,
				Timeout:           30 * time.Second,
			},
			Overrides: map[string]BreakerPolicy{},
		},
		Tracer: TracerConfig{
			SampleRate:   0.1,
			MaxCalls:     100,
			PreviewChars: 500,
			TTL:          7 * 24 * time.Hour,
		},
		Router: RouterConfig{
			MinScore:           0.7,
			Limit:              3,
			RouteCacheTTL:      10 * time.Minute,
			FallbackMinOverlap: 1,
		},
		Orchestrator: OrchestratorConfig{
			MaxParallel:   4,
			RetryAttempts: 3,
			RetryBase:     200 * time.Millisecond,
			RetryMax:      2 * time.Second,
			HistoryTurns:  6,
			HistoryTTL:    24 * time.Hour,
		},
		Skills: SkillsConfig{
			Dir:   filepath.Join(dataDir, "skills"),
			Watch: true,
		},
		Server: ServerConfig{
			Addr:    ":8080",
			Metrics: true,
		},
		Notify: NotifyConfig{
			Subject: "switchboard.progress",
		},
		Telemetry: TelemetryConfig{
			Exporter: "stdout",
			Endpoint: "localhost:4317",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
