package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Agent     AgentConfig     `mapstructure:"agent" yaml:"agent"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts" yaml:"artifacts"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the headless browser sessions.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	DisableCache      bool          `mapstructure:"disable_cache" yaml:"disable_cache"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	ViewportWidth     int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	PostLoadWait      time.Duration `mapstructure:"post_load_wait" yaml:"post_load_wait"`
}

// AgentConfig tunes the perception and decision loop.
type AgentConfig struct {
	// MaxSteps caps the number of perceive-decide-act-observe cycles per
	// episode. Reaching it ends the episode as done with partial success.
	MaxSteps          int `mapstructure:"max_steps" yaml:"max_steps"`
	MaxActionsPerStep int `mapstructure:"max_actions_per_step" yaml:"max_actions_per_step"`

	// ContextTokenBudget bounds the conversation window handed to the model.
	ContextTokenBudget int `mapstructure:"context_token_budget" yaml:"context_token_budget"`
	// EpisodeTokenBudget bounds total provider token usage. Zero disables.
	EpisodeTokenBudget int `mapstructure:"episode_token_budget" yaml:"episode_token_budget"`

	// ViewportExpansion widens the pruning viewport by this fraction of the
	// window height above and below. Negative disables pruning entirely.
	ViewportExpansion float64 `mapstructure:"viewport_expansion" yaml:"viewport_expansion"`
	MaxFrameDepth     int     `mapstructure:"max_frame_depth" yaml:"max_frame_depth"`
	MaxTextLength     int     `mapstructure:"max_text_length" yaml:"max_text_length"`

	ExtractionTimeout time.Duration `mapstructure:"extraction_timeout" yaml:"extraction_timeout"`
	DecisionTimeout   time.Duration `mapstructure:"decision_timeout" yaml:"decision_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`

	ExtractionRetries int `mapstructure:"extraction_retries" yaml:"extraction_retries"`
	ActionRetries     int `mapstructure:"action_retries" yaml:"action_retries"`

	ScreenshotEveryStep bool `mapstructure:"screenshot_every_step" yaml:"screenshot_every_step"`

	LLM LLMRouterConfig `mapstructure:"llm" yaml:"llm"`
}

// StoreConfig points at the optional episode log database.
type StoreConfig struct {
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// Enabled reports whether episode persistence is configured.
func (s StoreConfig) Enabled() bool { return s.DSN != "" }

// ArtifactsConfig controls where screenshots and other captured files land.
type ArtifactsConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderGemini    LLMProvider = "gemini"
	ProviderOpenAI    LLMProvider = "openai"
	ProviderAnthropic LLMProvider = "anthropic"
	ProviderOllama    LLMProvider = "ollama"
)

// LLMRouterConfig configures the model routing logic.
type LLMRouterConfig struct {
	DefaultFastModel     string                    `mapstructure:"default_fast_model" yaml:"default_fast_model"`
	DefaultPowerfulModel string                    `mapstructure:"default_powerful_model" yaml:"default_powerful_model"`
	APIKey               string                    `mapstructure:"api_key" yaml:"-"`
	Models               map[string]LLMModelConfig `mapstructure:"models" yaml:"models"`
}

// ModelConfig resolves the configuration for a model name. Unlisted models
// fall back to a Gemini config inheriting the router's API key.
func (r LLMRouterConfig) ModelConfig(name string) LLMModelConfig {
	if mc, ok := r.Models[name]; ok {
		if mc.Model == "" {
			mc.Model = name
		}
		if mc.APIKey == "" {
			mc.APIKey = r.APIKey
		}
		return mc
	}
	return LLMModelConfig{Provider: ProviderGemini, Model: name, APIKey: r.APIKey}
}

// LLMModelConfig defines the configuration for a single LLM.
type LLMModelConfig struct {
	Provider     LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model        string        `mapstructure:"model" yaml:"model"`
	APIKey       string        `mapstructure:"api_key" yaml:"-"`
	Endpoint     string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout   time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature  float32       `mapstructure:"temperature" yaml:"temperature"`
	TopP         float32       `mapstructure:"top_p" yaml:"top_p"`
	TopK         int           `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens    int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	RateLimitRPS float64       `mapstructure:"rate_limit_rps" yaml:"rate_limit_rps"`
	// SafetyFilters maps harm categories to block thresholds, passed to the
	// provider verbatim.
	SafetyFilters map[string]string `mapstructure:"safety_filters" yaml:"safety_filters"`
}

// KeyDelimiter separates nested configuration keys. Viper's default "."
// would shred model names like "gemini-2.5-pro" used as map keys under
// agent::llm::models, so nesting uses "::" instead.
const KeyDelimiter = "::"

// NewViper builds a viper instance with this package's key delimiter.
// Every instance handed to SetDefaults must come from here.
func NewViper() *viper.Viper {
	return viper.NewWithOptions(viper.KeyDelimiter(KeyDelimiter))
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := NewViper()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with the defaults below.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger::level", "info")
	v.SetDefault("logger::format", "console")
	v.SetDefault("logger::add_source", false)
	v.SetDefault("logger::service_name", "pagepilot")
	v.SetDefault("logger::log_file", "pagepilot.log")
	v.SetDefault("logger::max_size", 100)
	v.SetDefault("logger::max_backups", 5)
	v.SetDefault("logger::max_age", 30)
	v.SetDefault("logger::compress", true)

	// -- Browser --
	v.SetDefault("browser::headless", true)
	v.SetDefault("browser::disable_cache", true)
	v.SetDefault("browser::ignore_tls_errors", false)
	v.SetDefault("browser::viewport_width", 1280)
	v.SetDefault("browser::viewport_height", 720)
	v.SetDefault("browser::navigation_timeout", "60s")
	v.SetDefault("browser::post_load_wait", "1s")

	// -- Agent --
	v.SetDefault("agent::max_steps", 25)
	v.SetDefault("agent::max_actions_per_step", 4)
	v.SetDefault("agent::context_token_budget", 32000)
	v.SetDefault("agent::episode_token_budget", 0)
	v.SetDefault("agent::viewport_expansion", 0.5)
	v.SetDefault("agent::max_frame_depth", 3)
	v.SetDefault("agent::max_text_length", 160)
	v.SetDefault("agent::extraction_timeout", "20s")
	v.SetDefault("agent::decision_timeout", "60s")
	v.SetDefault("agent::action_timeout", "15s")
	v.SetDefault("agent::extraction_retries", 3)
	v.SetDefault("agent::action_retries", 2)
	v.SetDefault("agent::screenshot_every_step", false)

	// -- LLM --
	v.SetDefault("agent::llm::default_fast_model", "gemini-2.5-flash")
	v.SetDefault("agent::llm::default_powerful_model", "gemini-2.5-pro")

	// -- Store --
	v.SetDefault("store::dsn", "")

	// -- Artifacts --
	v.SetDefault("artifacts::dir", "")
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Sensitive values come from the environment.
	v.BindEnv("agent::llm::api_key", "PAGEPILOT_LLM_API_KEY", "GEMINI_API_KEY")
	v.BindEnv("store::dsn", "PAGEPILOT_STORE_DSN")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Artifacts.Dir == "" {
		home, err := homedir.Dir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory for artifacts: %w", err)
		}
		cfg.Artifacts.Dir = filepath.Join(home, ".pagepilot", "artifacts")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Agent.MaxSteps <= 0 {
		return fmt.Errorf("agent.max_steps must be a positive integer")
	}
	if c.Agent.MaxActionsPerStep <= 0 {
		return fmt.Errorf("agent.max_actions_per_step must be a positive integer")
	}
	if c.Agent.ContextTokenBudget <= 0 {
		return fmt.Errorf("agent.context_token_budget must be a positive integer")
	}
	if c.Agent.EpisodeTokenBudget < 0 {
		return fmt.Errorf("agent.episode_token_budget must not be negative")
	}
	if c.Browser.ViewportWidth <= 0 || c.Browser.ViewportHeight <= 0 {
		return fmt.Errorf("browser viewport dimensions must be positive")
	}
	if c.Agent.DecisionTimeout <= 0 || c.Agent.ExtractionTimeout <= 0 || c.Agent.ActionTimeout <= 0 {
		return fmt.Errorf("agent phase timeouts must be positive durations")
	}
	if c.Agent.LLM.DefaultFastModel == "" || c.Agent.LLM.DefaultPowerfulModel == "" {
		return fmt.Errorf("agent.llm default models must be configured")
	}
	return nil
}
