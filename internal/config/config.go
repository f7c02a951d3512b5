// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	LLMCfg     LLMConfig     `mapstructure:"llm" yaml:"llm"`
	AgentCfg   AgentConfig   `mapstructure:"agent" yaml:"agent"`
	CaptureCfg CaptureConfig `mapstructure:"capture" yaml:"capture"`
	BrowserCfg BrowserConfig `mapstructure:"browser" yaml:"browser"`
	SurfaceCfg SurfaceConfig `mapstructure:"surface" yaml:"surface"`
	StoreCfg   StoreConfig   `mapstructure:"store" yaml:"store"`
}

// --- Section Getters ---

func (c *Config) Logger() LoggerConfig   { return c.LoggerCfg }
func (c *Config) LLM() LLMConfig         { return c.LLMCfg }
func (c *Config) Agent() AgentConfig     { return c.AgentCfg }
func (c *Config) Capture() CaptureConfig { return c.CaptureCfg }
func (c *Config) Browser() BrowserConfig { return c.BrowserCfg }
func (c *Config) Surface() SurfaceConfig { return c.SurfaceCfg }
func (c *Config) Store() StoreConfig     { return c.StoreCfg }

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

// LLMConfig configures the decision model endpoint.
type LLMConfig struct {
	Model    string `mapstructure:"model" yaml:"model"`
	APIKey   string `mapstructure:"api_key" yaml:"-"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	// Environment is sent verbatim as the computer_use tool environment.
	Environment string        `mapstructure:"environment" yaml:"environment"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	// ProxyURL routes model traffic through an HTTP proxy when set.
	ProxyURL string `mapstructure:"proxy_url" yaml:"proxy_url"`
}

// ConcurrentRunPolicy decides what happens when a run is started against an
// environment that already has an active run.
type ConcurrentRunPolicy string

const (
	PolicyReject    ConcurrentRunPolicy = "reject"
	PolicySupersede ConcurrentRunPolicy = "supersede"
)

// AgentConfig tunes the observe/decide/act loop.
type AgentConfig struct {
	MaxSteps         int                 `mapstructure:"max_steps" yaml:"max_steps"`
	StepDelay        time.Duration       `mapstructure:"step_delay" yaml:"step_delay"`
	NavigationSettle time.Duration       `mapstructure:"navigation_settle" yaml:"navigation_settle"`
	RunPolicy        ConcurrentRunPolicy `mapstructure:"run_policy" yaml:"run_policy"`
}

// CaptureConfig holds the observation capture budget.
type CaptureConfig struct {
	MinInterval          time.Duration `mapstructure:"min_interval" yaml:"min_interval"`
	BaseBackoff          time.Duration `mapstructure:"base_backoff" yaml:"base_backoff"`
	MaxBackoffMultiplier int           `mapstructure:"max_backoff_multiplier" yaml:"max_backoff_multiplier"`
	MaxBytes             int           `mapstructure:"max_bytes" yaml:"max_bytes"`
	Quality              int           `mapstructure:"quality" yaml:"quality"`
	// QuotaPerSecond emulates the host's capture quota; zero disables it.
	QuotaPerSecond float64 `mapstructure:"quota_per_second" yaml:"quota_per_second"`
}

// BrowserConfig holds settings for the controlled browser.
type BrowserConfig struct {
	Headless        bool           `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Debug           bool           `mapstructure:"debug" yaml:"debug"`
	Args            []string       `mapstructure:"args" yaml:"args"`
	Viewport        map[string]int `mapstructure:"viewport" yaml:"viewport"`
	StartURL        string         `mapstructure:"start_url" yaml:"start_url"`
	// RemoteURL attaches to an already running browser instead of launching one.
	RemoteURL         string        `mapstructure:"remote_url" yaml:"remote_url"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
}

// SurfaceConfig configures the command channel to the in-page execution surface.
type SurfaceConfig struct {
	ResponseTimeout time.Duration `mapstructure:"response_timeout" yaml:"response_timeout"`
	BufferSize      int           `mapstructure:"buffer_size" yaml:"buffer_size"`
}

// StoreConfig selects where run artifacts are kept.
type StoreConfig struct {
	Type string `mapstructure:"type" yaml:"type"`
	URL  string `mapstructure:"url" yaml:"url"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "atlas")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- LLM --
	v.SetDefault("llm.model", "gemini-2.5-computer-use-preview-10-2025")
	v.SetDefault("llm.endpoint", "")
	v.SetDefault("llm.environment", "ENVIRONMENT_BROWSER")
	v.SetDefault("llm.api_timeout", "120s")
	v.SetDefault("llm.proxy_url", "")

	// -- Agent --
	v.SetDefault("agent.max_steps", 10)
	v.SetDefault("agent.step_delay", "800ms")
	v.SetDefault("agent.navigation_settle", "2s")
	v.SetDefault("agent.run_policy", string(PolicyReject))

	// -- Capture --
	v.SetDefault("capture.min_interval", "2500ms")
	v.SetDefault("capture.base_backoff", "1s")
	v.SetDefault("capture.max_backoff_multiplier", 16)
	v.SetDefault("capture.max_bytes", 100000)
	v.SetDefault("capture.quality", 15)
	v.SetDefault("capture.quota_per_second", 2.0)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.debug", false)
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.viewport", map[string]int{"width": 1280, "height": 800})
	v.SetDefault("browser.start_url", "about:blank")
	v.SetDefault("browser.remote_url", "")
	v.SetDefault("browser.navigation_timeout", "30s")

	// -- Surface --
	v.SetDefault("surface.response_timeout", "5s")
	v.SetDefault("surface.buffer_size", 16)

	// -- Store --
	v.SetDefault("store.type", "memory")
	v.SetDefault("store.url", "")
}

// NewConfigFromViper unmarshals and validates configuration from a viper instance.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// The credential is only ever read from the environment or config file.
	_ = v.BindEnv("llm.api_key", "ATLAS_LLM_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("store.url", "ATLAS_STORE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.LLMCfg.APIKey == "" {
		cfg.LLMCfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
// A missing API key is not a configuration error; the agent reports it per run.
func (c *Config) Validate() error {
	if c.AgentCfg.MaxSteps <= 0 {
		return fmt.Errorf("agent.max_steps must be a positive integer")
	}
	if c.AgentCfg.StepDelay < 0 {
		return fmt.Errorf("agent.step_delay must not be negative")
	}
	switch c.AgentCfg.RunPolicy {
	case PolicyReject, PolicySupersede:
	default:
		return fmt.Errorf("agent.run_policy must be one of %q or %q", PolicyReject, PolicySupersede)
	}
	if err := c.CaptureCfg.Validate(); err != nil {
		return fmt.Errorf("capture configuration invalid: %w", err)
	}
	if c.SurfaceCfg.ResponseTimeout <= 0 {
		return fmt.Errorf("surface.response_timeout must be positive")
	}
	switch strings.ToLower(c.StoreCfg.Type) {
	case "memory":
	case "postgres":
		if c.StoreCfg.URL == "" {
			return fmt.Errorf("store.url is required when store.type is postgres")
		}
	default:
		return fmt.Errorf("store.type %q is not supported", c.StoreCfg.Type)
	}
	return nil
}

// Validate checks the capture budget.
func (c *CaptureConfig) Validate() error {
	if c.MinInterval < 0 || c.BaseBackoff < 0 {
		return fmt.Errorf("min_interval and base_backoff must not be negative")
	}
	if c.MaxBackoffMultiplier < 1 {
		return fmt.Errorf("max_backoff_multiplier must be at least 1")
	}
	if c.MaxBytes <= 0 {
		return fmt.Errorf("max_bytes must be a positive integer")
	}
	if c.Quality < 0 || c.Quality > 100 {
		return fmt.Errorf("quality must be between 0 and 100")
	}
	return nil
}
