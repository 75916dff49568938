// Package config loads demopilot settings from defaults, an optional
// demopilot.yaml, DEMOPILOT_* environment variables and command-line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DEMOPILOT_BROWSER_HEADLESS
const EnvPrefix = "DEMOPILOT"

// Config holds the entire application configuration
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Browser    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	Automation AutomationConfig `mapstructure:"automation" yaml:"automation"`
	Planner    PlannerConfig    `mapstructure:"planner" yaml:"planner"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	Recorder   RecorderConfig   `mapstructure:"recorder" yaml:"recorder"`
	Catalog    CatalogConfig    `mapstructure:"catalog" yaml:"catalog"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // console or json
	LogFile    string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type BrowserConfig struct {
	Headless         bool          `mapstructure:"headless" yaml:"headless"`
	Width            int           `mapstructure:"width" yaml:"width"`
	Height           int           `mapstructure:"height" yaml:"height"`
	ProfileDir       string        `mapstructure:"profile_dir" yaml:"profile_dir"`
	ElementTimeout   time.Duration `mapstructure:"element_timeout" yaml:"element_timeout"`
	StabilizeTimeout time.Duration `mapstructure:"stabilize_timeout" yaml:"stabilize_timeout"`
}

type AutomationConfig struct {
	StepLimit              int           `mapstructure:"step_limit" yaml:"step_limit"`
	SettleDelay            time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	TypingDelay            time.Duration `mapstructure:"typing_delay" yaml:"typing_delay"`
	NextStepTimeout        time.Duration `mapstructure:"next_step_timeout" yaml:"next_step_timeout"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures" yaml:"max_consecutive_failures"`
}

type PlannerConfig struct {
	Provider          string `mapstructure:"provider" yaml:"provider"` // claude, openai or remote
	Model             string `mapstructure:"model" yaml:"model"`
	RemoteURL         string `mapstructure:"remote_url" yaml:"remote_url"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	SessionCacheSize  int    `mapstructure:"session_cache_size" yaml:"session_cache_size"`
}

type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"` // sqlite file; empty keeps state in memory
}

type RecorderConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Output   string `mapstructure:"output" yaml:"output"`
	FPS      int    `mapstructure:"fps" yaml:"fps"`
	MaxWidth uint   `mapstructure:"max_width" yaml:"max_width"`
}

type CatalogConfig struct {
	File string `mapstructure:"file" yaml:"file"` // extra sequences merged over the built-in ones
}

// SetDefaults initializes default values for every configuration key
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.width", 1280)
	v.SetDefault("browser.height", 800)
	v.SetDefault("browser.profile_dir", "")
	v.SetDefault("browser.element_timeout", "10s")
	v.SetDefault("browser.stabilize_timeout", "5s")

	// -- Automation --
	v.SetDefault("automation.step_limit", 50)
	v.SetDefault("automation.settle_delay", "1s")
	v.SetDefault("automation.typing_delay", "50ms")
	v.SetDefault("automation.next_step_timeout", "30s")
	v.SetDefault("automation.max_consecutive_failures", 3)

	// -- Planner --
	v.SetDefault("planner.provider", "claude")
	v.SetDefault("planner.model", "")
	v.SetDefault("planner.remote_url", "")
	v.SetDefault("planner.requests_per_minute", 0)
	v.SetDefault("planner.session_cache_size", 64)

	// -- Server --
	v.SetDefault("server.listen_addr", "127.0.0.1:8000")

	// -- Store --
	v.SetDefault("store.path", "")

	// -- Recorder --
	v.SetDefault("recorder.enabled", false)
	v.SetDefault("recorder.output", "demo.gif")
	v.SetDefault("recorder.fps", 10)
	v.SetDefault("recorder.max_width", 800)

	// -- Catalog --
	v.SetDefault("catalog.file", "")
}

// NewViper returns a viper instance with defaults and environment binding
// in place, ready for flags to be bound on top.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the configuration with nothing but defaults applied
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := FromViper(v)
	if err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

// Load reads the config file into v and builds the configuration. With an
// empty file, ./demopilot.yaml is used when present.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("demopilot")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	return FromViper(v)
}

// FromViper builds and validates the configuration held by v
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate reports the first invalid field
func (c *Config) Validate() error {
	switch c.Logger.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logger.format must be console or json, got %q", c.Logger.Format)
	}
	if c.Browser.Width <= 0 || c.Browser.Height <= 0 {
		return errors.New("browser.width and browser.height must be positive")
	}
	if c.Browser.ElementTimeout <= 0 {
		return errors.New("browser.element_timeout must be a positive duration")
	}
	if c.Automation.StepLimit <= 0 {
		return errors.New("automation.step_limit must be a positive integer")
	}
	if c.Automation.MaxConsecutiveFailures <= 0 {
		return errors.New("automation.max_consecutive_failures must be a positive integer")
	}
	if c.Automation.SettleDelay < 0 || c.Automation.TypingDelay < 0 {
		return errors.New("automation delays must not be negative")
	}
	if c.Automation.NextStepTimeout <= 0 {
		return errors.New("automation.next_step_timeout must be a positive duration")
	}
	if err := c.Planner.Validate(); err != nil {
		return fmt.Errorf("planner: %w", err)
	}
	if c.Server.ListenAddr == "" {
		return errors.New("server.listen_addr is required")
	}
	if c.Recorder.Enabled {
		if c.Recorder.FPS < 1 || c.Recorder.FPS > 60 {
			return errors.New("recorder.fps must be between 1 and 60")
		}
		if c.Recorder.Output == "" {
			return errors.New("recorder.output is required when recording")
		}
	}
	return nil
}

// Validate checks the planner section
func (p *PlannerConfig) Validate() error {
	switch strings.ToLower(p.Provider) {
	case "claude", "anthropic", "openai", "gpt":
	case "remote":
		if p.RemoteURL == "" {
			return errors.New("remote_url is required for the remote provider")
		}
	default:
		return fmt.Errorf("unknown provider %q", p.Provider)
	}
	if p.RequestsPerMinute < 0 {
		return errors.New("requests_per_minute must not be negative")
	}
	if p.SessionCacheSize <= 0 {
		return errors.New("session_cache_size must be positive")
	}
	return nil
}
