// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Display  DisplayConfig  `mapstructure:"display" yaml:"display"`
	Network  NetworkConfig  `mapstructure:"network" yaml:"network"`
	Engine   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Captcha  CaptchaConfig  `mapstructure:"captcha" yaml:"captcha"`
	Speech   SpeechConfig   `mapstructure:"speech" yaml:"speech"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`

	// Batch gets its marching orders from CLI flags, not the config file.
	Batch BatchConfig `mapstructure:"-" yaml:"-"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// BrowserConfig holds settings for the browser instances.
type BrowserConfig struct {
	Headless        bool     `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool     `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args            []string `mapstructure:"args" yaml:"args"`
	UserAgent       string   `mapstructure:"user_agent" yaml:"user_agent"`
	// PersistSession keeps profile state across targets on a pooled surface.
	// Off by default: a pooled surface is reset between targets.
	PersistSession bool `mapstructure:"persist_session" yaml:"persist_session"`
}

// DisplayConfig bounds the virtual display slot search.
type DisplayConfig struct {
	SlotMin int `mapstructure:"slot_min" yaml:"slot_min"`
	SlotMax int `mapstructure:"slot_max" yaml:"slot_max"`
	Width   int `mapstructure:"width" yaml:"width"`
	Height  int `mapstructure:"height" yaml:"height"`
	Depth   int `mapstructure:"depth" yaml:"depth"`
}

// NetworkConfig tunes navigation and settle behavior.
type NetworkConfig struct {
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	PostLoadWait      time.Duration `mapstructure:"post_load_wait" yaml:"post_load_wait"`
}

// EngineConfig configures the batch worker pool.
type EngineConfig struct {
	Concurrency     int           `mapstructure:"concurrency" yaml:"concurrency"`
	RunTimeout      time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
	StallThreshold  time.Duration `mapstructure:"stall_threshold" yaml:"stall_threshold"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval" yaml:"monitor_interval"`
}

// CaptchaConfig configures both solver tiers.
type CaptchaConfig struct {
	// PollInterval paces token polling against the page widget.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// LocalTimeout is the default per-attempt bound when the template's
	// policy leaves it unset.
	LocalTimeout    time.Duration  `mapstructure:"local_timeout" yaml:"local_timeout"`
	ExternalTimeout time.Duration  `mapstructure:"external_timeout" yaml:"external_timeout"`
	ManualTimeout   time.Duration  `mapstructure:"manual_timeout" yaml:"manual_timeout"`
	Provider        ProviderConfig `mapstructure:"provider" yaml:"provider"`
}

// ProviderConfig is the paid solving service endpoint.
type ProviderConfig struct {
	APIKey    string `mapstructure:"api_key" yaml:"-"`
	SubmitURL string `mapstructure:"submit_url" yaml:"submit_url"`
	ResultURL string `mapstructure:"result_url" yaml:"result_url"`
	// PollRate is result-endpoint polls per second.
	PollRate float64 `mapstructure:"poll_rate" yaml:"poll_rate"`
}

// SpeechConfig configures the speech-to-text capability.
type SpeechConfig struct {
	Model   string        `mapstructure:"model" yaml:"model"`
	APIKey  string        `mapstructure:"api_key" yaml:"-"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// DatabaseConfig holds the run-record store connection. Empty URL disables
// persistence; results stay in-memory only.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// BatchConfig holds settings populated from CLI flags for a specific batch.
type BatchConfig struct {
	Targets      []string
	TemplatePath string
	Output       string
	Concurrency  int
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "formrelay")
	v.SetDefault("logger.log_file", "formrelay.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.persist_session", false)

	// -- Display --
	v.SetDefault("display.slot_min", 99)
	v.SetDefault("display.slot_max", 199)
	v.SetDefault("display.width", 1920)
	v.SetDefault("display.height", 1080)
	v.SetDefault("display.depth", 24)

	// -- Network --
	v.SetDefault("network.navigation_timeout", "45s")
	v.SetDefault("network.action_timeout", "15s")
	v.SetDefault("network.post_load_wait", "2s")

	// -- Engine --
	v.SetDefault("engine.concurrency", 10)
	v.SetDefault("engine.run_timeout", "10m")
	v.SetDefault("engine.stall_threshold", "2m")
	v.SetDefault("engine.monitor_interval", "5s")

	// -- Captcha --
	v.SetDefault("captcha.poll_interval", "2s")
	v.SetDefault("captcha.local_timeout", "50s")
	v.SetDefault("captcha.external_timeout", "2m")
	v.SetDefault("captcha.manual_timeout", "5m")
	v.SetDefault("captcha.provider.poll_rate", 0.5)

	// -- Speech --
	v.SetDefault("speech.model", "gemini-2.5-flash")
	v.SetDefault("speech.timeout", "30s")
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	v.BindEnv("captcha.provider.api_key", "FORMRELAY_SOLVER_API_KEY")
	v.BindEnv("speech.api_key", "FORMRELAY_SPEECH_API_KEY")
	v.BindEnv("database.url", "FORMRELAY_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Engine.Concurrency <= 0 {
		return fmt.Errorf("engine.concurrency must be a positive integer")
	}
	if c.Engine.StallThreshold <= 0 {
		return fmt.Errorf("engine.stall_threshold must be a positive duration")
	}
	if c.Display.SlotMin < 0 || c.Display.SlotMax < c.Display.SlotMin {
		return fmt.Errorf("display slot range [%d, %d] is invalid", c.Display.SlotMin, c.Display.SlotMax)
	}
	if c.Captcha.PollInterval <= 0 {
		return fmt.Errorf("captcha.poll_interval must be a positive duration")
	}
	if c.Captcha.Provider.PollRate <= 0 {
		return fmt.Errorf("captcha.provider.poll_rate must be positive")
	}
	return nil
}
