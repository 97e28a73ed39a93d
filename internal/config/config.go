// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration. Sections map 1:1 to the
// top-level keys of the YAML config file and to CHAUFFEUR_* env overrides.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Session SessionConfig `mapstructure:"session" yaml:"session"`
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

// BrowserConfig describes how to reach a browser: either attach to an already
// running instance via AttachURL, or launch a local process.
type BrowserConfig struct {
	// AttachURL is a DevTools WebSocket or http://host:port endpoint of an
	// already running browser. When set, no local process is launched.
	AttachURL string `mapstructure:"attach_url" yaml:"attach_url"`

	// ExecutablePath overrides the browser binary discovery. Empty means the
	// launcher probes well-known install locations.
	ExecutablePath string `mapstructure:"executable_path" yaml:"executable_path"`

	Headless        bool     `mapstructure:"headless" yaml:"headless"`
	UserDataDir     string   `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	DownloadsDir    string   `mapstructure:"downloads_dir" yaml:"downloads_dir"`
	IgnoreTLSErrors bool     `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ExtraArgs       []string `mapstructure:"extra_args" yaml:"extra_args"`
	WindowWidth     int      `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight    int      `mapstructure:"window_height" yaml:"window_height"`

	// LaunchTimeout bounds how long the launcher waits for the DevTools
	// endpoint to come up before the attempt counts as failed.
	LaunchTimeout time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
}

// SessionConfig tunes the orchestration core: navigation, health monitoring,
// the domain allowlist and storage-state persistence.
type SessionConfig struct {
	// AllowedDomains is the navigation allowlist. Empty means every domain is
	// permitted. Patterns: exact scheme+host, bare domain, "*.domain" glob,
	// "scheme://*" prefix or a generic host glob.
	AllowedDomains []string `mapstructure:"allowed_domains" yaml:"allowed_domains"`

	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	NetworkTimeout    time.Duration `mapstructure:"network_timeout" yaml:"network_timeout"`
	HealthPoll        time.Duration `mapstructure:"health_poll" yaml:"health_poll"`
	EvalProbeTimeout  time.Duration `mapstructure:"eval_probe_timeout" yaml:"eval_probe_timeout"`
	DialogTimeout     time.Duration `mapstructure:"dialog_timeout" yaml:"dialog_timeout"`

	// SettleDelay is the brief pause after tab creation before the new
	// target's state is read back.
	SettleDelay time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`

	// StorageStatePath points at the cookies/localStorage document loaded on
	// connect and saved on demand or interval. Empty disables persistence.
	StorageStatePath string        `mapstructure:"storage_state_path" yaml:"storage_state_path"`
	AutoSaveInterval time.Duration `mapstructure:"auto_save_interval" yaml:"auto_save_interval"`

	// KeepAliveTab keeps one about:blank tab open when the last real tab
	// closes so the session never ends up without a usable target.
	KeepAliveTab bool `mapstructure:"keep_alive_tab" yaml:"keep_alive_tab"`
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with the defaults above, but fail loudly if it does.
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
	v.SetDefault("logger.service_name", "chauffeur")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.attach_url", "")
	v.SetDefault("browser.executable_path", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_data_dir", "")
	v.SetDefault("browser.downloads_dir", "")
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.window_width", 1280)
	v.SetDefault("browser.window_height", 1024)
	v.SetDefault("browser.launch_timeout", "30s")

	// -- Session --
	v.SetDefault("session.allowed_domains", []string{})
	v.SetDefault("session.navigation_timeout", "30s")
	v.SetDefault("session.network_timeout", "10s")
	v.SetDefault("session.health_poll", "1s")
	v.SetDefault("session.eval_probe_timeout", "5s")
	v.SetDefault("session.dialog_timeout", "5s")
	v.SetDefault("session.settle_delay", "500ms")
	v.SetDefault("session.storage_state_path", "")
	v.SetDefault("session.auto_save_interval", "30s")
	v.SetDefault("session.keep_alive_tab", true)
}

// NewConfigFromViper creates a configuration instance from a viper object,
// expands home-relative paths and validates the result.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.ExpandPaths(); err != nil {
		return nil, fmt.Errorf("error expanding config paths: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ExpandPaths resolves "~" in every path-valued setting.
func (c *Config) ExpandPaths() error {
	for _, p := range []*string{
		&c.Browser.ExecutablePath,
		&c.Browser.UserDataDir,
		&c.Browser.DownloadsDir,
		&c.Session.StorageStatePath,
		&c.Logger.LogFile,
	} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expanding %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Session.NavigationTimeout <= 0 {
		return fmt.Errorf("session.navigation_timeout must be a positive duration")
	}
	if c.Session.NetworkTimeout <= 0 {
		return fmt.Errorf("session.network_timeout must be a positive duration")
	}
	if c.Session.HealthPoll <= 0 {
		return fmt.Errorf("session.health_poll must be a positive duration")
	}
	if c.Session.EvalProbeTimeout <= 0 {
		return fmt.Errorf("session.eval_probe_timeout must be a positive duration")
	}
	if c.Session.AutoSaveInterval <= 0 {
		return fmt.Errorf("session.auto_save_interval must be a positive duration")
	}
	if c.Browser.LaunchTimeout <= 0 {
		return fmt.Errorf("browser.launch_timeout must be a positive duration")
	}
	if c.Browser.WindowWidth <= 0 || c.Browser.WindowHeight <= 0 {
		return fmt.Errorf("browser.window_width and browser.window_height must be positive")
	}
	return nil
}
