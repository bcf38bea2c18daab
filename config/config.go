package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the query client and CLI
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Fallback  FallbackConfig  `mapstructure:"fallback"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

func (g GeneralConfig) Validate() error {
	switch strings.ToLower(g.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
		return nil
	}
	return fmt.Errorf("general.log_level %q is not one of debug, info, warn, error", g.LogLevel)
}

// BrowserConfig describes how the target page is driven.
type BrowserConfig struct {
	Launcher         string        `mapstructure:"launcher"`
	TargetURL        string        `mapstructure:"target_url"`
	Headless         bool          `mapstructure:"headless"`
	RemoteURL        string        `mapstructure:"remote_url"` // CDP websocket; empty launches a local Chrome
	UserAgent        string        `mapstructure:"user_agent"`
	InputSelector    string        `mapstructure:"input_selector"`
	AnswerSelector   string        `mapstructure:"answer_selector"`
	CitationSelector string        `mapstructure:"citation_selector"`
	NavigateSettle   time.Duration `mapstructure:"navigate_settle"`
	AnswerSettle     time.Duration `mapstructure:"answer_settle"`
	ReadyTimeout     time.Duration `mapstructure:"ready_timeout"`
	CitationTimeout  time.Duration `mapstructure:"citation_timeout"`
	ActionTimeout    time.Duration `mapstructure:"action_timeout"`
	StrictSession    bool          `mapstructure:"strict_session"` // return launch failures instead of falling back
}

// Normalize fills unset values with defaults.
func (b BrowserConfig) Normalize() BrowserConfig {
	d := Default().Browser
	if strings.TrimSpace(b.Launcher) == "" {
		b.Launcher = d.Launcher
	}
	if strings.TrimSpace(b.TargetURL) == "" {
		b.TargetURL = d.TargetURL
	}
	if strings.TrimSpace(b.InputSelector) == "" {
		b.InputSelector = d.InputSelector
	}
	if strings.TrimSpace(b.AnswerSelector) == "" {
		b.AnswerSelector = d.AnswerSelector
	}
	if strings.TrimSpace(b.CitationSelector) == "" {
		b.CitationSelector = d.CitationSelector
	}
	if b.ReadyTimeout <= 0 {
		b.ReadyTimeout = d.ReadyTimeout
	}
	if b.CitationTimeout <= 0 {
		b.CitationTimeout = d.CitationTimeout
	}
	if b.ActionTimeout <= 0 {
		b.ActionTimeout = d.ActionTimeout
	}
	return b
}

func (b BrowserConfig) Validate() error {
	u, err := url.Parse(b.TargetURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("browser.target_url %q must be an absolute http(s) URL", b.TargetURL)
	}
	if b.NavigateSettle < 0 || b.AnswerSettle < 0 {
		return fmt.Errorf("browser settle waits cannot be negative")
	}
	if b.RemoteURL != "" {
		if u, err := url.Parse(b.RemoteURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("browser.remote_url %q must be a ws:// or wss:// endpoint", b.RemoteURL)
		}
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	File FileConfig `mapstructure:"file"`
}

// FileConfig contains file storage settings
type FileConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

func (f FileConfig) Validate() error {
	if strings.TrimSpace(f.DataDir) == "" {
		return fmt.Errorf("storage.file.data_dir required")
	}
	return nil
}

// FallbackConfig shapes the placeholder answer used when the live path fails.
type FallbackConfig struct {
	TextPrefix  string `mapstructure:"text_prefix"`
	CitationURL string `mapstructure:"citation_url"`
}

func (f FallbackConfig) Normalize() FallbackConfig {
	d := Default().Fallback
	if f.TextPrefix == "" {
		f.TextPrefix = d.TextPrefix
	}
	if f.CitationURL == "" {
		f.CitationURL = d.CitationURL
	}
	return f
}

// TelemetryConfig contains metrics export settings
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsFile string `mapstructure:"metrics_file"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && strings.TrimSpace(t.MetricsFile) == "" {
		return fmt.Errorf("telemetry.metrics_file must be set when telemetry is enabled")
	}
	return nil
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		General: GeneralConfig{LogLevel: "info"},
		Browser: BrowserConfig{
			Launcher:         "chromedp",
			TargetURL:        "https://www.perplexity.ai",
			Headless:         true,
			InputSelector:    "textarea[placeholder*='Ask anything']",
			AnswerSelector:   ".prose",
			CitationSelector: ".source-attributions a",
			NavigateSettle:   2 * time.Second,
			AnswerSettle:     5 * time.Second,
			ReadyTimeout:     20 * time.Second,
			CitationTimeout:  3 * time.Second,
			ActionTimeout:    30 * time.Second,
		},
		Storage: StorageConfig{File: FileConfig{DataDir: "data"}},
		Fallback: FallbackConfig{
			TextPrefix:  "Mock response for query: ",
			CitationURL: "https://example.com",
		},
	}
}

// Normalize applies defaults to every section.
func (c Config) Normalize() Config {
	c.Browser = c.Browser.Normalize()
	c.Fallback = c.Fallback.Normalize()
	if strings.TrimSpace(c.General.LogLevel) == "" {
		c.General.LogLevel = Default().General.LogLevel
	}
	if strings.TrimSpace(c.Storage.File.DataDir) == "" {
		c.Storage.File.DataDir = Default().Storage.File.DataDir
	}
	return c
}

func (c Config) Validate() error {
	return errors.Join(
		c.General.Validate(),
		c.Browser.Validate(),
		c.Storage.File.Validate(),
		c.Telemetry.Validate(),
	)
}

// LoadConfig loads config from file and PPLX_* environment variables. A missing
// config file is not an error when path is empty.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config") // name of config file (without extension)
	setDefaults(v, Default())

	if path == "" {
		v.AddConfigPath("./config") // path to look for the config file in
		v.AddConfigPath(".")        // optionally look for config in the working directory
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)                                // bin/
			v.AddConfigPath(filepath.Join(exeDir, "..", "config")) // repo root/config
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("PPLX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv() // read in environment variables that match (PPLX_*)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("general.log_level", d.General.LogLevel)
	v.SetDefault("general.log_file", d.General.LogFile)
	v.SetDefault("browser.launcher", d.Browser.Launcher)
	v.SetDefault("browser.target_url", d.Browser.TargetURL)
	v.SetDefault("browser.headless", d.Browser.Headless)
	v.SetDefault("browser.remote_url", d.Browser.RemoteURL)
	v.SetDefault("browser.user_agent", d.Browser.UserAgent)
	v.SetDefault("browser.input_selector", d.Browser.InputSelector)
	v.SetDefault("browser.answer_selector", d.Browser.AnswerSelector)
	v.SetDefault("browser.citation_selector", d.Browser.CitationSelector)
	v.SetDefault("browser.navigate_settle", d.Browser.NavigateSettle)
	v.SetDefault("browser.answer_settle", d.Browser.AnswerSettle)
	v.SetDefault("browser.ready_timeout", d.Browser.ReadyTimeout)
	v.SetDefault("browser.citation_timeout", d.Browser.CitationTimeout)
	v.SetDefault("browser.action_timeout", d.Browser.ActionTimeout)
	v.SetDefault("browser.strict_session", d.Browser.StrictSession)
	v.SetDefault("storage.file.data_dir", d.Storage.File.DataDir)
	v.SetDefault("fallback.text_prefix", d.Fallback.TextPrefix)
	v.SetDefault("fallback.citation_url", d.Fallback.CitationURL)
	v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	v.SetDefault("telemetry.metrics_file", d.Telemetry.MetricsFile)
}
