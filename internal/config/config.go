package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables consumed at process start.
const (
	EnvConfigProfile = "PLATFORM_CONFIG_PROFILE"
	EnvHost          = "PLATFORM_HOST"
)

// appNamePattern constrains app names to what the platform accepts for
// resource identifiers.
var appNamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// Config represents the complete deploy-app configuration.
type Config struct {
	App      AppConfig      `yaml:"app"`
	Platform PlatformConfig `yaml:"platform"`
	Retry    RetryConfig    `yaml:"retry"`
	Serve    ServeConfig    `yaml:"serve"`
}

// AppConfig describes the app to reconcile. Name uniquely identifies at
// most one remote resource; it is immutable once the resource is created.
type AppConfig struct {
	Name        string `yaml:"name"`
	SourcePath  string `yaml:"source_path"`
	RemotePath  string `yaml:"remote_path"`
	Description string `yaml:"description"`
}

// PlatformConfig selects the platform CLI binary and its credentials.
type PlatformConfig struct {
	CLI     string `yaml:"cli"`
	Profile string `yaml:"profile"`
	Host    string `yaml:"host"`
}

// RetryConfig bounds the retry helper used for the existence check and,
// when RetryDeploy is set, transient deploy failures.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	RetryDeploy     bool          `yaml:"retry_deploy"`
}

// ServeConfig configures the webhook daemon mode.
type ServeConfig struct {
	ListenAddr        string   `yaml:"listen_addr"`
	WebhookSecretFile string   `yaml:"webhook_secret_file"`
	AllowedEventTypes []string `yaml:"allowed_event_types"`
	AllowedRefs       []string `yaml:"allowed_refs"`
}

// Default returns a configuration with all defaults applied and the
// platform environment variables consumed.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg
}

// Load reads and parses the configuration file, expands environment
// variables, applies defaults and the platform environment overrides.
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()
	cfg.applyEnv()

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields.
func (c *Config) expandEnv() {
	c.App.Name = os.ExpandEnv(c.App.Name)
	c.App.SourcePath = os.ExpandEnv(c.App.SourcePath)
	c.App.RemotePath = os.ExpandEnv(c.App.RemotePath)
	c.App.Description = os.ExpandEnv(c.App.Description)
	c.Platform.CLI = os.ExpandEnv(c.Platform.CLI)
	c.Platform.Profile = os.ExpandEnv(c.Platform.Profile)
	c.Platform.Host = os.ExpandEnv(c.Platform.Host)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.WebhookSecretFile = os.ExpandEnv(c.Serve.WebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Platform.CLI == "" {
		c.Platform.CLI = "databricks"
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialInterval == 0 {
		c.Retry.InitialInterval = 500 * time.Millisecond
	}
	if c.Retry.MaxInterval == 0 {
		c.Retry.MaxInterval = 5 * time.Second
	}
}

// applyEnv overrides platform settings from the process environment. The
// environment wins over the config file so the credential profile can be
// switched per invocation without editing files.
func (c *Config) applyEnv() {
	if profile := os.Getenv(EnvConfigProfile); profile != "" {
		c.Platform.Profile = profile
	}
	if host := os.Getenv(EnvHost); host != "" {
		c.Platform.Host = host
	}
}

// ValidateApp checks everything the reconcile operation needs. It runs
// before any remote call is made.
func (c *Config) ValidateApp() error {
	if c.App.Name == "" {
		return fmt.Errorf("app name is required")
	}
	if len(c.App.Name) > 63 {
		return fmt.Errorf("invalid app name %q: must be at most 63 characters", c.App.Name)
	}
	if !appNamePattern.MatchString(c.App.Name) {
		return fmt.Errorf("invalid app name %q: must be lowercase alphanumeric with hyphens", c.App.Name)
	}
	if c.App.SourcePath == "" {
		return fmt.Errorf("source path is required")
	}
	if c.App.RemotePath == "" {
		return fmt.Errorf("remote path is required")
	}
	return nil
}

// ValidateName checks only the app name, for the pass-through commands.
func (c *Config) ValidateName() error {
	if c.App.Name == "" {
		return fmt.Errorf("app name is required")
	}
	return nil
}

// ValidateServe checks the webhook daemon settings.
func (c *Config) ValidateServe() error {
	if c.Serve.ListenAddr == "" {
		return fmt.Errorf("serve.listen_addr is required")
	}
	if c.Serve.WebhookSecretFile == "" {
		return fmt.Errorf("serve.webhook_secret_file is required")
	}
	return nil
}

// Validate checks cross-cutting settings.
func (c *Config) Validate() error {
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.InitialInterval <= 0 {
		return fmt.Errorf("retry.initial_interval must be positive")
	}
	if c.Retry.MaxInterval < c.Retry.InitialInterval {
		return fmt.Errorf("retry.max_interval must be >= retry.initial_interval")
	}
	return nil
}
