package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models taskfeed.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret       string `yaml:"jwt_secret"`
		DevLoginEnabled bool   `yaml:"dev_login_enabled"`
	} `yaml:"auth"`
	Enrich struct {
		URL            string `yaml:"url"`
		APIKey         string `yaml:"api_key"`
		HeaderName     string `yaml:"header_name"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		OnCreate       *bool  `yaml:"on_create"`
	} `yaml:"enrich"`
	WA struct {
		SendURL       string `yaml:"send_url"`
		APIKey        string `yaml:"api_key"`
		HeaderName    string `yaml:"header_name"`
		Enabled       *bool  `yaml:"enabled"`
		InboundSecret string `yaml:"inbound_secret"`
	} `yaml:"wa"`
	Chat struct {
		URL string `yaml:"url"`
	} `yaml:"chat"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

const defaultHeaderName = "x-api-key"

// Load reads config from the workspace, seeding defaults when the file is
// absent.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskfeed.yml")
}

// Default returns a Config usable without a config file. External
// collaborators stay unconfigured and the respective features degrade.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = ":8080"
	cfg.Server.BasePath = "/v0"
	cfg.Enrich.HeaderName = defaultHeaderName
	cfg.WA.HeaderName = defaultHeaderName
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.BasePath == "" {
		cfg.Server.BasePath = "/v0"
	}
	if cfg.Enrich.HeaderName == "" {
		cfg.Enrich.HeaderName = defaultHeaderName
	}
	if cfg.WA.HeaderName == "" {
		cfg.WA.HeaderName = defaultHeaderName
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures configured collaborators carry their required pairs.
func (c *Config) Validate() error {
	if c.Enrich.URL != "" && c.Enrich.APIKey == "" {
		return fmt.Errorf("config.enrich.api_key is required when enrich.url is set")
	}
	if c.WA.SendURL != "" && c.WA.APIKey == "" {
		return fmt.Errorf("config.wa.api_key is required when wa.send_url is set")
	}
	if c.Auth.DevLoginEnabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("config.auth.jwt_secret is required when dev login is enabled")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// EnrichOnCreate reports whether task creation should call the enrichment
// workflow. Defaults to true when a workflow is configured.
func (c *Config) EnrichOnCreate() bool {
	if c.Enrich.URL == "" {
		return false
	}
	if c.Enrich.OnCreate == nil {
		return true
	}
	return *c.Enrich.OnCreate
}

// WAEnabled reports whether outbound WhatsApp sends are active.
func (c *Config) WAEnabled() bool {
	if c.WA.SendURL == "" {
		return false
	}
	if c.WA.Enabled == nil {
		return true
	}
	return *c.WA.Enabled
}
