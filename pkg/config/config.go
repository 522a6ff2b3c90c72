package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full service configuration.
type Config struct {
	Listen  string  `yaml:"listen"`
	DBPath  string  `yaml:"db_path"`
	Agent   Agent   `yaml:"agent"`
	Sandbox Sandbox `yaml:"sandbox"`
}

// Agent selects and configures the model provider.
type Agent struct {
	// Provider is either "gemini" or "anthropic".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	// APIKeyEnv names the environment variable holding the API key.
	// Keys never live in the config file itself.
	APIKeyEnv string `yaml:"api_key_env"`
}

// Sandbox configures the build environment containers.
type Sandbox struct {
	Image             string        `yaml:"image"`
	Timeout           time.Duration `yaml:"timeout"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	Workdir           string        `yaml:"workdir"`
}

// Load reads the config file at path and applies defaults. An empty
// path yields a pure-defaults config.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.applyDefaults()

	switch cfg.Agent.Provider {
	case "gemini", "anthropic":
	default:
		return nil, fmt.Errorf("unknown agent provider: %q", cfg.Agent.Provider)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DBPath == "" {
		c.DBPath = "fabrica.db"
	}
	if c.Agent.Provider == "" {
		c.Agent.Provider = "gemini"
	}
	if c.Agent.Model == "" {
		switch c.Agent.Provider {
		case "anthropic":
			c.Agent.Model = "claude-sonnet-4-20250514"
		default:
			c.Agent.Model = "gemini-2.5-flash"
		}
	}
	if c.Agent.APIKeyEnv == "" {
		switch c.Agent.Provider {
		case "anthropic":
			c.Agent.APIKeyEnv = "ANTHROPIC_API_KEY"
		default:
			c.Agent.APIKeyEnv = "GEMINI_API_KEY"
		}
	}
	if c.Sandbox.Image == "" {
		c.Sandbox.Image = "fabrica-sandbox:latest"
	}
	if c.Sandbox.Timeout == 0 {
		c.Sandbox.Timeout = 10 * time.Minute
	}
	if c.Sandbox.KeepaliveInterval == 0 {
		c.Sandbox.KeepaliveInterval = time.Minute
	}
	if c.Sandbox.Workdir == "" {
		c.Sandbox.Workdir = "/workspace"
	}
}

// APIKey resolves the agent API key from the environment.
func (c *Config) APIKey() string {
	return os.Getenv(c.Agent.APIKeyEnv)
}
