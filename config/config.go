// Package config loads the server configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Planner  PlannerConfig  `yaml:"planner"`
	Engine   EngineConfig   `yaml:"engine"`
	Provider ProviderConfig `yaml:"provider"`
	Secrets  SecretsConfig  `yaml:"secrets"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`

	// GenerateRateLimit is requests per minute per IP on the generation
	// endpoint.
	GenerateRateLimit int `yaml:"generate_rate_limit"`
}

// DatabaseConfig selects and configures the store backend.
type DatabaseConfig struct {
	// Driver is "sqlite", "postgres" or "memory".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// PlannerConfig configures the completion provider.
type PlannerConfig struct {
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// EngineConfig tunes workflow execution.
type EngineConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffCap     time.Duration `yaml:"backoff_cap"`
}

// ProviderConfig configures outbound operation invocations.
type ProviderConfig struct {
	BaseURL       string  `yaml:"base_url"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`

	// Catalog is the path to the provider operations YAML loaded into the
	// registry at startup.
	Catalog string `yaml:"catalog"`
}

// SecretsConfig selects the secret backend.
type SecretsConfig struct {
	// Provider is "env", "file" or "vault".
	Provider string `yaml:"provider"`
	// Prefix applies to env lookups.
	Prefix string `yaml:"prefix"`
	// Dir is the file provider's root directory.
	Dir string `yaml:"dir"`

	Vault VaultSecretsConfig `yaml:"vault"`
}

// VaultSecretsConfig configures the Vault KV v2 backend.
type VaultSecretsConfig struct {
	Address   string `yaml:"address"`
	Token     string `yaml:"token"`
	MountPath string `yaml:"mount_path"`
	Namespace string `yaml:"namespace"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			GenerateRateLimit: 10,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "flowforge.db",
		},
		Engine: EngineConfig{
			MaxConcurrency: 4,
			MaxAttempts:    3,
			BackoffBase:    500 * time.Millisecond,
			BackoffCap:     30 * time.Second,
		},
		Provider: ProviderConfig{
			RatePerSecond: 10,
			Burst:         20,
		},
		Secrets: SecretsConfig{
			Provider: "env",
		},
	}
}

// LoadFromFile loads configuration from a YAML file, applying defaults for
// unset fields.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	switch c.Secrets.Provider {
	case "env", "file", "vault":
	default:
		return fmt.Errorf("config: unknown secrets provider %q", c.Secrets.Provider)
	}
	if c.Secrets.Provider == "file" && c.Secrets.Dir == "" {
		return fmt.Errorf("config: file secrets provider needs a dir")
	}
	return nil
}
