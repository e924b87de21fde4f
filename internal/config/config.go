// Package config loads the runtime's configuration from YAML with
// environment-variable overrides, following the teacher's
// internal/config.Load/applyEnvOverrides pattern.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LLMConfig configures the provider the interaction loop streams from.
type LLMConfig struct {
	Provider string `yaml:"provider" json:"provider"` // "genai" or "fake"
	APIKey   string `yaml:"apiKey" json:"apiKey"`
	Model    string `yaml:"model" json:"model"`
	Timeout  string `yaml:"timeout" json:"timeout"` // duration string, e.g. "60s"
}

// GetTimeout parses Timeout, falling back to 60s on an empty or
// unparsable value.
func (c LLMConfig) GetTimeout() time.Duration {
	if c.Timeout == "" {
		return 60 * time.Second
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// ServerConfig configures cmd/weaved's listener.
type ServerConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// Config is the runtime's full configuration.
type Config struct {
	Server ServerConfig `yaml:"server" json:"server"`
	LLM    LLMConfig    `yaml:"llm" json:"llm"`

	// MaxTurns bounds an interaction's turn loop (spec §4.5 turn cap).
	MaxTurns int `yaml:"maxTurns" json:"maxTurns"`
	// Verbose enables debug-level logging.
	Verbose bool `yaml:"verbose" json:"verbose"`
}

// Default returns the runtime's defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		LLM: LLMConfig{
			Provider: "fake",
			Model:    "gemini-2.0-flash",
			Timeout:  "60s",
		},
		MaxTurns: 15,
	}
}

// Load reads path as YAML, falling back to defaults if the file doesn't
// exist, then applies environment-variable overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// Save writes cfg to path as YAML.
func Save(cfg Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WEAVE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("WEAVE_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("WEAVE_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("WEAVE_LLM_TIMEOUT"); v != "" {
		cfg.LLM.Timeout = v
	}
	if v := os.Getenv("WEAVE_VERBOSE"); v == "1" || v == "true" {
		cfg.Verbose = true
	}
}
