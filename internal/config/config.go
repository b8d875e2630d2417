// Package config loads the process configuration from a YAML file with
// environment-variable expansion. All values are fixed for the lifetime of
// the process once loaded.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all tokengate configuration.
type Config struct {
	// BotToken authenticates against the chat transport.
	BotToken string `yaml:"bot_token"`

	// GeminiAPIKey authenticates against the generation backend.
	GeminiAPIKey string `yaml:"gemini_api_key"`
	// GeminiModel selects the backend model.
	GeminiModel string `yaml:"gemini_model"`
	// GeminiBaseURL overrides the backend endpoint, mainly for tests.
	GeminiBaseURL string `yaml:"gemini_base_url"`

	// DSN selects the quota store: a SQLite path, a postgres:// URL, or a
	// redis:// URL.
	DSN string `yaml:"dsn"`

	// AdminIDs lists user IDs allowed to run administrative commands.
	AdminIDs []int64 `yaml:"admin_ids"`

	// Plans maps plan names to daily token allowances. Empty means the
	// built-in free/pro/premium tiers.
	Plans map[string]int64 `yaml:"plans"`
	// DefaultPlan is assigned to users on first contact.
	DefaultPlan string `yaml:"default_plan"`

	// MinResponseTokens is the output budget any authorized request is
	// guaranteed; requests that cannot afford it are rejected.
	MinResponseTokens int64 `yaml:"min_response_tokens"`
	// MaxResponseTokens caps the output budget for a single request.
	MaxResponseTokens int64 `yaml:"max_response_tokens"`

	// Listen enables the admin HTTP API when set (e.g. ":8080").
	Listen string `yaml:"listen"`
	// AdminAPIToken is the static bearer token guarding the admin API.
	AdminAPIToken string `yaml:"admin_api_token"`

	// Log configures logging output.
	Log LogConfig `yaml:"log"`
}

// LogConfig controls log level and optional rotating file output.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		GeminiModel:       "models/gemini-1.0",
		DSN:               "tokengate.db",
		DefaultPlan:       "free",
		MinResponseTokens: 20,
		MaxResponseTokens: 2048,
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

// Load reads a YAML config file, expands environment variables, and applies
// environment fallbacks for the two credentials.
func Load(path string) (*Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		data, errRead := os.ReadFile(path)
		if errRead != nil {
			return nil, fmt.Errorf("config: read: %w", errRead)
		}
		expanded := os.ExpandEnv(string(data))
		if errUnmarshal := yaml.Unmarshal([]byte(expanded), cfg); errUnmarshal != nil {
			return nil, fmt.Errorf("config: parse: %w", errUnmarshal)
		}
	}

	if cfg.BotToken == "" {
		cfg.BotToken = os.Getenv("BOT_TOKEN")
	}
	if cfg.GeminiAPIKey == "" {
		cfg.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	}
	if model := os.Getenv("GEMINI_MODEL"); model != "" && cfg.GeminiModel == Default().GeminiModel {
		cfg.GeminiModel = model
	}

	return cfg, nil
}

// Validate checks that the config is complete enough to serve requests.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BotToken) == "" {
		return fmt.Errorf("config: bot_token is required")
	}
	if strings.TrimSpace(c.GeminiAPIKey) == "" {
		return fmt.Errorf("config: gemini_api_key is required")
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("config: dsn is required")
	}
	if c.MinResponseTokens <= 0 {
		return fmt.Errorf("config: min_response_tokens must be positive")
	}
	if c.MaxResponseTokens < c.MinResponseTokens {
		return fmt.Errorf("config: max_response_tokens must be at least min_response_tokens")
	}
	if c.Listen != "" && strings.TrimSpace(c.AdminAPIToken) == "" {
		return fmt.Errorf("config: admin_api_token is required when listen is set")
	}
	return nil
}

// IsAdmin reports whether a user ID is in the administrative allow-list.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}
