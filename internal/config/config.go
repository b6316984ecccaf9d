// Package config loads and validates the relay runtime configuration from
// an optional YAML file plus RELAY_-prefixed environment overrides.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config carries every tunable recognized by the delegation fabric.
type Config struct {
	DefaultProvider      string `mapstructure:"default_provider"`
	EnableFallback       bool   `mapstructure:"enable_fallback"`
	EnableQualityRouting bool   `mapstructure:"enable_quality_routing"`
	RejectionThreshold   int    `mapstructure:"rejection_threshold"`
	HybridThreshold      int    `mapstructure:"hybrid_threshold"`
	ValidationThreshold  int    `mapstructure:"validation_threshold"`
	MaxRetries           int    `mapstructure:"max_retries"`
	ContextTargetTokens  int    `mapstructure:"context_target_tokens"`
	ContextLimitTokens   int    `mapstructure:"context_limit_tokens"`
	ProjectRoot          string `mapstructure:"project_root"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		DefaultProvider:      "deepseek",
		EnableFallback:       true,
		EnableQualityRouting: true,
		RejectionThreshold:   60,
		HybridThreshold:      80,
		ValidationThreshold:  80,
		MaxRetries:           2,
		ContextTargetTokens:  8000,
		ContextLimitTokens:   200000,
		ProjectRoot:          ".",
	}
}

// ValidationError reports an invalid or inconsistent configuration. It is
// fatal at construction time.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: invalid %s: %s", e.Field, e.Reason)
}

// Load reads the configuration from path (optional, "" skips the file),
// applies RELAY_* environment overrides, and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	defaults := Default()
	v.SetDefault("default_provider", defaults.DefaultProvider)
	v.SetDefault("enable_fallback", defaults.EnableFallback)
	v.SetDefault("enable_quality_routing", defaults.EnableQualityRouting)
	v.SetDefault("rejection_threshold", defaults.RejectionThreshold)
	v.SetDefault("hybrid_threshold", defaults.HybridThreshold)
	v.SetDefault("validation_threshold", defaults.ValidationThreshold)
	v.SetDefault("max_retries", defaults.MaxRetries)
	v.SetDefault("context_target_tokens", defaults.ContextTargetTokens)
	v.SetDefault("context_limit_tokens", defaults.ContextLimitTokens)
	v.SetDefault("project_root", defaults.ProjectRoot)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks threshold ranges and cross-field consistency.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DefaultProvider) == "" {
		return &ValidationError{Field: "default_provider", Reason: "must not be empty"}
	}
	for _, check := range []struct {
		name  string
		value int
	}{
		{"rejection_threshold", c.RejectionThreshold},
		{"hybrid_threshold", c.HybridThreshold},
		{"validation_threshold", c.ValidationThreshold},
	} {
		if check.value < 0 || check.value > 100 {
			return &ValidationError{Field: check.name, Reason: "must be in [0,100]"}
		}
	}
	if c.RejectionThreshold > c.HybridThreshold {
		return &ValidationError{Field: "rejection_threshold", Reason: "must not exceed hybrid_threshold"}
	}
	if c.MaxRetries < 0 {
		return &ValidationError{Field: "max_retries", Reason: "must be non-negative"}
	}
	if c.ContextTargetTokens <= 0 {
		return &ValidationError{Field: "context_target_tokens", Reason: "must be positive"}
	}
	if c.ContextLimitTokens <= 0 {
		return &ValidationError{Field: "context_limit_tokens", Reason: "must be positive"}
	}
	return nil
}
