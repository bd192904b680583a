package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Load reads, populates, and validates the service configuration.
//
// The loading sequence is:
//  1. Overlay a .env file via godotenv (non-fatal if absent; never
//     overrides variables already present in the environment).
//  2. Populate the Config struct from envconfig tags.
//  3. Validate the struct with go-playground/validator.
//
// Any failure is returned as an error so main can fail fast.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: processing environment: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	if cfg.Push.CredentialsJSON.Unmask() == "" && cfg.Push.CredentialsFile == "" {
		return nil, fmt.Errorf("config: one of FCM_CREDENTIALS_JSON or FCM_CREDENTIALS_FILE is required")
	}

	return &cfg, nil
}
