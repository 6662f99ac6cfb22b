package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// envOverrides lists the settings that can be overridden from the
// environment. Fields are seeded from the file values so unset variables
// leave them untouched.
type envOverrides struct {
	LogLevel    string `env:"TESSERA_LOG_LEVEL"`
	LogFormat   string `env:"TESSERA_LOG_FORMAT"`
	CDMOnly     bool   `env:"TESSERA_CDM_ONLY"`
	VaultsOnly  bool   `env:"TESSERA_VAULTS_ONLY"`
	ServeAPIKey string `env:"TESSERA_SERVE_API_KEY"`
	EngineBin   string `env:"TESSERA_ENGINE_BINARY"`
}

func (c *Config) applyEnv() error {
	overrides := envOverrides{
		LogLevel:    c.Logging.Level,
		LogFormat:   c.Logging.Format,
		CDMOnly:     c.Workflow.CDMOnly,
		VaultsOnly:  c.Workflow.VaultsOnly,
		ServeAPIKey: c.Serve.APIKey,
		EngineBin:   c.Engine.Binary,
	}
	if err := env.Parse(&overrides); err != nil {
		return fmt.Errorf("parse environment overrides: %w", err)
	}
	c.Logging.Level = overrides.LogLevel
	c.Logging.Format = overrides.LogFormat
	c.Workflow.CDMOnly = overrides.CDMOnly
	c.Workflow.VaultsOnly = overrides.VaultsOnly
	c.Serve.APIKey = overrides.ServeAPIKey
	c.Engine.Binary = overrides.EngineBin
	return nil
}
