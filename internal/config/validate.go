package config

import (
	"fmt"
	"strings"

	"tessera/internal/keys"
)

var vaultKinds = map[string]bool{
	"sqlite":   true,
	"mysql":    true,
	"postgres": true,
	"http":     true,
	"memory":   true,
}

var schemes = map[string]bool{
	"widevine":  true,
	"playready": true,
	"clearkey":  true,
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateCDMTree(); err != nil {
		return err
	}
	if err := c.validateRemoteCDM(); err != nil {
		return err
	}
	if err := c.validateVaults(); err != nil {
		return err
	}
	return nil
}

func invalid(key, format string, args ...any) error {
	return &keys.ConfigurationError{Key: key, Message: fmt.Sprintf(format, args...)}
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return invalid("logging.format", "must be console or json, got %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.TrackWorkers < 1 {
		return invalid("workflow.track_workers", "must be at least 1")
	}
	if c.Workflow.SegmentWorkers < 1 {
		return invalid("workflow.segment_workers", "must be at least 1")
	}
	if c.Workflow.CDMOnly && c.Workflow.VaultsOnly {
		return invalid("workflow.cdm_only/workflow.vaults_only", "cdm_only and vaults_only cannot both be set")
	}
	return nil
}

func (c *Config) validateCDMTree() error {
	for key, value := range c.CDM {
		if err := validateTreeNode("cdm."+key, value); err != nil {
			return err
		}
	}
	return nil
}

func validateTreeNode(path string, value any) error {
	switch v := value.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return invalid(path, "cdm name must not be empty")
		}
		return nil
	case map[string]any:
		if len(v) == 0 {
			return invalid(path, "mapping must not be empty")
		}
		for key, child := range v {
			if err := validateTreeNode(path+"."+key, child); err != nil {
				return err
			}
		}
		return nil
	default:
		return invalid(path, "must be a cdm name or a table, got %T", value)
	}
}

func (c *Config) validateRemoteCDM() error {
	seen := make(map[string]bool, len(c.RemoteCDM))
	for i, remote := range c.RemoteCDM {
		prefix := fmt.Sprintf("remote_cdm[%d]", i)
		if remote.Name == "" {
			return invalid(prefix+".name", "must be set")
		}
		if seen[remote.Name] {
			return invalid(prefix+".name", "duplicate remote cdm %q", remote.Name)
		}
		seen[remote.Name] = true
		if remote.Host == "" {
			return invalid(prefix+".host", "must be set for remote cdm %q", remote.Name)
		}
		if remote.DeviceName == "" {
			return invalid(prefix+".device_name", "must be set for remote cdm %q", remote.Name)
		}
		if !schemes[remote.Scheme] || remote.Scheme == "clearkey" {
			return invalid(prefix+".scheme", "must be widevine or playready, got %q", remote.Scheme)
		}
	}
	return nil
}

func (c *Config) validateVaults() error {
	seen := make(map[string]bool, len(c.Vaults))
	for i, v := range c.Vaults {
		prefix := fmt.Sprintf("vaults[%d]", i)
		if !vaultKinds[v.Kind] {
			return invalid(prefix+".kind", "unsupported vault kind %q", v.Kind)
		}
		if v.Name == "" {
			return invalid(prefix+".name", "must be set")
		}
		if seen[v.Name] {
			return invalid(prefix+".name", "duplicate vault %q", v.Name)
		}
		seen[v.Name] = true
		switch v.Kind {
		case "sqlite":
			if v.Path == "" {
				return invalid(prefix+".path", "must be set for sqlite vault %q", v.Name)
			}
		case "mysql", "postgres":
			if v.DSN == "" {
				return invalid(prefix+".dsn", "must be set for %s vault %q", v.Kind, v.Name)
			}
		case "http":
			if v.Host == "" {
				return invalid(prefix+".host", "must be set for http vault %q", v.Name)
			}
		}
		if v.MaxBatch < 1 {
			return invalid(prefix+".max_batch", "must be positive")
		}
	}
	return nil
}
