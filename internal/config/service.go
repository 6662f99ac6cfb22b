package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"dario.cat/mergo"
)

// ForService returns a copy of the configuration with the [services.NAME]
// override merged in. The receiver is never modified. Boolean overrides can
// only switch a setting on.
func (c *Config) ForService(name string) (*Config, error) {
	clone := c.clone()
	override, ok := c.lookupService(name)
	if !ok {
		return clone, nil
	}
	if err := mergo.Merge(&clone.Workflow, override.Workflow, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge services.%s.workflow: %w", name, err)
	}
	if err := mergo.Merge(&clone.Decrypt, override.Decrypt, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge services.%s.decrypt: %w", name, err)
	}
	if err := mergo.Merge(&clone.Network, override.Network, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge services.%s.network: %w", name, err)
	}
	if profile := strings.TrimSpace(override.Profile); profile != "" {
		clone.Profile = profile
	}
	if err := clone.validateWorkflow(); err != nil {
		return nil, err
	}
	return clone, nil
}

func (c *Config) lookupService(name string) (ServiceOverride, bool) {
	if override, ok := c.Services[name]; ok {
		return override, true
	}
	for key, override := range c.Services {
		if strings.EqualFold(key, name) {
			return override, true
		}
	}
	return ServiceOverride{}, false
}

func (c *Config) clone() *Config {
	clone := *c
	clone.CDM = maps.Clone(c.CDM)
	clone.RemoteCDM = slices.Clone(c.RemoteCDM)
	clone.Vaults = slices.Clone(c.Vaults)
	clone.Services = maps.Clone(c.Services)
	return &clone
}
