package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeLogging()
	c.normalizeWorkflow()
	c.normalizeRemoteCDM()
	if err := c.normalizeVaults(); err != nil {
		return err
	}
	c.normalizeNetwork()
	c.normalizeServe()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DeviceDir, err = expandPath(strings.TrimSpace(c.Paths.DeviceDir)); err != nil {
		return fmt.Errorf("paths.device_dir: %w", err)
	}
	if c.Paths.ExportPath, err = expandPath(strings.TrimSpace(c.Paths.ExportPath)); err != nil {
		return fmt.Errorf("paths.export_path: %w", err)
	}
	if strings.TrimSpace(c.Paths.TempDir) == "" {
		c.Paths.TempDir = defaultTempDir
	}
	if c.Paths.TempDir, err = expandPath(strings.TrimSpace(c.Paths.TempDir)); err != nil {
		return fmt.Errorf("paths.temp_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(strings.TrimSpace(c.Paths.LogDir)); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func (c *Config) normalizeWorkflow() {
	if c.Workflow.TrackWorkers == 0 {
		c.Workflow.TrackWorkers = defaultTrackWorkers
	}
	if c.Workflow.SegmentWorkers == 0 {
		c.Workflow.SegmentWorkers = defaultSegmentWorkers
	}
}

func (c *Config) normalizeRemoteCDM() {
	for i := range c.RemoteCDM {
		remote := &c.RemoteCDM[i]
		remote.Name = strings.TrimSpace(remote.Name)
		remote.Host = strings.TrimRight(strings.TrimSpace(remote.Host), "/")
		remote.DeviceName = strings.TrimSpace(remote.DeviceName)
		remote.DeviceType = strings.ToUpper(strings.TrimSpace(remote.DeviceType))
		remote.Scheme = strings.ToLower(strings.TrimSpace(remote.Scheme))
		if remote.Scheme == "" {
			remote.Scheme = "widevine"
		}
		remote.KeyPath = strings.TrimSpace(remote.KeyPath)
		if remote.KeyPath == "" {
			remote.KeyPath = defaultRemoteKeyPath
		}
	}
}

func (c *Config) normalizeVaults() error {
	for i := range c.Vaults {
		v := &c.Vaults[i]
		v.Kind = strings.ToLower(strings.TrimSpace(v.Kind))
		v.Name = strings.TrimSpace(v.Name)
		v.Host = strings.TrimSpace(v.Host)
		v.DSN = strings.TrimSpace(v.DSN)
		if v.APIKey == "" && v.Kind == "http" {
			if value, ok := os.LookupEnv("TESSERA_VAULT_" + envName(v.Name) + "_API_KEY"); ok {
				v.APIKey = value
			}
		}
		if v.MaxBatch == 0 {
			v.MaxBatch = DefaultVaultMaxBatch
		}
		if v.Kind == "sqlite" {
			var err error
			if v.Path, err = expandPath(strings.TrimSpace(v.Path)); err != nil {
				return fmt.Errorf("vaults[%d].path: %w", i, err)
			}
		}
	}
	return nil
}

func (c *Config) normalizeNetwork() {
	if c.Network.TimeoutSeconds <= 0 {
		c.Network.TimeoutSeconds = defaultTimeoutSeconds
	}
	c.Network.UserAgent = strings.TrimSpace(c.Network.UserAgent)
	if c.Network.UserAgent == "" {
		c.Network.UserAgent = defaultUserAgent
	}
}

func (c *Config) normalizeServe() {
	c.Serve.Bind = strings.TrimSpace(c.Serve.Bind)
	if c.Serve.Bind == "" {
		c.Serve.Bind = defaultServeBind
	}
}

func envName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
