package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and file locations.
type Paths struct {
	DeviceDir  string `toml:"device_dir"`
	ExportPath string `toml:"export_path"`
	TempDir    string `toml:"temp_dir"`
	LogDir     string `toml:"log_dir"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Workflow contains concurrency bounds and key source restrictions.
type Workflow struct {
	// TrackWorkers bounds how many tracks are processed at once.
	TrackWorkers int `toml:"track_workers"`
	// SegmentWorkers bounds concurrent segment downloads inside one track.
	SegmentWorkers int `toml:"segment_workers"`
	// CDMOnly skips vault lookups and always performs a license exchange.
	CDMOnly bool `toml:"cdm_only"`
	// VaultsOnly forbids license exchanges; missing keys fail the track.
	VaultsOnly bool `toml:"vaults_only"`
}

// RemoteCDM describes a CDM exposed over HTTP by a serve-style API.
type RemoteCDM struct {
	Name          string `toml:"name"`
	Host          string `toml:"host"`
	Secret        string `toml:"secret"`
	DeviceName    string `toml:"device_name"`
	DeviceType    string `toml:"device_type"`
	SystemID      int    `toml:"system_id"`
	SecurityLevel int    `toml:"security_level"`
	Scheme        string `toml:"scheme"`
	// KeyPath is the gjson path of the key array in the get_keys response.
	KeyPath string `toml:"key_path"`
}

// Vault describes one key vault in lookup order.
type Vault struct {
	Kind     string `toml:"kind"`
	Name     string `toml:"name"`
	Path     string `toml:"path"`
	Host     string `toml:"host"`
	DSN      string `toml:"dsn"`
	APIKey   string `toml:"api_key"`
	NoPush   bool   `toml:"no_push"`
	MaxBatch int    `toml:"max_batch"`
}

// Decrypt configures the external decrypter.
type Decrypt struct {
	Binary string `toml:"binary"`
}

// Engine configures the helper that performs local CDM cryptography.
type Engine struct {
	Binary string `toml:"binary"`
}

// Network configures outbound HTTP clients.
type Network struct {
	TimeoutSeconds int    `toml:"timeout_seconds"`
	UserAgent      string `toml:"user_agent"`
}

// Timeout returns the client timeout, or zero when unset.
func (n Network) Timeout() time.Duration {
	if n.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(n.TimeoutSeconds) * time.Second
}

// Serve configures the vault server.
type Serve struct {
	Bind   string `toml:"bind"`
	APIKey string `toml:"api_key"`
}

// ServiceOverride holds per-service settings merged over the base config by
// ForService. Zero values leave the base value in place.
type ServiceOverride struct {
	Profile  string   `toml:"profile"`
	Workflow Workflow `toml:"workflow"`
	Decrypt  Decrypt  `toml:"decrypt"`
	Network  Network  `toml:"network"`
}

// Config encapsulates all configuration values for Tessera.
//
// Configuration sections by subsystem:
//   - Paths: device files, export record, temp files, logs
//   - Logging: log format and level
//   - Workflow: worker bounds and cdm_only/vaults_only modes
//   - CDM: the identity tree mapping service/profile/quality/scheme to a CDM name
//   - RemoteCDM: CDMs served over HTTP, referenced by name from the tree
//   - Vaults: key vaults in lookup order
//   - Decrypt/Engine: external binaries
//   - Network: HTTP client settings
//   - Serve: vault server bind address and api key
//   - Services: per-service overrides
type Config struct {
	Paths     Paths                      `toml:"paths"`
	Logging   Logging                    `toml:"logging"`
	Workflow  Workflow                   `toml:"workflow"`
	CDM       map[string]any             `toml:"cdm"`
	RemoteCDM []RemoteCDM                `toml:"remote_cdm"`
	Vaults    []Vault                    `toml:"vaults"`
	Decrypt   Decrypt                    `toml:"decrypt"`
	Engine    Engine                     `toml:"engine"`
	Network   Network                    `toml:"network"`
	Serve     Serve                      `toml:"serve"`
	Services  map[string]ServiceOverride `toml:"services"`

	// Profile is the credential profile selected for the active service.
	Profile string `toml:"-"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/tessera/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("tessera.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories the pipeline writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.TempDir, c.Paths.LogDir}
	if c.Paths.ExportPath != "" {
		dirs = append(dirs, filepath.Dir(c.Paths.ExportPath))
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DecryptBinary returns the decrypter executable name.
func (c *Config) DecryptBinary() string {
	if strings.TrimSpace(c.Decrypt.Binary) == "" {
		return defaultDecryptBinary
	}
	return c.Decrypt.Binary
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}
