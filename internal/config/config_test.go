package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"tessera/internal/config"
	"tessera/internal/keys"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}
	wantDevices := filepath.Join(tempHome, ".local", "share", "tessera", "devices")
	if cfg.Paths.DeviceDir != wantDevices {
		t.Fatalf("unexpected device dir: got %q want %q", cfg.Paths.DeviceDir, wantDevices)
	}
	if cfg.Workflow.TrackWorkers != 2 || cfg.Workflow.SegmentWorkers != 16 {
		t.Fatalf("unexpected worker defaults: %+v", cfg.Workflow)
	}
	if cfg.DecryptBinary() != "mp4decrypt" {
		t.Fatalf("unexpected decrypt binary %q", cfg.DecryptBinary())
	}
}

func TestLoadParsesVaultsAndTree(t *testing.T) {
	path := writeConfig(t, `
[cdm]
default = "chrome_l3"

[cdm.EXAMPLE]
">=1080" = "android_l1"
default = "chrome_l3"

[[vaults]]
kind = "sqlite"
name = "local"
path = "keys.db"

[[vaults]]
kind = "http"
name = "shared"
host = "https://vault.example.com"
no_push = true
max_batch = 50
`)
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to exist")
	}
	if len(cfg.Vaults) != 2 {
		t.Fatalf("expected 2 vaults, got %d", len(cfg.Vaults))
	}
	if !filepath.IsAbs(cfg.Vaults[0].Path) {
		t.Fatalf("expected sqlite path to be absolute, got %q", cfg.Vaults[0].Path)
	}
	if cfg.Vaults[0].MaxBatch != config.DefaultVaultMaxBatch {
		t.Fatalf("expected default max batch, got %d", cfg.Vaults[0].MaxBatch)
	}
	if !cfg.Vaults[1].NoPush || cfg.Vaults[1].MaxBatch != 50 {
		t.Fatalf("unexpected http vault: %+v", cfg.Vaults[1])
	}
	example, ok := cfg.CDM["EXAMPLE"].(map[string]any)
	if !ok {
		t.Fatalf("expected EXAMPLE to decode as a table, got %T", cfg.CDM["EXAMPLE"])
	}
	if example[">=1080"] != "android_l1" {
		t.Fatalf("unexpected predicate value: %v", example[">=1080"])
	}
}

func TestValidateRejectsConflictingModes(t *testing.T) {
	path := writeConfig(t, `
[workflow]
cdm_only = true
vaults_only = true
`)
	_, _, _, err := config.Load(path)
	if err == nil {
		t.Fatal("expected conflicting modes to fail")
	}
	var cfgErr *keys.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %T", err)
	}
	if cfgErr.Key != "workflow.cdm_only/workflow.vaults_only" {
		t.Fatalf("unexpected key %q", cfgErr.Key)
	}
}

func TestValidateRejectsIncompleteVaults(t *testing.T) {
	cases := map[string]string{
		"unknown kind": "[[vaults]]\nkind = \"redis\"\nname = \"x\"\n",
		"missing dsn":  "[[vaults]]\nkind = \"mysql\"\nname = \"x\"\n",
		"missing host": "[[vaults]]\nkind = \"http\"\nname = \"x\"\n",
		"duplicate":    "[[vaults]]\nkind = \"memory\"\nname = \"x\"\n[[vaults]]\nkind = \"memory\"\nname = \"x\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, _, _, err := config.Load(writeConfig(t, body)); !errors.Is(err, keys.ErrConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TESSERA_LOG_LEVEL", "DEBUG")
	t.Setenv("TESSERA_VAULTS_ONLY", "true")
	t.Setenv("TESSERA_SERVE_API_KEY", "secret")

	cfg, _, _, err := config.Load(writeConfig(t, "[logging]\nlevel = \"warn\"\n"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected env log level, got %q", cfg.Logging.Level)
	}
	if !cfg.Workflow.VaultsOnly {
		t.Fatal("expected vaults_only from env")
	}
	if cfg.Serve.APIKey != "secret" {
		t.Fatalf("unexpected serve api key %q", cfg.Serve.APIKey)
	}
}

func TestForServiceMergesWithoutMutatingBase(t *testing.T) {
	path := writeConfig(t, `
[workflow]
track_workers = 2

[services.EXAMPLE]
profile = "premium"

[services.EXAMPLE.workflow]
track_workers = 6
cdm_only = true

[services.EXAMPLE.network]
user_agent = "example/2"
`)
	cfg, _, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	scoped, err := cfg.ForService("example")
	if err != nil {
		t.Fatalf("ForService returned error: %v", err)
	}
	if scoped.Workflow.TrackWorkers != 6 || !scoped.Workflow.CDMOnly {
		t.Fatalf("override not applied: %+v", scoped.Workflow)
	}
	if scoped.Workflow.SegmentWorkers != cfg.Workflow.SegmentWorkers {
		t.Fatalf("unset override field replaced base value: %d", scoped.Workflow.SegmentWorkers)
	}
	if scoped.Profile != "premium" || scoped.Network.UserAgent != "example/2" {
		t.Fatalf("unexpected scoped config: profile=%q ua=%q", scoped.Profile, scoped.Network.UserAgent)
	}
	if cfg.Workflow.TrackWorkers != 2 || cfg.Workflow.CDMOnly || cfg.Network.UserAgent == "example/2" {
		t.Fatalf("base config mutated: %+v", cfg.Workflow)
	}

	other, err := cfg.ForService("OTHER")
	if err != nil {
		t.Fatalf("ForService returned error: %v", err)
	}
	if other.Workflow != cfg.Workflow {
		t.Fatalf("expected untouched workflow for unknown service")
	}
}

func TestCreateSampleLoads(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample returned error: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("sample config failed to load: %v", err)
	}
	if !exists || len(cfg.Vaults) != 1 || cfg.CDM["default"] != "chrome_l3" {
		t.Fatalf("unexpected sample config: %+v", cfg)
	}
}
