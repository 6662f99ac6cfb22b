package testsupport

import (
	"path/filepath"
	"testing"

	"tessera/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DeviceDir = filepath.Join(base, "devices")
	cfgVal.Paths.ExportPath = filepath.Join(base, "export.json")
	cfgVal.Paths.TempDir = filepath.Join(base, "tmp")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Serve.Bind = "127.0.0.1:0"
	cfgVal.CDM = map[string]any{"default": "test_cdm"}
	cfgVal.Vaults = []config.Vault{{Kind: "memory", Name: "memory", MaxBatch: config.DefaultVaultMaxBatch}}

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithVaults replaces the vault list. Sqlite paths that are relative are
// placed under the test's temp directory.
func WithVaults(vaults ...config.Vault) ConfigOption {
	return func(b *configBuilder) {
		for i := range vaults {
			if vaults[i].Kind == "sqlite" && vaults[i].Path != "" && !filepath.IsAbs(vaults[i].Path) {
				vaults[i].Path = filepath.Join(b.baseDir, vaults[i].Path)
			}
			if vaults[i].MaxBatch == 0 {
				vaults[i].MaxBatch = config.DefaultVaultMaxBatch
			}
		}
		b.cfg.Vaults = vaults
	}
}

// WithCDMTree replaces the [cdm] identity tree.
func WithCDMTree(tree map[string]any) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.CDM = tree
	}
}

// WithWorkflow overrides the workflow section.
func WithWorkflow(workflow config.Workflow) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Workflow = workflow
	}
}
