// Package loader builds a vault chain from configuration.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tessera/internal/config"
	"tessera/internal/logging"
	"tessera/internal/vault"
	"tessera/internal/vault/httpvault"
	"tessera/internal/vault/sqlitevault"
	"tessera/internal/vault/sqlvault"
)

// Open constructs every configured vault in order. A vault that cannot be
// opened is logged and left out; the run continues with the rest.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) *vault.Chain {
	log := logging.NewComponentLogger(logger, "vault")
	var vaults []vault.Vault
	for _, vc := range cfg.Vaults {
		v, err := openOne(ctx, vc, cfg.Network)
		if err != nil {
			logging.WarnWithContext(log, "vault failed to load", "vault_load_failed",
				logging.String(logging.FieldVault, vc.Name),
				logging.String("vault_kind", vc.Kind),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check the [[vaults]] entry and that the vault is reachable"),
				logging.String(logging.FieldImpact, "keys will not be read from or cached to this vault"),
			)
			continue
		}
		log.Debug("vault loaded",
			logging.String(logging.FieldVault, vc.Name),
			logging.String("vault_kind", vc.Kind),
			logging.Bool("no_push", vc.NoPush),
		)
		vaults = append(vaults, v)
	}
	return vault.NewChain(logger, vaults...)
}

func openOne(ctx context.Context, vc config.Vault, network config.Network) (vault.Vault, error) {
	info := vault.Info{Name: vc.Name, NoPush: vc.NoPush}
	switch vc.Kind {
	case "sqlite":
		return sqlitevault.Open(ctx, vc.Path, info)
	case "mysql":
		return sqlvault.Open(ctx, vc.DSN, sqlvault.Options{Info: info, Dialect: sqlvault.MySQL, MaxBatch: vc.MaxBatch})
	case "postgres":
		return sqlvault.Open(ctx, vc.DSN, sqlvault.Options{Info: info, Dialect: sqlvault.Postgres, MaxBatch: vc.MaxBatch})
	case "http":
		return httpvault.New(httpvault.Options{
			Info:      info,
			Host:      vc.Host,
			APIKey:    vc.APIKey,
			Timeout:   time.Duration(network.TimeoutSeconds) * time.Second,
			UserAgent: network.UserAgent,
		}), nil
	case "memory":
		return vault.NewMemory(vc.Name, vc.NoPush), nil
	default:
		return nil, fmt.Errorf("unsupported vault kind %q", vc.Kind)
	}
}
