package main

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"tessera/internal/logging"
	"tessera/internal/vaultserver"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var bind string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the vault chain over the vault JSON-RPC protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(bind) == "" {
				bind = cfg.Serve.Bind
			}
			chain, logger, err := ctx.openChain(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer chain.Close()
			if chain.Len() == 0 {
				return errors.New("serve: no vaults loaded")
			}
			if cfg.Serve.APIKey == "" {
				logging.WarnWithContext(logger, "vault server accepts any token", "serve_open",
					logging.String(logging.FieldErrorHint, "set serve.api_key or TESSERA_SERVE_API_KEY"),
					logging.String(logging.FieldImpact, "anyone who can reach the bind address can read and write keys"),
				)
			}

			server := vaultserver.NewServer(bind, vaultserver.New(chain, cfg.Serve.APIKey, logger), logger)
			return server.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&bind, "bind", "", "Listen address (defaults to serve.bind)")
	return cmd
}
