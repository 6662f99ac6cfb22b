package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"tessera/internal/keys"
)

func newVaultsCommand(ctx *commandContext) *cobra.Command {
	vaultsCmd := &cobra.Command{
		Use:   "vaults",
		Short: "Inspect configured key vaults",
	}
	vaultsCmd.AddCommand(newVaultsListCommand(ctx))
	vaultsCmd.AddCommand(newVaultsServicesCommand(ctx))
	return vaultsCmd
}

func newVaultsListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List vaults in lookup order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			chain, _, err := ctx.openChain(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer chain.Close()

			loaded := make(map[string]bool)
			for _, v := range chain.Vaults() {
				loaded[v.Info().Name] = true
			}
			rows := make([][]string, 0, len(cfg.Vaults))
			for i, vc := range cfg.Vaults {
				status := "unavailable"
				if loaded[vc.Name] {
					status = "loaded"
				}
				rows = append(rows, []string{strconv.Itoa(i + 1), vc.Name, vc.Kind, yesNo(vc.NoPush), status})
			}
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "No vaults configured")
				return nil
			}
			fmt.Fprintln(out, renderTable(
				[]string{"#", "Name", "Kind", "No push", "Status"},
				rows,
				[]columnAlignment{alignRight},
			))
			return nil
		},
	}
}

func newVaultsServicesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List services with stored keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			chain, _, err := ctx.openChain(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer chain.Close()

			services, err := chain.Services(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, service := range services {
				fmt.Fprintln(out, service)
			}
			return nil
		},
	}
}

func newKeysCommand(ctx *commandContext) *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Read and write content keys in the vault chain",
	}
	keysCmd.AddCommand(newKeysGetCommand(ctx))
	keysCmd.AddCommand(newKeysAddCommand(ctx))
	keysCmd.AddCommand(newKeysListCommand(ctx))
	return keysCmd
}

func newKeysGetCommand(ctx *commandContext) *cobra.Command {
	var service string

	cmd := &cobra.Command{
		Use:   "get <kid>",
		Short: "Look up a key by KID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kid, err := keys.ParseKID(args[0])
			if err != nil {
				return err
			}
			cfg, err := ctx.serviceConfig(service)
			if err != nil {
				return err
			}
			chain, _, err := ctx.openChain(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer chain.Close()

			hit, ok := chain.Lookup(cmd.Context(), service, kid)
			if !ok {
				return &keys.KeyNotFoundError{KID: kid, Reason: "no vault has it"}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s:%s (%s)\n", kid, hit.Key, hit.Vault)
			return nil
		},
	}

	cmd.Flags().StringVarP(&service, "service", "s", "", "Service tag the key is stored under")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

func newKeysAddCommand(ctx *commandContext) *cobra.Command {
	var service string

	cmd := &cobra.Command{
		Use:   "add <kid>:<key>...",
		Short: "Cache keys in every writable vault",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := parseKeyPairs(args)
			if err != nil {
				return err
			}
			cfg, err := ctx.serviceConfig(service)
			if err != nil {
				return err
			}
			chain, _, err := ctx.openChain(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer chain.Close()

			written := chain.AddKeys(cmd.Context(), service, set)
			fmt.Fprintf(cmd.OutOrStdout(), "cached %d keys to %d/%d vaults\n", len(set), written, chain.Len())
			return nil
		},
	}

	cmd.Flags().StringVarP(&service, "service", "s", "", "Service tag to store the keys under")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

func newKeysListCommand(ctx *commandContext) *cobra.Command {
	var service string
	var showKeys bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keys stored for a service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.serviceConfig(service)
			if err != nil {
				return err
			}
			chain, _, err := ctx.openChain(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer chain.Close()

			set, err := chain.Keys(cmd.Context(), service)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(set))
			for _, kid := range set.SortedKIDs() {
				key := "********"
				if showKeys {
					key = set[kid].String()
				}
				rows = append(rows, []string{kid.String(), key})
			}
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintf(out, "No keys stored for %s\n", service)
				return nil
			}
			fmt.Fprintln(out, renderTable([]string{"KID", "Key"}, rows, nil))
			return nil
		},
	}

	cmd.Flags().StringVarP(&service, "service", "s", "", "Service tag to list")
	cmd.Flags().BoolVar(&showKeys, "show-keys", false, "Print key values")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

// parseKeyPairs reads kid:key arguments. Blank keys are rejected.
func parseKeyPairs(args []string) (keys.Set, error) {
	set := make(keys.Set, len(args))
	for _, arg := range args {
		kidText, keyText, ok := strings.Cut(strings.TrimSpace(arg), ":")
		if !ok {
			return nil, fmt.Errorf("expected <kid>:<key>, got %q", arg)
		}
		kid, err := keys.ParseKID(kidText)
		if err != nil {
			return nil, err
		}
		key, err := keys.ParseContentKey(keyText)
		if err != nil {
			return nil, err
		}
		if key.IsBlank() {
			return nil, fmt.Errorf("key for %s: %w", kid, keys.ErrBlankKey)
		}
		set[kid] = key
	}
	return set, nil
}
