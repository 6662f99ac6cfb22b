package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"tessera/internal/cdm"
	"tessera/internal/cdm/selector"
)

func newCDMCommand(ctx *commandContext) *cobra.Command {
	cdmCmd := &cobra.Command{
		Use:   "cdm",
		Short: "Inspect CDM selection",
	}
	cdmCmd.AddCommand(newCDMResolveCommand(ctx))
	return cdmCmd
}

func newCDMResolveCommand(ctx *commandContext) *cobra.Command {
	var req selector.Request
	var schemeFlag string
	var load bool

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Show which CDM the identity tree picks for a track",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(schemeFlag) != "" {
				scheme, err := cdm.ParseScheme(schemeFlag)
				if err != nil {
					return err
				}
				req.Scheme = scheme
			}
			cfg, err := ctx.serviceConfig(req.Service)
			if err != nil {
				return err
			}
			if req.Profile == "" {
				req.Profile = cfg.Profile
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			sel, err := selector.New(cfg, selector.NewConfigFactory(cfg), logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !load {
				name, err := sel.Resolve(req)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, name)
				return nil
			}
			handle, err := sel.Select(cmd.Context(), req)
			if err != nil {
				return err
			}
			id := handle.Identity()
			fmt.Fprintln(out, renderTable(
				[]string{"Name", "Scheme", "Device", "Level", "System ID", "Locality"},
				[][]string{{id.Name, string(id.Scheme), id.DeviceType, fmt.Sprint(id.SecurityLevel), fmt.Sprint(id.SystemID), string(id.Locality)}},
				nil,
			))
			return nil
		},
	}

	cmd.Flags().StringVarP(&req.Service, "service", "s", "", "Service tag")
	cmd.Flags().StringVarP(&req.Profile, "profile", "p", "", "Credential profile")
	cmd.Flags().StringVar(&schemeFlag, "scheme", "", "DRM scheme (widevine, playready, clearkey)")
	cmd.Flags().IntVarP(&req.Quality, "quality", "q", 0, "Track height; 0 uses the default branch")
	cmd.Flags().BoolVar(&load, "load", false, "Instantiate the CDM and print its identity")
	return cmd
}
