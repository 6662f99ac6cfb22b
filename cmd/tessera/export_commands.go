package main

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"tessera/internal/export"
	"tessera/internal/logging"
	"tessera/internal/scheduler"
)

func newExportCommand(ctx *commandContext) *cobra.Command {
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Inspect the export record",
	}
	exportCmd.AddCommand(newExportShowCommand(ctx))
	return exportCmd
}

func newExportShowCommand(ctx *commandContext) *cobra.Command {
	var title string
	var showKeys bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print exported keys by title and track",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			doc, err := export.NewStore(cfg.Paths.ExportPath).Load()
			if err != nil {
				return err
			}

			var rows [][]string
			for _, t := range doc.Titles() {
				if title != "" && t != title {
					continue
				}
				tracks := doc[t]
				trackIDs := make([]string, 0, len(tracks))
				for id := range tracks {
					trackIDs = append(trackIDs, id)
				}
				slices.Sort(trackIDs)
				for _, id := range trackIDs {
					record := tracks[id]
					kids := make([]string, 0, len(record.Keys))
					for kid := range record.Keys {
						kids = append(kids, kid)
					}
					slices.Sort(kids)
					for _, kid := range kids {
						key := "********"
						if showKeys {
							key = record.Keys[kid]
						}
						rows = append(rows, []string{t, id, kid, key})
					}
				}
			}

			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintf(out, "No exported keys in %s\n", cfg.Paths.ExportPath)
				return nil
			}
			fmt.Fprintln(out, renderTable([]string{"Title", "Track", "KID", "Key"}, rows, nil))
			return nil
		},
	}

	cmd.Flags().StringVarP(&title, "title", "t", "", "Only show this title")
	cmd.Flags().BoolVar(&showKeys, "show-keys", false, "Print key values")
	return cmd
}

func recordExport(ctx context.Context, store *export.Store, job *jobFile, result scheduler.Result, logger *slog.Logger) {
	var url, descriptor string
	if t, ok := job.track(result.TrackID); ok {
		descriptor = t.Descriptor
		if len(t.Segments) > 0 {
			url = t.Segments[0]
		}
	}
	if err := store.Merge(ctx, job.Title, result.TrackID, export.NewRecord(url, descriptor, result.Keys)); err != nil {
		logging.WarnWithContext(logger, "export record not updated", "export_failed",
			logging.String("track_id", result.TrackID),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check paths.export_path is writable"),
			logging.String(logging.FieldImpact, "keys are cached in vaults but missing from the export file"),
		)
	}
}
