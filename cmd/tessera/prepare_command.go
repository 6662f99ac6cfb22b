package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tessera/internal/cdm/selector"
	"tessera/internal/config"
	"tessera/internal/drm"
	"tessera/internal/export"
	"tessera/internal/license"
	"tessera/internal/logging"
	"tessera/internal/media"
	"tessera/internal/report"
	"tessera/internal/scheduler"
	"tessera/internal/vault"
)

type prepareFlags struct {
	jobPath    string
	cdmOnly    bool
	vaultsOnly bool
	showKeys   bool
	noExport   bool
}

func newPrepareCommand(ctx *commandContext) *cobra.Command {
	var flags prepareFlags

	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Resolve keys for a job's tracks, then download and decrypt them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrepare(cmd, ctx, flags)
		},
	}

	cmd.Flags().StringVarP(&flags.jobPath, "job", "j", "", "Job file describing the tracks")
	cmd.Flags().BoolVar(&flags.cdmOnly, "cdm-only", false, "Skip vault lookups")
	cmd.Flags().BoolVar(&flags.vaultsOnly, "vaults-only", false, "Never perform a license exchange")
	cmd.Flags().BoolVar(&flags.showKeys, "show-keys", false, "Print key values in the report")
	cmd.Flags().BoolVar(&flags.noExport, "no-export", false, "Do not record keys in the export file")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func runPrepare(cmd *cobra.Command, ctx *commandContext, flags prepareFlags) error {
	job, err := loadJob(flags.jobPath)
	if err != nil {
		return err
	}
	baseDir, err := filepath.Abs(filepath.Dir(flags.jobPath))
	if err != nil {
		return err
	}
	jobs, err := job.schedulerJobs(baseDir)
	if err != nil {
		return err
	}

	cfg, err := ctx.serviceConfig(job.Service)
	if err != nil {
		return err
	}
	chain, logger, err := ctx.openChain(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer chain.Close()

	runCtx := logging.WithService(vault.WithTitle(cmd.Context(), job.Title), job.Service)
	opts, err := pipelineOptions(cfg, job, flags, logger)
	if err != nil {
		return err
	}

	ledger := report.NewLedger()
	pipeline := drm.NewPipeline(chain, ledger, logger)
	network := cfg.Network

	var store *export.Store
	if !flags.noExport && cfg.Paths.ExportPath != "" {
		store = export.NewStore(cfg.Paths.ExportPath)
	}

	out := cmd.OutOrStdout()
	summary, runErr := scheduler.Run(runCtx, scheduler.Options{
		TrackWorkers:   cfg.Workflow.TrackWorkers,
		SegmentWorkers: cfg.Workflow.SegmentWorkers,
		TempDir:        cfg.Paths.TempDir,
		Downloader:     media.NewHTTPDownloader(nil, network.Timeout(), network.UserAgent),
		Decrypter:      media.Mp4Decrypt{Binary: cfg.DecryptBinary()},
		Preparer:       scheduler.DRMPreparer{Pipeline: pipeline, Options: opts},
		Logger:         logger,
		OnResult: func(result scheduler.Result) {
			printResult(out, result)
			if store == nil || result.Err != nil || len(result.Keys) == 0 {
				return
			}
			recordExport(runCtx, store, job, result, logger)
		},
	}, jobs)

	if rows := ledger.Snapshot(); len(rows) > 0 {
		fmt.Fprintln(out, report.Render(rows, report.RenderOptions{
			ShowKeys: flags.showKeys,
			Color:    shouldColorize(out),
		}))
	}
	fmt.Fprintf(out, "%d completed, %d failed, %d skipped", summary.Completed, summary.Failed, summary.Skipped)
	if summary.Cancelled {
		fmt.Fprint(out, " (cancelled)")
	}
	fmt.Fprintln(out)

	if runErr != nil {
		return runErr
	}
	if summary.Failed > 0 && !summary.Cancelled {
		return errors.New("one or more tracks failed")
	}
	return nil
}

func pipelineOptions(cfg *config.Config, job *jobFile, flags prepareFlags, logger *slog.Logger) (drm.Options, error) {
	profile := strings.TrimSpace(job.Profile)
	if profile == "" {
		profile = cfg.Profile
	}
	opts := drm.Options{
		Service:    job.Service,
		Title:      job.Title,
		Profile:    profile,
		CDMOnly:    cfg.Workflow.CDMOnly || flags.cdmOnly,
		VaultsOnly: cfg.Workflow.VaultsOnly || flags.vaultsOnly,
	}
	if opts.VaultsOnly {
		return opts, nil
	}

	sel, err := selector.New(cfg, selector.NewConfigFactory(cfg), logger)
	if err != nil {
		return drm.Options{}, err
	}
	opts.CDM = selector.NewSwitching(sel, selector.NewHolder(nil), logger)

	if job.LicenseURL != "" {
		provider := license.NewHTTP(license.HTTPOptions{
			LicenseURL:     job.LicenseURL,
			CertificateURL: job.CertificateURL,
			Headers:        job.Headers,
			ResponsePath:   job.ResponsePath,
			Timeout:        cfg.Network.Timeout(),
			UserAgent:      cfg.Network.UserAgent,
		})
		opts.License = provider
		opts.Certificate = provider
	}
	return opts, nil
}

func printResult(out io.Writer, result scheduler.Result) {
	if result.Err != nil {
		fmt.Fprintf(out, "%s: failed: %v\n", result.TrackID, result.Err)
		return
	}
	fmt.Fprintf(out, "%s: %s (%d keys, %s)\n", result.TrackID, result.Output, len(result.Keys), result.Duration.Round(time.Millisecond))
}
