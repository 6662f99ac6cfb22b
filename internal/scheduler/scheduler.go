// Package scheduler runs tracks through download, DRM preparation and
// decryption on a bounded worker pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"tessera/internal/drm"
	"tessera/internal/keys"
	"tessera/internal/logging"
	"tessera/internal/media"
)

// Job is one track to process.
type Job struct {
	ID       string
	Segments []string
	Output   string
	DRM      *drm.Track
}

// Preparer resolves the keys of a track.
type Preparer interface {
	Prepare(ctx context.Context, track *drm.Track) error
}

// Options configures Run.
type Options struct {
	// TrackWorkers bounds concurrent tracks. Total concurrent segment fetches
	// are up to TrackWorkers * SegmentWorkers.
	TrackWorkers   int
	SegmentWorkers int
	TempDir        string
	Downloader     media.Downloader
	Preparer       Preparer
	Decrypter      media.Decrypter
	TempFiles      *TempFiles
	Logger         *slog.Logger
	// OnResult is called once per finished track, in completion order.
	OnResult func(Result)
}

// Result is the outcome of one track.
type Result struct {
	TrackID  string
	Output   string
	Keys     keys.Set
	Err      error
	Duration time.Duration
}

// Summary reports a run.
type Summary struct {
	Completed int
	Failed    int
	Skipped   int
	Cancelled bool
	Results   []Result
}

// Run processes jobs and returns once every started track has finished.
//
// A track failing with a missing key fails alone. Any other failure stops
// new tracks from starting while the ones in flight drain; the first error
// is returned. Cancelling ctx marks the summary cancelled and returns nil.
// Files registered in opts.TempFiles, including staged decrypt outputs, are
// removed in every case.
func Run(ctx context.Context, opts Options, jobs []Job) (summary Summary, err error) {
	if opts.Downloader == nil || opts.Decrypter == nil {
		return Summary{}, errors.New("scheduler requires a downloader and a decrypter")
	}
	if opts.TrackWorkers < 1 {
		opts.TrackWorkers = 1
	}
	if opts.SegmentWorkers < 1 {
		opts.SegmentWorkers = 1
	}
	if opts.TempFiles == nil {
		opts.TempFiles = &TempFiles{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "scheduler")

	defer func() {
		if cerr := opts.TempFiles.Cleanup(); cerr != nil {
			logging.WarnWithContext(logger, "temp file cleanup failed", "temp_cleanup_failed",
				logging.Error(cerr),
				logging.String(logging.FieldErrorHint, "remove leftover files from paths.temp_dir"),
				logging.String(logging.FieldImpact, "disk space is not reclaimed"),
			)
		}
	}()

	if opts.TempDir != "" {
		if err := os.MkdirAll(opts.TempDir, 0o755); err != nil {
			return Summary{}, fmt.Errorf("create temp dir: %w", err)
		}
	}

	sem := semaphore.NewWeighted(int64(opts.TrackWorkers))
	results := make(chan Result)
	var wg sync.WaitGroup
	var stopMu sync.Mutex
	var fatal error

	started := 0
	go func() {
		defer close(results)
		for _, job := range jobs {
			stopMu.Lock()
			halted := fatal != nil
			stopMu.Unlock()
			if halted {
				break
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				break
			}
			stopMu.Lock()
			halted = fatal != nil
			stopMu.Unlock()
			if halted {
				sem.Release(1)
				break
			}
			started++
			wg.Add(1)
			go func(job Job) {
				defer wg.Done()
				defer sem.Release(1)
				result := runTrack(ctx, opts, logger, job)
				if result.Err != nil && keys.IsRunFatal(result.Err) && ctx.Err() == nil {
					stopMu.Lock()
					if fatal == nil {
						fatal = result.Err
					}
					stopMu.Unlock()
				}
				results <- result
			}(job)
		}
		wg.Wait()
	}()

	var firstErr error
	for result := range results {
		summary.Results = append(summary.Results, result)
		if result.Err != nil {
			summary.Failed++
			if firstErr == nil && !isCancellation(result.Err) {
				firstErr = result.Err
			}
		} else {
			summary.Completed++
		}
		if opts.OnResult != nil {
			opts.OnResult(result)
		}
	}
	summary.Skipped = len(jobs) - started

	if ctx.Err() != nil {
		summary.Cancelled = true
		logger.Info("run cancelled",
			logging.Int("completed", summary.Completed),
			logging.Int("failed", summary.Failed),
			logging.Int("skipped", summary.Skipped),
		)
		return summary, nil
	}
	return summary, firstErr
}

func runTrack(ctx context.Context, opts Options, logger *slog.Logger, job Job) Result {
	start := time.Now()
	ctx = logging.WithTrackID(ctx, job.ID)
	log := logging.WithContext(ctx, logger)
	result := Result{TrackID: job.ID, Output: job.Output}
	finish := func(err error) Result {
		result.Err = err
		result.Duration = time.Since(start)
		if err != nil && !isCancellation(err) {
			log.Error("track failed", logging.Error(err), logging.String("error_kind", keys.Kind(err)))
		} else if err == nil {
			log.Info("track complete", logging.Duration("duration", result.Duration))
		}
		return result
	}

	if err := ctx.Err(); err != nil {
		return finish(err)
	}
	if job.Output == "" {
		return finish(fmt.Errorf("track %s has no output path", job.ID))
	}
	// The download is removed only after a successful decrypt. Partial files
	// from failed or cancelled tracks stay for the user to inspect.
	encrypted := filepath.Join(tempDir(opts, job), job.ID+".encrypted.mp4")

	stageCtx := logging.WithStage(ctx, "download")
	if err := opts.Downloader.Download(stageCtx, job.Segments, encrypted, opts.SegmentWorkers); err != nil {
		return finish(fmt.Errorf("download: %w", err))
	}

	if job.DRM == nil || len(job.DRM.Contexts) == 0 {
		if err := os.Rename(encrypted, job.Output); err != nil {
			return finish(fmt.Errorf("move clear track: %w", err))
		}
		return finish(nil)
	}

	if !job.DRM.HasKID() {
		if kid, ok, err := media.TrackKIDFromFile(encrypted); err == nil && ok {
			job.DRM.KID = kid
		}
	}
	if opts.Preparer == nil {
		return finish(&keys.ConfigurationError{Key: "drm", Message: "no preparer for an encrypted track"})
	}
	if err := opts.Preparer.Prepare(logging.WithStage(ctx, "drm"), job.DRM); err != nil {
		return finish(err)
	}

	set := keys.Set{}
	for _, drmCtx := range job.DRM.Contexts {
		set.Overlay(drmCtx.ContentKeys())
	}
	result.Keys = set.Clone()
	if job.DRM.HasKID() && !set.Has(job.DRM.KID) {
		return finish(&keys.KeyNotFoundError{KID: job.DRM.KID, Reason: "not resolved before decryption"})
	}
	// The decrypter writes next to the output and the result is renamed into
	// place, so a failed or interrupted decrypt never leaves a truncated
	// output behind.
	staged := stagedPath(job.Output)
	opts.TempFiles.Track(staged)
	if err := opts.Decrypter.Decrypt(logging.WithStage(ctx, "decrypt"), encrypted, staged, set); err != nil {
		return finish(fmt.Errorf("decrypt: %w", err))
	}
	if err := os.Rename(staged, job.Output); err != nil {
		return finish(fmt.Errorf("move decrypted track: %w", err))
	}
	if err := os.Remove(encrypted); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Debug("remove encrypted download", logging.Error(err))
	}
	return finish(nil)
}

func stagedPath(output string) string { return output + ".part" }

func tempDir(opts Options, job Job) string {
	if opts.TempDir != "" {
		return opts.TempDir
	}
	return filepath.Dir(job.Output)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// DRMPreparer adapts a pipeline and fixed options to Preparer.
type DRMPreparer struct {
	Pipeline *drm.Pipeline
	Options  drm.Options
}

func (p DRMPreparer) Prepare(ctx context.Context, track *drm.Track) error {
	return p.Pipeline.PrepareTrack(ctx, track, p.Options)
}
