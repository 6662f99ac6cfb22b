package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"
)

// Downloader fetches a track's segments into one file.
type Downloader interface {
	Download(ctx context.Context, segments []string, dest string, workers int) error
}

// HTTPDownloader fetches segments over HTTP, up to workers at a time, and
// joins them in order.
type HTTPDownloader struct {
	client *resty.Client
}

// NewHTTPDownloader builds a downloader. A nil client uses the default
// transport.
func NewHTTPDownloader(client *http.Client, timeout time.Duration, userAgent string) *HTTPDownloader {
	rc := resty.New()
	if client != nil {
		rc = resty.NewWithClient(client)
	}
	if timeout > 0 {
		rc.SetTimeout(timeout)
	}
	if userAgent != "" {
		rc.SetHeader("User-Agent", userAgent)
	}
	return &HTTPDownloader{client: rc}
}

func (d *HTTPDownloader) Download(ctx context.Context, segments []string, dest string, workers int) error {
	if len(segments) == 0 {
		return fmt.Errorf("no segments to download")
	}
	if workers < 1 {
		workers = 1
	}
	partDir, err := os.MkdirTemp(filepath.Dir(dest), ".segments-*")
	if err != nil {
		return fmt.Errorf("create segment directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(partDir) }()

	parts := make([]string, len(segments))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(workers)
	for i, url := range segments {
		parts[i] = filepath.Join(partDir, fmt.Sprintf("segment_%05d", i))
		group.Go(func() error {
			if err := d.fetch(groupCtx, url, parts[i]); err != nil {
				return fmt.Errorf("segment %d: %w", i, err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	return concat(parts, dest)
}

func (d *HTTPDownloader) fetch(ctx context.Context, url, path string) error {
	resp, err := d.client.R().SetContext(ctx).SetDoNotParseResponse(true).Get(url)
	if err != nil {
		return err
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusPartialContent {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode(), url)
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	buf := make([]byte, 32*1024)
	if _, err := io.CopyBuffer(file, body, buf); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func concat(parts []string, dest string) error {
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	for _, part := range parts {
		in, err := os.Open(part)
		if err != nil {
			_ = out.Close()
			return err
		}
		_, err = io.Copy(out, in)
		_ = in.Close()
		if err != nil {
			_ = out.Close()
			return fmt.Errorf("append %s: %w", filepath.Base(part), err)
		}
	}
	return out.Close()
}
