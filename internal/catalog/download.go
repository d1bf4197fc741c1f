package catalog

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/erdemkarakoylu/overpass/internal/models"
)

// Downloader fetches granule files over HTTPS into a local cache
// directory, keyed by granule ID. Already-cached granules are reused.
type Downloader struct {
	cacheDir string
	token    string // Earthdata bearer token, optional
	client   *http.Client
}

func NewDownloader(cacheDir, token string) *Downloader {
	return &Downloader{
		cacheDir: cacheDir,
		token:    token,
		client:   &http.Client{Timeout: 10 * time.Minute},
	}
}

func (d *Downloader) Fetch(ctx context.Context, g models.Granule) (string, error) {
	if g.DownloadURL == "" {
		return "", fmt.Errorf("granule %s has no download link", g.ID)
	}
	if err := os.MkdirAll(d.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}

	dest := filepath.Join(d.cacheDir, g.ID)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	operation := func() error {
		return d.download(ctx, g.DownloadURL, dest)
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 5 * time.Minute
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return "", fmt.Errorf("download granule %s: %w", g.ID, err)
	}

	log.Printf("catalog: downloaded %s", g.ID)
	return dest, nil
}

func (d *Downloader) download(ctx context.Context, srcURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("fetch status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return backoff.Permanent(fmt.Errorf("fetch status %d", resp.StatusCode))
	}

	tmp, err := os.CreateTemp(d.cacheDir, filepath.Base(dest)+".tmp*")
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create temp file: %w", err))
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("write granule: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close granule file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return backoff.Permanent(fmt.Errorf("rename granule file: %w", err))
	}
	return nil
}
